// Copyright 2018 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadowsocks

import (
	"crypto/rand"
	"fmt"
	"io"
)

// MaxUDPPacketSize is the largest UDP payload an IPv4 datagram can carry
// (65535 minus the 20-byte IP and 8-byte UDP headers).
const MaxUDPPacketSize = 65507

// Pack encrypts plaintext into dst as salt||ciphertext||tag (a fresh
// random salt per call, zero nonce), per the Shadowsocks UDP AEAD format.
// For MethodNone it copies plaintext into dst verbatim. dst's storage is
// reused when it has room; otherwise (including a nil dst) a new buffer is
// allocated.
func Pack(dst []byte, plaintext []byte, c *Cipher) ([]byte, error) {
	if !c.IsAEAD() {
		return append(dst[:0], plaintext...), nil
	}
	saltSize := c.SaltSize()
	if cap(dst) < saltSize {
		dst = make([]byte, saltSize)
	} else {
		dst = dst[:saltSize]
	}
	if _, err := io.ReadFull(rand.Reader, dst[:saltSize]); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %v", err)
	}
	aead, err := c.aead.Encrypter(dst[:saltSize])
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %v", err)
	}
	nonce := make([]byte, aead.NonceSize())
	out := aead.Seal(dst[:saltSize], nonce, plaintext, nil)
	return out, nil
}

// Unpack decrypts a single datagram: salt||ciphertext||tag for AEAD
// methods, or a verbatim copy for MethodNone.
func Unpack(dst []byte, pkt []byte, c *Cipher) ([]byte, error) {
	if !c.IsAEAD() {
		return append(dst[:0], pkt...), nil
	}
	saltSize := c.SaltSize()
	if len(pkt) < saltSize {
		return nil, fmt.Errorf("packet too short for salt: %d < %d", len(pkt), saltSize)
	}
	salt := pkt[:saltSize]
	aead, err := c.aead.Decrypter(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %v", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if cap(dst) < len(pkt) {
		dst = make([]byte, 0, len(pkt))
	}
	out, err := aead.Open(dst[:0], nonce, pkt[saltSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %v", err)
	}
	return out, nil
}
