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

// Package shadowsocks implements the Shadowsocks AEAD wire protocol: cipher
// construction, chunked TCP framing and one-shot UDP framing, and the
// embedded SOCKS5-style address header.
package shadowsocks

import (
	"crypto/md5"
	"errors"

	"github.com/shadowsocks/go-shadowsocks2/shadowaead"
)

// Method identifies a Shadowsocks cipher by its wire name.
type Method string

const (
	MethodNone                 Method = "none"
	MethodAES128GCM            Method = "aes-128-gcm"
	MethodAES256GCM            Method = "aes-256-gcm"
	MethodChaCha20IETFPoly1305 Method = "chacha20-ietf-poly1305"
)

// ErrUnsupportedMethod is returned when a method string isn't one of the
// four supported by this package.
var ErrUnsupportedMethod = errors.New("unsupported cipher method")

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	switch m {
	case MethodNone, MethodAES128GCM, MethodAES256GCM, MethodChaCha20IETFPoly1305:
		return true
	}
	return false
}

// KeySize returns the master key length in bytes for m.
func (m Method) KeySize() int {
	switch m {
	case MethodAES128GCM:
		return 16
	case MethodAES256GCM, MethodChaCha20IETFPoly1305:
		return 32
	default:
		return 0
	}
}

// EVPBytesToKey reproduces OpenSSL's EVP_BytesToKey with no salt and an
// iteration count of 1, the legacy KDF Shadowsocks uses to turn a
// user-supplied password into a master key. It performs exactly
// ceil(keySize/16) MD5 invocations.
func EVPBytesToKey(password string, keySize int) []byte {
	pwd := []byte(password)
	var blocks [][]byte
	var prev []byte
	for len(blocks)*md5.Size < keySize {
		h := md5.New()
		h.Write(prev)
		h.Write(pwd)
		sum := h.Sum(nil)
		blocks = append(blocks, sum)
		prev = sum
	}
	key := make([]byte, 0, keySize)
	for _, b := range blocks {
		key = append(key, b...)
	}
	return key[:keySize]
}

// Cipher binds a Method to a derived master key and, for AEAD methods, the
// go-shadowsocks2 AEAD cipher used to build per-direction subkeys. Method
// "none" carries no aead and its Reader/Writer are pass-through.
type Cipher struct {
	Method Method
	aead   shadowaead.Cipher
}

// NewCipher derives the master key from password and builds the AEAD
// cipher object for method, or a no-op Cipher for MethodNone.
func NewCipher(method Method, password string) (*Cipher, error) {
	if !method.Valid() {
		return nil, ErrUnsupportedMethod
	}
	if method == MethodNone {
		return &Cipher{Method: method}, nil
	}
	key := EVPBytesToKey(password, method.KeySize())
	var aead shadowaead.Cipher
	var err error
	switch method {
	case MethodAES128GCM, MethodAES256GCM:
		aead, err = shadowaead.AESGCM(key)
	case MethodChaCha20IETFPoly1305:
		aead, err = shadowaead.Chacha20Poly1305(key)
	}
	if err != nil {
		return nil, err
	}
	return &Cipher{Method: method, aead: aead}, nil
}

// SaltSize returns the salt length used by the AEAD construction, or 0 for
// MethodNone.
func (c *Cipher) SaltSize() int {
	if c.aead == nil {
		return 0
	}
	return c.aead.SaltSize()
}

// IsAEAD reports whether this cipher uses the AEAD chunked framing.
func (c *Cipher) IsAEAD() bool {
	return c.aead != nil
}
