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
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"io/ioutil"
	"testing"
)

func roundTripAEAD(t *testing.T, method Method, chunks [][]byte) []byte {
	t.Helper()
	c, err := NewCipher(method, "test password")
	if err != nil {
		t.Fatal(err)
	}
	var wire bytes.Buffer
	w := NewWriter(&wire, c)
	var want bytes.Buffer
	for _, chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			t.Fatal(err)
		}
		want.Write(chunk)
	}

	r := NewReader(&wire, c)
	got, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), want.Len())
	}
	return got
}

func TestStreamRoundTripSmallMessage(t *testing.T) {
	roundTripAEAD(t, MethodAES256GCM, [][]byte{[]byte("hello, world")})
}

func TestStreamRoundTripMultipleWrites(t *testing.T) {
	roundTripAEAD(t, MethodChaCha20IETFPoly1305, [][]byte{
		[]byte("first chunk"),
		[]byte("second chunk"),
		[]byte("third"),
	})
}

func TestStreamRoundTripLargerThanOneChunk(t *testing.T) {
	big := make([]byte, payloadSizeMask*2+123)
	if _, err := rand.Read(big); err != nil {
		t.Fatal(err)
	}
	roundTripAEAD(t, MethodAES128GCM, [][]byte{big})
}

func TestStreamNoneIsPassthrough(t *testing.T) {
	c, err := NewCipher(MethodNone, "")
	if err != nil {
		t.Fatal(err)
	}
	var wire bytes.Buffer
	w := NewWriter(&wire, c)
	payload := []byte("plain bytes, no framing")
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wire.Bytes(), payload) {
		t.Fatal("MethodNone writer should not add any framing")
	}

	r := NewReader(bytes.NewReader(wire.Bytes()), c)
	got, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("MethodNone reader should not strip anything")
	}
}

func TestStreamRejectsOversizedPayloadLength(t *testing.T) {
	c, err := NewCipher(MethodAES256GCM, "test password")
	if err != nil {
		t.Fatal(err)
	}
	var wire bytes.Buffer
	w := NewWriter(&wire, c)
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	// Forge the length field's plaintext is not directly reachable once
	// sealed; instead verify the limit itself: payloadSizeMask must equal
	// 0x3FFF and a chunkReader must fail closed on any larger claimed value.
	if payloadSizeMask != 0x3FFF {
		t.Fatalf("payloadSizeMask = %#x, want 0x3FFF", payloadSizeMask)
	}

	// Build a chunk stream by hand: a valid salt, then a length field that
	// decrypts to 0x4000 once past the mask, by crafting a correctly sealed
	// block for that value and confirming ReadChunk refuses it.
	salt := make([]byte, c.SaltSize())
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		t.Fatal(err)
	}
	enc, err := c.aead.Encrypter(salt)
	if err != nil {
		t.Fatal(err)
	}
	nonce := make([]byte, enc.NonceSize())
	sizeBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(sizeBuf, 0x4000)
	sealed := enc.Seal(nil, nonce, sizeBuf, nil)

	forged := append(append([]byte{}, salt...), sealed...)
	r := &chunkReader{reader: bytes.NewReader(forged), cipher: c}
	if _, err := r.ReadChunk(); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestStreamTruncatedSaltIsEOF(t *testing.T) {
	c, err := NewCipher(MethodAES256GCM, "test password")
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader([]byte{1, 2, 3}), c)
	if _, err := ioutil.ReadAll(r); err == nil {
		t.Fatal("expected an error reading a truncated salt")
	}
}
