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

// Package cipherman implements find-access-user: identifying which
// registered user owns an inbound connection on a shared port, by trial
// decryption against each candidate's cipher in access-order-descending
// order, guarded against salt replay.
package cipherman

import (
	"bytes"
	"errors"
	"io"
	"sync"

	logging "github.com/op/go-logging"

	"github.com/outline-multiuser/ssrelay/registry"
	"github.com/outline-multiuser/ssrelay/replay"
	"github.com/outline-multiuser/ssrelay/shadowsocks"
)

var log = logging.MustGetLogger("cipherman")

// Failure reasons returned by Find{TCP,UDP}, distinguished so callers can
// log or count them separately without parsing error strings.
var (
	ErrNoCandidates   = errors.New("no enabled user listens on this port")
	ErrReplayedSalt   = errors.New("salt already seen: replay")
	ErrNoMatchingUser = errors.New("no candidate's cipher decrypted this connection")
	ErrUserDisabled   = errors.New("user is disabled")
)

// Manager resolves inbound connections to registered users by trial
// decryption. It caches derived Cipher objects per user so repeat
// connections from the same user don't re-run the password KDF.
type Manager struct {
	reg   *registry.Registry
	guard *replay.Guard

	mu      sync.Mutex
	ciphers map[int64]cachedCipher
}

type cachedCipher struct {
	method   shadowsocks.Method
	password string
	cipher   *shadowsocks.Cipher
}

// New builds a Manager backed by reg for user lookups and guard for replay
// detection.
func New(reg *registry.Registry, guard *replay.Guard) *Manager {
	return &Manager{
		reg:     reg,
		guard:   guard,
		ciphers: make(map[int64]cachedCipher),
	}
}

// cipherFor returns u's Cipher, building and caching it if u's method or
// password changed since the last lookup.
func (m *Manager) cipherFor(u *registry.User) (*shadowsocks.Cipher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.ciphers[u.UserID]; ok && c.method == u.Method && c.password == u.Password {
		return c.cipher, nil
	}
	c, err := shadowsocks.NewCipher(u.Method, u.Password)
	if err != nil {
		return nil, err
	}
	m.ciphers[u.UserID] = cachedCipher{method: u.Method, password: u.Password, cipher: c}
	return c, nil
}

// BoundUser is the outcome of a successful find-access-user: the user that
// owns the connection and the Cipher to use for the rest of it.
type BoundUser struct {
	User   *registry.User
	Cipher *shadowsocks.Cipher
}

func enabledCandidates(users []*registry.User) []*registry.User {
	out := make([]*registry.User, 0, len(users))
	for _, u := range users {
		if u.Enable {
			out = append(out, u)
		}
	}
	return out
}

// FindTCP identifies which user owns the byte stream read from src, trying
// candidates registered on port in access-order-descending order (spec
// §4.5) and checking each candidate's salt against the replay guard before
// spending a trial decrypt on it. On success it returns the bound user and
// a Reader that continues decrypting src from exactly where the trial left
// off — the caller must read the rest of the connection through it rather
// than through src directly.
//
// Even when exactly one enabled user is registered on port (the common,
// non-shared-port case), the salt still passes through the replay guard:
// replay defense is not limited to shared ports.
func (m *Manager) FindTCP(src io.Reader, port uint16) (*BoundUser, shadowsocks.Reader, error) {
	candidates := enabledCandidates(m.reg.ListByPort(port))
	if len(candidates) == 0 {
		return nil, nil, ErrNoCandidates
	}

	// Buffer everything read during trial decryption so the winning
	// candidate's real Reader can replay it from the start.
	var buffered bytes.Buffer
	tee := io.TeeReader(src, &buffered)

	allReplayed := true
	for _, u := range candidates {
		c, err := m.cipherFor(u)
		if err != nil {
			log.Warningf("cipherman: user %d has an invalid cipher: %v", u.UserID, err)
			continue
		}
		salt := make([]byte, c.SaltSize())
		trialSrc := io.MultiReader(bytes.NewReader(buffered.Bytes()), tee)
		if _, err := io.ReadFull(trialSrc, salt); err != nil {
			continue
		}
		if m.guard.Contains(salt) {
			continue
		}
		allReplayed = false

		probe := make([]byte, 1)
		candidateSrc := io.MultiReader(bytes.NewReader(buffered.Bytes()), tee)
		reader := shadowsocks.NewReader(candidateSrc, c)
		if _, err := io.ReadFull(reader, probe); err != nil {
			continue
		}

		m.guard.Add(salt)
		m.reg.BumpAccessOrder(u.UserID)
		return &BoundUser{User: u, Cipher: c}, &splicedReader{first: probe, rest: reader}, nil
	}
	if allReplayed {
		return nil, nil, ErrReplayedSalt
	}
	return nil, nil, ErrNoMatchingUser
}

// splicedReader re-prepends a byte already pulled out of rest so the caller
// sees an unbroken stream.
type splicedReader struct {
	first []byte
	rest  shadowsocks.Reader
}

func (s *splicedReader) Read(b []byte) (int, error) {
	if len(s.first) > 0 {
		n := copy(b, s.first)
		s.first = s.first[n:]
		return n, nil
	}
	return s.rest.Read(b)
}

func (s *splicedReader) WriteTo(w io.Writer) (int64, error) {
	var written int64
	if len(s.first) > 0 {
		n, err := w.Write(s.first)
		written += int64(n)
		s.first = nil
		if err != nil {
			return written, err
		}
	}
	n, err := s.rest.WriteTo(w)
	return written + n, err
}

// FindUDP identifies which user a single UDP datagram belongs to, by trial
// decryption in access-order-descending order, and returns the bound user
// and the decrypted plaintext. Unlike FindTCP there is nothing to splice: a
// datagram is unpacked whole.
func (m *Manager) FindUDP(packet []byte, port uint16) (*BoundUser, []byte, error) {
	candidates := enabledCandidates(m.reg.ListByPort(port))
	if len(candidates) == 0 {
		return nil, nil, ErrNoCandidates
	}

	allReplayed := true
	for _, u := range candidates {
		c, err := m.cipherFor(u)
		if err != nil {
			log.Warningf("cipherman: user %d has an invalid cipher: %v", u.UserID, err)
			continue
		}
		saltSize := c.SaltSize()
		if len(packet) < saltSize {
			continue
		}
		salt := packet[:saltSize]
		if m.guard.Contains(salt) {
			continue
		}
		allReplayed = false

		plaintext, err := shadowsocks.Unpack(nil, packet, c)
		if err != nil {
			continue
		}

		m.guard.Add(salt)
		m.reg.BumpAccessOrder(u.UserID)
		return &BoundUser{User: u, Cipher: c}, plaintext, nil
	}
	if allReplayed {
		return nil, nil, ErrReplayedSalt
	}
	return nil, nil, ErrNoMatchingUser
}
