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

// Package replay implements the process-wide salt replay guard (spec
// §4.3): an approximate set that auto-resets once it reaches its
// configured capacity, trading exact detection over long windows for
// bounded memory.
package replay

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/greatroar/blobloom"
)

// DefaultCapacity and DefaultFPRate size the Bloom filter for ~10^6
// distinct salts at a false-positive rate of ~10^-6, per spec §4.3.
const (
	DefaultCapacity = 1_000_000
	DefaultFPRate   = 1e-6
)

// Guard is a thread-safe, auto-resetting approximate set of recently seen
// salts. After DefaultCapacity insertions into the current generation, it
// rotates: the current filter becomes the backup generation and a fresh
// empty filter takes over, so one generation of history survives a
// rotation and false negatives stay rare even across the boundary.
type Guard struct {
	mu       sync.Mutex
	capacity uint64
	fpRate   float64
	current  *blobloom.Filter
	previous *blobloom.Filter
	inserted uint64
}

// New creates a Guard sized for capacity elements at the given false
// positive rate.
func New(capacity uint64, fpRate float64) *Guard {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if fpRate <= 0 {
		fpRate = DefaultFPRate
	}
	return &Guard{
		capacity: capacity,
		fpRate:   fpRate,
		current:  newFilter(capacity, fpRate),
	}
}

// NewDefault creates a Guard with spec §4.3's default sizing.
func NewDefault() *Guard {
	return New(DefaultCapacity, DefaultFPRate)
}

func newFilter(capacity uint64, fpRate float64) *blobloom.Filter {
	return blobloom.NewOptimized(blobloom.Config{
		Capacity: capacity,
		FPRate:   fpRate,
	})
}

// hash maps an arbitrary-length salt to the uint64 blobloom expects.
func hash(salt []byte) uint64 {
	sum := sha256.Sum256(salt)
	return binary.BigEndian.Uint64(sum[:8])
}

// Contains reports whether salt has been seen (or is a Bloom-filter false
// positive) in the current or previous generation.
func (g *Guard) Contains(salt []byte) bool {
	h := hash(salt)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current.Has(h) {
		return true
	}
	return g.previous != nil && g.previous.Has(h)
}

// Add records salt as seen. It rotates to a fresh generation after
// capacity insertions into the current one.
func (g *Guard) Add(salt []byte) {
	h := hash(salt)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current.Add(h)
	g.inserted++
	if g.inserted >= g.capacity {
		g.previous = g.current
		g.current = newFilter(g.capacity, g.fpRate)
		g.inserted = 0
	}
}

// CheckAndAdd is the common case: reject if salt was already seen,
// otherwise record it. Returns true if salt was already present (a
// replay).
func (g *Guard) CheckAndAdd(salt []byte) (replayed bool) {
	h := hash(salt)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current.Has(h) || (g.previous != nil && g.previous.Has(h)) {
		return true
	}
	g.current.Add(h)
	g.inserted++
	if g.inserted >= g.capacity {
		g.previous = g.current
		g.current = newFilter(g.capacity, g.fpRate)
		g.inserted = 0
	}
	return false
}
