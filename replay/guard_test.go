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

package replay

import (
	"encoding/binary"
	"testing"
)

func saltN(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func TestCheckAndAddDetectsReplay(t *testing.T) {
	g := New(1000, 1e-6)
	salt := saltN(1)
	if g.CheckAndAdd(salt) {
		t.Fatal("first use should not be a replay")
	}
	if !g.CheckAndAdd(salt) {
		t.Fatal("second use of the same salt should be a replay")
	}
}

func TestContainsDoesNotInsert(t *testing.T) {
	g := New(1000, 1e-6)
	salt := saltN(42)
	if g.Contains(salt) {
		t.Fatal("unseen salt should not be contained")
	}
	if g.Contains(salt) {
		t.Fatal("Contains must not have a side effect of inserting")
	}
	g.Add(salt)
	if !g.Contains(salt) {
		t.Fatal("salt should be contained after Add")
	}
}

func TestDistinctSaltsDoNotCollide(t *testing.T) {
	g := New(1000, 1e-6)
	for i := uint64(0); i < 100; i++ {
		if g.CheckAndAdd(saltN(i)) {
			t.Fatalf("salt %d falsely reported as already seen", i)
		}
	}
}

func TestRotationPreservesRecentHistory(t *testing.T) {
	const capacity = 64
	g := New(capacity, 1e-3)

	// Fill the first generation to capacity; the capacity-th Add rotates it.
	for i := uint64(0); i < capacity; i++ {
		g.Add(saltN(i))
	}
	// The last salt added before rotation should still be detected as a
	// replay: the full generation became the backup on rotation.
	last := saltN(capacity - 1)
	if !g.Contains(last) {
		t.Fatal("expected the most recently added salt to survive a rotation")
	}

	// One more insertion goes into the fresh generation.
	g.Add(saltN(capacity))
	if !g.Contains(last) {
		t.Fatal("expected history to survive into the previous generation after rotation")
	}
}
