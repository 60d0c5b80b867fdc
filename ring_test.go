// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package present

import "testing"

func TestReleaseRingEviction(t *testing.T) {
	var r releaseRing

	// The first two inserts fill the ring without evicting.
	if _, ok := r.insert(0); ok {
		t.Fatal("insert(0) evicted while filling")
	}
	if _, ok := r.insert(1); ok {
		t.Fatal("insert(1) evicted while filling")
	}

	// From the third insert on, the oldest entry comes back out.
	evicted, ok := r.insert(2)
	if !ok || evicted != 0 {
		t.Fatalf("insert(2) = (%d, %v), want (0, true)", evicted, ok)
	}
	evicted, ok = r.insert(3)
	if !ok || evicted != 1 {
		t.Fatalf("insert(3) = (%d, %v), want (1, true)", evicted, ok)
	}
}

func TestReleaseRingDrain(t *testing.T) {
	var r releaseRing

	if got := r.drain(); len(got) != 0 {
		t.Fatalf("drain of empty ring = %v, want empty", got)
	}

	r.insert(4)
	r.insert(7)
	got := r.drain()
	if len(got) != 2 || got[0] != 4 || got[1] != 7 {
		t.Fatalf("drain = %v, want [4 7]", got)
	}
	if got := r.drain(); len(got) != 0 {
		t.Fatalf("second drain = %v, want empty", got)
	}

	// A partially filled ring drains its single entry.
	r.insert(9)
	got = r.drain()
	if len(got) != 1 || got[0] != 9 {
		t.Fatalf("drain = %v, want [9]", got)
	}
}
