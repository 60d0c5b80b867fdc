// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package present

// releaseRingDepth is how many of the most recent zero-copy presents
// are withheld from reuse. Two frames covers a compositor that is
// scanning out one buffer while compositing from the next.
const releaseRingDepth = 2

// releaseRing is a fixed-depth delay line of image indices. Zero-copy
// transports hand the display server buffers it reads asynchronously;
// instead of waiting for per-buffer release events, the ring holds the
// last depth presented images back and frees the oldest on each
// insert. This bounds added latency to depth frames while making
// reuse-before-release races impossible.
type releaseRing struct {
	slots [releaseRingDepth]int
	pos   int
	count int
}

// insert stores idx and returns the evicted oldest index. ok is false
// while the ring is still filling and nothing is evicted.
func (r *releaseRing) insert(idx int) (evicted int, ok bool) {
	if r.count < len(r.slots) {
		r.slots[r.pos] = idx
		r.pos = (r.pos + 1) % len(r.slots)
		r.count++
		return 0, false
	}
	evicted = r.slots[r.pos]
	r.slots[r.pos] = idx
	r.pos = (r.pos + 1) % len(r.slots)
	return evicted, true
}

// drain empties the ring, returning all held indices. Used at teardown
// so destruction never waits out the delay.
func (r *releaseRing) drain() []int {
	var held []int
	for i := 0; i < r.count; i++ {
		held = append(held, r.slots[(r.pos-r.count+i+len(r.slots)*2)%len(r.slots)])
	}
	r.count = 0
	r.pos = 0
	return held
}
