// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package memory

import (
	"testing"

	"github.com/gogpu/present/drmfmt"
)

// TestMemfdAllocate verifies a linear RGBA allocation produces a mapped,
// correctly sized single-plane descriptor.
func TestMemfdAllocate(t *testing.T) {
	a := NewMemfdAllocator()
	d, err := a.Allocate([]Candidate{
		{Format: drmfmt.XBGR8888, Modifier: drmfmt.ModifierLinear},
	}, 64, 32, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Free(d)

	if d.PlaneCount != 1 {
		t.Errorf("PlaneCount = %d, want 1", d.PlaneCount)
	}
	if d.Planes[0].Stride != 64*4 {
		t.Errorf("Stride = %d, want %d", d.Planes[0].Stride, 64*4)
	}
	if d.Size != 64*4*32 {
		t.Errorf("Size = %d, want %d", d.Size, 64*4*32)
	}
	if d.Planes[0].Fd < 0 {
		t.Fatal("descriptor has no backing fd")
	}

	data, err := d.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(data) != d.Size {
		t.Errorf("mapping size = %d, want %d", len(data), d.Size)
	}

	// The mapping must be writable and stable across Map calls.
	data[0] = 0xAB
	again, err := d.Map()
	if err != nil {
		t.Fatalf("Map (cached): %v", err)
	}
	if again[0] != 0xAB {
		t.Error("cached mapping does not alias first mapping")
	}
}

// TestMemfdCandidateSelection verifies preference order and rejection of
// unusable candidates.
func TestMemfdCandidateSelection(t *testing.T) {
	a := NewMemfdAllocator()

	// A tiled candidate ahead of a linear one: the linear wins.
	d, err := a.Allocate([]Candidate{
		{Format: drmfmt.XRGB8888, Modifier: drmfmt.Modifier(0x0100000000000001)},
		{Format: drmfmt.ARGB8888, Modifier: drmfmt.ModifierLinear},
	}, 16, 16, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if d.Format != drmfmt.ARGB8888 {
		t.Errorf("Format = %s, want %s", d.Format, drmfmt.ARGB8888)
	}
	a.Free(d)

	// No linear candidate at all: fail with ErrNoCandidate.
	_, err = a.Allocate([]Candidate{
		{Format: drmfmt.XRGB8888, Modifier: drmfmt.Modifier(0x0100000000000001)},
	}, 16, 16, 0)
	if err != ErrNoCandidate {
		t.Errorf("Allocate = %v, want ErrNoCandidate", err)
	}
}

// TestMemfdNoMemory verifies negotiation-only allocation returns the
// chosen format without descriptors.
func TestMemfdNoMemory(t *testing.T) {
	a := NewMemfdAllocator()
	d, err := a.Allocate([]Candidate{
		{Format: drmfmt.XBGR8888, Modifier: drmfmt.ModifierLinear},
	}, 8, 8, FlagNoMemory)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Free(d)

	if d.Planes[0].Fd != -1 {
		t.Errorf("Fd = %d, want -1 for negotiation-only allocation", d.Planes[0].Fd)
	}
	if d.Format != drmfmt.XBGR8888 {
		t.Errorf("Format = %s, want %s", d.Format, drmfmt.XBGR8888)
	}
}

// TestDupFd verifies descriptor duplication yields an independent fd.
func TestDupFd(t *testing.T) {
	a := NewMemfdAllocator()
	d, err := a.Allocate([]Candidate{
		{Format: drmfmt.XBGR8888, Modifier: drmfmt.ModifierLinear},
	}, 4, 4, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Free(d)

	dup, err := d.DupFd()
	if err != nil {
		t.Fatalf("DupFd: %v", err)
	}
	if dup == d.Planes[0].Fd {
		t.Error("DupFd returned the original fd")
	}
	closeFd(t, dup)
}
