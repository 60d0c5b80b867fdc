// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package memory defines the external-memory backing boundary of the
// presentation library.
//
// A swapchain does not allocate GPU memory itself. It asks an Allocator
// for file-descriptor-backed buffers matching one of a set of format
// candidates, and receives per-plane stride/offset metadata along with
// the format and modifier that were actually chosen. GPU drivers plug in
// their own DMA-BUF heap allocators; the package also provides a
// memfd-backed allocator for the host-visible linear path (SHM
// presentation and tests).
package memory

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gogpu/present/drmfmt"
)

// MaxPlanes is the maximum number of memory planes per image.
const MaxPlanes = 4

// ErrNoCandidate is returned when an allocator supports none of the
// requested format candidates.
var ErrNoCandidate = errors.New("memory: no usable format candidate")

// Plane describes one memory plane of an allocated image.
type Plane struct {
	// Fd is the file descriptor backing the plane. Planes of a
	// non-disjoint image share a descriptor.
	Fd int

	// Stride is the row pitch in bytes.
	Stride uint32

	// Offset is the byte offset of the plane within its descriptor.
	Offset uint32
}

// Candidate is one acceptable format+modifier pair, in caller preference
// order.
type Candidate struct {
	Format   drmfmt.FourCC
	Modifier drmfmt.Modifier
}

// Flags adjust allocation behavior.
type Flags uint32

const (
	// FlagProtected requests protected (non-host-readable) memory.
	FlagProtected Flags = 1 << iota

	// FlagNoMemory performs format negotiation only; the returned
	// descriptor carries the chosen format but no descriptors.
	FlagNoMemory
)

// Descriptor is the result of an allocation: the chosen format plus the
// per-plane backing descriptors.
type Descriptor struct {
	Planes     [MaxPlanes]Plane
	PlaneCount int

	// Disjoint reports whether planes live in separate memory objects.
	Disjoint bool

	Format   drmfmt.FourCC
	Modifier drmfmt.Modifier

	// Size is the total byte size of the plane 0 memory object.
	Size int

	// data is the host mapping, when one exists.
	data []byte
}

// Allocator produces external-memory image backings.
type Allocator interface {
	// Allocate picks the first supported candidate and returns buffers
	// for a width x height image.
	Allocate(candidates []Candidate, width, height uint32, flags Flags) (*Descriptor, error)

	// Free releases a descriptor's resources, including its fds.
	Free(*Descriptor)
}

// Map returns a host mapping of the plane 0 memory object. The mapping
// is cached; Free unmaps it.
func (d *Descriptor) Map() ([]byte, error) {
	if d.data != nil {
		return d.data, nil
	}
	if d.PlaneCount == 0 || d.Planes[0].Fd < 0 {
		return nil, errors.New("memory: descriptor has no backing fd")
	}
	data, err := unix.Mmap(d.Planes[0].Fd, 0, d.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap: %w", err)
	}
	d.data = data
	return data, nil
}

// unmap drops the cached host mapping, if any.
func (d *Descriptor) unmap() {
	if d.data != nil {
		_ = unix.Munmap(d.data)
		d.data = nil
	}
}

// DupFd duplicates the plane 0 descriptor. Callers hand the duplicate to
// transports that take fd ownership (DRI3 pixmap import).
func (d *Descriptor) DupFd() (int, error) {
	if d.PlaneCount == 0 || d.Planes[0].Fd < 0 {
		return -1, errors.New("memory: descriptor has no backing fd")
	}
	fd, err := unix.FcntlInt(uintptr(d.Planes[0].Fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("memory: dup: %w", err)
	}
	return fd, nil
}

// closeFds closes each distinct plane fd exactly once.
func (d *Descriptor) closeFds() {
	for i := 0; i < d.PlaneCount; i++ {
		fd := d.Planes[i].Fd
		if fd < 0 {
			continue
		}
		for j := i + 1; j < d.PlaneCount; j++ {
			if d.Planes[j].Fd == fd {
				d.Planes[j].Fd = -1
			}
		}
		_ = unix.Close(fd)
		d.Planes[i].Fd = -1
	}
}

// MemfdAllocator allocates linear, host-visible images backed by
// anonymous memfd segments. It serves the CPU-copy presentation path and
// stands in for a DMA-BUF heap in environments without one.
type MemfdAllocator struct{}

// NewMemfdAllocator returns a ready-to-use allocator.
func NewMemfdAllocator() *MemfdAllocator { return &MemfdAllocator{} }

// Allocate implements Allocator. Only single-plane formats with the
// linear modifier are supported.
func (a *MemfdAllocator) Allocate(candidates []Candidate, width, height uint32, flags Flags) (*Descriptor, error) {
	if flags&FlagProtected != 0 {
		return nil, errors.New("memory: memfd allocator cannot provide protected memory")
	}

	var chosen *Candidate
	for i := range candidates {
		c := &candidates[i]
		if c.Format.PlaneCount() == 1 &&
			(c.Modifier == drmfmt.ModifierLinear || c.Modifier == drmfmt.ModifierInvalid) {
			chosen = c
			break
		}
	}
	if chosen == nil {
		return nil, ErrNoCandidate
	}

	stride := width * uint32(chosen.Format.BytesPerPixel())
	size := int(stride) * int(height)

	d := &Descriptor{
		PlaneCount: 1,
		Format:     chosen.Format,
		Modifier:   drmfmt.ModifierLinear,
		Size:       size,
	}
	d.Planes[0] = Plane{Fd: -1, Stride: stride}

	if flags&FlagNoMemory != 0 {
		return d, nil
	}

	fd, err := unix.MemfdCreate("present-image", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memory: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memory: ftruncate: %w", err)
	}
	// Seal the size so transports importing the fd can trust it.
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW)

	d.Planes[0].Fd = fd
	return d, nil
}

// Free implements Allocator.
func (a *MemfdAllocator) Free(d *Descriptor) {
	if d == nil {
		return
	}
	d.unmap()
	d.closeFds()
}
