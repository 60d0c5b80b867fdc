// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package drmfmt maps GoGPU texture formats onto DRM fourcc codes and
// format modifiers, the vocabulary every Linux presentation transport
// (DRI3, linux-dmabuf, KMS) speaks.
//
// Only the swapchain-presentable subset is covered; this is not a general
// DRM format database.
package drmfmt

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// FourCC is a DRM pixel format code as defined by drm_fourcc.h.
type FourCC uint32

// Modifier is a DRM format modifier describing tiling/compression layout.
type Modifier uint64

// Format modifiers.
const (
	// ModifierLinear is plain row-major memory with no tiling.
	ModifierLinear Modifier = 0

	// ModifierInvalid means the layout is implementation defined and must
	// not be communicated across processes.
	ModifierInvalid Modifier = 0x00ffffffffffffff
)

// fourcc assembles a code from its four character bytes.
func fourcc(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Single-plane 32-bit formats used by swapchain images.
// Component order in the name is most-significant to least-significant,
// per DRM convention (little-endian packed).
var (
	ARGB8888 = fourcc('A', 'R', '2', '4')
	XRGB8888 = fourcc('X', 'R', '2', '4')
	ABGR8888 = fourcc('A', 'B', '2', '4')
	XBGR8888 = fourcc('X', 'B', '2', '4')
)

// FromTexture converts a GoGPU texture format to its DRM fourcc equivalent.
// RGBA8 byte order corresponds to DRM ABGR8888 and BGRA8 to ARGB8888
// because DRM codes name components from high bit to low bit of the
// little-endian packed word.
func FromTexture(f gputypes.TextureFormat) (FourCC, error) {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm:
		return ABGR8888, nil
	case gputypes.TextureFormatBGRA8Unorm:
		return ARGB8888, nil
	default:
		return 0, fmt.Errorf("drmfmt: no fourcc for texture format %v", f)
	}
}

// Opaque remaps an alpha-carrying format to its X (ignore alpha) variant.
// Compositors blend buffers with alpha formats; a swapchain image's alpha
// channel is undefined, so presenting it unremapped causes see-through
// windows.
func (f FourCC) Opaque() FourCC {
	switch f {
	case ARGB8888:
		return XRGB8888
	case ABGR8888:
		return XBGR8888
	}
	return f
}

// HasAlpha reports whether the format carries an alpha channel.
func (f FourCC) HasAlpha() bool {
	return f == ARGB8888 || f == ABGR8888
}

// BytesPerPixel returns the per-pixel storage size.
func (f FourCC) BytesPerPixel() int {
	switch f {
	case ARGB8888, XRGB8888, ABGR8888, XBGR8888:
		return 4
	}
	return 0
}

// PlaneCount returns the number of memory planes of the format.
func (f FourCC) PlaneCount() int {
	switch f {
	case ARGB8888, XRGB8888, ABGR8888, XBGR8888:
		return 1
	}
	return 0
}

// Depth returns the X11 visual depth that matches the format: 24 for
// formats without alpha, 32 with.
func (f FourCC) Depth() int {
	if f.HasAlpha() {
		return 32
	}
	return 24
}

// String renders the code as its four characters, e.g. "XR24".
func (f FourCC) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}
