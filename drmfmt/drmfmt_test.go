// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package drmfmt

import (
	"testing"

	"github.com/gogpu/gputypes"
)

// TestFromTexture verifies the texture format to fourcc mapping.
func TestFromTexture(t *testing.T) {
	tests := []struct {
		name string
		in   gputypes.TextureFormat
		want FourCC
	}{
		{"rgba8", gputypes.TextureFormatRGBA8Unorm, ABGR8888},
		{"bgra8", gputypes.TextureFormatBGRA8Unorm, ARGB8888},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromTexture(tt.in)
			if err != nil {
				t.Fatalf("FromTexture(%v): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("FromTexture(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

// TestFromTextureUnsupported verifies unsupported formats error out.
func TestFromTextureUnsupported(t *testing.T) {
	if _, err := FromTexture(gputypes.TextureFormat(0)); err == nil {
		t.Error("FromTexture(undefined) should fail")
	}
}

// TestOpaqueRemap verifies alpha formats remap to their X variants.
func TestOpaqueRemap(t *testing.T) {
	if got := ARGB8888.Opaque(); got != XRGB8888 {
		t.Errorf("ARGB8888.Opaque() = %s, want %s", got, XRGB8888)
	}
	if got := ABGR8888.Opaque(); got != XBGR8888 {
		t.Errorf("ABGR8888.Opaque() = %s, want %s", got, XBGR8888)
	}
	// Already-opaque formats are unchanged.
	if got := XRGB8888.Opaque(); got != XRGB8888 {
		t.Errorf("XRGB8888.Opaque() = %s, want %s", got, XRGB8888)
	}
}

// TestString verifies fourcc codes render as their character form.
func TestString(t *testing.T) {
	if got := XRGB8888.String(); got != "XR24" {
		t.Errorf("XRGB8888.String() = %q, want %q", got, "XR24")
	}
	if got := ABGR8888.String(); got != "AB24" {
		t.Errorf("ABGR8888.String() = %q, want %q", got, "AB24")
	}
}

// TestDepth verifies X11 depth mapping.
func TestDepth(t *testing.T) {
	if d := XRGB8888.Depth(); d != 24 {
		t.Errorf("XRGB8888.Depth() = %d, want 24", d)
	}
	if d := ARGB8888.Depth(); d != 32 {
		t.Errorf("ARGB8888.Depth() = %d, want 32", d)
	}
}
