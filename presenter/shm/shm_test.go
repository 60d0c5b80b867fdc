// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package shm

import (
	"bytes"
	"testing"

	"github.com/gogpu/present/presenter"
)

func TestContract(t *testing.T) {
	p := New()
	if p.Kind() != presenter.KindSHM {
		t.Errorf("Kind = %v", p.Kind())
	}
	if p.DeferredRelease() {
		t.Error("DeferredRelease = true; the copy completes inside PresentImage")
	}
	if Available(nil) {
		t.Error("Available = true without an X connection")
	}
	if err := p.PresentImage(&presenter.Image{}, 0); err != presenter.ErrNotInitialized {
		t.Errorf("PresentImage before Init = %v, want ErrNotInitialized", err)
	}
}

// TestBlitPreservesBytes verifies the copy into the shared segment is
// byte-for-byte, including when the source rows carry padding.
func TestBlitPreservesBytes(t *testing.T) {
	const width, rows = 7, 3

	for _, tc := range []struct {
		name   string
		stride int
	}{
		{"tight", width * 4},
		{"padded", width*4 + 36},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := make([]byte, tc.stride*rows)
			for y := 0; y < rows; y++ {
				for x := 0; x < width*4; x++ {
					src[y*tc.stride+x] = byte(y*131 + x)
				}
			}

			dst := make([]byte, width*4*rows)
			blit(dst, src, width, rows, tc.stride)

			for y := 0; y < rows; y++ {
				got := dst[y*width*4 : (y+1)*width*4]
				want := src[y*tc.stride : y*tc.stride+width*4]
				if !bytes.Equal(got, want) {
					t.Fatalf("row %d differs:\n got %v\nwant %v", y, got, want)
				}
			}
		})
	}
}
