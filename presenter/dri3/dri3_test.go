// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package dri3

import (
	"testing"

	"github.com/gogpu/present/presenter"
)

func TestContract(t *testing.T) {
	p := New()
	if p.Kind() != presenter.KindDRI3 {
		t.Errorf("Kind = %v", p.Kind())
	}
	if !p.DeferredRelease() {
		t.Error("DeferredRelease = false; presented pixmaps are read asynchronously")
	}
	if Available(nil) {
		t.Error("Available = true without an X connection")
	}
	if p.RenderNode() != -1 {
		t.Errorf("RenderNode before Init = %d, want -1", p.RenderNode())
	}

	if err := p.PresentImage(&presenter.Image{}, 0); err != presenter.ErrNotInitialized {
		t.Errorf("PresentImage before Init = %v, want ErrNotInitialized", err)
	}
	if err := p.CreateImageResources(&presenter.Image{}, presenter.Geometry{}); err != presenter.ErrNotInitialized {
		t.Errorf("CreateImageResources before Init = %v, want ErrNotInitialized", err)
	}

	// Destroying an image that never got resources must be a no-op.
	img := &presenter.Image{Index: 1}
	p.DestroyImageResources(img)
	if img.Resources != nil {
		t.Error("resources appeared out of nowhere")
	}

	p.Close()
	if got := p.DrainCompletions(); got != nil {
		t.Errorf("DrainCompletions after Close = %v", got)
	}
}

// Pixmaps presented to a typical depth-24 window must be created at
// the window's depth, not the 32 an alpha-carrying format implies.
func TestWindowDepth(t *testing.T) {
	tests := []struct {
		name               string
		reported, fallback uint8
		want               uint8
	}{
		{"window wins over format", 24, 32, 24},
		{"depth-32 window kept", 32, 32, 32},
		{"no reply falls back to format", 0, 32, 32},
		{"nothing known defaults to 24", 0, 0, 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := windowDepth(tt.reported, tt.fallback); got != tt.want {
				t.Errorf("windowDepth(%d, %d) = %d, want %d", tt.reported, tt.fallback, got, tt.want)
			}
		})
	}
}
