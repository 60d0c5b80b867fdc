// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package present

import (
	"github.com/gogpu/present/memory"
	"github.com/gogpu/present/presenter"
)

// Option configures a Swapchain during creation.
//
// Example:
//
//	// Default routing, memfd-backed images
//	sc, err := present.NewSwapchain(surface, 800, 600, gputypes.TextureFormatBGRA8Unorm)
//
//	// Force the shared-memory backend
//	sc, err := present.NewSwapchain(surface, 800, 600, gputypes.TextureFormatBGRA8Unorm,
//	    present.WithPresenterOverride(presenter.KindSHM))
type Option func(*swapchainOptions)

// swapchainOptions holds optional configuration for swapchain creation.
type swapchainOptions struct {
	imageCount  int
	allocator   memory.Allocator
	configPaths []string
	processName string
	override    presenter.Kind
	backend     presenter.Presenter
}

// defaultOptions returns the default swapchain options.
func defaultOptions() swapchainOptions {
	return swapchainOptions{
		imageCount: 3,
	}
}

// WithImageCount sets the number of images in the pool. The default of
// three allows one frame on screen, one in flight and one being drawn.
func WithImageCount(n int) Option {
	return func(o *swapchainOptions) {
		if n > 0 {
			o.imageCount = n
		}
	}
}

// WithAllocator sets the external-memory allocator backing the images.
// GPU drivers inject their DMA-BUF heap here; the default is the
// memfd-backed host-visible allocator.
func WithAllocator(a memory.Allocator) Option {
	return func(o *swapchainOptions) {
		o.allocator = a
	}
}

// WithConfigPaths replaces the routing configuration file list
// consulted for per-process presenter overrides.
func WithConfigPaths(paths ...string) Option {
	return func(o *swapchainOptions) {
		o.configPaths = paths
	}
}

// WithProcessName overrides the process name used for config lookup,
// which otherwise comes from /proc/self/comm.
func WithProcessName(name string) Option {
	return func(o *swapchainOptions) {
		o.processName = name
	}
}

// WithPresenterOverride pins the preferred backend, taking precedence
// over config files and heuristics. The fallback chain still applies
// if the pinned backend fails to initialize.
func WithPresenterOverride(kind presenter.Kind) Option {
	return func(o *swapchainOptions) {
		o.override = kind
	}
}

// WithBackend injects a fully constructed presenter, skipping routing
// entirely. Use this for dependency injection in tests or embedders
// with their own transport.
func WithBackend(p presenter.Presenter) Option {
	return func(o *swapchainOptions) {
		o.backend = p
	}
}
