// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package presenter defines the contract between a swapchain and its
// presentation transports, and the router that picks one transport per
// swapchain.
//
// Three backends implement the contract (see the shm, dri3 and bypass
// subpackages). Backends must be registered via Register and are
// selected once per swapchain by the Router; the selection never changes
// afterwards.
package presenter

import (
	"errors"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"

	"github.com/gogpu/present/memory"
)

// Common presenter errors.
var (
	// ErrNotAvailable is returned when a requested backend is not
	// available on this system.
	ErrNotAvailable = errors.New("presenter: not available")

	// ErrNotInitialized is returned when operations are called before
	// Init.
	ErrNotInitialized = errors.New("presenter: not initialized")

	// ErrSurfaceLost is returned when the transport's native surface or
	// buffer object is gone and the swapchain must be recreated.
	ErrSurfaceLost = errors.New("presenter: surface lost")
)

// Kind identifies a presentation transport.
type Kind int

const (
	// KindUnset means no presenter has been selected yet.
	KindUnset Kind = iota

	// KindSHM is the CPU-copy shared-memory fallback.
	KindSHM

	// KindDRI3 is the zero-copy DRI3/Present protocol path.
	KindDRI3

	// KindBypass is the direct Wayland compositor path.
	KindBypass
)

// String returns the config-file spelling of the kind.
func (k Kind) String() string {
	switch k {
	case KindSHM:
		return "shm"
	case KindDRI3:
		return "dri3"
	case KindBypass:
		return "bypass"
	}
	return "unset"
}

// KindFromString parses a config-file presenter name.
func KindFromString(s string) (Kind, bool) {
	switch s {
	case "shm":
		return KindSHM, true
	case "dri3":
		return KindDRI3, true
	case "bypass":
		return KindBypass, true
	}
	return KindUnset, false
}

// Surface is the windowing-protocol surface a swapchain presents to.
// Conn may be nil when no X11 connection exists (pure bypass and tests).
type Surface struct {
	Conn   *xgb.Conn
	Window xproto.Window
}

// Geometry carries the image extent and X11 visual depth.
type Geometry struct {
	Width  uint32
	Height uint32
	Depth  uint8
}

// Resources is the backend-specific native handle set attached to an
// image. Each backend defines its own concrete type embedding
// ResourcesBase; keying the variant by dynamic type prevents one backend
// from misreading another's handles.
type Resources interface {
	presenterResources()
}

// ResourcesBase is embedded by backend resource types to satisfy
// Resources.
type ResourcesBase struct{}

func (ResourcesBase) presenterResources() {}

// Image is the per-image data a presenter operates on. The swapchain
// owns the Image; the active presenter attaches and detaches Resources
// and never outlives them.
type Image struct {
	// Index is the image's position in the swapchain pool.
	Index int

	// Memory is the external-memory backing of the image.
	Memory *memory.Descriptor

	// Resources is the transport-specific native handle set, nil until
	// CreateImageResources succeeds.
	Resources Resources
}

// Presenter is the transport contract. Implementations must not panic
// past this boundary in steady state; construction-time panics are
// converted to initialization failures by the router.
type Presenter interface {
	// Kind identifies the transport.
	Kind() Kind

	// Init attaches the presenter to the target surface. Called once;
	// failure makes the router fall through to the next backend.
	Init(s *Surface, geom Geometry) error

	// CreateImageResources builds the transport-native object for an
	// image and attaches it as img.Resources.
	CreateImageResources(img *Image, geom Geometry) error

	// PresentImage submits an image. The serial is a monotonically
	// increasing per-swapchain counter establishing submission order.
	PresentImage(img *Image, serial uint32) error

	// DestroyImageResources frees the transport-native object. Must be
	// a no-op when no resources are attached.
	DestroyImageResources(img *Image)

	// DeferredRelease reports whether presented images must be held in
	// the swapchain's deferred-release ring before reuse.
	DeferredRelease() bool

	// Close releases the presenter itself.
	Close()
}

// CompletionWaiter is implemented by completion sources that can park
// until a completion arrives. WaitCompletions returns the drained pool
// indices, or nil once stop is closed.
type CompletionWaiter interface {
	WaitCompletions(stop <-chan struct{}) []int
}

// CompletionSource is implemented by presenters whose transport signals
// per-image completion (a copy finished, or the server released the
// buffer). DrainCompletions drains queued protocol events without
// blocking and returns the pool indices of images whose outstanding
// completions arrived since the last call.
type CompletionSource interface {
	DrainCompletions() []int
}
