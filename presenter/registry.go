// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package presenter

import (
	"sync"
)

// Factory creates a new presenter instance for a surface.
type Factory func() Presenter

// Probe reports whether a backend can work with the given surface. It
// must not mutate persistent state: probing a transport may connect to
// it, but must disconnect before returning.
type Probe func(s *Surface) bool

// registry holds registered backends, keyed by kind.
var (
	registryMu sync.RWMutex
	backends   = make(map[Kind]*entry)
)

type entry struct {
	kind      Kind
	factory   Factory
	available Probe
}

// Register registers a backend factory and its availability probe.
// This is typically called from init() functions in backend packages.
// Registering a kind that already exists replaces the previous entry.
func Register(kind Kind, factory Factory, available Probe) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[kind] = &entry{kind: kind, factory: factory, available: available}
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(kind Kind) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, kind)
}

// Registered checks if a backend of the given kind is registered.
func Registered(kind Kind) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[kind]
	return ok
}

// lookup returns the registry entry for a kind, or nil.
func lookup(kind Kind) *entry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backends[kind]
}
