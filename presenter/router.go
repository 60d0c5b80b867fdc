// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package presenter

import (
	"errors"
	"fmt"
	"os"
)

// ErrInitializationFailed is returned when no backend, including the
// shared-memory fallback, could be initialized. This is fatal for
// swapchain creation and is not retried.
var ErrInitializationFailed = errors.New("presenter: initialization failed")

// Router resolves which presentation transport a swapchain uses.
//
// Resolution order: an explicit per-process config override, then the
// translation-layer heuristic, then the DRI3 default. The preferred
// backend is attempted first and failures fall through a fixed chain
// ending at the shared-memory fallback.
//
// The zero value routes with defaults; fields exist so tests can
// substitute the process identity and detection inputs without a real
// display.
type Router struct {
	// ProcessName overrides the /proc/self/comm process identity.
	ProcessName string

	// ConfigPaths overrides DefaultConfigPaths.
	ConfigPaths []string

	// Getenv overrides os.Getenv.
	Getenv func(string) string

	// ModulesPath overrides the loaded-module list location
	// (/proc/self/maps).
	ModulesPath string

	// Override forces the preference, skipping config and detection.
	Override Kind
}

func (r *Router) procName() string {
	if r.ProcessName != "" {
		return r.ProcessName
	}
	return processName()
}

func (r *Router) configPaths() []string {
	if r.ConfigPaths != nil {
		return r.ConfigPaths
	}
	return DefaultConfigPaths
}

func (r *Router) getenv(key string) string {
	if r.Getenv != nil {
		return r.Getenv(key)
	}
	return os.Getenv(key)
}

func (r *Router) modulesPath() string {
	if r.ModulesPath != "" {
		return r.ModulesPath
	}
	return "/proc/self/maps"
}

// Resolve determines the preferred transport for this process.
func (r *Router) Resolve() Kind {
	if r.Override != KindUnset {
		return r.Override
	}
	if kind, ok := lookupOverride(r.configPaths(), r.procName()); ok {
		logger().Info("present: config override", "process", r.procName(), "presenter", kind.String())
		return kind
	}
	if detectTranslationLayer(r.getenv, r.modulesPath()) {
		logger().Info("present: translation layer detected, preferring bypass")
		return KindBypass
	}
	return KindDRI3
}

// AttemptOrder returns the fallback chain for a preference. The
// shared-memory fallback terminates every chain and is never skipped.
func AttemptOrder(preferred Kind) []Kind {
	switch preferred {
	case KindBypass:
		return []Kind{KindBypass, KindDRI3, KindSHM}
	case KindDRI3:
		return []Kind{KindDRI3, KindBypass, KindSHM}
	default:
		return []Kind{KindSHM}
	}
}

// Select resolves the preference and walks the fallback chain, returning
// the first backend that probes available and initializes. A failure at
// the final shared-memory stage is fatal and surfaces as
// ErrInitializationFailed.
func (r *Router) Select(s *Surface, geom Geometry) (Presenter, error) {
	preferred := r.Resolve()

	var lastErr error
	for _, kind := range AttemptOrder(preferred) {
		p, err := tryBackend(kind, s, geom)
		if err == nil {
			logger().Info("present: selected presenter", "presenter", kind.String())
			return p, nil
		}
		lastErr = err
		level := logger().Warn
		if errors.Is(err, ErrNotAvailable) {
			level = logger().Debug
		}
		level("present: presenter unavailable", "presenter", kind.String(), "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrInitializationFailed, lastErr)
}

// tryBackend probes, constructs and initializes one backend. A panic
// during construction or init is treated as an initialization failure so
// the chain can continue.
func tryBackend(kind Kind, s *Surface, geom Geometry) (p Presenter, err error) {
	e := lookup(kind)
	if e == nil {
		return nil, fmt.Errorf("%w: %s not registered", ErrNotAvailable, kind)
	}

	defer func() {
		if r := recover(); r != nil {
			if p != nil {
				p.Close()
			}
			p = nil
			err = fmt.Errorf("presenter %s panicked during init: %v", kind, r)
		}
	}()

	if e.available != nil && !e.available(s) {
		return nil, fmt.Errorf("%w: %s", ErrNotAvailable, kind)
	}
	p = e.factory()
	if p == nil {
		return nil, fmt.Errorf("%w: %s factory returned nil", ErrNotAvailable, kind)
	}
	if err := p.Init(s, geom); err != nil {
		p.Close()
		return nil, fmt.Errorf("presenter %s init: %w", kind, err)
	}
	return p, nil
}
