// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package present

import (
	"errors"

	"github.com/gogpu/present/presenter"
)

// Errors returned by swapchain operations.
var (
	// ErrInitializationFailed means no presentation backend could be
	// brought up, including the shared-memory fallback. Swapchain
	// creation fails with it; it is not retried internally.
	ErrInitializationFailed = presenter.ErrInitializationFailed

	// ErrNotReady is returned by Acquire with a zero timeout when no
	// image is free. Not a failure; the caller may retry.
	ErrNotReady = errors.New("present: no image ready")

	// ErrTimeout is returned by Acquire when the deadline passed with
	// no image becoming free. Not a failure; the caller may retry.
	ErrTimeout = errors.New("present: acquire timed out")

	// ErrOutOfDate means the swapchain's background machinery has
	// stopped, typically because teardown raced an in-flight call. The
	// caller should treat it like a surface change and recreate.
	ErrOutOfDate = errors.New("present: swapchain out of date")

	// ErrSurfaceLost means the transport's surface or buffer object is
	// gone. The swapchain must be recreated.
	ErrSurfaceLost = presenter.ErrSurfaceLost
)
