// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package present

import (
	"log/slog"

	"github.com/gogpu/present/internal/logging"
)

// SetLogger configures the logger for present and all its sub-packages.
// By default, present produces no log output.
//
// SetLogger is safe for concurrent use: it stores the new logger
// atomically. Pass nil to disable logging (restore default silent
// behavior).
//
// Log levels used by present:
//   - [slog.LevelDebug]: per-frame diagnostics (buffer imports, event drains)
//   - [slog.LevelInfo]: lifecycle events (backend selected, presenter initialized)
//   - [slog.LevelError]: transport submission failures
//
// Example:
//
//	// Enable info-level logging to stderr:
//	present.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	present.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the currently configured logger. It never returns
// nil; with logging disabled it returns a silent logger.
func Logger() *slog.Logger {
	return logging.Logger()
}

// logger is shorthand used inside the package.
func logger() *slog.Logger {
	return logging.Logger()
}
