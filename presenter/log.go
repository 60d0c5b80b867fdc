// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package presenter

import (
	"log/slog"

	"github.com/gogpu/present/internal/logging"
)

// logger returns the shared library logger (see present.SetLogger).
func logger() *slog.Logger {
	return logging.Logger()
}
