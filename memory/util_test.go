// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package memory

import (
	"testing"

	"golang.org/x/sys/unix"
)

func closeFd(t *testing.T, fd int) {
	t.Helper()
	if err := unix.Close(fd); err != nil {
		t.Errorf("close fd %d: %v", fd, err)
	}
}
