// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package present drives window-system frame delivery for DMA-BUF or
// host-visible images: it picks the presentation transport best suited
// to the running application and pushes rendered frames through it in
// submission order, without ever handing the caller a buffer the
// display server may still be reading.
//
// # Overview
//
// A Swapchain owns a small pool of images backed by an external-memory
// allocator (see the memory package). The application acquires a free
// image, renders into it and presents it; a per-swapchain background
// goroutine drains transport completion signals and returns images to
// the pool.
//
//	sc, err := present.NewSwapchain(surf, 800, 600, gputypes.TextureFormatBGRA8Unorm)
//	if err != nil { ... }
//	defer sc.Destroy()
//
//	idx, err := sc.Acquire(-1)
//	// render into sc.ImageMemory(idx)
//	err = sc.Present(idx, nil)
//
// # Transports
//
// Three backends exist, selected once per swapchain by the presenter
// router and fixed thereafter:
//
//   - dri3: zero-copy DMA-BUF import through the X11 DRI3/Present
//     extensions.
//   - bypass: zero-copy commits directly to the Wayland compositor,
//     skipping Xwayland.
//   - shm: CPU copy through MIT-SHM, the universal fallback.
//
// Routing order is config-file override (per process name), then
// heuristics (GL translation layers prefer bypass), then a fallback
// chain ending at shm. Importing the backend packages registers them:
//
//	import (
//	    _ "github.com/gogpu/present/presenter/bypass"
//	    _ "github.com/gogpu/present/presenter/dri3"
//	    _ "github.com/gogpu/present/presenter/shm"
//	)
package present
