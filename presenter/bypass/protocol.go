// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package bypass

// Interface names matched against wl_registry.global announcements.
const (
	ifaceCompositor = "wl_compositor"
	ifaceWmBase     = "xdg_wm_base"
	ifaceDmabuf     = "zwp_linux_dmabuf_v1"
	ifaceDecoration = "zxdg_decoration_manager_v1"
)

// wl_display requests.
const (
	opDisplayGetRegistry = 1
)

// wl_registry.
const (
	opRegistryBind = 0

	evtRegistryGlobal = 0
)

// wl_compositor requests.
const (
	opCompositorCreateSurface = 0
)

// wl_surface requests.
const (
	opSurfaceDestroy      = 0
	opSurfaceAttach       = 1
	opSurfaceCommit       = 6
	opSurfaceDamageBuffer = 9
)

// wl_buffer.
const (
	opBufferDestroy = 0

	evtBufferRelease = 0
)

// xdg_wm_base.
const (
	opWmBaseDestroy       = 0
	opWmBaseGetXdgSurface = 2
	opWmBasePong          = 3

	evtWmBasePing = 0
)

// xdg_surface.
const (
	opXdgSurfaceDestroy      = 0
	opXdgSurfaceGetToplevel  = 1
	opXdgSurfaceAckConfigure = 4

	evtXdgSurfaceConfigure = 0
)

// xdg_toplevel.
const (
	opToplevelDestroy  = 0
	opToplevelSetTitle = 2
	opToplevelSetAppID = 3

	evtToplevelConfigure = 0
	evtToplevelClose     = 1
)

// zwp_linux_dmabuf_v1 requests. Bound at version 3 or below; the
// feedback requests added in v4 are never issued.
const (
	opDmabufDestroy      = 0
	opDmabufCreateParams = 1

	dmabufMaxVersion = 3
)

// zwp_linux_buffer_params_v1 requests. create_immed requires v2.
const (
	opParamsDestroy     = 0
	opParamsAdd         = 1
	opParamsCreateImmed = 3
)

// zxdg_decoration_manager_v1 / zxdg_toplevel_decoration_v1.
const (
	opDecorationMgrGetToplevelDecoration = 1

	opDecorationSetMode = 1

	decorationModeServerSide = 2
)
