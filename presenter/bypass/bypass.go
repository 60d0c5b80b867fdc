// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package bypass presents swapchain images directly to the Wayland
// compositor, skipping the X11 server entirely.
//
// Under Xwayland the DRI3/Present path funnels every frame through the
// X server before it reaches the compositor. When a compositor socket
// is reachable this backend instead imports each image's DMA-BUF as a
// wl_buffer via zwp_linux_dmabuf_v1 and commits it to its own toplevel
// surface, which is zero-copy end to end.
//
// The compositor signals wl_buffer.release when it is done reading a
// buffer. Released buffers are collected and returned to the swapchain
// through DrainCompletions; an image must not be redrawn before its
// release arrives or the compositor may scan out a half-written frame.
package bypass

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jezek/xgb/xproto"

	"github.com/gogpu/present/internal/logging"
	"github.com/gogpu/present/internal/wire"
	"github.com/gogpu/present/presenter"
)

func init() {
	presenter.Register(presenter.KindBypass, func() presenter.Presenter { return New() }, Available)
}

const (
	windowTitle = "gogpu (compositor bypass)"
	appID       = "gogpu-compositor-bypass"

	// fallbackDisplay is tried when WAYLAND_DISPLAY is unset; an app
	// forced onto X11 often runs with the variable scrubbed while the
	// compositor still listens on the default socket.
	fallbackDisplay = "wayland-0"

	// configureRoundtrips bounds the wait for the initial
	// xdg_surface.configure.
	configureRoundtrips = 8
)

// connect opens the compositor socket, falling back to the default
// socket name.
func connect() (*wire.Conn, error) {
	conn, err := wire.Connect("")
	if err == nil {
		return conn, nil
	}
	if conn, err2 := wire.Connect(fallbackDisplay); err2 == nil {
		return conn, nil
	}
	return nil, err
}

// Available reports whether a Wayland compositor is reachable. It
// connects and immediately disconnects, leaving no state behind.
func Available(*presenter.Surface) bool {
	if os.Getenv(presenter.EnvNoBypass) != "" {
		return false
	}
	conn, err := connect()
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// imageResources holds the wl_buffer imported for one swapchain image.
type imageResources struct {
	presenter.ResourcesBase

	buffer uint32
}

// Presenter is the compositor-bypass backend.
type Presenter struct {
	// wlMu serializes request traffic on the connection. Event dispatch
	// also runs under it so wl_buffer handlers never race with buffer
	// destruction.
	wlMu sync.Mutex
	conn *wire.Conn

	registry      uint32
	compositor    uint32
	wmBase        uint32
	dmabuf        uint32
	decorationMgr uint32

	surface    uint32
	xdgSurface uint32
	toplevel   uint32
	decoration uint32

	configured atomic.Bool
	closedWin  atomic.Bool

	// relMu guards the release bookkeeping, which wl_buffer handlers
	// touch from dispatch context.
	relMu       sync.Mutex
	bufferImage map[uint32]int
	released    []int
}

// New returns an unconnected bypass presenter.
func New() *Presenter {
	return &Presenter{bufferImage: make(map[uint32]int)}
}

// Kind implements presenter.Presenter.
func (p *Presenter) Kind() presenter.Kind { return presenter.KindBypass }

// DeferredRelease implements presenter.Presenter. The compositor reads
// committed buffers asynchronously, so reuse must lag presentation.
func (p *Presenter) DeferredRelease() bool { return true }

// Init implements presenter.Presenter: connect, bind the globals,
// build an xdg_toplevel and wait for its first configure. The X11
// window, when one exists, is unmapped so the bypass surface is not
// obscured by an empty sibling.
func (p *Presenter) Init(s *presenter.Surface, geom presenter.Geometry) error {
	conn, err := connect()
	if err != nil {
		return fmt.Errorf("bypass: %w", err)
	}
	p.conn = conn

	p.registry = conn.NewID(p.handleRegistry)
	conn.Send(wire.DisplayID, opDisplayGetRegistry, wire.NewID(p.registry))
	if err := conn.Roundtrip(); err != nil {
		p.Close()
		return fmt.Errorf("bypass: registry roundtrip: %w", err)
	}
	switch {
	case p.compositor == 0:
		p.Close()
		return errors.New("bypass: compositor global not found")
	case p.wmBase == 0:
		p.Close()
		return errors.New("bypass: xdg_wm_base global not found")
	case p.dmabuf == 0:
		p.Close()
		return errors.New("bypass: zwp_linux_dmabuf_v1 global not found")
	}

	p.surface = conn.NewID(nil)
	conn.Send(p.compositor, opCompositorCreateSurface, wire.NewID(p.surface))

	p.xdgSurface = conn.NewID(p.handleXdgSurface)
	conn.Send(p.wmBase, opWmBaseGetXdgSurface, wire.NewID(p.xdgSurface), p.surface)

	p.toplevel = conn.NewID(p.handleToplevel)
	conn.Send(p.xdgSurface, opXdgSurfaceGetToplevel, wire.NewID(p.toplevel))
	conn.Send(p.toplevel, opToplevelSetTitle, windowTitle)
	conn.Send(p.toplevel, opToplevelSetAppID, appID)

	// Server-side decorations give the surface a titlebar; without the
	// manager the surface is simply undecorated.
	if p.decorationMgr != 0 {
		p.decoration = conn.NewID(nil)
		conn.Send(p.decorationMgr, opDecorationMgrGetToplevelDecoration, wire.NewID(p.decoration), p.toplevel)
		conn.Send(p.decoration, opDecorationSetMode, uint32(decorationModeServerSide))
	}

	// An initial commit without a buffer triggers the first configure.
	conn.Send(p.surface, opSurfaceCommit)
	if err := conn.Flush(); err != nil {
		p.Close()
		return fmt.Errorf("bypass: flush: %w", err)
	}

	for i := 0; !p.configured.Load(); i++ {
		if i >= configureRoundtrips {
			p.Close()
			return errors.New("bypass: no configure event from compositor")
		}
		if err := conn.Roundtrip(); err != nil {
			p.Close()
			return fmt.Errorf("bypass: waiting for configure: %w", err)
		}
	}

	// Non-blocking from here on: DrainCompletions runs under wlMu and
	// must never stall PresentImage behind a socket read.
	if err := conn.SetNonblock(); err != nil {
		p.Close()
		return fmt.Errorf("bypass: set nonblocking: %w", err)
	}

	if s != nil && s.Conn != nil {
		xproto.UnmapWindow(s.Conn, s.Window)
	}

	logging.Logger().Info("bypass presenter initialized",
		"width", geom.Width, "height", geom.Height,
		"decorations", p.decorationMgr != 0)
	return nil
}

// handleRegistry binds the globals the presenter needs as the server
// announces them.
func (p *Presenter) handleRegistry(e *wire.Event) {
	if e.Opcode != evtRegistryGlobal {
		return
	}
	name := e.Uint32()
	iface := e.String()
	version := e.Uint32()
	switch iface {
	case ifaceCompositor:
		p.compositor = p.bind(name, iface, min(version, 4), nil)
	case ifaceWmBase:
		p.wmBase = p.bind(name, iface, 1, p.handleWmBase)
	case ifaceDmabuf:
		p.dmabuf = p.bind(name, iface, min(version, dmabufMaxVersion), nil)
	case ifaceDecoration:
		p.decorationMgr = p.bind(name, iface, 1, nil)
	}
}

func (p *Presenter) bind(name uint32, iface string, version uint32, h wire.Handler) uint32 {
	id := p.conn.NewID(h)
	p.conn.Send(p.registry, opRegistryBind, name, iface, version, wire.NewID(id))
	return id
}

// handleWmBase answers liveness pings; an unanswered ping gets the
// client disconnected.
func (p *Presenter) handleWmBase(e *wire.Event) {
	if e.Opcode != evtWmBasePing {
		return
	}
	serial := e.Uint32()
	p.conn.Send(p.wmBase, opWmBasePong, serial)
	p.conn.Flush()
}

func (p *Presenter) handleXdgSurface(e *wire.Event) {
	if e.Opcode != evtXdgSurfaceConfigure {
		return
	}
	serial := e.Uint32()
	p.conn.Send(p.xdgSurface, opXdgSurfaceAckConfigure, serial)
	p.conn.Flush()
	p.configured.Store(true)
}

func (p *Presenter) handleToplevel(e *wire.Event) {
	// Configure sizes are ignored: the swapchain extent is fixed and
	// the compositor scales the committed buffers.
	if e.Opcode == evtToplevelClose {
		p.closedWin.Store(true)
	}
}

// CreateImageResources implements presenter.Presenter: import the
// image's DMA-BUF as a wl_buffer.
func (p *Presenter) CreateImageResources(img *presenter.Image, geom presenter.Geometry) error {
	p.wlMu.Lock()
	defer p.wlMu.Unlock()
	if p.conn == nil {
		return presenter.ErrNotInitialized
	}
	mem := img.Memory
	if mem == nil || mem.PlaneCount == 0 || mem.Planes[0].Fd < 0 {
		return errors.New("bypass: image has no dma-buf backing")
	}

	// Alpha-carrying formats are remapped to their opaque variants so
	// the compositor does not blend the window with whatever is behind
	// it.
	format := mem.Format.Opaque()
	modifier := uint64(mem.Modifier)

	params := p.conn.NewID(nil)
	p.conn.Send(p.dmabuf, opDmabufCreateParams, wire.NewID(params))
	p.conn.Send(params, opParamsAdd,
		wire.FD(mem.Planes[0].Fd),
		uint32(0), // plane index
		mem.Planes[0].Offset,
		mem.Planes[0].Stride,
		uint32(modifier>>32),
		uint32(modifier&0xffffffff))

	var buffer uint32
	buffer = p.conn.NewID(func(e *wire.Event) {
		if e.Opcode == evtBufferRelease {
			p.noteRelease(buffer)
		}
	})
	p.conn.Send(params, opParamsCreateImmed, wire.NewID(buffer),
		int32(geom.Width), int32(geom.Height), uint32(format), uint32(0))
	p.conn.Send(params, opParamsDestroy)
	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("bypass: create buffer: %w", err)
	}

	p.relMu.Lock()
	p.bufferImage[buffer] = img.Index
	p.relMu.Unlock()

	img.Resources = &imageResources{buffer: buffer}
	logging.Logger().Debug("bypass buffer created",
		"image", img.Index, "format", format.String(),
		"stride", mem.Planes[0].Stride)
	return nil
}

// noteRelease records a compositor buffer release for DrainCompletions.
func (p *Presenter) noteRelease(buffer uint32) {
	p.relMu.Lock()
	defer p.relMu.Unlock()
	if idx, ok := p.bufferImage[buffer]; ok {
		p.released = append(p.released, idx)
	}
}

// PresentImage implements presenter.Presenter: attach, damage the full
// buffer, commit.
func (p *Presenter) PresentImage(img *presenter.Image, serial uint32) error {
	p.wlMu.Lock()
	defer p.wlMu.Unlock()
	if p.conn == nil {
		return presenter.ErrNotInitialized
	}
	if p.closedWin.Load() || p.conn.Err() != nil {
		return presenter.ErrSurfaceLost
	}
	res, ok := img.Resources.(*imageResources)
	if !ok {
		return presenter.ErrSurfaceLost
	}

	const maxInt32 = int32(^uint32(0) >> 1)
	p.conn.Send(p.surface, opSurfaceAttach, res.buffer, int32(0), int32(0))
	p.conn.Send(p.surface, opSurfaceDamageBuffer, int32(0), int32(0), maxInt32, maxInt32)
	p.conn.Send(p.surface, opSurfaceCommit)
	if err := p.conn.Flush(); err != nil {
		logging.Logger().Error("bypass commit flush failed", "image", img.Index, "error", err)
		return presenter.ErrSurfaceLost
	}
	_ = serial // ordering is carried by commit order on the connection
	return nil
}

// DrainCompletions implements presenter.CompletionSource: dispatch
// pending events without blocking and return the images whose
// wl_buffer.release arrived.
func (p *Presenter) DrainCompletions() []int {
	p.wlMu.Lock()
	if p.conn != nil {
		if err := p.conn.Dispatch(); err != nil {
			logging.Logger().Debug("bypass dispatch failed", "error", err)
		}
	}
	p.wlMu.Unlock()

	p.relMu.Lock()
	defer p.relMu.Unlock()
	released := p.released
	p.released = nil
	return released
}

// DestroyImageResources implements presenter.Presenter.
func (p *Presenter) DestroyImageResources(img *presenter.Image) {
	res, ok := img.Resources.(*imageResources)
	if !ok {
		return
	}
	p.wlMu.Lock()
	if p.conn != nil {
		p.conn.Send(res.buffer, opBufferDestroy)
		p.conn.Flush()
		p.conn.SetHandler(res.buffer, nil)
	}
	p.wlMu.Unlock()

	p.relMu.Lock()
	delete(p.bufferImage, res.buffer)
	p.relMu.Unlock()

	img.Resources = nil
}

// Close implements presenter.Presenter: tear the window down and
// disconnect.
func (p *Presenter) Close() {
	p.wlMu.Lock()
	defer p.wlMu.Unlock()
	if p.conn == nil {
		return
	}
	if p.decoration != 0 {
		p.conn.Send(p.decoration, 0) // zxdg_toplevel_decoration_v1.destroy
	}
	if p.toplevel != 0 {
		p.conn.Send(p.toplevel, opToplevelDestroy)
	}
	if p.xdgSurface != 0 {
		p.conn.Send(p.xdgSurface, opXdgSurfaceDestroy)
	}
	if p.surface != 0 {
		p.conn.Send(p.surface, opSurfaceDestroy)
	}
	if p.dmabuf != 0 {
		p.conn.Send(p.dmabuf, opDmabufDestroy)
	}
	if p.wmBase != 0 {
		p.conn.Send(p.wmBase, opWmBaseDestroy)
	}
	p.conn.Flush()
	p.conn.Close()
	p.conn = nil
}
