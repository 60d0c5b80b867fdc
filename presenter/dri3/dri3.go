// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package dri3 is the zero-copy X11 presentation backend built on the
// DRI3 and Present extensions.
//
// Each swapchain image's DMA-BUF is imported into the X server as a
// pixmap once, then every frame is a single PresentPixmap request in
// copy mode. The server reports per-frame progress through Present
// CompleteNotify events, which this backend maps back to pool indices.
//
// DRI3 requests carry file descriptors, which the regular xgb
// connection cannot attach, so the backend drives a sideband
// connection (internal/x11) for the extension traffic. X resource ids
// are server-global: pixmaps created on the sideband are presented to
// the caller's window, and the caller's connection still serves
// geometry queries.
package dri3

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jezek/xgb/xproto"
	"golang.org/x/sys/unix"

	"github.com/gogpu/present/internal/logging"
	"github.com/gogpu/present/internal/x11"
	"github.com/gogpu/present/presenter"
)

func init() {
	presenter.Register(presenter.KindDRI3, func() presenter.Presenter { return New() }, Available)
}

const (
	extDRI3    = "DRI3"
	extPresent = "Present"

	// DRI3 minor opcodes.
	dri3QueryVersion     = 0
	dri3Open             = 1
	dri3PixmapFromBuffer = 2

	// Present minor opcodes.
	presentQueryVersion = 0
	presentPixmap       = 1
	presentSelectInput  = 3

	// Present event selection mask and event types.
	maskCompleteNotify = 1 << 1
	maskIdleNotify     = 1 << 2

	evtCompleteNotify = 1

	// Copy mode presents into the window like a blit instead of a
	// flip, which composited servers accept for arbitrary windows.
	optionCopy = 1 << 1

	// FreePixmap core request.
	opFreePixmap = 54
)

// Available reports whether the surface's X server has both
// extensions this backend needs.
func Available(s *presenter.Surface) bool {
	if s == nil || s.Conn == nil {
		return false
	}
	for _, name := range []string{extDRI3, extPresent} {
		reply, err := xproto.QueryExtension(s.Conn, uint16(len(name)), name).Reply()
		if err != nil || !reply.Present {
			return false
		}
	}
	return true
}

// imageResources is one image's server-side pixmap.
type imageResources struct {
	presenter.ResourcesBase

	pixmap uint32
}

// Presenter is the DRI3/Present backend.
type Presenter struct {
	surface *presenter.Surface
	conn    *x11.Conn
	dri3    *x11.Extension
	present *x11.Extension

	eid      uint32
	renderFd int
	depth    uint8

	// mu guards the serial bookkeeping shared between PresentImage and
	// completion draining.
	mu        sync.Mutex
	serialImg map[uint32]int
	completed []int
}

// New returns an uninitialized DRI3 presenter.
func New() *Presenter {
	return &Presenter{renderFd: -1, serialImg: make(map[uint32]int)}
}

// Kind implements presenter.Presenter.
func (p *Presenter) Kind() presenter.Kind { return presenter.KindDRI3 }

// DeferredRelease implements presenter.Presenter. The server reads
// presented pixmaps asynchronously, so reuse must lag presentation.
func (p *Presenter) DeferredRelease() bool { return true }

// Init implements presenter.Presenter: open the sideband connection,
// negotiate both extensions, obtain the render node and subscribe to
// Present events for the window.
func (p *Presenter) Init(s *presenter.Surface, geom presenter.Geometry) error {
	if s == nil || s.Conn == nil {
		return errors.New("dri3: no X11 connection")
	}
	conn, err := x11.Dial("")
	if err != nil {
		return fmt.Errorf("dri3: %w", err)
	}
	p.surface = s
	p.conn = conn

	var reported uint8
	if reply, err := xproto.GetGeometry(s.Conn, xproto.Drawable(s.Window)).Reply(); err == nil {
		reported = reply.Depth
	}
	p.depth = windowDepth(reported, geom.Depth)

	if p.dri3, err = p.queryExtension(extDRI3); err != nil {
		p.Close()
		return err
	}
	if p.present, err = p.queryExtension(extPresent); err != nil {
		p.Close()
		return err
	}

	var version [8]byte
	binary.LittleEndian.PutUint32(version[0:], 1)
	binary.LittleEndian.PutUint32(version[4:], 2)
	reply, err := conn.Request(p.dri3.Major, dri3QueryVersion, version[:], nil, true)
	if err != nil {
		p.Close()
		return fmt.Errorf("dri3: version: %w", err)
	}
	if major := binary.LittleEndian.Uint32(reply.Data[8:]); major < 1 {
		p.Close()
		return fmt.Errorf("dri3: unsupported server version %d", major)
	}
	binary.LittleEndian.PutUint32(version[0:], 1)
	binary.LittleEndian.PutUint32(version[4:], 0)
	if _, err := conn.Request(p.present.Major, presentQueryVersion, version[:], nil, true); err != nil {
		p.Close()
		return fmt.Errorf("dri3: present version: %w", err)
	}

	p.renderFd = p.openDevice()
	if p.renderFd < 0 {
		p.Close()
		return errors.New("dri3: no render node")
	}

	// Subscribe to per-frame events before the first present so no
	// completion can be missed.
	p.eid = conn.GenerateID()
	var sel [12]byte
	binary.LittleEndian.PutUint32(sel[0:], p.eid)
	binary.LittleEndian.PutUint32(sel[4:], uint32(s.Window))
	binary.LittleEndian.PutUint32(sel[8:], maskCompleteNotify|maskIdleNotify)
	if _, err := conn.Request(p.present.Major, presentSelectInput, sel[:], nil, false); err != nil {
		p.Close()
		return fmt.Errorf("dri3: select input: %w", err)
	}

	logging.Logger().Info("dri3 presenter initialized",
		"width", geom.Width, "height", geom.Height, "depth", p.depth)
	return nil
}

// windowDepth picks the depth imported pixmaps are created with.
// Pixmap depth must match the target window or PresentPixmap fails
// with BadMatch, so the window's reported visual depth wins over the
// format-derived one; bits per pixel stays at the format's 32.
func windowDepth(reported, fallback uint8) uint8 {
	if reported != 0 {
		return reported
	}
	if fallback != 0 {
		return fallback
	}
	return 24
}

func (p *Presenter) queryExtension(name string) (*x11.Extension, error) {
	ext, err := p.conn.QueryExtension(name)
	if err != nil {
		return nil, fmt.Errorf("dri3: query %s: %w", name, err)
	}
	if ext == nil {
		return nil, fmt.Errorf("dri3: server lacks %s", name)
	}
	return ext, nil
}

// openDevice obtains a render node fd: first from the server via
// DRI3Open, then by scanning /dev/dri, so the backend also works when
// the server-mediated open is unavailable.
func (p *Presenter) openDevice() int {
	var body [8]byte
	binary.LittleEndian.PutUint32(body[0:], uint32(p.surface.Window))
	reply, err := p.conn.Request(p.dri3.Major, dri3Open, body[:], nil, true)
	if err == nil && len(reply.Fds) > 0 {
		fd := reply.Fds[0]
		for _, extra := range reply.Fds[1:] {
			_ = unix.Close(extra)
		}
		return fd
	}
	if err != nil {
		logging.Logger().Debug("dri3 open failed, scanning /dev/dri", "error", err)
	}

	entries, err := os.ReadDir("/dev/dri")
	if err != nil {
		return -1
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "renderD") {
			continue
		}
		fd, err := unix.Open("/dev/dri/"+e.Name(), unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return fd
		}
	}
	return -1
}

// RenderNode returns the render node fd the backend negotiated, for
// allocators that want to place image memory on the same device. The
// presenter keeps ownership.
func (p *Presenter) RenderNode() int { return p.renderFd }

// CreateImageResources implements presenter.Presenter: import the
// image's DMA-BUF as a server-side pixmap and verify the result.
func (p *Presenter) CreateImageResources(img *presenter.Image, geom presenter.Geometry) error {
	if p.conn == nil {
		return presenter.ErrNotInitialized
	}
	mem := img.Memory
	if mem == nil || mem.PlaneCount == 0 {
		return errors.New("dri3: image has no dma-buf backing")
	}
	fd, err := mem.DupFd()
	if err != nil {
		return fmt.Errorf("dri3: %w", err)
	}
	defer unix.Close(fd)

	pixmap := p.conn.GenerateID()
	body := make([]byte, 20)
	binary.LittleEndian.PutUint32(body[0:], pixmap)
	binary.LittleEndian.PutUint32(body[4:], uint32(p.surface.Window))
	binary.LittleEndian.PutUint32(body[8:], uint32(mem.Size))
	binary.LittleEndian.PutUint16(body[12:], uint16(geom.Width))
	binary.LittleEndian.PutUint16(body[14:], uint16(geom.Height))
	binary.LittleEndian.PutUint16(body[16:], uint16(mem.Planes[0].Stride))
	body[18] = p.depth
	body[19] = uint8(mem.Format.BytesPerPixel()) * 8
	if _, err := p.conn.Request(p.dri3.Major, dri3PixmapFromBuffer, body, []int{fd}, false); err != nil {
		return fmt.Errorf("dri3: pixmap from buffer: %w", err)
	}

	// A sideband round trip forces the import to be processed, after
	// which the caller's connection can see the pixmap. The geometry
	// check catches silently mis-imported buffers before they reach
	// the screen.
	var version [8]byte
	binary.LittleEndian.PutUint32(version[0:], 1)
	if _, err := p.conn.Request(p.dri3.Major, dri3QueryVersion, version[:], nil, true); err != nil {
		return fmt.Errorf("dri3: pixmap import sync: %w", err)
	}
	gr, err := xproto.GetGeometry(p.surface.Conn, xproto.Drawable(pixmap)).Reply()
	if err != nil {
		return fmt.Errorf("dri3: pixmap verification: %w", err)
	}
	if uint32(gr.Width) != geom.Width || uint32(gr.Height) != geom.Height {
		p.freePixmap(pixmap)
		return fmt.Errorf("dri3: imported pixmap is %dx%d, want %dx%d",
			gr.Width, gr.Height, geom.Width, geom.Height)
	}

	img.Resources = &imageResources{pixmap: pixmap}
	logging.Logger().Debug("dri3 pixmap imported",
		"image", img.Index, "pixmap", pixmap, "stride", mem.Planes[0].Stride)
	return nil
}

// PresentImage implements presenter.Presenter: one PresentPixmap in
// copy mode, immediate target msc.
func (p *Presenter) PresentImage(img *presenter.Image, serial uint32) error {
	if p.conn == nil {
		return presenter.ErrNotInitialized
	}
	res, ok := img.Resources.(*imageResources)
	if !ok {
		return presenter.ErrSurfaceLost
	}

	body := make([]byte, 68)
	binary.LittleEndian.PutUint32(body[0:], uint32(p.surface.Window))
	binary.LittleEndian.PutUint32(body[4:], res.pixmap)
	binary.LittleEndian.PutUint32(body[8:], serial)
	// valid/update regions, offsets, crtc and fences stay zero; the
	// whole buffer is presented as soon as possible.
	binary.LittleEndian.PutUint32(body[36:], optionCopy)

	p.mu.Lock()
	p.serialImg[serial] = img.Index
	p.mu.Unlock()

	if _, err := p.conn.Request(p.present.Major, presentPixmap, body, nil, false); err != nil {
		p.mu.Lock()
		delete(p.serialImg, serial)
		p.mu.Unlock()
		logging.Logger().Error("dri3 present failed", "image", img.Index, "serial", serial, "error", err)
		return presenter.ErrSurfaceLost
	}
	return nil
}

// DrainCompletions implements presenter.CompletionSource: consume
// queued Present events and map CompleteNotify serials back to pool
// indices.
func (p *Presenter) DrainCompletions() []int {
	if p.conn == nil {
		return nil
	}
	for {
		ev, err := p.conn.PollEvent()
		if err != nil {
			logging.Logger().Debug("dri3 event poll error", "error", err)
			break
		}
		if ev == nil {
			break
		}
		if ev.Extension != p.present.Major || ev.EvType != evtCompleteNotify {
			continue
		}
		serial := binary.LittleEndian.Uint32(ev.Data[20:])
		p.mu.Lock()
		if idx, ok := p.serialImg[serial]; ok {
			delete(p.serialImg, serial)
			p.completed = append(p.completed, idx)
		}
		p.mu.Unlock()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.completed
	p.completed = nil
	return drained
}

func (p *Presenter) freePixmap(pixmap uint32) {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], pixmap)
	if _, err := p.conn.Request(opFreePixmap, 0, body[:], nil, false); err != nil {
		logging.Logger().Debug("dri3 free pixmap failed", "pixmap", pixmap, "error", err)
	}
}

// DestroyImageResources implements presenter.Presenter.
func (p *Presenter) DestroyImageResources(img *presenter.Image) {
	res, ok := img.Resources.(*imageResources)
	if !ok {
		return
	}
	if p.conn != nil {
		p.freePixmap(res.pixmap)
	}
	img.Resources = nil
}

// Close implements presenter.Presenter.
func (p *Presenter) Close() {
	if p.renderFd >= 0 {
		_ = unix.Close(p.renderFd)
		p.renderFd = -1
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.surface = nil
}
