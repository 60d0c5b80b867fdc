// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package shm is the CPU-copy presentation fallback built on the
// MIT-SHM extension.
//
// Each swapchain image gets a System V shared memory segment attached
// to both the client and the X server. Presenting copies the image's
// pixels into the segment and issues a ShmPutImage against the target
// window; the server signals a completion event when its copy is done.
// The path works against any X server that speaks MIT-SHM, which makes
// it the backend of last resort when the zero-copy transports fail.
package shm

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/jezek/xgb/shm"
	"github.com/jezek/xgb/xproto"
	"golang.org/x/image/draw"
	"golang.org/x/sys/unix"

	"github.com/gogpu/present/internal/logging"
	"github.com/gogpu/present/presenter"
)

func init() {
	presenter.Register(presenter.KindSHM, func() presenter.Presenter { return New() }, Available)
}

// Available reports whether the surface's X server speaks MIT-SHM.
func Available(s *presenter.Surface) bool {
	if s == nil || s.Conn == nil {
		return false
	}
	if err := shm.Init(s.Conn); err != nil {
		return false
	}
	_, err := shm.QueryVersion(s.Conn).Reply()
	return err == nil
}

// imageResources is one image's shared segment: the local mapping plus
// the server-side segment handle.
type imageResources struct {
	presenter.ResourcesBase

	shmid  int
	seg    shm.Seg
	data   []byte
	width  int
	height int
}

// Presenter is the MIT-SHM backend.
type Presenter struct {
	surface *presenter.Surface
	gc      xproto.Gcontext
	depth   uint8

	// mu guards the segment-to-image map shared between PresentImage
	// and completion draining.
	mu      sync.Mutex
	segImg  map[shm.Seg]int
	pending []int
}

// New returns an uninitialized SHM presenter.
func New() *Presenter {
	return &Presenter{segImg: make(map[shm.Seg]int)}
}

// Kind implements presenter.Presenter.
func (p *Presenter) Kind() presenter.Kind { return presenter.KindSHM }

// DeferredRelease implements presenter.Presenter. The pixel copy
// happens inside PresentImage, so the image is reusable as soon as the
// call returns.
func (p *Presenter) DeferredRelease() bool { return false }

// Init implements presenter.Presenter: verify the extension and build
// the graphics context presentation draws through.
func (p *Presenter) Init(s *presenter.Surface, geom presenter.Geometry) error {
	if s == nil || s.Conn == nil {
		return errors.New("shm: no X11 connection")
	}
	if err := shm.Init(s.Conn); err != nil {
		return fmt.Errorf("shm: extension init: %w", err)
	}
	p.surface = s

	p.depth = geom.Depth
	if reply, err := xproto.GetGeometry(s.Conn, xproto.Drawable(s.Window)).Reply(); err == nil {
		p.depth = reply.Depth
	}
	if p.depth == 0 {
		p.depth = 24
	}

	gc, err := xproto.NewGcontextId(s.Conn)
	if err != nil {
		return fmt.Errorf("shm: gc id: %w", err)
	}
	err = xproto.CreateGCChecked(s.Conn, gc, xproto.Drawable(s.Window),
		xproto.GcGraphicsExposures, []uint32{0}).Check()
	if err != nil {
		return fmt.Errorf("shm: create gc: %w", err)
	}
	p.gc = gc

	logging.Logger().Info("shm presenter initialized",
		"width", geom.Width, "height", geom.Height, "depth", p.depth)
	return nil
}

// CreateImageResources implements presenter.Presenter: allocate a
// shared segment sized for the image and attach it on both ends.
func (p *Presenter) CreateImageResources(img *presenter.Image, geom presenter.Geometry) error {
	if p.surface == nil {
		return presenter.ErrNotInitialized
	}
	size := int(geom.Width) * 4 * int(geom.Height)

	shmid, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return fmt.Errorf("shm: shmget: %w", err)
	}
	data, err := unix.SysvShmAttach(shmid, 0, 0)
	if err != nil {
		_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return fmt.Errorf("shm: shmat: %w", err)
	}

	seg, err := shm.NewSegId(p.surface.Conn)
	if err != nil {
		_ = unix.SysvShmDetach(data)
		_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return fmt.Errorf("shm: segment id: %w", err)
	}
	if err := shm.AttachChecked(p.surface.Conn, seg, uint32(shmid), false).Check(); err != nil {
		_ = unix.SysvShmDetach(data)
		_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return fmt.Errorf("shm: server attach: %w", err)
	}

	// Mark the segment for removal now; it lives until both sides
	// detach, and an abnormal exit cannot leak it.
	_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)

	res := &imageResources{
		shmid:  shmid,
		seg:    seg,
		data:   data[:size],
		width:  int(geom.Width),
		height: int(geom.Height),
	}
	img.Resources = res
	p.mu.Lock()
	p.segImg[seg] = img.Index
	p.mu.Unlock()

	logging.Logger().Debug("shm segment created",
		"image", img.Index, "size", size, "shmid", shmid)
	return nil
}

// PresentImage implements presenter.Presenter: copy the image pixels
// into the shared segment and put them on the window. The server sends
// a completion event once its read finished.
func (p *Presenter) PresentImage(img *presenter.Image, serial uint32) error {
	if p.surface == nil {
		return presenter.ErrNotInitialized
	}
	res, ok := img.Resources.(*imageResources)
	if !ok {
		return presenter.ErrSurfaceLost
	}

	src, err := img.Memory.Map()
	if err != nil {
		return fmt.Errorf("shm: map image: %w", err)
	}

	stride := int(img.Memory.Planes[0].Stride)
	width, rows := res.width, res.height
	blit(res.data, src, width, rows, stride)

	err = shm.PutImageChecked(p.surface.Conn, xproto.Drawable(p.surface.Window), p.gc,
		uint16(width), uint16(rows), // total extent
		0, 0, uint16(width), uint16(rows), // source rectangle
		0, 0, // destination origin
		p.depth, xproto.ImageFormatZPixmap,
		1, // request a completion event
		res.seg, 0).Check()
	if err != nil {
		logging.Logger().Error("shm put failed", "image", img.Index, "serial", serial, "error", err)
		return presenter.ErrSurfaceLost
	}
	return nil
}

// blit copies rows pixel rows from src (with the given byte stride)
// into the tightly packed dst.
func blit(dst, src []byte, width, rows, stride int) {
	d := &image.RGBA{Pix: dst, Stride: width * 4, Rect: image.Rect(0, 0, width, rows)}
	s := &image.RGBA{Pix: src, Stride: stride, Rect: image.Rect(0, 0, width, rows)}
	draw.Draw(d, d.Rect, s, image.Point{}, draw.Src)
}

// DrainCompletions implements presenter.CompletionSource.
func (p *Presenter) DrainCompletions() []int {
	if p.surface == nil {
		return nil
	}
	for {
		ev, err := p.surface.Conn.PollForEvent()
		if ev == nil && err == nil {
			break
		}
		if err != nil {
			logging.Logger().Debug("shm event poll error", "error", err)
			continue
		}
		if ce, ok := ev.(shm.CompletionEvent); ok {
			p.mu.Lock()
			if idx, known := p.segImg[ce.Shmseg]; known {
				p.pending = append(p.pending, idx)
			}
			p.mu.Unlock()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.pending
	p.pending = nil
	return drained
}

// WaitCompletions implements presenter.CompletionWaiter: park until at
// least one completion event arrives or stop closes.
func (p *Presenter) WaitCompletions(stop <-chan struct{}) []int {
	for {
		if drained := p.DrainCompletions(); len(drained) > 0 {
			return drained
		}
		select {
		case <-stop:
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

// DestroyImageResources implements presenter.Presenter.
func (p *Presenter) DestroyImageResources(img *presenter.Image) {
	res, ok := img.Resources.(*imageResources)
	if !ok {
		return
	}
	if p.surface != nil {
		_ = shm.Detach(p.surface.Conn, res.seg)
	}
	_ = unix.SysvShmDetach(res.data)

	p.mu.Lock()
	delete(p.segImg, res.seg)
	p.mu.Unlock()
	img.Resources = nil
}

// Close implements presenter.Presenter. The X connection belongs to
// the surface and stays open.
func (p *Presenter) Close() {
	if p.surface != nil && p.gc != 0 {
		xproto.FreeGC(p.surface.Conn, p.gc)
		p.gc = 0
	}
	p.surface = nil
}
