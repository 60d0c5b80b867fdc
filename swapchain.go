// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package present

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/present/drmfmt"
	"github.com/gogpu/present/memory"
	"github.com/gogpu/present/presenter"
)

const (
	// maxPendingCompletions bounds the outstanding completion count per
	// image; a caller outrunning the event goroutine blocks here
	// instead of growing the queue without limit.
	maxPendingCompletions = 128

	// Event drain cadence per transport. Bypass leans on the release
	// ring for reuse, so a display-rate drain is enough; the protocol
	// path drains faster to keep the server's event queue short.
	bypassDrainInterval   = 16 * time.Millisecond
	protocolDrainInterval = 4 * time.Millisecond
)

// ImageStatus is a pool image's lifecycle state.
type ImageStatus int

const (
	// StatusFree means the image is available for Acquire.
	StatusFree ImageStatus = iota

	// StatusAcquired means the application owns the image and may
	// render into it.
	StatusAcquired

	// StatusPendingPresent means the image was submitted and is held by
	// the transport or the release ring.
	StatusPendingPresent

	// StatusInvalid means the image's resources are gone. Terminal.
	StatusInvalid
)

// Fence gates a present on frame production. The worker waits for it
// before submitting; Wait must return promptly once stop closes so
// teardown is never held up by an unsignaled frame.
type Fence interface {
	Wait(stop <-chan struct{}) error
}

// image is one pool entry.
type image struct {
	img     presenter.Image
	status  ImageStatus
	pending int // outstanding transport completions
}

// presentRequest is one queued submission.
type presentRequest struct {
	index  int
	serial uint32
	fence  Fence
}

// Swapchain owns a pool of presentable images and the machinery that
// moves them through acquire, present and release.
type Swapchain struct {
	pres  presenter.Presenter
	alloc memory.Allocator
	geom  presenter.Geometry

	// mu guards the pool state below. The presenter has its own
	// serialization; the two locks never nest the other way around.
	mu        sync.Mutex
	images    []*image
	ring      releaseRing
	serial    uint32
	notify    chan struct{}
	stopped   bool
	destroyed bool

	stop     chan struct{}
	requests chan presentRequest
	wg       sync.WaitGroup
}

// NewSwapchain creates a swapchain presenting width x height images of
// the given format to the surface. The presentation backend is chosen
// by the router unless an option pins or injects one; selection is
// final for the swapchain's lifetime.
func NewSwapchain(s *presenter.Surface, width, height uint32, format gputypes.TextureFormat, opts ...Option) (*Swapchain, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	fourcc, err := drmfmt.FromTexture(format)
	if err != nil {
		return nil, fmt.Errorf("present: %w", err)
	}
	geom := presenter.Geometry{Width: width, Height: height, Depth: uint8(fourcc.Depth())}

	pres := o.backend
	if pres != nil {
		if err := pres.Init(s, geom); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
		}
	} else {
		router := &presenter.Router{
			ProcessName: o.processName,
			ConfigPaths: o.configPaths,
			Override:    o.override,
		}
		pres, err = router.Select(s, geom)
		if err != nil {
			return nil, err
		}
	}

	alloc := o.allocator
	if alloc == nil {
		alloc = memory.NewMemfdAllocator()
	}

	sc := &Swapchain{
		pres:     pres,
		alloc:    alloc,
		geom:     geom,
		notify:   make(chan struct{}),
		stop:     make(chan struct{}),
		requests: make(chan presentRequest, maxPendingCompletions),
	}

	candidates := []memory.Candidate{
		{Format: fourcc, Modifier: drmfmt.ModifierLinear},
		{Format: fourcc, Modifier: drmfmt.ModifierInvalid},
	}
	for i := 0; i < o.imageCount; i++ {
		desc, err := alloc.Allocate(candidates, width, height, 0)
		if err != nil {
			sc.destroyImages()
			pres.Close()
			return nil, fmt.Errorf("%w: image allocation: %v", ErrInitializationFailed, err)
		}
		img := &image{img: presenter.Image{Index: i, Memory: desc}}
		if err := pres.CreateImageResources(&img.img, geom); err != nil {
			alloc.Free(desc)
			sc.destroyImages()
			pres.Close()
			return nil, fmt.Errorf("%w: image resources: %v", ErrInitializationFailed, err)
		}
		sc.images = append(sc.images, img)
	}

	sc.wg.Add(2)
	go sc.presentWorker()
	go sc.eventLoop()

	logger().Info("swapchain created",
		"presenter", pres.Kind().String(),
		"images", len(sc.images),
		"format", fourcc.String(),
		"width", width, "height", height)
	return sc, nil
}

// Kind returns the selected presentation transport.
func (sc *Swapchain) Kind() presenter.Kind { return sc.pres.Kind() }

// ImageCount returns the pool size.
func (sc *Swapchain) ImageCount() int { return len(sc.images) }

// ImageMemory returns the backing memory of pool image i for the
// renderer to write into.
func (sc *Swapchain) ImageMemory(i int) *memory.Descriptor {
	if i < 0 || i >= len(sc.images) {
		return nil
	}
	return sc.images[i].img.Memory
}

// broadcast wakes every goroutine parked on the pool. Callers hold mu.
func (sc *Swapchain) broadcast() {
	close(sc.notify)
	sc.notify = make(chan struct{})
}

// Acquire returns the index of a free image, blocking up to timeout
// for one to appear. A zero timeout polls and returns ErrNotReady when
// nothing is free; a negative timeout waits indefinitely. ErrTimeout
// reports an expired deadline, ErrOutOfDate a stopped swapchain; both
// are conditions for the caller, not failures of it.
func (sc *Swapchain) Acquire(timeout time.Duration) (int, error) {
	var deadline *time.Timer
	if timeout > 0 {
		deadline = time.NewTimer(timeout)
		defer deadline.Stop()
	}

	sc.mu.Lock()
	for {
		if sc.stopped {
			sc.mu.Unlock()
			return -1, ErrOutOfDate
		}
		for _, img := range sc.images {
			if img.status == StatusFree {
				img.status = StatusAcquired
				sc.mu.Unlock()
				return img.img.Index, nil
			}
		}
		if timeout == 0 {
			sc.mu.Unlock()
			return -1, ErrNotReady
		}

		wait := sc.notify
		sc.mu.Unlock()
		if deadline != nil {
			select {
			case <-wait:
			case <-deadline.C:
				return -1, ErrTimeout
			}
		} else {
			<-wait
		}
		sc.mu.Lock()
	}
}

// Present submits an acquired image. The submission is ordered by a
// monotonically increasing serial and performed by the worker
// goroutine, so the call does not wait for the transport. fence, when
// not nil, delays the transport submit until the frame is produced.
//
// If the image's outstanding completion count is saturated the call
// blocks until the event goroutine catches up; when the swapchain has
// already stopped it instead releases the image and reports
// ErrOutOfDate.
func (sc *Swapchain) Present(index int, fence Fence) error {
	sc.mu.Lock()
	if index < 0 || index >= len(sc.images) {
		sc.mu.Unlock()
		return fmt.Errorf("present: image index %d out of range", index)
	}
	img := sc.images[index]
	if img.status != StatusAcquired {
		sc.mu.Unlock()
		return fmt.Errorf("present: image %d not acquired", index)
	}

	for img.pending >= maxPendingCompletions {
		if sc.stopped {
			img.status = StatusFree
			sc.broadcast()
			sc.mu.Unlock()
			return ErrOutOfDate
		}
		wait := sc.notify
		sc.mu.Unlock()
		<-wait
		sc.mu.Lock()
	}
	if sc.stopped {
		img.status = StatusFree
		sc.broadcast()
		sc.mu.Unlock()
		return ErrOutOfDate
	}

	img.status = StatusPendingPresent
	img.pending++
	sc.serial++
	req := presentRequest{index: index, serial: sc.serial, fence: fence}
	sc.mu.Unlock()

	select {
	case sc.requests <- req:
		return nil
	case <-sc.stop:
		sc.release(index)
		return ErrOutOfDate
	}
}

// presentWorker performs transport submissions so buffer-release and
// fence waits never stall the application's render loop.
func (sc *Swapchain) presentWorker() {
	defer sc.wg.Done()
	for {
		select {
		case req := <-sc.requests:
			sc.submit(req)
		case <-sc.stop:
			// Drain without submitting; the images go back to the
			// pool so teardown sees a consistent state.
			for {
				select {
				case req := <-sc.requests:
					sc.release(req.index)
				default:
					return
				}
			}
		}
	}
}

// submit pushes one request through the transport.
func (sc *Swapchain) submit(req presentRequest) {
	if req.fence != nil {
		if err := req.fence.Wait(sc.stop); err != nil {
			logger().Error("present fence failed", "image", req.index, "error", err)
			sc.release(req.index)
			return
		}
		select {
		case <-sc.stop:
			sc.release(req.index)
			return
		default:
		}
	}

	img := sc.images[req.index]
	if err := sc.pres.PresentImage(&img.img, req.serial); err != nil {
		// The image is released unconditionally so the pool never
		// leaks a buffer; the frame is dropped, not retried.
		logger().Error("present submission failed",
			"image", req.index, "serial", req.serial, "error", err)
		sc.release(req.index)
		return
	}

	if sc.pres.DeferredRelease() {
		sc.mu.Lock()
		if evicted, ok := sc.ring.insert(req.index); ok {
			sc.releaseLocked(evicted)
		}
		sc.mu.Unlock()
	} else {
		// Copy-at-submit transports are done with the buffer already.
		sc.release(req.index)
	}
}

// release returns an image to the pool and wakes waiters.
func (sc *Swapchain) release(index int) {
	sc.mu.Lock()
	sc.releaseLocked(index)
	sc.mu.Unlock()
}

func (sc *Swapchain) releaseLocked(index int) {
	img := sc.images[index]
	if img.status == StatusInvalid {
		return
	}
	img.status = StatusFree
	sc.broadcast()
}

// eventLoop drains transport completion signals for the swapchain's
// lifetime. The cadence depends on the transport: bypass dispatches at
// display rate, the protocol path more often to avoid event backlog,
// and the CPU-copy path parks until an image has outstanding
// completions.
func (sc *Swapchain) eventLoop() {
	defer sc.wg.Done()

	source, _ := sc.pres.(presenter.CompletionSource)
	waiter, _ := sc.pres.(presenter.CompletionWaiter)
	interval := protocolDrainInterval
	if sc.pres.Kind() == presenter.KindBypass {
		interval = bypassDrainInterval
	}

	for {
		select {
		case <-sc.stop:
			return
		default:
		}

		switch {
		case waiter != nil:
			if !sc.hasOutstanding() {
				sc.waitOutstanding()
				continue
			}
			sc.complete(waiter.WaitCompletions(sc.stop))
		case source != nil:
			sc.complete(source.DrainCompletions())
			sc.sleep(interval)
		default:
			sc.sleep(interval)
		}
	}
}

func (sc *Swapchain) hasOutstanding() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, img := range sc.images {
		if img.pending > 0 {
			return true
		}
	}
	return false
}

// waitOutstanding parks until the pool changes or teardown begins.
func (sc *Swapchain) waitOutstanding() {
	sc.mu.Lock()
	wait := sc.notify
	sc.mu.Unlock()
	select {
	case <-wait:
	case <-sc.stop:
	}
}

// complete records drained transport completions.
func (sc *Swapchain) complete(indices []int) {
	if len(indices) == 0 {
		return
	}
	sc.mu.Lock()
	for _, idx := range indices {
		if idx < 0 || idx >= len(sc.images) {
			continue
		}
		if img := sc.images[idx]; img.pending > 0 {
			img.pending--
		}
	}
	sc.broadcast()
	sc.mu.Unlock()
}

func (sc *Swapchain) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-sc.stop:
	}
}

// Destroy tears the swapchain down: ring-held images are force
// released, both goroutines are woken and joined, then per-image
// transport resources and memory are freed. It never waits out a
// transport-level timeout and is safe to call more than once.
func (sc *Swapchain) Destroy() {
	sc.mu.Lock()
	if sc.destroyed {
		sc.mu.Unlock()
		return
	}
	sc.destroyed = true

	// Phase one: stop intake, force-release the ring and wake every
	// parked waiter so nothing sleeps through its own teardown.
	sc.stopped = true
	for _, idx := range sc.ring.drain() {
		sc.releaseLocked(idx)
	}
	sc.broadcast()
	sc.mu.Unlock()

	// Phase two: unblock the goroutines' wait primitives and join
	// unconditionally.
	close(sc.stop)
	sc.wg.Wait()

	sc.destroyImages()
	sc.pres.Close()
	logger().Info("swapchain destroyed", "presenter", sc.pres.Kind().String())
}

// destroyImages invalidates every image exactly once, detaching
// transport resources and freeing memory.
func (sc *Swapchain) destroyImages() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, img := range sc.images {
		if img.status == StatusInvalid {
			continue
		}
		img.status = StatusInvalid
		sc.pres.DestroyImageResources(&img.img)
		if img.img.Memory != nil {
			sc.alloc.Free(img.img.Memory)
			img.img.Memory = nil
		}
	}
}
