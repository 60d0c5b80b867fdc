// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package wire implements the client side of the Wayland wire protocol:
// unix socket transport, message framing, SCM_RIGHTS descriptor passing
// and event dispatch.
//
// It is deliberately minimal — just enough protocol machinery for the
// compositor-bypass presenter to create and commit zero-copy buffers.
// Interface semantics (opcodes, argument layouts) live with the caller;
// this package only moves typed arguments across the socket and hands
// incoming messages to per-object handlers as structured events.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// DisplayID is the fixed object id of the wl_display singleton.
const DisplayID = 1

// Display events handled internally by the connection.
const (
	displayEvtError    = 0
	displayEvtDeleteID = 1
)

// FD marks a request argument as a file descriptor to be passed through
// ancillary data rather than the message body.
type FD int

// NewID marks a request argument as a newly allocated object id. It is
// encoded as a plain uint32; the distinct type only documents intent at
// call sites.
type NewID uint32

// Handler receives decoded events for one object.
type Handler func(e *Event)

// Event is one incoming message. Argument accessors consume the payload
// in protocol order.
type Event struct {
	Object uint32
	Opcode uint16

	data []byte
	off  int
}

// Uint32 reads the next uint argument.
func (e *Event) Uint32() uint32 {
	if e.off+4 > len(e.data) {
		return 0
	}
	v := binary.LittleEndian.Uint32(e.data[e.off:])
	e.off += 4
	return v
}

// Int32 reads the next int argument.
func (e *Event) Int32() int32 {
	return int32(e.Uint32())
}

// String reads the next string argument.
func (e *Event) String() string {
	n := int(e.Uint32()) // length including NUL
	if n == 0 {
		return ""
	}
	pad := (n + 3) &^ 3
	if e.off+pad > len(e.data) {
		return ""
	}
	s := string(e.data[e.off : e.off+n-1])
	e.off += pad
	return s
}

// Array reads the next array argument.
func (e *Event) Array() []byte {
	n := int(e.Uint32())
	pad := (n + 3) &^ 3
	if e.off+pad > len(e.data) {
		return nil
	}
	a := e.data[e.off : e.off+n]
	e.off += pad
	return a
}

// ProtocolError is a wl_display.error event: the compositor rejected a
// request. The connection is unusable afterwards.
type ProtocolError struct {
	Object  uint32
	Code    uint32
	Message string
}

func (pe *ProtocolError) Error() string {
	return fmt.Sprintf("wayland protocol error on object %d (code %d): %s", pe.Object, pe.Code, pe.Message)
}

// Conn is a Wayland client connection. Send/Flush and Dispatch may be
// called from different goroutines; callers serialize access with their
// own mutex as required by their transport contract, the connection only
// guards its internal state.
type Conn struct {
	fd int

	writeMu sync.Mutex
	wbuf    []byte
	wfds    []int

	mu       sync.Mutex
	nextID   uint32
	handlers map[uint32]Handler
	err      error

	rbuf []byte // residual partial message bytes
}

// socketPath resolves the compositor socket for a display name, using
// WAYLAND_DISPLAY when name is empty.
func socketPath(name string) (string, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
	}
	if name == "" {
		return "", errors.New("wire: no display name and WAYLAND_DISPLAY unset")
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", errors.New("wire: XDG_RUNTIME_DIR unset")
	}
	return filepath.Join(dir, name), nil
}

// Connect opens a connection to the named compositor socket. An empty
// name uses WAYLAND_DISPLAY.
func Connect(name string) (*Conn, error) {
	path, err := socketPath(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("wire: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("wire: connect %s: %w", path, err)
	}
	return NewConn(fd), nil
}

// NewConn wraps an already connected socket. The connection takes
// ownership of the descriptor.
func NewConn(fd int) *Conn {
	c := &Conn{
		fd:       fd,
		nextID:   DisplayID, // first NewID call hands out 2
		handlers: make(map[uint32]Handler),
	}
	return c
}

// Close shuts the connection down.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}

// SetNonblock switches the socket to non-blocking mode so Dispatch can
// never stall a caller holding the transport mutex.
func (c *Conn) SetNonblock() error {
	return unix.SetNonblock(c.fd, true)
}

// Err returns the sticky connection error, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// NewID allocates a fresh object id and installs its event handler.
func (c *Conn) NewID(h Handler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if h != nil {
		c.handlers[id] = h
	}
	return id
}

// SetHandler replaces the handler of an existing object.
func (c *Conn) SetHandler(id uint32, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, id)
	} else {
		c.handlers[id] = h
	}
}

func (c *Conn) handler(id uint32) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[id]
}

// Send queues one request. Accepted argument types: uint32, int32,
// NewID, string, []byte and FD. The request is buffered until Flush.
func (c *Conn) Send(object uint32, opcode uint16, args ...any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body := make([]byte, 0, 32)
	var fds []int
	for _, a := range args {
		switch v := a.(type) {
		case uint32:
			body = binary.LittleEndian.AppendUint32(body, v)
		case int32:
			body = binary.LittleEndian.AppendUint32(body, uint32(v))
		case NewID:
			body = binary.LittleEndian.AppendUint32(body, uint32(v))
		case string:
			n := len(v) + 1
			body = binary.LittleEndian.AppendUint32(body, uint32(n))
			body = append(body, v...)
			body = append(body, 0)
			for len(body)%4 != 0 {
				body = append(body, 0)
			}
		case []byte:
			body = binary.LittleEndian.AppendUint32(body, uint32(len(v)))
			body = append(body, v...)
			for len(body)%4 != 0 {
				body = append(body, 0)
			}
		case FD:
			fds = append(fds, int(v))
		default:
			return fmt.Errorf("wire: unsupported argument type %T", a)
		}
	}

	size := 8 + len(body)
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr, object)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(size)<<16|uint32(opcode))

	c.wbuf = append(c.wbuf, hdr...)
	c.wbuf = append(c.wbuf, body...)
	c.wfds = append(c.wfds, fds...)
	return nil
}

// Flush writes all queued requests (and their descriptors) to the
// socket. A full kernel buffer on a non-blocking socket is not an
// error: the flush waits for the compositor to drain and continues.
// Bytes the kernel accepted are consumed from the queue immediately so
// an interrupted flush never re-sends a prefix.
func (c *Conn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for len(c.wbuf) > 0 {
		var oob []byte
		if len(c.wfds) > 0 {
			oob = unix.UnixRights(c.wfds...)
		}
		n, err := unix.SendmsgN(c.fd, c.wbuf, oob, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if perr := pollOut(c.fd); perr != nil {
				c.setErr(fmt.Errorf("wire: poll: %w", perr))
				return c.Err()
			}
			continue
		}
		if err != nil {
			c.setErr(fmt.Errorf("wire: sendmsg: %w", err))
			return c.Err()
		}
		c.wbuf = c.wbuf[n:]
		c.wfds = c.wfds[:0] // rights ride along with the first byte only
	}
	c.wbuf = c.wbuf[:0]
	return c.Err()
}

// pollOut waits until the socket can accept more data.
func pollOut(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Dispatch drains all readable data from the socket and invokes object
// handlers for each complete message. On a non-blocking socket it
// returns without blocking when no data is queued.
func (c *Conn) Dispatch() error {
	for {
		n, err := c.readOnce()
		if err != nil {
			return err
		}
		if n == 0 {
			return c.Err()
		}
		if err := c.deliver(); err != nil {
			return err
		}
	}
}

// DispatchOne performs a single blocking read and delivers its
// messages. Used during initialization, before the socket is switched
// to non-blocking mode.
func (c *Conn) DispatchOne() error {
	n, err := c.readOnce()
	if err != nil {
		return err
	}
	if n == 0 {
		return c.Err()
	}
	return c.deliver()
}

// readOnce reads up to one buffer of data, appending to the residue.
// Returns 0 bytes without error when the socket would block.
func (c *Conn) readOnce() (int, error) {
	buf := make([]byte, 4096)
	oob := make([]byte, 128)
	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		if err != nil {
			c.setErr(fmt.Errorf("wire: recvmsg: %w", err))
			return 0, c.Err()
		}
		if n == 0 {
			c.setErr(errors.New("wire: connection closed by compositor"))
			return 0, c.Err()
		}
		// Close any descriptors the compositor sent; no event we
		// subscribe to carries one.
		if oobn > 0 {
			if msgs, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
				for _, m := range msgs {
					if fds, err := unix.ParseUnixRights(&m); err == nil {
						for _, fd := range fds {
							_ = unix.Close(fd)
						}
					}
				}
			}
		}
		c.rbuf = append(c.rbuf, buf[:n]...)
		return n, nil
	}
}

// deliver parses complete messages from the residue and dispatches
// them.
func (c *Conn) deliver() error {
	for len(c.rbuf) >= 8 {
		object := binary.LittleEndian.Uint32(c.rbuf)
		word := binary.LittleEndian.Uint32(c.rbuf[4:])
		size := int(word >> 16)
		opcode := uint16(word & 0xffff)
		if size < 8 {
			c.setErr(fmt.Errorf("wire: malformed message header (size %d)", size))
			return c.Err()
		}
		if len(c.rbuf) < size {
			break // partial message, wait for more data
		}
		payload := c.rbuf[8:size]
		c.rbuf = c.rbuf[size:]

		ev := &Event{Object: object, Opcode: opcode, data: payload}
		if object == DisplayID {
			if err := c.handleDisplayEvent(ev); err != nil {
				return err
			}
			continue
		}
		if h := c.handler(object); h != nil {
			h(ev)
		}
	}
	return c.Err()
}

// handleDisplayEvent processes wl_display's own events: fatal protocol
// errors and object id retirement.
func (c *Conn) handleDisplayEvent(ev *Event) error {
	switch ev.Opcode {
	case displayEvtError:
		pe := &ProtocolError{
			Object:  ev.Uint32(),
			Code:    ev.Uint32(),
			Message: ev.String(),
		}
		c.setErr(pe)
		return pe
	case displayEvtDeleteID:
		id := ev.Uint32()
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
	return nil
}

// Roundtrip issues wl_display.sync and dispatches (blocking) until the
// compositor acknowledges it, guaranteeing all prior requests were
// processed.
func (c *Conn) Roundtrip() error {
	done := make(chan struct{})
	cb := c.NewID(func(*Event) { close(done) }) // wl_callback.done
	const opDisplaySync = 0
	if err := c.Send(DisplayID, opDisplaySync, NewID(cb)); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}
	for {
		select {
		case <-done:
			return c.Err()
		default:
		}
		if err := c.DispatchOne(); err != nil {
			return err
		}
	}
}
