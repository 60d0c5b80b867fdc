// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package x11 is a minimal X11 client connection used as a sideband
// channel for extension requests that carry file descriptors.
//
// General-purpose X traffic goes through the regular xgb connection;
// that transport cannot attach ancillary data, which DRI3 requires to
// import and export DMA-BUFs. This connection owns its socket, so fd
// passing works in both directions. X resource ids are server-global,
// so pixmaps created here are usable from requests on any connection,
// and vice versa.
//
// The request model is deliberately synchronous: one caller at a time,
// requests either fire-and-forget or block for their reply. Events are
// queued as they are encountered and drained with PollEvent.
package x11

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Error is an X protocol error reply.
type Error struct {
	Code     uint8
	Sequence uint16
	Major    uint8
	Minor    uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("x11: error code %d (request %d.%d, seq %d)", e.Code, e.Major, e.Minor, e.Sequence)
}

// Reply is a successful reply: the raw 32-byte-plus body and any file
// descriptors that rode along as ancillary data.
type Reply struct {
	Data []byte
	Fds  []int
}

// GenericEvent is one X Generic Event (the mechanism extensions such
// as Present deliver events through). Data holds the full raw event,
// header included.
type GenericEvent struct {
	Extension uint8
	EvType    uint16
	Data      []byte
}

// Extension records the dynamically assigned dispatch codes of one
// queried extension.
type Extension struct {
	Major      uint8
	FirstEvent uint8
	FirstError uint8
}

// Conn is a sideband X11 connection.
type Conn struct {
	fd  int
	seq uint16

	idBase uint32
	idMask uint32
	idNext uint32

	rbuf   []byte
	rfds   []int
	events []*GenericEvent
}

// displaySocket resolves a DISPLAY value to a unix socket path and
// display number.
func displaySocket(display string) (string, string, error) {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	idx := strings.LastIndex(display, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("x11: malformed display %q", display)
	}
	host := display[:idx]
	if host != "" && host != "unix" {
		return "", "", fmt.Errorf("x11: non-local display %q", display)
	}
	num := display[idx+1:]
	if dot := strings.Index(num, "."); dot >= 0 {
		num = num[:dot]
	}
	if _, err := strconv.Atoi(num); err != nil {
		return "", "", fmt.Errorf("x11: malformed display %q", display)
	}
	return "/tmp/.X11-unix/X" + num, num, nil
}

// Dial connects and performs the setup handshake. An empty display
// uses $DISPLAY.
func Dial(display string) (*Conn, error) {
	path, num, err := displaySocket(display)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("x11: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("x11: connect %s: %w", path, err)
	}
	c := &Conn{fd: fd}
	name, data := authority(num)
	if err := c.setup(name, data); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close shuts the connection down.
func (c *Conn) Close() {
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
	for _, fd := range c.rfds {
		_ = unix.Close(fd)
	}
	c.rfds = nil
}

func pad4(n int) int { return (n + 3) &^ 3 }

// setup sends the connection setup request and extracts the resource
// id range from the accepted reply.
func (c *Conn) setup(authName string, authData []byte) error {
	req := make([]byte, 12+pad4(len(authName))+pad4(len(authData)))
	req[0] = 'l' // little endian
	binary.LittleEndian.PutUint16(req[2:], 11)
	binary.LittleEndian.PutUint16(req[6:], uint16(len(authName)))
	binary.LittleEndian.PutUint16(req[8:], uint16(len(authData)))
	copy(req[12:], authName)
	copy(req[12+pad4(len(authName)):], authData)
	if err := c.writeAll(req, nil); err != nil {
		return err
	}

	hdr, err := c.take(8)
	if err != nil {
		return err
	}
	extra, err := c.take(int(binary.LittleEndian.Uint16(hdr[6:])) * 4)
	if err != nil {
		return err
	}
	switch hdr[0] {
	case 0:
		reason := ""
		if n := int(hdr[1]); n <= len(extra) {
			reason = string(extra[:n])
		}
		return fmt.Errorf("x11: connection refused: %s", reason)
	case 2:
		return errors.New("x11: server demands further authentication")
	}
	if len(extra) < 16 {
		return errors.New("x11: short setup reply")
	}
	c.idBase = binary.LittleEndian.Uint32(extra[4:])
	c.idMask = binary.LittleEndian.Uint32(extra[8:])
	return nil
}

// GenerateID allocates a fresh resource id from this connection's
// server-assigned range.
func (c *Conn) GenerateID() uint32 {
	id := c.idBase | (c.idNext * (c.idMask & -c.idMask) & c.idMask)
	c.idNext++
	return id
}

// Request sends one request. body excludes the 4-byte request header;
// fds are attached as ancillary data. With wantReply the call blocks
// until the reply (or error) for this request arrives.
func (c *Conn) Request(opcode, minor uint8, body []byte, fds []int, wantReply bool) (*Reply, error) {
	buf := make([]byte, 4+pad4(len(body)))
	buf[0] = opcode
	buf[1] = minor
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(buf)/4))
	copy(buf[4:], body)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if err := c.writeAll(buf, oob); err != nil {
		return nil, err
	}
	c.seq++
	seq := c.seq
	if !wantReply {
		return nil, nil
	}

	for {
		kind, msg, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		switch kind {
		case 0: // error
			xe := parseError(msg)
			if xe.Sequence == seq {
				return nil, xe
			}
			// Stale error from a fire-and-forget request.
		case 1: // reply
			if binary.LittleEndian.Uint16(msg[2:]) == seq {
				fds := c.rfds
				c.rfds = nil
				return &Reply{Data: msg, Fds: fds}, nil
			}
		}
	}
}

// QueryExtension resolves an extension's dispatch codes. A nil result
// with nil error means the server does not have the extension.
func (c *Conn) QueryExtension(name string) (*Extension, error) {
	body := make([]byte, 4+pad4(len(name)))
	binary.LittleEndian.PutUint16(body, uint16(len(name)))
	copy(body[4:], name)
	const opQueryExtension = 98
	reply, err := c.Request(opQueryExtension, 0, body, nil, true)
	if err != nil {
		return nil, err
	}
	if reply.Data[8] == 0 { // not present
		return nil, nil
	}
	return &Extension{
		Major:      reply.Data[9],
		FirstEvent: reply.Data[10],
		FirstError: reply.Data[11],
	}, nil
}

// PollEvent returns the next queued generic event, reading from the
// socket only when data is already available. Returns nil when no
// event is pending.
func (c *Conn) PollEvent() (*GenericEvent, error) {
	for len(c.events) == 0 {
		if len(c.rbuf) < 32 {
			ready, err := c.readable()
			if err != nil {
				return nil, err
			}
			if !ready {
				return nil, nil
			}
		}
		// Replies cannot appear here: PollEvent never runs with a
		// request in flight. Stray errors are dropped.
		if _, _, err := c.readMessage(); err != nil {
			return nil, err
		}
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, nil
}

// readable reports whether the socket has data without blocking.
func (c *Conn) readable() (bool, error) {
	for {
		pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("x11: poll: %w", err)
		}
		return n > 0 && pfd[0].Revents&unix.POLLIN != 0, nil
	}
}

func parseError(msg []byte) *Error {
	return &Error{
		Code:     msg[1],
		Sequence: binary.LittleEndian.Uint16(msg[2:]),
		Minor:    binary.LittleEndian.Uint16(msg[8:]),
		Major:    msg[10],
	}
}

// readMessage reads one complete server message, queueing generic
// events as a side effect and returning the message kind (first byte,
// send-event bit stripped).
func (c *Conn) readMessage() (uint8, []byte, error) {
	msg, err := c.take(32)
	if err != nil {
		return 0, nil, err
	}
	kind := msg[0] &^ 0x80
	switch kind {
	case 1, 35: // replies and generic events carry extra length
		extra := int(binary.LittleEndian.Uint32(msg[4:])) * 4
		if extra > 0 {
			more, err := c.take(extra)
			if err != nil {
				return 0, nil, err
			}
			msg = append(msg, more...)
		}
	}
	if kind == 35 {
		c.events = append(c.events, &GenericEvent{
			Extension: msg[1],
			EvType:    binary.LittleEndian.Uint16(msg[8:]),
			Data:      msg,
		})
	}
	return kind, msg, nil
}

// take returns exactly n bytes from the stream.
func (c *Conn) take(n int) ([]byte, error) {
	for len(c.rbuf) < n {
		buf := make([]byte, 4096)
		oob := make([]byte, 128)
		rn, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("x11: recvmsg: %w", err)
		}
		if rn == 0 {
			return nil, errors.New("x11: connection closed by server")
		}
		if oobn > 0 {
			if msgs, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
				for i := range msgs {
					if fds, err := unix.ParseUnixRights(&msgs[i]); err == nil {
						c.rfds = append(c.rfds, fds...)
					}
				}
			}
		}
		c.rbuf = append(c.rbuf, buf[:rn]...)
	}
	msg := c.rbuf[:n:n]
	c.rbuf = c.rbuf[n:]
	return msg, nil
}

func (c *Conn) writeAll(buf, oob []byte) error {
	for len(buf) > 0 {
		n, err := unix.SendmsgN(c.fd, buf, oob, nil, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("x11: sendmsg: %w", err)
		}
		buf = buf[n:]
		oob = nil
	}
	return nil
}
