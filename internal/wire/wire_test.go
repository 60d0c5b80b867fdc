// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

// pair returns a connected Conn and the raw peer fd acting as the
// compositor side.
func pair(t *testing.T) (*Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	c := NewConn(fds[0])
	t.Cleanup(func() {
		c.Close()
		_ = unix.Close(fds[1])
	})
	return c, fds[1]
}

// serverMsg frames one compositor-to-client message.
func serverMsg(object uint32, opcode uint16, body []byte) []byte {
	msg := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(msg, object)
	binary.LittleEndian.PutUint32(msg[4:], uint32(8+len(body))<<16|uint32(opcode))
	copy(msg[8:], body)
	return msg
}

// TestSendFraming verifies request encoding: header, string padding and
// argument order.
func TestSendFraming(t *testing.T) {
	c, peer := pair(t)

	id := c.NewID(nil)
	if id != 2 {
		t.Fatalf("first allocated id = %d, want 2", id)
	}
	if err := c.Send(DisplayID, 1, NewID(id)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(id, 0, uint32(7), "hi", int32(-1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	buf := make([]byte, 256)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	buf = buf[:n]

	// First message: wl_display.get_registry-shaped, 12 bytes.
	if got := binary.LittleEndian.Uint32(buf); got != DisplayID {
		t.Errorf("object = %d, want %d", got, DisplayID)
	}
	word := binary.LittleEndian.Uint32(buf[4:])
	if size, op := word>>16, word&0xffff; size != 12 || op != 1 {
		t.Errorf("size/opcode = %d/%d, want 12/1", size, op)
	}
	if got := binary.LittleEndian.Uint32(buf[8:]); got != id {
		t.Errorf("new id arg = %d, want %d", got, id)
	}

	// Second message: uint + "hi" (len 3, padded to 4) + int = 8+4+8+4.
	second := buf[12:]
	word = binary.LittleEndian.Uint32(second[4:])
	if size := word >> 16; size != 24 {
		t.Errorf("second message size = %d, want 24", size)
	}
	if got := binary.LittleEndian.Uint32(second[12:]); got != 3 {
		t.Errorf("string length = %d, want 3", got)
	}
	if string(second[16:18]) != "hi" || second[18] != 0 {
		t.Errorf("string bytes = %q", second[16:20])
	}
}

// TestDispatchEvents verifies events reach the registered handler with
// decodable arguments, across partial reads.
func TestDispatchEvents(t *testing.T) {
	c, peer := pair(t)
	if err := c.SetNonblock(); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	type global struct {
		name    uint32
		iface   string
		version uint32
	}
	var got []global
	reg := c.NewID(func(e *Event) {
		if e.Opcode != 0 {
			return
		}
		got = append(got, global{e.Uint32(), e.String(), e.Uint32()})
	})

	var body []byte
	body = binary.LittleEndian.AppendUint32(body, 4)                      // name
	body = binary.LittleEndian.AppendUint32(body, uint32(len("wl_shm")+1)) // string len
	body = append(body, "wl_shm"...)
	body = append(body, 0, 0) // NUL + pad to 4
	body = binary.LittleEndian.AppendUint32(body, 1) // version
	msg := serverMsg(reg, 0, body)

	// Deliver in two chunks to exercise partial-message handling.
	if _, err := unix.Write(peer, msg[:10]); err != nil {
		t.Fatal(err)
	}
	if err := c.Dispatch(); err != nil {
		t.Fatalf("Dispatch (partial): %v", err)
	}
	if len(got) != 0 {
		t.Fatal("handler ran on a partial message")
	}
	if _, err := unix.Write(peer, msg[10:]); err != nil {
		t.Fatal(err)
	}
	if err := c.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].name != 4 || got[0].iface != "wl_shm" || got[0].version != 1 {
		t.Errorf("event = %+v", got[0])
	}

	// A second Dispatch with nothing queued must not block or error.
	if err := c.Dispatch(); err != nil {
		t.Errorf("empty Dispatch: %v", err)
	}
}

// TestProtocolError verifies wl_display.error becomes a sticky
// ProtocolError.
func TestProtocolError(t *testing.T) {
	c, peer := pair(t)
	if err := c.SetNonblock(); err != nil {
		t.Fatal(err)
	}

	var body []byte
	body = binary.LittleEndian.AppendUint32(body, 3) // object
	body = binary.LittleEndian.AppendUint32(body, 2) // code
	msgText := "bad buffer"
	body = binary.LittleEndian.AppendUint32(body, uint32(len(msgText)+1))
	body = append(body, msgText...)
	body = append(body, 0) // NUL; 11 bytes pads to 12
	body = append(body, 0)
	if _, err := unix.Write(peer, serverMsg(DisplayID, displayEvtError, body)); err != nil {
		t.Fatal(err)
	}

	err := c.Dispatch()
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Dispatch error = %v, want ProtocolError", err)
	}
	if pe.Object != 3 || pe.Code != 2 || pe.Message != "bad buffer" {
		t.Errorf("ProtocolError = %+v", pe)
	}
	if c.Err() == nil {
		t.Error("error is not sticky")
	}
}

// TestDeleteID verifies the display's delete_id retires handlers.
func TestDeleteID(t *testing.T) {
	c, peer := pair(t)
	if err := c.SetNonblock(); err != nil {
		t.Fatal(err)
	}

	fired := 0
	id := c.NewID(func(*Event) { fired++ })

	var body []byte
	body = binary.LittleEndian.AppendUint32(body, id)
	if _, err := unix.Write(peer, serverMsg(DisplayID, displayEvtDeleteID, body)); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(peer, serverMsg(id, 0, nil)); err != nil {
		t.Fatal(err)
	}
	if err := c.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if fired != 0 {
		t.Error("handler fired after delete_id")
	}
}

// TestFlushUnderBackpressure verifies a flush against a full kernel
// buffer completes once the peer drains, leaves no sticky error and
// never re-sends bytes the kernel already accepted.
func TestFlushUnderBackpressure(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	// Tiny buffers so the queued requests cannot fit in one send.
	for _, fd := range fds {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096); err != nil {
			t.Fatalf("SO_SNDBUF: %v", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 4096); err != nil {
			t.Fatalf("SO_RCVBUF: %v", err)
		}
	}
	c := NewConn(fds[0])
	peer := fds[1]
	t.Cleanup(func() {
		c.Close()
		_ = unix.Close(peer)
	})
	if err := c.SetNonblock(); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	const messages = 1000
	payload := make([]byte, 60)
	for i := 0; i < messages; i++ {
		binary.LittleEndian.PutUint32(payload, uint32(i))
		if err := c.Send(7, 3, payload); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	flushed := make(chan error, 1)
	go func() { flushed <- c.Flush() }()

	// Drain the peer while the flush is parked on the full buffer.
	const msgSize = 8 + 4 + 60
	var stream []byte
	buf := make([]byte, 4096)
	for len(stream) < messages*msgSize {
		n, err := unix.Read(peer, buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		stream = append(stream, buf[:n]...)
	}
	if err := <-flushed; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := c.Err(); err != nil {
		t.Fatalf("Err() after recovered flush: %v", err)
	}

	// A duplicated or dropped prefix would break the framing walk.
	for i := 0; i < messages; i++ {
		msg := stream[i*msgSize:]
		if got := binary.LittleEndian.Uint32(msg); got != 7 {
			t.Fatalf("message %d object = %d, want 7", i, got)
		}
		word := binary.LittleEndian.Uint32(msg[4:])
		if size, op := word>>16, word&0xffff; size != msgSize || op != 3 {
			t.Fatalf("message %d size/opcode = %d/%d, want %d/3", i, size, op, msgSize)
		}
		if got := binary.LittleEndian.Uint32(msg[12:]); got != uint32(i) {
			t.Fatalf("message %d payload = %d, want %d", i, got, i)
		}
	}

	// The connection must stay usable for the next frame.
	if err := c.Send(7, 4, uint32(1)); err != nil {
		t.Fatalf("Send after backpressure: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush after backpressure: %v", err)
	}
	n, err := unix.Read(peer, buf)
	if err != nil || n != 12 {
		t.Fatalf("trailing read = %d bytes (%v), want 12", n, err)
	}
}

// TestFlushPassesFds verifies descriptors ride Flush as SCM_RIGHTS.
func TestFlushPassesFds(t *testing.T) {
	c, peer := pair(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := c.Send(2, 1, uint32(0), FD(fds[0])); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	buf := make([]byte, 64)
	oob := make([]byte, 64)
	_, oobn, _, _, err := unix.Recvmsg(peer, buf, oob, 0)
	if err != nil {
		t.Fatalf("recvmsg: %v", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(msgs) != 1 {
		t.Fatalf("control messages = %d (%v), want 1", len(msgs), err)
	}
	rights, err := unix.ParseUnixRights(&msgs[0])
	if err != nil || len(rights) != 1 {
		t.Fatalf("rights = %v (%v), want one fd", rights, err)
	}
	_ = unix.Close(rights[0])
}
