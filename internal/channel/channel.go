// Package channel implements the buffered byte transport between the
// driver and one engine process.
//
// A Channel owns a UNIX stream socket and two fixed-size ring buffers, one
// per direction, plus a growable scratch buffer for variable-length
// payloads. All protocol framing is little-endian; strings are
// zero-terminated and byte blocks are length-prefixed. File descriptors
// travel in ancillary control messages, at most one per message.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/sys/unix"

	"github.com/texpresso/texpresso/internal/protocol"
)

const bufSize = 4096

// ErrProtocol marks unrecoverable framing errors: unknown tags, stray
// or surplus ancillary descriptors, a bad handshake. A body cut short by
// the end of the stream is reported as io.EOF instead. The peer cannot
// be trusted after one of these.
var ErrProtocol = errors.New("protocol error")

// Channel is a bidirectional buffered transport bound to one engine
// child. It is not safe for concurrent use; the driver loop is its only
// caller.
type Channel struct {
	fd int

	input struct {
		buf      [bufSize]byte
		pos, len int
	}
	output struct {
		buf [bufSize]byte
		pos int
	}

	// passedFd holds the one ancillary descriptor received but not yet
	// consumed by a CHLD request. -1 when empty.
	passedFd int

	scratch []byte
}

func New() *Channel {
	return &Channel{
		fd:       -1,
		passedFd: -1,
		scratch:  make([]byte, 256),
	}
}

// SetFd rebinds the channel to a socket. Switching sockets discards any
// buffered bytes: they belonged to the previous peer.
func (c *Channel) SetFd(fd int) {
	if fd != c.fd {
		c.fd = fd
		c.input.pos, c.input.len = 0, 0
		c.output.pos = 0
	}
}

// Fd returns the currently bound socket, or -1.
func (c *Channel) Fd() int { return c.fd }

// Reset discards all buffered bytes in both directions.
func (c *Channel) Reset() {
	c.input.pos, c.input.len = 0, 0
	c.output.pos = 0
}

// Scratch returns the shared payload buffer, grown to hold at least n
// bytes. Contents are valid until the next channel operation.
func (c *Channel) Scratch(n int) []byte {
	for n > len(c.scratch) {
		c.scratch = append(c.scratch, make([]byte, len(c.scratch))...)
	}
	return c.scratch[:n]
}

// recv reads once from the socket, capturing at most one ancillary file
// descriptor. Returns 0 on end of stream (ECONNRESET included).
func (c *Channel) recv(p []byte) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, p, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECONNRESET {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("recvmsg: %w", err)
		}
		if oobn > 0 {
			cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				return 0, fmt.Errorf("%w: parse control message: %v", ErrProtocol, err)
			}
			for _, cm := range cmsgs {
				fds, err := unix.ParseUnixRights(&cm)
				if err != nil {
					return 0, fmt.Errorf("%w: parse rights: %v", ErrProtocol, err)
				}
				if len(fds) != 1 {
					return 0, fmt.Errorf("%w: %d descriptors in one message", ErrProtocol, len(fds))
				}
				if c.passedFd != -1 {
					return 0, fmt.Errorf("%w: descriptor already pending", ErrProtocol)
				}
				c.passedFd = fds[0]
			}
		}
		return n, nil
	}
}

// loadAtLeast refills the input buffer until at least n unread bytes are
// available, reading eagerly. Returns io.EOF if the stream ends first.
func (c *Channel) loadAtLeast(n int) error {
	avail := c.input.len - c.input.pos
	if avail >= n {
		return nil
	}

	copy(c.input.buf[:], c.input.buf[c.input.pos:c.input.len])
	c.input.pos = 0

	for avail < n {
		got, err := c.recv(c.input.buf[avail:])
		if err != nil {
			return err
		}
		if got == 0 {
			c.input.len = avail
			return io.EOF
		}
		avail += got
	}
	c.input.len = avail
	return nil
}

// loadSize reads exactly len(p) bytes from the socket into p, bypassing
// the input buffer.
func (c *Channel) loadSize(p []byte) error {
	for len(p) > 0 {
		n, err := c.recv(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
		p = p[n:]
	}
	return nil
}

func (c *Channel) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECONNRESET || err == unix.EPIPE {
			return io.EOF
		}
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Flush writes out any buffered output.
func (c *Channel) Flush() error {
	if c.output.pos == 0 {
		return nil
	}
	p := c.output.buf[:c.output.pos]
	c.output.pos = 0
	return c.writeAll(p)
}

func (c *Channel) writeBytes(p []byte) error {
	if c.output.pos+len(p) <= bufSize {
		copy(c.output.buf[c.output.pos:], p)
		c.output.pos += len(p)
		return nil
	}
	if err := c.Flush(); err != nil {
		return err
	}
	if len(p) > bufSize {
		return c.writeAll(p)
	}
	copy(c.output.buf[:], p)
	c.output.pos = len(p)
	return nil
}

func (c *Channel) writeU32(u uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], u)
	return c.writeBytes(b[:])
}

func (c *Channel) writeF32(f float32) error {
	return c.writeU32(math.Float32bits(f))
}

func (c *Channel) readU32() (uint32, error) {
	if err := c.loadAtLeast(4); err != nil {
		return 0, err
	}
	u := binary.LittleEndian.Uint32(c.input.buf[c.input.pos:])
	c.input.pos += 4
	return u, nil
}

func (c *Channel) readI32() (int32, error) {
	u, err := c.readU32()
	return int32(u), err
}

func (c *Channel) readF32() (float32, error) {
	u, err := c.readU32()
	return math.Float32frombits(u), err
}

func (c *Channel) readByte() (byte, error) {
	if err := c.loadAtLeast(1); err != nil {
		return 0, err
	}
	b := c.input.buf[c.input.pos]
	c.input.pos++
	return b, nil
}

// readZstr reads a zero-terminated string.
func (c *Channel) readZstr() (string, error) {
	n := 0
	for {
		b, err := c.readByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(c.scratch[:n]), nil
		}
		if n == len(c.scratch) {
			c.Scratch(n * 2)
		}
		c.scratch[n] = b
		n++
	}
}

// readBlock reads size bytes into the scratch buffer at offset pos,
// draining the input buffer first and completing from the socket.
func (c *Channel) readBlock(pos, size int) error {
	c.Scratch(pos + size)

	avail := c.input.len - c.input.pos
	if size <= avail {
		copy(c.scratch[pos:], c.input.buf[c.input.pos:c.input.pos+size])
		c.input.pos += size
		return nil
	}

	copy(c.scratch[pos:], c.input.buf[c.input.pos:c.input.len])
	pos += avail
	size -= avail
	c.input.pos, c.input.len = 0, 0
	return c.loadSize(c.scratch[pos : pos+size])
}

// Handshake sends the server greeting and checks the engine's reply. The
// buffers are cleared either way.
func (c *Channel) Handshake() error {
	if err := c.writeAll([]byte(protocol.HandshakeServer)); err != nil {
		return err
	}
	reply := make([]byte, len(protocol.HandshakeClient))
	if err := c.loadSize(reply); err != nil {
		return err
	}
	c.Reset()
	if string(reply) != protocol.HandshakeClient {
		return fmt.Errorf("%w: bad handshake %q", ErrProtocol, reply)
	}
	return nil
}

// HasPending reports whether a request can be read without blocking
// longer than timeoutMs milliseconds.
func (c *Channel) HasPending(timeoutMs int) (bool, error) {
	if c.input.pos != c.input.len {
		return true, nil
	}
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		return n > 0, nil
	}
}

// PeekTag returns the next request's tag without consuming it.
func (c *Channel) PeekTag() (protocol.Tag, error) {
	if err := c.loadAtLeast(4); err != nil {
		return 0, err
	}
	u := binary.LittleEndian.Uint32(c.input.buf[c.input.pos:])
	return protocol.Tag(u), nil
}

// ReadRequest decodes one engine request. io.EOF means the engine is
// gone; ErrProtocol means the stream is corrupt. Payload slices alias the
// scratch buffer and are valid until the next channel operation.
func (c *Channel) ReadRequest() (protocol.Message, error) {
	var m protocol.Message

	u, err := c.readU32()
	if err != nil {
		return m, err
	}
	tag := protocol.Tag(u)
	if m.Time, err = c.readI32(); err != nil {
		return m, err
	}

	switch tag {
	case protocol.TagOpen:
		var q protocol.Open
		if q.Fid, err = c.readI32(); err != nil {
			return m, err
		}
		if q.Path, err = c.readZstr(); err != nil {
			return m, err
		}
		if q.Mode, err = c.readZstr(); err != nil {
			return m, err
		}
		m.Req = q
	case protocol.TagRead:
		var q protocol.Read
		if q.Fid, err = c.readI32(); err != nil {
			return m, err
		}
		if q.Pos, err = c.readI32(); err != nil {
			return m, err
		}
		if q.Size, err = c.readI32(); err != nil {
			return m, err
		}
		m.Req = q
	case protocol.TagWrite:
		var q protocol.Write
		var size int32
		if q.Fid, err = c.readI32(); err != nil {
			return m, err
		}
		if q.Pos, err = c.readI32(); err != nil {
			return m, err
		}
		if size, err = c.readI32(); err != nil {
			return m, err
		}
		if err = c.readBlock(0, int(size)); err != nil {
			return m, err
		}
		q.Data = c.scratch[:size]
		m.Req = q
	case protocol.TagClose:
		var q protocol.Close
		if q.Fid, err = c.readI32(); err != nil {
			return m, err
		}
		m.Req = q
	case protocol.TagSize:
		var q protocol.Size
		if q.Fid, err = c.readI32(); err != nil {
			return m, err
		}
		m.Req = q
	case protocol.TagSeen:
		var q protocol.Seen
		if q.Fid, err = c.readI32(); err != nil {
			return m, err
		}
		if q.Pos, err = c.readI32(); err != nil {
			return m, err
		}
		m.Req = q
	case protocol.TagGetPic:
		var q protocol.GetPic
		if q.Path, err = c.readZstr(); err != nil {
			return m, err
		}
		if q.Type, err = c.readI32(); err != nil {
			return m, err
		}
		if q.Page, err = c.readI32(); err != nil {
			return m, err
		}
		m.Req = q
	case protocol.TagSetPic:
		var q protocol.SetPic
		if q.Path, err = c.readZstr(); err != nil {
			return m, err
		}
		if q.Type, err = c.readI32(); err != nil {
			return m, err
		}
		if q.Page, err = c.readI32(); err != nil {
			return m, err
		}
		for i := range q.Bounds {
			if q.Bounds[i], err = c.readF32(); err != nil {
				return m, err
			}
		}
		m.Req = q
	case protocol.TagChild:
		var q protocol.Child
		if q.Pid, err = c.readI32(); err != nil {
			return m, err
		}
		if c.passedFd == -1 {
			return m, fmt.Errorf("%w: CHLD without descriptor", ErrProtocol)
		}
		q.Fd = c.passedFd
		c.passedFd = -1
		m.Req = q
	default:
		return m, fmt.Errorf("%w: unexpected tag %q", ErrProtocol, tag.String())
	}
	return m, nil
}

// WriteAnswer encodes one driver reply into the output buffer. Call
// Flush to push it to the engine.
func (c *Channel) WriteAnswer(a protocol.Answer) error {
	if err := c.writeU32(uint32(a.AnswerTag())); err != nil {
		return err
	}
	switch r := a.(type) {
	case protocol.Done, protocol.Pass, protocol.Fork:
		return nil
	case protocol.ReadReply:
		if err := c.writeU32(uint32(len(r.Data))); err != nil {
			return err
		}
		return c.writeBytes(r.Data)
	case protocol.OpenReply:
		if err := c.writeU32(uint32(len(r.Path))); err != nil {
			return err
		}
		return c.writeBytes(r.Path)
	case protocol.SizeReply:
		return c.writeU32(uint32(r.Size))
	case protocol.PicReply:
		for _, f := range r.Bounds {
			if err := c.writeF32(f); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown answer %T", ErrProtocol, a)
	}
}

// WriteControl sends an out-of-band control message (FLSH).
func (c *Channel) WriteControl(tag protocol.Tag) error {
	if tag != protocol.TagFlush {
		return fmt.Errorf("%w: unknown control %q", ErrProtocol, tag.String())
	}
	return c.writeU32(uint32(tag))
}
