package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/sys/unix"

	"github.com/texpresso/texpresso/internal/protocol"
)

// Peer speaks the engine side of the protocol over a socket. The driver
// never uses it; it exists for tests and tooling that need to stand in
// for a TeX process.
type Peer struct {
	fd int
}

func NewPeer(fd int) *Peer { return &Peer{fd: fd} }

func (p *Peer) Close() error { return unix.Close(p.fd) }

// Handshake answers the server greeting.
func (p *Peer) Handshake() error {
	greeting := make([]byte, len(protocol.HandshakeServer))
	if err := p.readFull(greeting); err != nil {
		return err
	}
	if string(greeting) != protocol.HandshakeServer {
		return fmt.Errorf("%w: bad greeting %q", ErrProtocol, greeting)
	}
	return p.writeFull([]byte(protocol.HandshakeClient))
}

func (p *Peer) readFull(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Read(p.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
		b = b[n:]
	}
	return nil
}

func (p *Peer) writeFull(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(p.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func appendU32(b []byte, u uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, u)
}

func appendZstr(b []byte, s string) []byte {
	return append(append(b, s...), 0)
}

// WriteRequest encodes and sends one engine request. A Child request
// additionally attaches its descriptor as ancillary data on the same
// message.
func (p *Peer) WriteRequest(m protocol.Message) error {
	b := appendU32(nil, uint32(m.Req.Tag()))
	b = appendU32(b, uint32(m.Time))

	var rights []byte
	switch q := m.Req.(type) {
	case protocol.Open:
		b = appendU32(b, uint32(q.Fid))
		b = appendZstr(b, q.Path)
		b = appendZstr(b, q.Mode)
	case protocol.Read:
		b = appendU32(b, uint32(q.Fid))
		b = appendU32(b, uint32(q.Pos))
		b = appendU32(b, uint32(q.Size))
	case protocol.Write:
		b = appendU32(b, uint32(q.Fid))
		b = appendU32(b, uint32(q.Pos))
		b = appendU32(b, uint32(len(q.Data)))
		b = append(b, q.Data...)
	case protocol.Close:
		b = appendU32(b, uint32(q.Fid))
	case protocol.Size:
		b = appendU32(b, uint32(q.Fid))
	case protocol.Seen:
		b = appendU32(b, uint32(q.Fid))
		b = appendU32(b, uint32(q.Pos))
	case protocol.GetPic:
		b = appendZstr(b, q.Path)
		b = appendU32(b, uint32(q.Type))
		b = appendU32(b, uint32(q.Page))
	case protocol.SetPic:
		b = appendZstr(b, q.Path)
		b = appendU32(b, uint32(q.Type))
		b = appendU32(b, uint32(q.Page))
		for _, f := range q.Bounds {
			b = appendU32(b, math.Float32bits(f))
		}
	case protocol.Child:
		b = appendU32(b, uint32(q.Pid))
		rights = unix.UnixRights(q.Fd)
	default:
		return fmt.Errorf("%w: unknown request %T", ErrProtocol, m.Req)
	}

	if rights != nil {
		for {
			err := unix.Sendmsg(p.fd, b, rights, nil, 0)
			if err == unix.EINTR {
				continue
			}
			return err
		}
	}
	return p.writeFull(b)
}

func (p *Peer) readU32() (uint32, error) {
	var b [4]byte
	if err := p.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadControl reads one raw tag, for control messages (FLSH) that carry
// no body.
func (p *Peer) ReadControl() (protocol.Tag, error) {
	u, err := p.readU32()
	return protocol.Tag(u), err
}

// ReadAnswer decodes one driver reply. Control messages are read with
// ReadControl; a control tag here is a protocol error.
func (p *Peer) ReadAnswer() (protocol.Answer, error) {
	u, err := p.readU32()
	if err != nil {
		return nil, err
	}
	switch protocol.Tag(u) {
	case protocol.TagDone:
		return protocol.Done{}, nil
	case protocol.TagPass:
		return protocol.Pass{}, nil
	case protocol.TagFork:
		return protocol.Fork{}, nil
	case protocol.TagSize:
		n, err := p.readU32()
		if err != nil {
			return nil, err
		}
		return protocol.SizeReply{Size: int32(n)}, nil
	case protocol.TagRead:
		n, err := p.readU32()
		if err != nil {
			return nil, err
		}
		data := make([]byte, n)
		if err := p.readFull(data); err != nil {
			return nil, err
		}
		return protocol.ReadReply{Data: data}, nil
	case protocol.TagOpen:
		n, err := p.readU32()
		if err != nil {
			return nil, err
		}
		path := make([]byte, n)
		if err := p.readFull(path); err != nil {
			return nil, err
		}
		return protocol.OpenReply{Path: path}, nil
	case protocol.TagGetPic:
		var r protocol.PicReply
		for i := range r.Bounds {
			u, err := p.readU32()
			if err != nil {
				return nil, err
			}
			r.Bounds[i] = math.Float32frombits(u)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unexpected answer tag %q", ErrProtocol, protocol.Tag(u).String())
	}
}
