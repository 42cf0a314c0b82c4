package bundle

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/texpresso/texpresso/internal/logger"
)

// maxNameLen bounds a resource name on the wire.
const maxNameLen = 4096

// missing is the length marker for an absent resource.
const missing = ^uint32(0)

// Server answers the engine's resource requests. The engine writes a
// u32-length-prefixed name on its output descriptor and reads back a
// u32 length (or the missing marker) followed by the resource bytes on
// its input descriptor. The lock descriptor is a plain file the engine
// uses to serialize cache access between its forks.
type Server struct {
	store Store
	fetch *Fetcher

	// Server ends of the pipes.
	req  *os.File
	data *os.File

	// Child ends, inherited by the engine: input, output, lock.
	child [3]*os.File

	done chan struct{}
}

// Start creates the pipes and the lock file and begins serving.
// fetch may be nil, in which case only cached resources resolve.
func Start(store Store, fetch *Fetcher, lockPath string) (*Server, error) {
	dataR, dataW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("bundle data pipe: %w", err)
	}
	reqR, reqW, err := os.Pipe()
	if err != nil {
		dataR.Close()
		dataW.Close()
		return nil, fmt.Errorf("bundle request pipe: %w", err)
	}
	lock, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		dataR.Close()
		dataW.Close()
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("bundle lock file: %w", err)
	}

	s := &Server{
		store: store,
		fetch: fetch,
		req:   reqR,
		data:  dataW,
		child: [3]*os.File{dataR, reqW, lock},
		done:  make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

// ChildFiles returns the three descriptors the engine inherits, in
// input, output, lock order.
func (s *Server) ChildFiles() []*os.File {
	return s.child[:]
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		name, err := s.readRequest()
		if err != nil {
			if err != io.EOF {
				logger.Warn("[bundle] %v", err)
			}
			return
		}
		if err := s.answer(name); err != nil {
			logger.Warn("[bundle] answering %s: %v", name, err)
			return
		}
	}
}

func (s *Server) readRequest() (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.req, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxNameLen {
		return "", fmt.Errorf("resource name length %d too large", n)
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(s.req, name); err != nil {
		return "", err
	}
	return string(name), nil
}

func (s *Server) answer(name string) error {
	data, err := s.lookup(name)
	var lenBuf [4]byte
	if err != nil {
		if err != ErrNotFound {
			logger.Warn("[bundle] %s: %v", name, err)
		}
		binary.LittleEndian.PutUint32(lenBuf[:], missing)
		_, werr := s.data.Write(lenBuf[:])
		return werr
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := s.data.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = s.data.Write(data)
	return err
}

func (s *Server) lookup(name string) ([]byte, error) {
	data, err := s.store.Get(name)
	if err == nil {
		return data, nil
	}
	if err != ErrNotFound || s.fetch == nil {
		return nil, err
	}
	data, err = s.fetch.Fetch(name)
	if err != nil {
		return nil, err
	}
	if perr := s.store.Put(name, data); perr != nil {
		logger.Warn("[bundle] caching %s: %v", name, perr)
	}
	return data, nil
}

// Close shuts the server down and closes every descriptor it still
// owns. Child ends are closed too: call only after the engine has them.
func (s *Server) Close() error {
	s.req.Close()
	<-s.done
	s.data.Close()
	for _, f := range s.child {
		f.Close()
	}
	return s.store.Close()
}
