package vfs

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/texpresso/texpresso/internal/logger"
)

// Filesystem maps logical paths to entries. Entries live for the
// lifetime of the driver; cells and tables reference them but never own
// them.
type Filesystem struct {
	entries map[string]*Entry

	// order preserves creation order so scans are deterministic.
	order []*Entry

	// inclusion lists the directories tried, in order, when a logical
	// name does not resolve directly.
	inclusion []string
}

// NewFilesystem creates an empty filesystem. inclusionPath is the
// colon-joined directory list used to resolve relative names.
func NewFilesystem(inclusionPath string) *Filesystem {
	var dirs []string
	for _, d := range strings.Split(inclusionPath, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return &Filesystem{
		entries:   make(map[string]*Entry),
		inclusion: dirs,
	}
}

// normalizePath strips a leading "./" and the duplicate slashes that
// follow it. Engines routinely ask for "./name" and "name" and both must
// hit the same entry.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "./") {
		path = path[2:]
		for strings.HasPrefix(path, "/") {
			path = path[1:]
		}
	}
	return path
}

// Lookup returns the entry for path, or nil.
func (fs *Filesystem) Lookup(path string) *Entry {
	return fs.entries[normalizePath(path)]
}

// LookupOrCreate returns the entry for path, creating an unobserved one
// if needed.
func (fs *Filesystem) LookupOrCreate(path string) *Entry {
	path = normalizePath(path)
	if e, ok := fs.entries[path]; ok {
		return e
	}
	e := &Entry{
		Path: path,
		Seen: SeenNever,
		Pic:  PicCache{Type: -1},
	}
	fs.entries[path] = e
	fs.order = append(fs.order, e)
	return e
}

// Entries iterates entries in creation order.
func (fs *Filesystem) Entries(f func(*Entry) bool) {
	for _, e := range fs.order {
		if !f(e) {
			return
		}
	}
}

func statPath(path string) *Stat {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil
	}
	return &Stat{
		Dev:       uint64(st.Dev),
		Ino:       uint64(st.Ino),
		Size:      st.Size,
		MtimeSec:  st.Mtim.Sec,
		MtimeNsec: st.Mtim.Nsec,
	}
}

// SetEditData installs the editor overlay for an entry, or removes it
// when data is nil. Overlay changes are forward-only: rewinding a run
// must keep the new bytes so the engine re-reads them.
func (fs *Filesystem) SetEditData(e *Entry, data []byte) {
	if data == nil {
		e.EditData = nil
		return
	}
	e.EditData = NewBuffer(data)
}

// Resolve finds the real file backing a logical name: the name itself
// first, then each inclusion directory in order. Returns the matching
// path and its stat, or "" when nothing exists.
func (fs *Filesystem) Resolve(name string) (string, *Stat) {
	if st := statPath(name); st != nil {
		return name, st
	}
	if strings.HasPrefix(name, "/") {
		return "", nil
	}
	name = normalizePath(name)
	for _, dir := range fs.inclusion {
		candidate := strings.TrimSuffix(dir, "/") + "/" + name
		if st := statPath(candidate); st != nil {
			return candidate, st
		}
	}
	return "", nil
}

// LoadFile reads the real file backing an entry and captures its stat.
func (fs *Filesystem) LoadFile(e *Entry, fsPath string) error {
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return err
	}
	e.FsData = NewBuffer(data)
	e.FsStat = statPath(fsPath)
	return nil
}

// Rescan re-checks one entry against the real filesystem. It returns the
// byte offset of the first divergence, or -1 when nothing relevant
// changed. A file that shrank to a prefix of its old content reports
// offset 0. A removed backing file clears the filesystem layers and
// reports offset 0.
//
// Entries with an editor overlay are skipped: the overlay wins over the
// disk and disk changes cannot invalidate engine reads.
func (fs *Filesystem) Rescan(e *Entry) int32 {
	if e.Saved.Level < LevelRead || e.FsStat == nil || e.EditData != nil {
		return -1
	}

	fsPath, st := fs.Resolve(e.Path)
	if fsPath == "" {
		logger.Info("[scan] file %s removed", e.Path)
		e.FsStat = nil
		e.FsData = nil
		e.Pic = PicCache{Type: -1}
		return 0
	}

	if st.Same(e.FsStat) {
		return -1
	}
	e.FsStat = st
	logger.Info("[scan] file %s has changed", e.Path)

	data, err := os.ReadFile(fsPath)
	if err != nil {
		return -1
	}

	e.Pic = PicCache{Type: -1}

	old := e.FsData.Bytes()
	shorter := min(len(old), len(data))

	i := 0
	for i < shorter && old[i] == data[i] {
		i++
	}

	switch {
	case i != shorter:
		logger.Info("[scan] first changed byte is %d", i)
	case len(old) == len(data):
		return -1
	case len(data) < len(old):
		logger.Info("[scan] content was shrinked from %d to %d bytes", len(old), len(data))
		i = 0
	default:
		logger.Info("[scan] content has grown from %d to %d bytes", len(old), len(data))
	}

	e.FsData = NewBuffer(data)
	return int32(i)
}
