package vfs

import "math"

// AccessLevel is the strongest access the engine has taken on an entry
// during the current run.
type AccessLevel int

const (
	LevelNone AccessLevel = iota
	LevelRead
	LevelWrite
)

// Seen sentinels. SeenNever means the entry has not been observed;
// SeenAll means the engine observed that the file does not exist (any
// later content at any offset invalidates that observation).
const (
	SeenNever int32 = -1
	SeenAll   int32 = math.MaxInt32
)

// Stat is the identity of a real file at last fetch, used for change
// detection during scans.
type Stat struct {
	Dev, Ino  uint64
	Size      int64
	MtimeSec  int64
	MtimeNsec int64
}

func (s *Stat) Same(o *Stat) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Dev == o.Dev && s.Ino == o.Ino && s.Size == o.Size &&
		s.MtimeSec == o.MtimeSec && s.MtimeNsec == o.MtimeNsec
}

// PicCache remembers the last picture bounds the engine cached for a
// path. Type -1 means empty.
type PicCache struct {
	Type, Page int32
	Bounds     [4]float32
}

// Saved is the state produced by the engine for an entry: the output
// buffer (when the entry was opened for writing) and the access level.
type Saved struct {
	Data  *Buffer
	Level AccessLevel

	// snap dedups journal records: the journal logs an entry at most
	// once per mark.
	snap int
}

// Entry is one logical file. Content comes in three layers; the engine
// sees Saved.Data if present, else EditData, else FsData.
type Entry struct {
	Path string

	// Cache of real filesystem state.
	FsStat *Stat
	FsData *Buffer

	// Editor overlay, nil when the file is unedited.
	EditData *Buffer

	// State observed and produced by the engine.
	Saved Saved

	// Seen is the largest read offset the engine observed, or SeenAll
	// when it observed nonexistence. SeenNever before any observation.
	Seen int32

	Pic PicCache
}

// Data returns the effective content layer, or nil if the entry has no
// content at all.
func (e *Entry) Data() *Buffer {
	if e.Saved.Data != nil {
		return e.Saved.Data
	}
	if e.EditData != nil {
		return e.EditData
	}
	return e.FsData
}

// OutputData returns the engine-written buffer of an output entry.
func (e *Entry) OutputData() *Buffer {
	if e == nil {
		return nil
	}
	return e.Saved.Data
}

// Cell is one slot of the open-file table: either empty or referencing
// an entry the engine holds open under some file id.
type Cell struct {
	Entry *Entry

	snap int
}
