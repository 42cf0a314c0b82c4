// Package trace records the read progress of the engine through each
// file it has opened. A record is pushed whenever an entry's seen
// position strictly grows; reverting records in reverse order restores
// every entry's seen position exactly.
package trace

import "github.com/texpresso/texpresso/internal/vfs"

// Record is one observation: the entry, its seen position before the
// observation, and the engine-relative wall clock in milliseconds.
type Record struct {
	Entry *vfs.Entry
	Seen  int32
	Time  int32
}

// Trace is the backing store of records. The valid prefix length belongs
// to the head process; truncated suffixes are overwritten as the engine
// re-reads.
type Trace struct {
	records []Record
}

func New() *Trace {
	return &Trace{}
}

// Put stores a record at index i, which must be at most Len.
func (t *Trace) Put(i int, r Record) {
	if i == len(t.records) {
		t.records = append(t.records, r)
		return
	}
	t.records[i] = r
}

// At returns the record at index i.
func (t *Trace) At(i int) Record {
	return t.records[i]
}

// SetTime updates the timestamp of the record at index i, used when
// consecutive observations of one entry coalesce.
func (t *Trace) SetTime(i int, time int32) {
	t.records[i].Time = time
}

// Revert undoes the record at index i, restoring the entry's prior seen
// position.
func (t *Trace) Revert(i int) {
	r := t.records[i]
	r.Entry.Seen = r.Seen
}

// Len is the total number of stored records, an upper bound on any
// process's valid prefix.
func (t *Trace) Len() int { return len(t.records) }
