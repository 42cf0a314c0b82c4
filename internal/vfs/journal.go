package vfs

import "fmt"

// Mark is an opaque savepoint in the journal.
type Mark int

// Journal is the append-only undo log of VFS mutations. Every record
// stores the prior value of the field about to change; rolling back to a
// mark reverts records in LIFO order, leaving the VFS byte-equal to its
// state when the mark was taken.
//
// Output buffer contents are append-only within a run, so an entry
// record only needs the buffer reference and its length: truncation
// restores it. Bytes patched in place are journaled explicitly with
// LogOverwrite when the caller needs them back.
type Journal struct {
	records []record

	// snap dedups entry and cell records between marks. Starts at 1 so
	// that zero-valued entries and cells are always considered stale.
	snap int
}

type record interface {
	revert()
}

type entryRecord struct {
	entry *Entry
	saved Saved
	pic   PicCache
}

func (r entryRecord) revert() {
	r.entry.Saved = r.saved
	r.entry.Pic = r.pic
}

type entryLenRecord struct {
	buf    *Buffer
	length int
}

func (r entryLenRecord) revert() {
	r.buf.Truncate(r.length)
}

type cellRecord struct {
	cell  *Cell
	entry *Entry
}

func (r cellRecord) revert() {
	r.cell.Entry = r.entry
}

type overwriteRecord struct {
	buf   *Buffer
	start int
	prior []byte
}

func (r overwriteRecord) revert() {
	r.buf.WriteAt(r.prior, r.start)
}

func NewJournal() *Journal {
	return &Journal{snap: 1}
}

// LogEntry records the saved state of an entry before a mutation. At
// most one record per entry is taken between two marks.
func (j *Journal) LogEntry(e *Entry) {
	if e.Saved.snap == j.snap {
		return
	}
	if e.Saved.Data != nil {
		j.records = append(j.records, entryLenRecord{
			buf:    e.Saved.Data,
			length: e.Saved.Data.Len(),
		})
	}
	j.records = append(j.records, entryRecord{entry: e, saved: e.Saved, pic: e.Pic})
	e.Saved.snap = j.snap
}

// LogCell records a cell's entry pointer before a mutation.
func (j *Journal) LogCell(c *Cell) {
	if c.snap == j.snap {
		return
	}
	j.records = append(j.records, cellRecord{cell: c, entry: c.Entry})
	c.snap = j.snap
}

// LogOverwrite records bytes about to be patched in place.
func (j *Journal) LogOverwrite(b *Buffer, start, n int) {
	prior := make([]byte, n)
	copy(prior, b.Bytes()[start:start+n])
	j.records = append(j.records, overwriteRecord{buf: b, start: start, prior: prior})
}

// Snapshot takes a savepoint. Later mutations re-record entries and
// cells even if they were already journaled before the mark.
func (j *Journal) Snapshot() Mark {
	j.snap = len(j.records) + 1
	return Mark(len(j.records))
}

// Rollback undoes every record taken after the mark.
func (j *Journal) Rollback(m Mark) {
	if int(m) > len(j.records) {
		panic(fmt.Sprintf("journal: rollback mark %d beyond log length %d", m, len(j.records)))
	}
	for len(j.records) > int(m) {
		last := len(j.records) - 1
		j.records[last].revert()
		j.records = j.records[:last]
	}
	j.snap = int(m) + 1
}

// Len reports the number of records, for tests and diagnostics.
func (j *Journal) Len() int { return len(j.records) }
