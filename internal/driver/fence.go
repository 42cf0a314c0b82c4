package driver

import (
	"github.com/texpresso/texpresso/internal/logger"
	"github.com/texpresso/texpresso/internal/trace"
	"github.com/texpresso/texpresso/internal/vfs"
)

// possibleFence reports whether a trace record can host a fence: the
// prior seen position must be a finite offset and the file must still be
// readable (engine outputs cannot fence reads).
func possibleFence(r trace.Record) bool {
	if r.Seen == vfs.SeenAll || r.Seen == vfs.SeenNever {
		return false
	}
	return r.Entry.Saved.Level <= vfs.LevelRead
}

// computeFences plans the fence set for an edit whose first invalidated
// trace record is at index reverted, at byte offset inside that record's
// entry. It returns the target trace length the fleet must rewind to.
//
// Fence 0 sits just before the invalidated byte, aligned down; the walk
// backwards then re-fences earlier reads at a geometric time backoff, so
// that a follow-up edit near this one finds fresh snapshots to rewind
// to.
func (d *Driver) computeFences(reverted int, offset int32) int {
	d.fences = d.fences[:0]

	if reverted <= 0 {
		return reverted
	}
	if d.head().traceLen <= reverted {
		protoErrorf("fence planning beyond trace length %d", d.head().traceLen)
	}

	rec := d.tr.At(reverted)

	align := d.opts.FenceAlignment
	offset = (offset - align) &^ (align - 1)
	if offset < rec.Seen {
		offset = rec.Seen
	}
	if offset < 0 {
		offset = 0
	}

	d.fences = append(d.fences, fence{entry: rec.Entry, position: offset})
	logger.Info("[fence] placing fence 0 at trace position %d, file %s, offset %d",
		reverted, rec.Entry.Path, offset)

	// The walk stops at the newest snapshot not past the edit: fencing
	// below it could not produce a usable checkpoint. With no such
	// snapshot the walk stops at the start of the trace.
	targetTrace := 0
	for i := len(d.procs) - 1; i >= 0; i-- {
		if d.procs[i].traceLen <= reverted {
			targetTrace = d.procs[i].traceLen
			break
		}
	}

	delta := d.opts.FenceBackoffMs
	time := rec.Time - d.opts.FenceSkewMs

	i := reverted
	for i > targetTrace && len(d.fences) < d.opts.MaxFences {
		r := d.tr.At(i)
		if r.Time <= time && possibleFence(r) {
			pos := max(r.Seen, 0)
			d.fences = append(d.fences, fence{entry: r.Entry, position: pos})
			time -= delta
			delta *= 2
			logger.Info("[fence] placing fence %d at trace position %d, file %s, offset %d",
				len(d.fences)-1, i, r.Entry.Path, pos)
		}
		i--
	}

	return i
}
