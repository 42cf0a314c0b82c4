package driver

import (
	"errors"
	"io"

	"github.com/texpresso/texpresso/internal/logger"
	"github.com/texpresso/texpresso/internal/protocol"
	"github.com/texpresso/texpresso/internal/vfs"
)

// Edits arrive as a transaction: BeginChanges, any number of
// NotifyFileChanges and DetectChanges calls, then EndChanges. The
// transaction computes the shortest still-valid trace prefix; EndChanges
// plans fences, rewinds the fleet and lets the engine re-read.

// BeginChanges opens an edit transaction.
func (d *Driver) BeginChanges() {
	if d.rb.traceLen != notInTransaction {
		panic("driver: transaction already in progress")
	}
	d.rb.traceLen = d.headTraceLen()
	d.rb.offset = -1
	d.rb.flush = false
}

func (d *Driver) headTraceLen() int {
	if len(d.procs) == 0 {
		return 0
	}
	return d.head().traceLen
}

// drainPending synchronizes with the engine before deciding an edit did
// not invalidate anything: pending SEEN requests are consumed so the
// driver's view of read progress is current. An engine that does not
// answer the poll within its budget is assumed stuck and killed.
//
// Returns false when a SEEN was consumed (the caller must re-check).
func (d *Driver) drainPending() bool {
	if d.rb.flush {
		return true
	}

	// No live engine: nothing can be in flight.
	if len(d.procs) == 0 || d.head().fd == -1 {
		d.rb.flush = true
		return true
	}
	p := d.head()
	d.ch.SetFd(p.fd)

	nothingSeen := true
	for {
		pending, err := d.ch.HasPending(d.opts.PollBudgetMs)
		if err != nil {
			protoErrorf("poll engine: %v", err)
		}
		if !pending {
			logger.Warn("[kill] worker might be stuck, killing")
			d.closeProcess(p)
			break
		}
		tag, err := d.ch.PeekTag()
		if err != nil || tag != protocol.TagSeen {
			break
		}
		msg, err := d.ch.ReadRequest()
		if err != nil {
			d.closeProcess(p)
			break
		}
		d.answer(msg)
		nothingSeen = false
	}

	d.rb.flush = true
	return nothingSeen
}

// NotifyFileChanges records that entry changed at byte offset, shrinking
// the transaction's trace prefix to before the first invalidated
// observation.
func (d *Driver) NotifyFileChanges(e *vfs.Entry, offset int32) {
	if d.rb.traceLen == notInTransaction {
		panic("driver: NotifyFileChanges outside transaction")
	}

	if e.Seen < offset && d.rb.traceLen == d.headTraceLen() {
		if d.drainPending() {
			return
		}
		d.rb.traceLen = d.headTraceLen()
		// A drained SEEN may have moved the entry's position.
		if e.Seen < offset {
			return
		}
	}

	traceLen := d.rb.traceLen
	for e.Seen >= offset {
		traceLen--
		d.tr.Revert(traceLen)
	}

	if d.tr.At(traceLen).Entry != e {
		protoErrorf("rollback position %d does not belong to %s (seen %d, changed %d)",
			traceLen, e.Path, e.Seen, offset)
	}

	d.rb.traceLen = traceLen
	d.rb.offset = offset
}

// DetectChanges re-stats every scanned entry and folds each divergence
// into the transaction.
func (d *Driver) DetectChanges() {
	if d.rb.traceLen == notInTransaction {
		panic("driver: DetectChanges outside transaction")
	}
	d.fs.Entries(func(e *vfs.Entry) bool {
		if changed := d.fs.Rescan(e); changed > -1 {
			d.NotifyFileChanges(e, changed)
		}
		return true
	})
}

// EndChanges closes the transaction. It returns true when the run was
// rewound (or a flush was needed); false means the edit invalidated
// nothing.
func (d *Driver) EndChanges() bool {
	traceLen := d.rb.traceLen
	d.rb.traceLen = notInTransaction

	if traceLen == notInTransaction {
		panic("driver: EndChanges outside transaction")
	}

	if traceLen == d.headTraceLen() {
		if !d.rb.flush {
			return false
		}
		if len(d.procs) > 0 && d.head().fd != -1 {
			// Nothing rewound but SEENs were drained: have the engine
			// flush its buffered output so the editor view catches up.
			d.ch.SetFd(d.head().fd)
			if err := d.ch.WriteControl(protocol.TagFlush); err == nil {
				if err := d.ch.Flush(); err != nil && !errors.Is(err, io.EOF) {
					protoErrorf("flush control: %v", err)
				}
			}
			return true
		}
		// The engine died during the drain: step back one observation
		// so the rewind machinery has a point to restart from.
		if traceLen > 0 {
			traceLen--
			d.tr.Revert(traceLen)
			if traceLen > 0 {
				d.rb.offset = d.tr.At(traceLen).Seen
			}
		}
	}

	logger.Info("[change] rewinded trace from %d to %d entries", d.headTraceLen(), traceLen)

	target := 0
	if traceLen >= 0 {
		target = d.computeFences(traceLen, d.rb.offset)
	}
	d.rollbackProcesses(traceLen, target)
	d.restartable = true

	return true
}

// rollbackProcesses pops snapshots until the head's trace prefix fits
// inside target, reverts the trace records beyond it, rolls the journal
// back, and re-feeds the output decoders with the surviving prefixes.
func (d *Driver) rollbackProcesses(reverted, target int) {
	logger.Info("rolling back to position %d (before rollback: %d bytes of output)",
		target, d.st.document.Entry.OutputData().Len())
	if len(d.fences) == 0 {
		logger.Info("no fences, assuming process finished")
	}

	// Dead heads cannot serve the rewound run; drop them first so the
	// previous snapshot is promoted.
	for len(d.procs) > 0 && d.head().fd == -1 {
		d.popProcess()
	}
	for len(d.procs) > 0 && d.head().traceLen > target {
		d.popProcess()
	}

	traceLen := d.headTraceLen()
	for reverted > traceLen {
		reverted--
		d.tr.Revert(reverted)
	}

	if len(d.procs) > 0 {
		d.ch.SetFd(d.head().fd)
	}

	if e := d.st.document.Entry; e != nil {
		d.doc.Update(e.OutputData().Bytes())
		logger.Info("[info] after rollback: %d pages", d.doc.PageCount())
	} else {
		d.doc.Reset()
	}
	if e := d.st.synctex.Entry; e != nil {
		d.stex.Update(e.OutputData().Bytes())
	} else {
		d.stex.Rollback(0)
	}
	d.console.Truncate(StreamOut, d.st.stdout.Entry.OutputData().Bytes())
	d.console.Truncate(StreamLog, d.st.logfile.Entry.OutputData().Bytes())
}
