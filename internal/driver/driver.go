// Package driver runs the sandboxed TeX engine: it answers the engine's
// file requests from the virtual filesystem, snapshots the engine at
// progress checkpoints by letting it fork, and rewinds to the earliest
// still-valid snapshot when an edit invalidates observed inputs.
package driver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/texpresso/texpresso/internal/channel"
	"github.com/texpresso/texpresso/internal/logger"
	"github.com/texpresso/texpresso/internal/protocol"
	"github.com/texpresso/texpresso/internal/trace"
	"github.com/texpresso/texpresso/internal/vfs"
)

// Status of the typesetting job.
type Status int

const (
	StatusRunning Status = iota
	StatusTerminated
)

// Options configures a Driver. Zero values take the defaults below.
type Options struct {
	// EnginePath is the TeX engine binary (tectonic).
	EnginePath string

	// Primary is the top-level source file name handed to the engine.
	Primary string

	// InclusionPath is a colon-joined directory list used to resolve
	// relative file names.
	InclusionPath string

	// BundleURL overrides the bundle URL passed to the engine. When
	// empty and three BundleFiles are given, a texpresso-bundle:// URL
	// naming their child-side descriptors is built.
	BundleURL string

	// BundleFiles are the bundle server descriptors (input, output,
	// lock) inherited by the engine.
	BundleFiles []*os.File

	// ExtraArgs are appended to the engine command line before the
	// primary name.
	ExtraArgs []string

	// SnapshotIntervalMs is the minimum engine-clock distance between
	// snapshots.
	SnapshotIntervalMs int32

	// PollBudgetMs bounds each poll on the engine socket.
	PollBudgetMs int

	// MaxProcesses bounds the snapshot fleet.
	MaxProcesses int

	// MaxFences bounds the fence set of one edit.
	MaxFences int

	// FenceAlignment aligns fence 0 below the edited byte. The exact
	// value is tuning, not semantics.
	FenceAlignment int32

	// FenceBackoffMs and FenceSkewMs shape the geometric backoff of the
	// fence walk. Tuning constants as well.
	FenceBackoffMs int32
	FenceSkewMs    int32

	// DelayForkUntilOutput postpones the first fork until the document
	// decoder has seen output. Required on platforms where system font
	// services misbehave after fork; defaults to true on darwin.
	DelayForkUntilOutput *bool

	Document Document
	SyncTeX  SyncTeX
	Console  Console
}

func (o *Options) withDefaults() {
	if o.SnapshotIntervalMs == 0 {
		o.SnapshotIntervalMs = 500
	}
	if o.PollBudgetMs == 0 {
		o.PollBudgetMs = 10
	}
	if o.MaxProcesses == 0 {
		o.MaxProcesses = 32
	}
	if o.MaxFences == 0 {
		o.MaxFences = 16
	}
	if o.FenceAlignment == 0 {
		o.FenceAlignment = 64
	}
	if o.FenceBackoffMs == 0 {
		o.FenceBackoffMs = 50
	}
	if o.FenceSkewMs == 0 {
		o.FenceSkewMs = 10
	}
	if o.DelayForkUntilOutput == nil {
		v := runtime.GOOS == "darwin"
		o.DelayForkUntilOutput = &v
	}
	if o.Document == nil {
		o.Document = &NopDocument{}
	}
	if o.SyncTeX == nil {
		o.SyncTeX = NopSyncTeX{}
	}
	if o.Console == nil {
		o.Console = NopConsole{}
	}
}

// fence is a read-position barrier: the first engine read that lands on
// it forces a fork, creating a cheap re-entry point.
type fence struct {
	entry    *vfs.Entry
	position int32
}

const notInTransaction = -2

// Driver owns the VFS, the journal, the trace and the snapshot fleet.
// It is single-threaded: every method must be called from the same
// goroutine.
type Driver struct {
	opts Options

	fs  *vfs.Filesystem
	st  state
	log *vfs.Journal

	ch    *channel.Channel
	procs []process

	tr *trace.Trace

	// fences is a stack; the top (last) fence is the next to trip.
	fences []fence

	// restart is the journal mark of the pristine VFS, used when the
	// whole run starts over.
	restart vfs.Mark

	// restartable arms prepare(): set at startup and by edit
	// transactions, cleared when the fleet empties on its own.
	restartable bool

	doc     Document
	stex    SyncTeX
	console Console

	// watcher, when set, tracks directories of files the engine reads.
	watcher *vfs.Watcher

	rb struct {
		traceLen int
		offset   int32
		flush    bool
	}
}

func New(opts Options) *Driver {
	opts.withDefaults()
	d := &Driver{
		opts:        opts,
		fs:          vfs.NewFilesystem(opts.InclusionPath),
		log:         vfs.NewJournal(),
		ch:          channel.New(),
		tr:          trace.New(),
		doc:         opts.Document,
		stex:        opts.SyncTeX,
		console:     opts.Console,
		restartable: true,
	}
	d.restart = d.log.Snapshot()
	d.rb.traceLen = notInTransaction
	return d
}

// Filesystem exposes the VFS to the editor front end.
func (d *Driver) Filesystem() *vfs.Filesystem { return d.fs }

// SetWatcher attaches a filesystem watcher fed with every real path the
// engine reads.
func (d *Driver) SetWatcher(w *vfs.Watcher) { d.watcher = w }

// SetConsole replaces the console sink. The front end installs itself
// here once it is wired to the editor pipe.
func (d *Driver) SetConsole(c Console) { d.console = c }

// FindFile returns the entry for a logical path, creating it if needed.
func (d *Driver) FindFile(path string) *vfs.Entry {
	return d.fs.LookupOrCreate(path)
}

// PageCount reports the document decoder's current page count.
func (d *Driver) PageCount() int { return d.doc.PageCount() }

// Status reports whether the job is still typesetting.
func (d *Driver) Status() Status {
	if len(d.procs) == 0 {
		return StatusTerminated
	}
	if d.head().fd == -1 {
		return StatusTerminated
	}
	return StatusRunning
}

// Step serves at most one engine request, relaunching the engine first
// when the fleet is empty and restartIfNeeded is set. It returns true
// when a request was handled, false when the driver should yield.
func (d *Driver) Step(restartIfNeeded bool) bool {
	if restartIfNeeded {
		if err := d.prepare(); err != nil {
			logger.Error("prepare engine: %v", err)
			return false
		}
	}

	if d.Status() != StatusRunning {
		return false
	}

	p := d.head()
	d.ch.SetFd(p.fd)
	pending, err := d.ch.HasPending(d.opts.PollBudgetMs)
	if err != nil {
		protoErrorf("poll engine: %v", err)
	}
	if !pending {
		return false
	}

	msg, err := d.ch.ReadRequest()
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.dropHead()
			return false
		}
		protoErrorf("read request: %v", err)
	}

	d.answer(msg)
	if err := d.ch.Flush(); err != nil {
		if errors.Is(err, io.EOF) {
			d.dropHead()
			return false
		}
		protoErrorf("flush answers: %v", err)
	}
	return true
}

// protoErrorf aborts the driver on a protocol violation. These indicate
// engine or driver bugs that cannot be safely continued.
func protoErrorf(format string, v ...any) {
	logger.Error(format, v...)
	panic(fmt.Sprintf(format, v...))
}

func checkFid(fid int32) {
	if fid < 0 || fid >= MaxFiles {
		protoErrorf("file id %d out of range", fid)
	}
}

func (d *Driver) reply(a protocol.Answer) {
	if err := d.ch.WriteAnswer(a); err != nil && !errors.Is(err, io.EOF) {
		protoErrorf("write answer: %v", err)
	}
}

// recordSeen pushes a trace record for strictly growing read progress.
// Consecutive observations of one entry coalesce unless a snapshot
// boundary sits at the trace head.
func (d *Driver) recordSeen(e *vfs.Entry, seen, time int32) {
	p := d.head()

	if p.traceLen > 0 && d.tr.At(p.traceLen-1).Entry == e &&
		(len(d.procs) <= 1 || d.procs[len(d.procs)-2].traceLen != p.traceLen) {
		d.tr.SetTime(p.traceLen-1, time)
		e.Seen = seen
		return
	}

	d.tr.Put(p.traceLen, trace.Record{Entry: e, Seen: e.Seen, Time: time})
	e.Seen = seen
	p.traceLen++
}

// needSnapshot decides whether an in-flight READ should become a FORK:
// never while fences are pending, and only when the engine clock has
// advanced past the snapshot interval with at least one new trace record
// since the previous snapshot.
func (d *Driver) needSnapshot(time int32) bool {
	if len(d.fences) > 0 {
		return false
	}

	var lastTime int32
	if len(d.procs) > 1 {
		prev := &d.procs[len(d.procs)-2]
		if d.head().traceLen == prev.traceLen {
			// Nothing traced since the last snapshot: forking again
			// would loop.
			return false
		}
		if prev.traceLen > 0 {
			lastTime = d.tr.At(prev.traceLen - 1).Time
		}
	} else {
		if *d.opts.DelayForkUntilOutput && !d.doc.OutputStarted() {
			return false
		}
	}

	return time > d.opts.SnapshotIntervalMs+lastTime
}

func (d *Driver) answer(m protocol.Message) {
	switch q := m.Req.(type) {
	case protocol.Open:
		d.answerOpen(q, m.Time)
	case protocol.Read:
		d.answerRead(q, m.Time)
	case protocol.Write:
		d.answerWrite(q)
	case protocol.Close:
		d.answerClose(q)
	case protocol.Size:
		d.answerSize(q)
	case protocol.Seen:
		d.answerSeen(q, m.Time)
	case protocol.Child:
		d.answerChild(q)
	case protocol.GetPic:
		d.answerGetPic(q)
	case protocol.SetPic:
		d.answerSetPic(q)
	default:
		protoErrorf("unhandled request %T", m.Req)
	}
}

func (d *Driver) answerOpen(q protocol.Open, time int32) {
	checkFid(q.Fid)
	cell := &d.st.table[q.Fid]
	if cell.Entry != nil {
		protoErrorf("OPEN: file id %d already bound", q.Fid)
	}

	readMode := strings.HasPrefix(q.Mode, "r")
	writeMode := strings.HasPrefix(q.Mode, "w")
	if !readMode && !writeMode {
		protoErrorf("OPEN: unsupported mode %q", q.Mode)
	}

	var e *vfs.Entry
	var fsPath string
	resolved := false

	if readMode {
		e = d.fs.Lookup(q.Path)
		if e == nil || e.Data() == nil {
			fsPath, _ = d.fs.Resolve(q.Path)
			resolved = true
			if fsPath == "" {
				// Nothing backs this name: remember we observed its
				// absence and let the engine search by itself.
				e = d.fs.LookupOrCreate(q.Path)
				d.log.LogEntry(e)
				d.recordSeen(e, vfs.SeenAll, time)
				d.reply(protocol.Pass{})
				return
			}
		}
	}

	if e == nil {
		e = d.fs.LookupOrCreate(q.Path)
	}

	d.log.LogCell(cell)
	d.log.LogEntry(e)
	cell.Entry = e
	if e.Seen < 0 {
		d.recordSeen(e, 0, time)
	}

	if readMode {
		if e.Saved.Level < vfs.LevelRead {
			if !resolved {
				fsPath, _ = d.fs.Resolve(q.Path)
			}
			if fsPath == "" {
				if e.EditData == nil {
					protoErrorf("OPEN: no content for %s (mode %q)", q.Path, q.Mode)
				}
				e.Saved.Level = vfs.LevelRead
				e.FsStat = nil
			} else {
				if err := d.fs.LoadFile(e, fsPath); err != nil {
					protoErrorf("OPEN: reading %s: %v", fsPath, err)
				}
				e.Saved.Level = vfs.LevelRead
				if d.watcher != nil {
					d.watcher.Track(fsPath)
				}
			}
		}
	} else {
		logger.Info("[info] writing %s", q.Path)
		e.Saved.Data = vfs.NewBuffer(nil)
		e.Saved.Level = vfs.LevelWrite
		d.bindOutput(q.Path, e)
	}

	d.reply(protocol.OpenReply{Path: []byte(e.Path)})
}

// bindOutput attaches a written file to its singleton slot, by name for
// stdout and by extension otherwise. Two outputs of one kind in a run is
// fatal.
func (d *Driver) bindOutput(path string, e *vfs.Entry) {
	if path == "stdout" {
		if d.st.stdout.Entry != nil {
			protoErrorf("two stdouts")
		}
		d.log.LogCell(&d.st.stdout)
		d.st.stdout.Entry = e
		return
	}

	dot := strings.LastIndex(path, ".")
	if dot == -1 {
		return
	}
	switch path[dot+1:] {
	case "xdv", "dvi", "pdf":
		if d.st.document.Entry != nil {
			protoErrorf("two output documents")
		}
		d.log.LogCell(&d.st.document)
		d.st.document.Entry = e
		d.doc.Reset()
		logger.Info("[info] this is the output document")
	case "synctex":
		if d.st.synctex.Entry != nil {
			protoErrorf("two synctex outputs")
		}
		d.log.LogCell(&d.st.synctex)
		d.st.synctex.Entry = e
		d.stex.Rollback(0)
		logger.Info("[info] this is the synctex")
	case "log":
		if d.st.logfile.Entry != nil {
			protoErrorf("two log files")
		}
		d.log.LogCell(&d.st.logfile)
		d.st.logfile.Entry = e
		logger.Info("[info] this is the log file")
	}
}

func (d *Driver) answerRead(q protocol.Read, time int32) {
	checkFid(q.Fid)
	e := d.st.table[q.Fid].Entry
	if e == nil {
		protoErrorf("READ: file id %d not open", q.Fid)
	}
	if e.Saved.Level < vfs.LevelRead {
		protoErrorf("READ: %s not readable", e.Path)
	}
	data := e.Data()
	pos := int(q.Pos)
	if pos > data.Len() {
		protoErrorf("READ: position %d past length %d of %s", pos, data.Len(), e.Path)
	}

	n := min(int(q.Size), data.Len()-pos)

	fork := false
	if len(d.fences) > 0 {
		f := d.fences[len(d.fences)-1]
		if f.entry == e && int(f.position) < pos+n {
			n = int(f.position) - pos
			if n < 0 {
				protoErrorf("READ: fence at %d behind read position %d", f.position, pos)
			}
			fork = n == 0
		}
	}

	switch {
	case fork:
		d.fences = d.fences[:len(d.fences)-1]
	case d.needSnapshot(time):
		// Fork here too: turn the read into a checkpoint.
	default:
		scratch := d.ch.Scratch(n)
		copy(scratch, data.Bytes()[pos:pos+n])
		d.reply(protocol.ReadReply{Data: scratch})
		return
	}
	d.reply(protocol.Fork{})
}

func (d *Driver) answerWrite(q protocol.Write) {
	var e *vfs.Entry

	if q.Fid == -1 {
		e = d.st.stdout.Entry
		if e == nil {
			e = d.fs.LookupOrCreate("stdout")
			d.log.LogEntry(e)
			d.log.LogCell(&d.st.stdout)
			d.st.stdout.Entry = e
			if e.Saved.Data == nil {
				e.Saved.Data = vfs.NewBuffer(nil)
				e.Saved.Level = vfs.LevelWrite
			}
		}
		if q.Pos != 0 {
			protoErrorf("WRIT: stdout write at position %d", q.Pos)
		}
		q.Pos = int32(e.Saved.Data.Len())
	} else {
		checkFid(q.Fid)
		e = d.st.table[q.Fid].Entry
	}

	if e == nil || e.Saved.Level != vfs.LevelWrite {
		protoErrorf("WRIT: target not writable")
	}
	d.log.LogEntry(e)

	pos := int(q.Pos)
	buf := e.Saved.Data
	if pos+len(q.Data) > buf.Len() {
		buf.Truncate(pos)
		buf.Append(q.Data)
	} else {
		buf.WriteAt(q.Data, pos)
	}

	switch {
	case d.st.document.Entry == e:
		opages := d.doc.PageCount()
		d.doc.Update(buf.Bytes())
		if npages := d.doc.PageCount(); npages != opages {
			logger.Info("[info] output %d pages long", npages)
		}
	case d.st.synctex.Entry == e:
		d.stex.Update(buf.Bytes())
	case d.st.logfile.Entry == e:
		d.console.Append(StreamLog, e.OutputData().Bytes(), pos)
	case d.st.stdout.Entry == e:
		d.console.Append(StreamOut, e.OutputData().Bytes(), pos)
	}

	d.reply(protocol.Done{})
}

func (d *Driver) answerClose(q protocol.Close) {
	checkFid(q.Fid)
	cell := &d.st.table[q.Fid]
	e := cell.Entry
	if e == nil {
		protoErrorf("CLOS: file id %d not open", q.Fid)
	}
	d.log.LogCell(cell)
	cell.Entry = nil

	if d.st.stdout.Entry == e {
		d.log.LogCell(&d.st.stdout)
		d.st.stdout.Entry = nil
	}
	if d.st.document.Entry == e {
		// Keep the slot: the decoder stays mapped to this buffer.
		logger.Info("[info] finished output")
	}
	if d.st.logfile.Entry == e {
		d.log.LogCell(&d.st.logfile)
		d.st.logfile.Entry = nil
	}

	d.reply(protocol.Done{})
}

func (d *Driver) answerSize(q protocol.Size) {
	checkFid(q.Fid)
	e := d.st.table[q.Fid].Entry
	if e == nil || e.Saved.Level < vfs.LevelRead {
		protoErrorf("SIZE: file id %d not readable", q.Fid)
	}
	d.reply(protocol.SizeReply{Size: int32(e.Data().Len())})
}

func (d *Driver) answerSeen(q protocol.Seen, time int32) {
	checkFid(q.Fid)
	e := d.st.table[q.Fid].Entry
	if e == nil {
		protoErrorf("SEEN: file id %d not open", q.Fid)
	}
	if e.Saved.Level < vfs.LevelRead {
		protoErrorf("SEEN: %s not readable", e.Path)
	}
	if len(d.fences) > 0 {
		f := d.fences[len(d.fences)-1]
		if f.entry == e && f.position < q.Pos {
			protoErrorf("SEEN position %d of %s violates fence at %d",
				q.Pos, e.Path, f.position)
		}
	}
	if q.Pos <= e.Seen {
		// Reopening a file legitimately reports lower positions.
		return
	}
	d.log.LogEntry(e)
	d.recordSeen(e, q.Pos, time)
}

func (d *Driver) answerChild(q protocol.Child) {
	if len(d.procs) == d.opts.MaxProcesses {
		d.decimate()
	}

	parent := d.head()
	parentFd := parent.fd
	d.ch.Reset()
	parent.mark = d.log.Snapshot()

	d.procs = append(d.procs, process{
		pid:      int(q.Pid),
		fd:       q.Fd,
		traceLen: parent.traceLen,
	})

	// Acknowledge on the parent socket before switching to the child.
	d.ch.SetFd(parentFd)
	d.reply(protocol.Done{})
	if err := d.ch.Flush(); err != nil && !errors.Is(err, io.EOF) {
		protoErrorf("flush CHLD ack: %v", err)
	}
	d.ch.SetFd(q.Fd)
}

func (d *Driver) answerGetPic(q protocol.GetPic) {
	e := d.fs.Lookup(q.Path)
	if e != nil && e.Saved.Level == vfs.LevelRead &&
		e.Pic.Type == q.Type && e.Pic.Page == q.Page {
		d.reply(protocol.PicReply{Bounds: e.Pic.Bounds})
		return
	}
	d.reply(protocol.Pass{})
}

func (d *Driver) answerSetPic(q protocol.SetPic) {
	e := d.fs.Lookup(q.Path)
	if e != nil && e.Saved.Level == vfs.LevelRead {
		d.log.LogEntry(e)
		e.Pic = vfs.PicCache{Type: q.Type, Page: q.Page, Bounds: q.Bounds}
	}
	d.reply(protocol.Done{})
}
