package editor

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/texpresso/texpresso/internal/driver"
	"github.com/texpresso/texpresso/internal/logger"
	"github.com/texpresso/texpresso/internal/vfs"
)

// Editor is the driver's front end on the s-expression pipe: it applies
// inbound edit commands as driver transactions and mirrors the engine's
// console output back as append messages.
type Editor struct {
	drv *driver.Driver
	out io.Writer

	// OnTheme and OnSynctexForward hand the UI-facing commands to
	// whoever renders; both may be nil.
	OnTheme          func(bg, fg [3]float64)
	OnSynctexForward func(path string, line int)
}

func New(drv *driver.Driver, out io.Writer) *Editor {
	return &Editor{drv: drv, out: out}
}

// HandleLine parses and applies one inbound protocol line.
func (ed *Editor) HandleLine(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	v, err := Parse(line)
	if err != nil {
		return fmt.Errorf("parse %q: %w", line, err)
	}
	cmd, err := ParseCommand(v)
	if err != nil {
		return err
	}
	return ed.Handle(cmd)
}

// Handle applies one command.
func (ed *Editor) Handle(cmd Command) error {
	switch c := cmd.(type) {
	case OpenCmd:
		ed.withTransaction(func() {
			ed.setOverlay(c.Path, []byte(c.Data))
		})
	case CloseCmd:
		ed.withTransaction(func() {
			e := ed.drv.FindFile(c.Path)
			if e.EditData == nil {
				return
			}
			old := e.Data().Bytes()
			ed.drv.Filesystem().SetEditData(e, nil)
			ed.notifyDiff(e, old, e.Data().Bytes())
		})
	case ChangeCmd:
		ed.withTransaction(func() {
			ed.splice(c.Path, c.Offset, c.Remove, []byte(c.Data))
		})
	case ChangeLinesCmd:
		ed.withTransaction(func() {
			ed.spliceLines(c.Path, c.Line, c.Count, c.Data)
		})
	case ThemeCmd:
		if ed.OnTheme != nil {
			ed.OnTheme(c.Bg, c.Fg)
		}
	case SynctexForwardCmd:
		if ed.OnSynctexForward != nil {
			ed.OnSynctexForward(c.Path, c.Line)
		}
	case RescanCmd:
		ed.withTransaction(func() {
			ed.drv.DetectChanges()
		})
	default:
		return fmt.Errorf("unhandled command %T", cmd)
	}
	return nil
}

func (ed *Editor) withTransaction(f func()) {
	ed.drv.BeginChanges()
	f()
	if ed.drv.EndChanges() {
		logger.Debug("[editor] edit rewound the run")
	}
}

// setOverlay replaces the overlay wholesale and reports the first
// diverging byte.
func (ed *Editor) setOverlay(path string, data []byte) {
	e := ed.drv.FindFile(path)
	old := e.Data().Bytes()
	ed.drv.Filesystem().SetEditData(e, data)
	ed.notifyDiff(e, old, data)
}

// notifyDiff feeds the transaction with the first byte where old and new
// content diverge. Identical content notifies nothing, which keeps no-op
// edits free.
func (ed *Editor) notifyDiff(e *vfs.Entry, old, new []byte) {
	shorter := min(len(old), len(new))
	i := 0
	for i < shorter && old[i] == new[i] {
		i++
	}
	if i == shorter && len(old) == len(new) {
		return
	}
	ed.drv.NotifyFileChanges(e, int32(i))
}

// splice applies a byte-level edit to the overlay, creating the overlay
// from the effective content first if the file was not open yet.
func (ed *Editor) splice(path string, offset, remove int, insert []byte) {
	e := ed.drv.FindFile(path)
	old := e.Data().Bytes()

	offset = min(offset, len(old))
	remove = min(remove, len(old)-offset)

	data := make([]byte, 0, len(old)-remove+len(insert))
	data = append(data, old[:offset]...)
	data = append(data, insert...)
	data = append(data, old[offset+remove:]...)

	ed.drv.Filesystem().SetEditData(e, data)
	ed.notifyDiff(e, old, data)
}

// spliceLines replaces count whole lines starting at the 1-based line
// with text.
func (ed *Editor) spliceLines(path string, line, count int, text string) {
	e := ed.drv.FindFile(path)
	old := e.Data().Bytes()

	start := lineStart(old, line)
	end := lineStart(old, line+count)

	insert := text
	if insert != "" && !strings.HasSuffix(insert, "\n") {
		insert += "\n"
	}
	ed.splice(path, start, end-start, []byte(insert))
}

// lineStart returns the byte offset where the 1-based line begins, or
// the buffer length when the line is past the end.
func lineStart(data []byte, line int) int {
	off := 0
	for line > 1 && off < len(data) {
		i := bytes.IndexByte(data[off:], '\n')
		if i == -1 {
			return len(data)
		}
		off += i + 1
		line--
	}
	return off
}

// Append implements driver.Console: the tail of an output stream is
// forwarded as an append message.
func (ed *Editor) Append(s driver.Stream, buf []byte, pos int) {
	if pos >= len(buf) {
		return
	}
	fmt.Fprintf(ed.out, "(append %s %s)\n", s, quote(string(buf[pos:])))
}

// Truncate implements driver.Console: after a rollback the editor
// replaces its view of the stream.
func (ed *Editor) Truncate(s driver.Stream, buf []byte) {
	fmt.Fprintf(ed.out, "(truncate %s %d)\n", s, len(buf))
}

// Synctex reports a forward-search result.
func (ed *Editor) Synctex(path string, page int, x, y float64) {
	fmt.Fprintf(ed.out, "(synctex %s %d %.2f %.2f)\n", quote(path), page, x, y)
}
