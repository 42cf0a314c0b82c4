package editor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texpresso/texpresso/internal/driver"
	"github.com/texpresso/texpresso/internal/vfs"
)

const sourceText = "\\documentclass[12pt]{article}\n\n\\begin{document}\nVirtual file content\n\n\\end{document}\n"

// headless returns an editor over a driver with no engine: edit
// transactions run against an empty fleet.
func headless(t *testing.T) (*Editor, *driver.Driver, *bytes.Buffer) {
	t.Helper()
	drv := driver.New(driver.Options{Primary: "a.tex"})
	t.Cleanup(drv.Shutdown)
	var out bytes.Buffer
	ed := New(drv, &out)
	return ed, drv, &out
}

func TestOpenInstallsOverlay(t *testing.T) {
	ed, drv, _ := headless(t)

	require.NoError(t, ed.HandleLine(`(open "a.tex" "hello world")`))

	e := drv.Filesystem().Lookup("a.tex")
	require.NotNil(t, e)
	assert.Equal(t, "hello world", string(e.Data().Bytes()))
}

func TestChangeSplicesOverlay(t *testing.T) {
	ed, drv, _ := headless(t)

	require.NoError(t, ed.HandleLine(`(open "a.tex" "hello world")`))
	require.NoError(t, ed.HandleLine(`(change "a.tex" 6 5 "there")`))

	e := drv.Filesystem().Lookup("a.tex")
	assert.Equal(t, "hello there", string(e.Data().Bytes()))

	// Pure insertion and pure deletion.
	require.NoError(t, ed.HandleLine(`(change "a.tex" 5 0 ",")`))
	assert.Equal(t, "hello, there", string(e.Data().Bytes()))
	require.NoError(t, ed.HandleLine(`(change "a.tex" 0 7 "")`))
	assert.Equal(t, "there", string(e.Data().Bytes()))
}

func TestChangeLinesReplacesLineRange(t *testing.T) {
	ed, drv, _ := headless(t)

	require.NoError(t, ed.HandleLine(`(open "a.tex" `+quote(sourceText)+`)`))
	require.NoError(t, ed.HandleLine(`(change-lines "a.tex" 4 1 "Edited virtual file content")`))

	e := drv.Filesystem().Lookup("a.tex")
	want := "\\documentclass[12pt]{article}\n\n\\begin{document}\nEdited virtual file content\n\n\\end{document}\n"
	assert.Equal(t, want, string(e.Data().Bytes()))
}

func TestChangeLinesAtEndOfFile(t *testing.T) {
	ed, drv, _ := headless(t)

	require.NoError(t, ed.HandleLine(`(open "a.tex" "one\ntwo\n")`))
	require.NoError(t, ed.HandleLine(`(change-lines "a.tex" 3 0 "three")`))

	e := drv.Filesystem().Lookup("a.tex")
	assert.Equal(t, "one\ntwo\nthree\n", string(e.Data().Bytes()))
}

func TestCloseDropsOverlay(t *testing.T) {
	ed, drv, _ := headless(t)

	e := drv.FindFile("a.tex")
	e.FsData = vfs.NewBuffer([]byte("disk content"))

	require.NoError(t, ed.HandleLine(`(open "a.tex" "edited content")`))
	assert.Equal(t, "edited content", string(e.Data().Bytes()))

	require.NoError(t, ed.HandleLine(`(close "a.tex")`))
	assert.Equal(t, "disk content", string(e.Data().Bytes()))
}

// TestNoopChangeIsFree: splicing identical content notifies the driver
// of no change, leaving trace and fences as they were (edit idempotence).
func TestNoopChangeIsFree(t *testing.T) {
	ed, drv, _ := headless(t)

	require.NoError(t, ed.HandleLine(`(open "a.tex" "stable content")`))
	lens := drv.ProcessTraceLens()

	require.NoError(t, ed.HandleLine(`(change "a.tex" 3 0 "")`))
	require.NoError(t, ed.HandleLine(`(open "a.tex" "stable content")`))

	assert.Equal(t, lens, drv.ProcessTraceLens())
	assert.Equal(t, 0, drv.FenceCount())
}

func TestThemeAndSynctexForwardHooks(t *testing.T) {
	ed, _, _ := headless(t)

	var gotBg, gotFg [3]float64
	ed.OnTheme = func(bg, fg [3]float64) { gotBg, gotFg = bg, fg }
	var gotPath string
	var gotLine int
	ed.OnSynctexForward = func(path string, line int) { gotPath, gotLine = path, line }

	require.NoError(t, ed.HandleLine(`(theme (0.1 0.2 0.3) (1 1 1))`))
	assert.Equal(t, [3]float64{0.1, 0.2, 0.3}, gotBg)
	assert.Equal(t, [3]float64{1, 1, 1}, gotFg)

	require.NoError(t, ed.HandleLine(`(synctex-forward "ch/intro.tex" 42)`))
	assert.Equal(t, "ch/intro.tex", gotPath)
	assert.Equal(t, 42, gotLine)
}

func TestHandleLineErrors(t *testing.T) {
	ed, _, _ := headless(t)
	assert.Error(t, ed.HandleLine(`(open "a.tex"`))
	assert.Error(t, ed.HandleLine(`(bogus 1 2)`))
	assert.NoError(t, ed.HandleLine(""), "blank lines are ignored")
}

func TestAppendAndTruncateMessages(t *testing.T) {
	ed, _, out := headless(t)

	ed.Append(driver.StreamOut, []byte("This is TeX\n(a.tex)\n"), 12)
	assert.Equal(t, "(append out \"(a.tex)\\n\")\n", out.String())

	out.Reset()
	ed.Append(driver.StreamLog, []byte("full log"), 0)
	assert.Equal(t, "(append log \"full log\")\n", out.String())

	out.Reset()
	ed.Append(driver.StreamOut, []byte("short"), 5)
	assert.Equal(t, "", out.String(), "empty tails are not sent")

	out.Reset()
	ed.Truncate(driver.StreamLog, []byte("kept"))
	assert.Equal(t, "(truncate log 4)\n", out.String())
}

func TestLineStart(t *testing.T) {
	data := []byte("one\ntwo\nthree")
	assert.Equal(t, 0, lineStart(data, 1))
	assert.Equal(t, 4, lineStart(data, 2))
	assert.Equal(t, 8, lineStart(data, 3))
	assert.Equal(t, 13, lineStart(data, 4))
	assert.Equal(t, 13, lineStart(data, 99))
}
