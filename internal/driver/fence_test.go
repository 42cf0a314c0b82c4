package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texpresso/texpresso/internal/trace"
	"github.com/texpresso/texpresso/internal/vfs"
)

// fenceFixture builds a driver whose trace is populated directly, with
// one synthetic root process spanning it.
func fenceFixture(records []trace.Record) *Driver {
	d := New(Options{Primary: "a.tex"})
	for i, r := range records {
		d.tr.Put(i, r)
	}
	d.procs = append(d.procs, process{pid: -1, fd: -1, traceLen: len(records)})
	return d
}

func readEntry(path string) *vfs.Entry {
	return &vfs.Entry{Path: path, Saved: vfs.Saved{Level: vfs.LevelRead}}
}

func TestFenceZeroPlacement(t *testing.T) {
	e := readEntry("a.tex")
	d := fenceFixture([]trace.Record{
		{Entry: e, Seen: -1, Time: 10},
		{Entry: e, Seen: 100, Time: 700},
	})

	target := d.computeFences(1, 300)
	require.Equal(t, 1, d.FenceCount())
	f := d.fences[0]
	assert.Same(t, e, f.entry)
	// 300-64 aligned down to 64 bytes is 192, above the record's prior
	// seen position of 100.
	assert.Equal(t, int32(192), f.position)
	assert.LessOrEqual(t, target, 1)
}

func TestFenceZeroClampsToSeen(t *testing.T) {
	e := readEntry("a.tex")
	d := fenceFixture([]trace.Record{
		{Entry: e, Seen: -1, Time: 10},
		{Entry: e, Seen: 500, Time: 700},
	})

	d.computeFences(1, 510)
	// 510-64 aligns to 384, below what the record had already seen.
	assert.Equal(t, int32(500), d.fences[0].position)
}

func TestFenceZeroNeverNegative(t *testing.T) {
	e := readEntry("a.tex")
	d := fenceFixture([]trace.Record{
		{Entry: e, Seen: -1, Time: 10},
		{Entry: e, Seen: -1, Time: 20},
	})

	d.computeFences(1, 3)
	assert.Equal(t, int32(0), d.fences[0].position)
}

// TestFenceSetBounds: at most 16 fences, every position non-negative,
// and the backing record times non-increasing along the walk.
func TestFenceSetBounds(t *testing.T) {
	var records []trace.Record
	var entries []*vfs.Entry
	for i := 0; i < 200; i++ {
		e := readEntry("file.tex")
		entries = append(entries, e)
		records = append(records, trace.Record{
			Entry: e,
			Seen:  int32(i * 64),
			Time:  int32(i * 20),
		})
	}
	d := fenceFixture(records)

	target := d.computeFences(199, 12800)

	assert.LessOrEqual(t, d.FenceCount(), 16)
	assert.GreaterOrEqual(t, target, 0)
	assert.LessOrEqual(t, target, 199)

	lastTime := int32(1 << 30)
	for i, f := range d.fences {
		assert.GreaterOrEqual(t, f.position, int32(0), "fence %d", i)
		// Walking backwards in the trace, each fence is backed by an
		// older (or equal) record than its predecessor.
		var backing int32 = -1
		for j := 0; j <= 199; j++ {
			if records[j].Entry == f.entry {
				backing = records[j].Time
			}
		}
		require.NotEqual(t, int32(-1), backing)
		assert.LessOrEqual(t, backing, lastTime, "fence %d", i)
		lastTime = backing
	}
}

// TestFenceWalkSkipsUnfenceable: outputs and never-read entries cannot
// host fences.
func TestFenceWalkSkipsUnfenceable(t *testing.T) {
	read := readEntry("ok.tex")
	output := &vfs.Entry{Path: "main.xdv", Saved: vfs.Saved{Level: vfs.LevelWrite}}
	ghost := readEntry("missing.sty")

	d := fenceFixture([]trace.Record{
		{Entry: read, Seen: 10, Time: 0},
		{Entry: output, Seen: 5, Time: 100},
		{Entry: ghost, Seen: vfs.SeenAll, Time: 200},
		{Entry: read, Seen: 20, Time: 300},
		{Entry: read, Seen: 700, Time: 900},
	})

	d.computeFences(4, 800)
	for i, f := range d.fences[1:] {
		assert.Same(t, read, f.entry, "fence %d may only land on readable records", i+1)
	}
}

func TestFenceWalkStopsAtSnapshotBoundary(t *testing.T) {
	e := readEntry("a.tex")
	var records []trace.Record
	for i := 0; i < 10; i++ {
		records = append(records, trace.Record{Entry: e, Seen: int32(i * 10), Time: int32(i * 100)})
	}
	d := fenceFixture(records)
	// A snapshot sits at trace position 4: the walk must not fence
	// below it.
	d.procs[0].traceLen = 4
	d.procs = append(d.procs, process{pid: -1, fd: -1, traceLen: 10})

	target := d.computeFences(8, 75)
	assert.GreaterOrEqual(t, target, 4)
}

func TestNoFencesForRootRewind(t *testing.T) {
	e := readEntry("a.tex")
	d := fenceFixture([]trace.Record{{Entry: e, Seen: -1, Time: 0}})

	target := d.computeFences(0, 0)
	assert.Equal(t, 0, target)
	assert.Equal(t, 0, d.FenceCount())
}
