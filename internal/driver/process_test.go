package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texpresso/texpresso/internal/trace"
)

// fleetFixture builds a driver with count synthetic processes whose
// trace lengths strictly increase. As in a live driver, every trace
// position the fleet reaches (including fleets the tests grow further)
// is backed by a record, since the fleet log reads them.
func fleetFixture(count int) *Driver {
	d := New(Options{Primary: "a.tex"})
	for i := 0; i < count; i++ {
		d.procs = append(d.procs, process{pid: -1, fd: -1, traceLen: i * 10})
	}
	for i := 0; i < count*20; i++ {
		d.tr.Put(i, trace.Record{Time: int32(i)})
	}
	return d
}

func TestDecimationKeepsRootAndRecent(t *testing.T) {
	d := fleetFixture(32)
	before := d.ProcessTraceLens()

	d.decimate()

	after := d.ProcessTraceLens()
	require.Len(t, after, 20, "12 of the older 24 kept, plus the 8 newest")

	// The root survives.
	assert.Equal(t, before[0], after[0])

	// The newest 8 survive untouched.
	assert.Equal(t, before[24:], after[12:])

	// Ordering is preserved and still strictly increasing.
	for i := 1; i < len(after); i++ {
		assert.Less(t, after[i-1], after[i])
	}

	// The kept older snapshots are the even-indexed ones.
	for i := 0; i < 12; i++ {
		assert.Equal(t, before[2*i], after[i])
	}
}

func TestDecimationRepeated(t *testing.T) {
	d := fleetFixture(32)
	d.decimate()
	for len(d.procs) < 32 {
		d.procs = append(d.procs, process{
			pid: -1, fd: -1,
			traceLen: d.head().traceLen + 10,
		})
	}
	d.decimate()

	lens := d.ProcessTraceLens()
	assert.Equal(t, 0, lens[0], "root still present after two rounds")
	for i := 1; i < len(lens); i++ {
		assert.Less(t, lens[i-1], lens[i])
	}
}

func TestShutdownEmptiesFleet(t *testing.T) {
	d := fleetFixture(5)
	d.Shutdown()
	assert.Equal(t, 0, d.ProcessCount())
	assert.Equal(t, StatusTerminated, d.Status())
	assert.False(t, d.restartable)
}

func TestStatusTransitions(t *testing.T) {
	d := New(Options{Primary: "a.tex"})
	assert.Equal(t, StatusTerminated, d.Status())

	d.procs = append(d.procs, process{pid: -1, fd: 0, traceLen: 0})
	assert.Equal(t, StatusRunning, d.Status())

	d.procs[0].fd = -1
	assert.Equal(t, StatusTerminated, d.Status())
	d.procs = d.procs[:0]
}

func TestNeedSnapshotPolicy(t *testing.T) {
	f := false
	d := New(Options{Primary: "a.tex", DelayForkUntilOutput: &f})
	d.procs = append(d.procs, process{pid: -1, fd: -1, traceLen: 0})

	// Root only: interval measured from process start.
	assert.False(t, d.needSnapshot(500))
	assert.True(t, d.needSnapshot(501))

	// Pending fences veto snapshots.
	d.fences = append(d.fences, fence{})
	assert.False(t, d.needSnapshot(10_000))
	d.fences = d.fences[:0]

	// With a snapshot and no trace growth, never fork again.
	d.procs = append(d.procs, process{pid: -1, fd: -1, traceLen: 0})
	assert.False(t, d.needSnapshot(10_000))
}
