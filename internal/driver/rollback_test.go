package driver

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/texpresso/texpresso/internal/channel"
	"github.com/texpresso/texpresso/internal/protocol"
	"github.com/texpresso/texpresso/internal/vfs"
)

// forkOnce drives the fake engine through open/seen/fork/chld, leaving
// the fleet with a frozen snapshot and a live head.
func forkOnce(t *testing.T, d *Driver, peer *channel.Peer) *channel.Peer {
	t.Helper()
	ask(t, d, peer, protocol.Message{Time: 1, Req: protocol.Open{Fid: 0, Path: "a.tex", Mode: "r"}})
	tell(t, d, peer, protocol.Message{Time: 100, Req: protocol.Seen{Fid: 0, Pos: 100}})

	a := ask(t, d, peer, protocol.Message{Time: 600, Req: protocol.Read{Fid: 0, Pos: 40, Size: 8}})
	require.Equal(t, protocol.Fork{}, a)

	childFds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	child := channel.NewPeer(childFds[1])
	t.Cleanup(func() { child.Close() })
	ask(t, d, peer, protocol.Message{Time: 601, Req: protocol.Child{Pid: 0, Fd: childFds[0]}})
	return child
}

// TestEditRewindsToSnapshot is the line-edit scenario: an edit behind
// the engine's read position truncates the trace and promotes the
// newest still-valid snapshot.
func TestEditRewindsToSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.tex", sourceText)
	doc := &recDoc{}
	console := &recConsole{}
	d, peer := newTestDriver(t, Options{InclusionPath: dir, Document: doc, Console: console})

	child := forkOnce(t, d, peer)

	// The head advances past the snapshot.
	tell(t, d, child, protocol.Message{Time: 700, Req: protocol.Seen{Fid: 0, Pos: 200}})
	require.Equal(t, 2, d.ProcessCount())
	require.Equal(t, 2, d.HeadTraceLen())

	e := d.fs.Lookup("a.tex")
	require.NotNil(t, e)
	require.Equal(t, int32(200), e.Seen)

	// Edit at byte 150: only the head's progress past 150 is invalid.
	d.BeginChanges()
	d.NotifyFileChanges(e, 150)
	assert.True(t, d.EndChanges())

	assert.Equal(t, 1, d.ProcessCount(), "head popped, snapshot promoted")
	assert.Equal(t, 1, d.HeadTraceLen())
	assert.Equal(t, int32(100), e.Seen, "seen rewound to the snapshot's view")
	assert.Equal(t, 1, d.FenceCount())
	assert.GreaterOrEqual(t, doc.updates, 0)
	assert.Len(t, console.truncates, 2, "out and log tails truncated")
}

// TestAppendOnlyEditDoesNotRewind is the append scenario: an edit past
// everything the engine observed leaves trace and fleet untouched.
func TestAppendOnlyEditDoesNotRewind(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.tex", sourceText)
	d, peer := newTestDriver(t, Options{InclusionPath: dir})

	ask(t, d, peer, protocol.Message{Time: 1, Req: protocol.Open{Fid: 0, Path: "a.tex", Mode: "r"}})
	tell(t, d, peer, protocol.Message{Time: 2, Req: protocol.Seen{Fid: 0, Pos: 40}})
	e := d.fs.Lookup("a.tex")

	// The engine has an unrelated request in flight, so the drain sees
	// activity and leaves it alone.
	require.NoError(t, peer.WriteRequest(protocol.Message{Time: 3, Req: protocol.Read{Fid: 0, Pos: 40, Size: 8}}))

	d.BeginChanges()
	d.NotifyFileChanges(e, int32(len(sourceText)))
	assert.True(t, d.EndChanges(), "a flush was requested")

	assert.Equal(t, 1, d.ProcessCount())
	assert.Equal(t, 1, d.HeadTraceLen(), "no trace revert")
	assert.Equal(t, int32(40), e.Seen)
	assert.Equal(t, 0, d.FenceCount())

	// The flush control reached the engine ahead of the read answer.
	tag, err := peer.ReadControl()
	require.NoError(t, err)
	assert.Equal(t, protocol.TagFlush, tag)

	require.True(t, d.Step(false))
	a, err := peer.ReadAnswer()
	require.NoError(t, err)
	assert.IsType(t, protocol.ReadReply{}, a)
}

// TestDrainConsumesPendingSeen: a SEEN sitting in the socket when the
// edit arrives updates the driver's view before the rewind decision.
func TestDrainConsumesPendingSeen(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.tex", sourceText)
	d, peer := newTestDriver(t, Options{InclusionPath: dir})

	ask(t, d, peer, protocol.Message{Time: 1, Req: protocol.Open{Fid: 0, Path: "a.tex", Mode: "r"}})
	tell(t, d, peer, protocol.Message{Time: 2, Req: protocol.Seen{Fid: 0, Pos: 40}})
	e := d.fs.Lookup("a.tex")

	// The engine already reported progress past the edit, but the
	// driver has not consumed it yet.
	require.NoError(t, peer.WriteRequest(protocol.Message{Time: 3, Req: protocol.Seen{Fid: 0, Pos: 80}}))
	require.NoError(t, peer.WriteRequest(protocol.Message{Time: 4, Req: protocol.Read{Fid: 0, Pos: 80, Size: 8}}))

	d.BeginChanges()
	d.NotifyFileChanges(e, 60)
	assert.True(t, d.EndChanges())

	// With the stale view (seen 40 < 60) nothing would have rewound;
	// the drained SEEN at 80 forces a full restart, there being no
	// earlier snapshot.
	assert.Equal(t, vfs.SeenNever, e.Seen)
	assert.Equal(t, 0, d.ProcessCount())
}

// TestStuckEngineIsKilled: an engine that answers nothing within the
// poll budget during a drain is killed and the fleet rewinds without it.
func TestStuckEngineIsKilled(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.tex", sourceText)
	d, peer := newTestDriver(t, Options{InclusionPath: dir})

	ask(t, d, peer, protocol.Message{Time: 1, Req: protocol.Open{Fid: 0, Path: "a.tex", Mode: "r"}})
	tell(t, d, peer, protocol.Message{Time: 2, Req: protocol.Seen{Fid: 0, Pos: 40}})
	e := d.fs.Lookup("a.tex")

	d.BeginChanges()
	d.NotifyFileChanges(e, 100) // past seen: the driver must drain first
	d.EndChanges()

	assert.Equal(t, 0, d.ProcessCount(), "stuck engine killed and popped")
	assert.Equal(t, StatusTerminated, d.Status())
}

// TestDeletedIncludeRewindsToRoot is the deleted-include scenario: a
// removed file whose whole content was observed rewinds to the root and
// leaves the driver ready to restart.
func TestDeletedIncludeRewindsToRoot(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.tex", sourceText)
	subPath := writeSource(t, dir, "sub.tex", "included content here")
	d, peer := newTestDriver(t, Options{InclusionPath: dir})

	ask(t, d, peer, protocol.Message{Time: 1, Req: protocol.Open{Fid: 0, Path: "a.tex", Mode: "r"}})
	tell(t, d, peer, protocol.Message{Time: 2, Req: protocol.Seen{Fid: 0, Pos: 30}})
	ask(t, d, peer, protocol.Message{Time: 3, Req: protocol.Open{Fid: 1, Path: "sub.tex", Mode: "r"}})
	tell(t, d, peer, protocol.Message{Time: 4, Req: protocol.Seen{Fid: 1, Pos: 100}})

	require.NoError(t, os.Remove(subPath))

	d.BeginChanges()
	d.DetectChanges()
	assert.True(t, d.EndChanges())

	assert.Equal(t, 0, d.ProcessCount(), "everything rewound: restart from scratch")
	sub := d.fs.Lookup("sub.tex")
	assert.Equal(t, vfs.SeenNever, sub.Seen)
	assert.True(t, d.restartable, "the next step relaunches the engine")
}

// TestNoopEditLeavesEverythingAlone is the edit-idempotence property: a
// transaction that notifies nothing changes neither trace nor fleet.
func TestNoopEditLeavesEverythingAlone(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.tex", sourceText)
	d, peer := newTestDriver(t, Options{InclusionPath: dir})

	ask(t, d, peer, protocol.Message{Time: 1, Req: protocol.Open{Fid: 0, Path: "a.tex", Mode: "r"}})
	tell(t, d, peer, protocol.Message{Time: 2, Req: protocol.Seen{Fid: 0, Pos: 40}})

	lens := d.ProcessTraceLens()
	trLen := d.HeadTraceLen()

	d.BeginChanges()
	assert.False(t, d.EndChanges())

	assert.Equal(t, lens, d.ProcessTraceLens())
	assert.Equal(t, trLen, d.HeadTraceLen())
	assert.Equal(t, 0, d.FenceCount())
}

func TestNestedTransactionPanics(t *testing.T) {
	d, _ := newTestDriver(t, Options{})
	d.BeginChanges()
	assert.Panics(t, func() { d.BeginChanges() })
	d.rb.traceLen = notInTransaction
	assert.Panics(t, func() { d.EndChanges() })
}

// TestFenceForcesForkOnReentry: after a rewind, the engine re-reading
// the invalidated region trips the fence and forks exactly at it.
func TestFenceForcesForkOnReentry(t *testing.T) {
	dir := t.TempDir()
	// The file must extend past the fence at byte 100 for the reads
	// below to reach it.
	writeSource(t, dir, "a.tex", strings.Repeat(sourceText, 4))
	d, peer := newTestDriver(t, Options{InclusionPath: dir})

	child := forkOnce(t, d, peer)
	tell(t, d, child, protocol.Message{Time: 700, Req: protocol.Seen{Fid: 0, Pos: 200}})
	e := d.fs.Lookup("a.tex")

	d.BeginChanges()
	d.NotifyFileChanges(e, 150)
	require.True(t, d.EndChanges())
	require.Equal(t, 1, d.FenceCount())

	// The promoted snapshot re-reads. Reads stopping short of the fence
	// pass through; a read crossing it is truncated at the fence, and
	// the read landing on it forks.
	fencePos := int(d.fences[0].position)

	a := ask(t, d, peer, protocol.Message{Time: 610, Req: protocol.Read{Fid: 0, Pos: 0, Size: int32(fencePos - 10)}})
	assert.IsType(t, protocol.ReadReply{}, a)

	a = ask(t, d, peer, protocol.Message{Time: 611, Req: protocol.Read{Fid: 0, Pos: 0, Size: int32(fencePos + 10)}})
	rr := a.(protocol.ReadReply)
	assert.Len(t, rr.Data, fencePos, "read truncated at the fence")

	a = ask(t, d, peer, protocol.Message{Time: 612, Req: protocol.Read{Fid: 0, Pos: int32(fencePos), Size: 8}})
	assert.Equal(t, protocol.Fork{}, a)
	assert.Equal(t, 0, d.FenceCount(), "tripped fence is popped")
}

// TestSeenPastFenceIsFatal: SEEN violating a pending fence is a
// protocol error.
func TestSeenPastFenceIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.tex", sourceText)
	d, peer := newTestDriver(t, Options{InclusionPath: dir})

	child := forkOnce(t, d, peer)
	tell(t, d, child, protocol.Message{Time: 700, Req: protocol.Seen{Fid: 0, Pos: 200}})
	e := d.fs.Lookup("a.tex")

	d.BeginChanges()
	d.NotifyFileChanges(e, 150)
	require.True(t, d.EndChanges())
	require.Equal(t, 1, d.FenceCount())

	past := d.fences[0].position + 50
	require.NoError(t, peer.WriteRequest(protocol.Message{Time: 610, Req: protocol.Seen{Fid: 0, Pos: past}}))
	assert.Panics(t, func() { d.Step(false) })
}

// TestEngineEOFPromotesSnapshot: end of stream on the head pops it and
// promotes the previous snapshot.
func TestEngineEOFPromotesSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.tex", sourceText)
	d, peer := newTestDriver(t, Options{InclusionPath: dir})

	child := forkOnce(t, d, peer)
	require.Equal(t, 2, d.ProcessCount())

	child.Close()
	assert.False(t, d.Step(false))
	assert.Equal(t, 1, d.ProcessCount(), "dead head popped, snapshot promoted")
	assert.Equal(t, StatusRunning, d.Status())

	// The root dying too empties the fleet and terminates the job.
	peer.Close()
	assert.False(t, d.Step(false))
	assert.Equal(t, 0, d.ProcessCount())
	assert.Equal(t, StatusTerminated, d.Status())
	assert.False(t, d.restartable, "no edit arrived: no automatic relaunch")
}
