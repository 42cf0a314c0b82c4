package driver

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/texpresso/texpresso/internal/logger"
	"github.com/texpresso/texpresso/internal/vfs"
)

// process is one live engine process kept as a rewindable checkpoint: a
// pid, its socket, the trace prefix it had consumed when it forked its
// child, and the journal mark taken at that fork.
type process struct {
	pid int
	fd  int

	// traceLen is the length of the trace prefix this process has
	// produced. For a frozen snapshot it is the prefix at fork time.
	traceLen int

	// mark is the journal savepoint taken when this process forked its
	// child. Only meaningful once it has forked.
	mark vfs.Mark
}

func (d *Driver) head() *process {
	if len(d.procs) == 0 {
		panic("driver: no live process")
	}
	return &d.procs[len(d.procs)-1]
}

// launch starts the engine binary on the primary file. The engine side
// of a fresh socketpair is passed as fd 3 (named in TEXPRESSO_FD); the
// bundle descriptors follow and are referenced by number in the bundle
// URL.
func (d *Driver) launch() (process, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return process{}, fmt.Errorf("socketpair: %w", err)
	}
	parentEnd := pair[0]
	childEnd := os.NewFile(uintptr(pair[1]), "engine-socket")

	extra := []*os.File{childEnd}
	extra = append(extra, d.opts.BundleFiles...)

	bundleURL := d.opts.BundleURL
	if bundleURL == "" && len(d.opts.BundleFiles) == 3 {
		// ExtraFiles start at child fd 3; the socket takes 3, the
		// bundle descriptors 4, 5 and 6.
		bundleURL = "texpresso-bundle://4,5,6"
	}

	args := []string{
		"-X", "texpresso",
		"--bundle", bundleURL,
		"--untrusted",
		"--synctex",
		"--outfmt", "xdv",
		"-Z", "continue-on-errors",
	}
	args = append(args, d.opts.ExtraArgs...)
	args = append(args, d.opts.Primary)

	cmd := exec.Command(d.opts.EnginePath, args...)
	cmd.Stdout = os.Stderr // stdout belongs to the editor pipe
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extra
	cmd.Env = append(os.Environ(), "TEXPRESSO_FD=3")

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		unix.Close(parentEnd)
		return process{}, fmt.Errorf("launch %s: %w", d.opts.EnginePath, err)
	}
	childEnd.Close()

	// Only the root is our child; forked snapshots are the engine's own
	// children. Reap it whenever it exits.
	go cmd.Wait()

	logger.Info("[process] launched pid %d (using %s)", cmd.Process.Pid, d.opts.EnginePath)
	return process{pid: cmd.Process.Pid, fd: parentEnd}, nil
}

// prepare relaunches the engine when the fleet is empty and a run is
// wanted: at startup and after an edit transaction emptied the fleet.
func (d *Driver) prepare() error {
	if len(d.procs) > 0 || !d.restartable {
		return nil
	}
	d.log.Rollback(d.restart)
	p, err := d.launch()
	if err != nil {
		return err
	}
	d.procs = append(d.procs, p)
	d.ch.SetFd(p.fd)
	if err := d.ch.Handshake(); err != nil {
		d.closeProcess(d.head())
		d.procs = d.procs[:0]
		return fmt.Errorf("engine handshake: %w", err)
	}
	return nil
}

// closeProcess kills a process and closes its socket. Idempotent.
func (d *Driver) closeProcess(p *process) {
	if p.fd != -1 {
		if p.pid > 0 {
			unix.Kill(p.pid, unix.SIGTERM)
		}
		unix.Close(p.fd)
		p.fd = -1
	}
}

// popProcess drops the head process and rolls the journal back to the
// new head's fork mark (or to the restart mark when the fleet empties).
func (d *Driver) popProcess() {
	d.closeProcess(d.head())
	d.ch.Reset()
	d.procs = d.procs[:len(d.procs)-1]
	mark := d.restart
	if len(d.procs) > 0 {
		mark = d.head().mark
	}
	d.log.Rollback(mark)
}

// dropHead handles end of stream on the head socket: the dead process is
// popped and the previous snapshot, if any, is promoted. An empty fleet
// leaves the job terminated until the next edit.
func (d *Driver) dropHead() {
	logger.Info("[process] terminating process")
	d.popProcess()
	if len(d.procs) == 0 {
		d.restartable = false
		return
	}
	d.ch.SetFd(d.head().fd)
}

// Shutdown kills every live process and empties the fleet.
func (d *Driver) Shutdown() {
	for len(d.procs) > 0 {
		d.popProcess()
	}
	d.restartable = false
}

// decimate halves the older part of the fleet: the most recent 8
// snapshots are kept, and among the rest every second one is evicted.
// The root at index 0 is never evicted.
func (d *Driver) decimate() {
	d.logFleet("before process decimation:")

	bound := len(d.procs) - 8
	kept := d.procs[:0]
	for i, p := range d.procs {
		if i < bound && i%2 == 1 {
			d.closeProcess(&d.procs[i])
			continue
		}
		kept = append(kept, p)
	}
	d.procs = kept

	d.logFleet("after process decimation:")
}

func (d *Driver) logFleet(header string) {
	logger.Info("%s", header)
	for i := range d.procs {
		p := &d.procs[i]
		t := int32(0)
		if p.traceLen > 0 {
			t = d.tr.At(p.traceLen - 1).Time
		}
		logger.Info("- position %d, time %dms [pid %d]", p.traceLen, t, p.pid)
	}
}
