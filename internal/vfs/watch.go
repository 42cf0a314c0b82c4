package vfs

import (
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/texpresso/texpresso/internal/logger"
)

// Watcher marks the filesystem dirty when any directory containing a
// tracked entry changes, so the driver can run a scan transaction
// instead of stat-polling every file.
type Watcher struct {
	w     *fsnotify.Watcher
	dirty atomic.Bool
	dirs  map[string]bool
	done  chan struct{}
}

func NewWatcher() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		w:    fw,
		dirs: make(map[string]bool),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.dirty.Store(true)
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			logger.Warn("[watch] %v", err)
		}
	}
}

// Track watches the directory containing fsPath.
func (w *Watcher) Track(fsPath string) {
	dir := filepath.Dir(fsPath)
	if w.dirs[dir] {
		return
	}
	if err := w.w.Add(dir); err != nil {
		logger.Debug("[watch] cannot watch %s: %v", dir, err)
		return
	}
	w.dirs[dir] = true
}

// TakeDirty consumes the dirty flag.
func (w *Watcher) TakeDirty() bool {
	return w.dirty.Swap(false)
}

func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
