package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/texpresso/texpresso/internal/bundle"
	"github.com/texpresso/texpresso/internal/driver"
	"github.com/texpresso/texpresso/internal/editor"
	"github.com/texpresso/texpresso/internal/logger"
	"github.com/texpresso/texpresso/internal/vfs"
	"github.com/texpresso/texpresso/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	enginePath := flag.String("engine", "", "TeX engine binary")
	inclusionPath := flag.String("I", "", "Colon-joined inclusion path")
	bundleURL := flag.String("bundle-url", "", "Resource bundle base URL")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <primary.tex>\n", os.Args[0])
		os.Exit(2)
	}
	primary := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// CLI flags take precedence over file and environment.
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *enginePath != "" {
		cfg.Engine.Path = *enginePath
	}
	if *inclusionPath != "" {
		cfg.Engine.InclusionPath = *inclusionPath
	}
	if *bundleURL != "" {
		cfg.Bundle.URL = *bundleURL
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Primary file: %s", primary)
	logger.Info("Engine: %s", cfg.Engine.Path)

	srv, err := startBundle(cfg)
	if err != nil {
		log.Fatalf("Failed to start bundle server: %v", err)
	}
	defer srv.Close()

	delayFork := false
	if cfg.Driver.DelayForkUntilOutput != nil {
		delayFork = *cfg.Driver.DelayForkUntilOutput
	}

	opts := driver.Options{
		EnginePath:         cfg.Engine.Path,
		Primary:            primary,
		InclusionPath:      inclusionDirs(cfg, primary),
		BundleFiles:        srv.ChildFiles(),
		ExtraArgs:          cfg.Engine.ExtraArgs,
		SnapshotIntervalMs: int32(cfg.Driver.SnapshotInterval / time.Millisecond),
		PollBudgetMs:       int(cfg.Driver.PollBudget / time.Millisecond),
		MaxProcesses:       cfg.Driver.MaxProcesses,
		MaxFences:          cfg.Driver.MaxFences,
		FenceAlignment:     int32(cfg.Driver.FenceAlignment),
		FenceBackoffMs:     int32(cfg.Driver.FenceBackoff / time.Millisecond),
	}
	if cfg.Driver.DelayForkUntilOutput != nil {
		opts.DelayForkUntilOutput = &delayFork
	}

	drv := driver.New(opts)
	defer drv.Shutdown()

	var watcher *vfs.Watcher
	if watcher, err = vfs.NewWatcher(); err == nil {
		drv.SetWatcher(watcher)
		defer watcher.Close()
	} else {
		logger.Warn("filesystem watcher unavailable: %v", err)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	ed := editor.New(drv, out)
	drv.SetConsole(ed)

	run(drv, ed, watcher, out)
}

func startBundle(cfg *config.Config) (*bundle.Server, error) {
	var store bundle.Store
	var err error
	switch cfg.Bundle.Cache.Type {
	case "badger":
		store, err = bundle.NewBadgerStore(cfg.Bundle.Cache.Path)
		if err != nil {
			return nil, err
		}
	default:
		store = bundle.NewMemoryStore()
	}

	var fetch *bundle.Fetcher
	if cfg.Bundle.URL != "" {
		fetch = bundle.NewFetcher(cfg.Bundle.URL)
	}

	lockPath := filepath.Join(filepath.Dir(cfg.Bundle.Cache.Path), "bundle.lock")
	return bundle.Start(store, fetch, lockPath)
}

// inclusionDirs prefixes the configured inclusion path with the primary
// file's directory so sibling includes resolve.
func inclusionDirs(cfg *config.Config, primary string) string {
	dir := filepath.Dir(primary)
	if cfg.Engine.InclusionPath == "" {
		return dir
	}
	return dir + ":" + cfg.Engine.InclusionPath
}

func run(drv *driver.Driver, ed *editor.Editor, watcher *vfs.Watcher, out *bufio.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Driver is running. Press Ctrl+C to stop.")

	wasRunning := false
	for {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received")
			return
		case line, ok := <-lines:
			if !ok {
				logger.Info("Editor closed the pipe")
				return
			}
			if err := ed.HandleLine(line); err != nil {
				logger.Warn("editor command: %v", err)
			}
			out.Flush()
			continue
		default:
		}

		if watcher != nil && watcher.TakeDirty() {
			drv.BeginChanges()
			drv.DetectChanges()
			drv.EndChanges()
		}

		progressed := drv.Step(true)
		out.Flush()

		running := drv.Status() == driver.StatusRunning
		if wasRunning && !running {
			logger.Info("Typesetting terminated (%d snapshots kept)", drv.ProcessCount())
		}
		wasRunning = running

		if progressed {
			continue
		}

		// Idle: wait for editor input instead of spinning.
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received")
			return
		case line, ok := <-lines:
			if !ok {
				logger.Info("Editor closed the pipe")
				return
			}
			if err := ed.HandleLine(line); err != nil {
				logger.Warn("editor command: %v", err)
			}
			out.Flush()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
