package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBundleURL is the tectonic bundle most engines expect.
const DefaultBundleURL = "https://bundles.texpresso.org/default"

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyEngineDefaults(&cfg.Engine)
	applyBundleDefaults(&cfg.Bundle)
	applyDriverDefaults(&cfg.Driver)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
}

func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.Path == "" {
		cfg.Path = "tectonic"
	}
}

func applyBundleDefaults(cfg *BundleConfig) {
	if cfg.URL == "" {
		cfg.URL = DefaultBundleURL
	}
	if cfg.Cache.Type == "" {
		cfg.Cache.Type = "badger"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = defaultCacheDir()
	}
}

func applyDriverDefaults(cfg *DriverConfig) {
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 500 * time.Millisecond
	}
	if cfg.PollBudget == 0 {
		cfg.PollBudget = 10 * time.Millisecond
	}
	if cfg.MaxProcesses == 0 {
		cfg.MaxProcesses = 32
	}
	if cfg.MaxFences == 0 {
		cfg.MaxFences = 16
	}
	if cfg.FenceAlignment == 0 {
		cfg.FenceAlignment = 64
	}
	if cfg.FenceBackoff == 0 {
		cfg.FenceBackoff = 50 * time.Millisecond
	}
}

func defaultCacheDir() string {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, "texpresso", "bundle")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "texpresso-bundle")
	}
	return filepath.Join(home, ".cache", "texpresso", "bundle")
}
