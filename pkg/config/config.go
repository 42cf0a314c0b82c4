// Package config loads the driver configuration from file, environment
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures every configurable aspect of the driver.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority, applied by the caller)
//  2. Environment variables (TEXPRESSO_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Engine configures the TeX engine child process
	Engine EngineConfig `mapstructure:"engine"`

	// Bundle configures the resource bundle server
	Bundle BundleConfig `mapstructure:"bundle"`

	// Driver contains the snapshot and fence tuning knobs
	Driver DriverConfig `mapstructure:"driver"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// EngineConfig describes how to launch the TeX engine.
type EngineConfig struct {
	// Path is the engine binary (tectonic with texpresso support)
	Path string `mapstructure:"path" validate:"required"`

	// InclusionPath is a colon-joined directory list searched when a
	// relative file name does not resolve directly
	InclusionPath string `mapstructure:"inclusion_path"`

	// ExtraArgs are appended to the engine command line
	ExtraArgs []string `mapstructure:"extra_args"`
}

// BundleConfig configures the resource bundle server.
type BundleConfig struct {
	// URL is the HTTP base the fetcher downloads resources from.
	// ApplyDefaults replaces an empty value with DefaultBundleURL.
	URL string `mapstructure:"url" validate:"omitempty,url"`

	// Cache selects the resource cache store
	Cache BundleCacheConfig `mapstructure:"cache"`
}

// BundleCacheConfig selects and configures the bundle cache store.
type BundleCacheConfig struct {
	// Type specifies which store implementation to use
	// Valid values: badger, memory
	Type string `mapstructure:"type" validate:"required,oneof=badger memory"`

	// Path is the on-disk location of the badger store
	// Only used when Type = "badger"
	Path string `mapstructure:"path"`
}

// DriverConfig tunes the snapshot and fence machinery. The values shape
// performance, not semantics.
type DriverConfig struct {
	// SnapshotInterval is the minimum engine-clock distance between
	// snapshots
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" validate:"required,gt=0"`

	// PollBudget bounds each poll on the engine socket
	PollBudget time.Duration `mapstructure:"poll_budget" validate:"required,gt=0"`

	// MaxProcesses bounds the snapshot fleet
	MaxProcesses int `mapstructure:"max_processes" validate:"required,gt=1,lte=128"`

	// MaxFences bounds the fence set of one edit
	MaxFences int `mapstructure:"max_fences" validate:"required,gt=0,lte=64"`

	// FenceAlignment aligns the first fence below an edited byte
	FenceAlignment int `mapstructure:"fence_alignment" validate:"required,gt=0"`

	// FenceBackoff is the initial step of the fence time walk; it
	// doubles at every placed fence
	FenceBackoff time.Duration `mapstructure:"fence_backoff" validate:"required,gt=0"`

	// DelayForkUntilOutput postpones the first fork until output began.
	// Unset defaults to true on platforms that need it.
	DelayForkUntilOutput *bool `mapstructure:"delay_fork_until_output"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// decode maps viper's settings onto the config struct, with duration
// strings ("500ms") decoded into time.Duration.
func decode(settings map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(settings)
}

func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the TEXPRESSO_ prefix and underscores:
	// TEXPRESSO_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("TEXPRESSO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Registering these keys makes environment-only overrides visible in
	// AllSettings; the zero placeholders are replaced by ApplyDefaults.
	// driver.delay_fork_until_output is not registered, so an environment
	// value for it is seen only when the config file also sets it.
	for _, key := range []string{
		"logging.level",
		"engine.path", "engine.inclusion_path", "engine.extra_args",
		"bundle.url", "bundle.cache.type", "bundle.cache.path",
		"driver.snapshot_interval", "driver.poll_budget",
		"driver.max_processes", "driver.max_fences",
		"driver.fence_alignment", "driver.fence_backoff",
	} {
		v.SetDefault(key, nil)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file is fine - defaults apply.
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path, following
// XDG_CONFIG_HOME with a ~/.config fallback.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "texpresso")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "texpresso")
}
