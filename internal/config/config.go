// Package config defines the crew configuration, loaded through viper from
// a YAML config file and CREW_-prefixed environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete crew configuration.
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PathsConfig controls where durable state lives on disk.
type PathsConfig struct {
	// DataRoot is the per-user directory holding teams/, tasks/ and mailbox/.
	// Defaults to ~/.crew.
	DataRoot string `mapstructure:"data_root"`
}

// WorkerConfig controls worker process behavior.
type WorkerConfig struct {
	// Binary is the executable spawned for worker processes.
	// Empty means the current executable (os.Executable).
	Binary string `mapstructure:"binary"`
	// InboxPollMs is how often a worker polls its inbox for control
	// messages, in milliseconds.
	InboxPollMs int `mapstructure:"inbox_poll_ms"`
	// RecordPollMs is how often the lead polls a task record while
	// tailing a delegated task, in milliseconds.
	RecordPollMs int `mapstructure:"record_poll_ms"`
	// KillGraceMs is how long the lead waits after SIGTERM before
	// escalating to SIGKILL, in milliseconds.
	KillGraceMs int `mapstructure:"kill_grace_ms"`
	// ExitGraceMs is how long a non-terminal record may outlive its
	// worker process before the lead marks the task failed.
	ExitGraceMs int `mapstructure:"exit_grace_ms"`
}

// BatchConfig controls the bounded batch scheduler.
type BatchConfig struct {
	// DefaultConcurrency is the concurrency used when a batch call does
	// not specify one. Clamped to [2, 20] at run time.
	DefaultConcurrency int `mapstructure:"default_concurrency"`
	// StaggerMs is the per-item startup stagger base, in milliseconds.
	StaggerMs int `mapstructure:"stagger_ms"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DataRoot: defaultDataRoot(),
		},
		Worker: WorkerConfig{
			InboxPollMs:  300,
			RecordPollMs: 250,
			KillGraceMs:  2000,
			ExitGraceMs:  1500,
		},
		Batch: BatchConfig{
			DefaultConcurrency: 4,
			StaggerMs:          30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// InboxPollInterval returns the worker inbox poll interval as a Duration.
func (c *WorkerConfig) InboxPollInterval() time.Duration {
	return time.Duration(c.InboxPollMs) * time.Millisecond
}

// RecordPollInterval returns the lead record poll interval as a Duration.
func (c *WorkerConfig) RecordPollInterval() time.Duration {
	return time.Duration(c.RecordPollMs) * time.Millisecond
}

// KillGrace returns the SIGTERM-to-SIGKILL grace window as a Duration.
func (c *WorkerConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceMs) * time.Millisecond
}

// ExitGrace returns the process-exit flush grace window as a Duration.
func (c *WorkerConfig) ExitGrace() time.Duration {
	return time.Duration(c.ExitGraceMs) * time.Millisecond
}

// Stagger returns the batch startup stagger base as a Duration.
func (c *BatchConfig) Stagger() time.Duration {
	return time.Duration(c.StaggerMs) * time.Millisecond
}

// SetDefaults registers all default values with viper. Call once at startup
// before reading the config file so defaults apply even without one.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("paths.data_root", defaults.Paths.DataRoot)

	viper.SetDefault("worker.binary", defaults.Worker.Binary)
	viper.SetDefault("worker.inbox_poll_ms", defaults.Worker.InboxPollMs)
	viper.SetDefault("worker.record_poll_ms", defaults.Worker.RecordPollMs)
	viper.SetDefault("worker.kill_grace_ms", defaults.Worker.KillGraceMs)
	viper.SetDefault("worker.exit_grace_ms", defaults.Worker.ExitGraceMs)

	viper.SetDefault("batch.default_concurrency", defaults.Batch.DefaultConcurrency)
	viper.SetDefault("batch.stagger_ms", defaults.Batch.StaggerMs)

	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load unmarshals and validates the current viper state.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get loads the config, falling back to defaults if loading fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the directory holding the crew config file.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "crew")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crew"
	}
	return filepath.Join(home, ".config", "crew")
}

// defaultDataRoot returns the default durable-state directory.
func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crew"
	}
	return filepath.Join(home, ".crew")
}
