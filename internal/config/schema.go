// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for pulse.
package config

import (
	"path/filepath"
	"time"

	"github.com/pulsehq/pulse/internal/gateway"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// DataDir roots all state files (job store, run history, lock files).
	DataDir string `yaml:"data_dir"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Gateway   gateway.Config  `yaml:"gateway"`
	Agent     AgentConfig     `yaml:"agent"`
	Lock      LockConfig      `yaml:"lock"`
}

// SchedulerConfig controls the cron scheduler.
type SchedulerConfig struct {
	// Enabled gates the background tick loop. RPC calls work either way.
	Enabled bool `yaml:"enabled"`

	// TickInterval is the scheduler timer period.
	TickInterval time.Duration `yaml:"tick_interval"`

	// StorePath overrides the default <data_dir>/cron/jobs.json.
	StorePath string `yaml:"store_path,omitempty"`

	// HistoryPath overrides the default <data_dir>/cron/runs.db.
	HistoryPath string `yaml:"history_path,omitempty"`
}

// HeartbeatConfig controls the main-session heartbeat loop.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`

	// QuietHours is a "HH:MM-HH:MM" blackout window, empty for none.
	QuietHours string `yaml:"quiet_hours,omitempty"`

	// Timezone is an IANA name the quiet window is evaluated in. Empty = UTC.
	Timezone string `yaml:"timezone,omitempty"`
}

// AgentConfig configures the isolated agent subprocess.
type AgentConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// LockConfig bounds file lock acquisition and staleness.
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Stale   time.Duration `yaml:"stale"`
}

// applyDefaults fills zero values. Validation runs after this, so defaults are
// always structurally valid.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = 15 * time.Second
	}
	if c.Scheduler.StorePath == "" {
		c.Scheduler.StorePath = filepath.Join(c.DataDir, "cron", "jobs.json")
	}
	if c.Scheduler.HistoryPath == "" {
		c.Scheduler.HistoryPath = filepath.Join(c.DataDir, "cron", "runs.db")
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 30 * time.Minute
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = 10 * time.Minute
	}
	if c.Lock.Timeout <= 0 {
		c.Lock.Timeout = 10 * time.Second
	}
	if c.Lock.Stale <= 0 {
		c.Lock.Stale = 10 * time.Minute
	}
}
