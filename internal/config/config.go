// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package config loads and validates the Streamwarden configuration.
//
// Configuration is layered via koanf v2 (highest priority wins):
//
//  1. STREAMWARDEN_* environment variables
//  2. Config file (config.yaml, or the path in STREAMWARDEN_CONFIG)
//  3. Built-in defaults
//
// The engine consumes tunables only; it never interprets transcoding
// parameters beyond passing them to the worker command builder.
package config

import "time"

// Config is the root configuration consumed by all components.
type Config struct {
	Controller ControllerConfig `koanf:"controller"`
	Worker     WorkerConfig     `koanf:"worker"`
	Probe      ProbeConfig      `koanf:"probe"`
	Store      StoreConfig      `koanf:"store"`
	Boot       BootConfig       `koanf:"boot"`
	Monitor    MonitorConfig    `koanf:"monitor"`
	Ops        OpsConfig        `koanf:"ops"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ControllerConfig configures the desired-state event subscription.
type ControllerConfig struct {
	// URL is the controller's push-event endpoint.
	URL string `koanf:"url" validate:"required,feedurl"`

	// ReconnectMin/ReconnectMax bound the exponential reconnect backoff.
	ReconnectMin time.Duration `koanf:"reconnect_min" validate:"gt=0"`
	ReconnectMax time.Duration `koanf:"reconnect_max" validate:"gt=0"`

	// StableGrace is how long a connection must stay open before the
	// backoff counter resets.
	StableGrace time.Duration `koanf:"stable_grace" validate:"gt=0"`

	// DedupeWindow caps the recent-event hash set used to suppress
	// at-least-once replays.
	DedupeWindow int `koanf:"dedupe_window" validate:"min=16,max=65536"`
}

// WorkerConfig configures relay worker processes.
type WorkerConfig struct {
	// Binary is the relay worker executable, also the expected executable
	// name when validating recorded PIDs.
	Binary string `koanf:"binary" validate:"required"`

	// RTMPBase is the destination base URL; the stream key from the
	// controller is appended to form the full destination.
	RTMPBase string `koanf:"rtmp_base" validate:"required,feedurl"`

	// StopGrace is how long to wait after SIGTERM before SIGKILL.
	StopGrace time.Duration `koanf:"stop_grace" validate:"gt=0"`

	// RestartBackoff is multiplied by the retry count to delay crash
	// restarts (linear-times-count).
	RestartBackoff time.Duration `koanf:"restart_backoff" validate:"gt=0"`

	// MaxRetries is the crash-retry ceiling before a record is terminally
	// FAILED.
	MaxRetries int `koanf:"max_retries" validate:"min=0,max=100"`

	// StableRun is how long a worker must run before its next failure is
	// counted as a fresh streak rather than another consecutive crash.
	// Zero disables the reset.
	StableRun time.Duration `koanf:"stable_run" validate:"gte=0"`

	// AudioReuseWindow is how long a retry may trust a cached audio-probe
	// result without re-probing.
	AudioReuseWindow time.Duration `koanf:"audio_reuse_window" validate:"gte=0"`

	// ExtraArgs are opaque tunables appended to the worker command line.
	ExtraArgs []string `koanf:"extra_args"`
}

// ProbeConfig configures the audio presence probe.
type ProbeConfig struct {
	Binary   string        `koanf:"binary" validate:"required"`
	Timeout  time.Duration `koanf:"timeout" validate:"gt=0"`
	Attempts int           `koanf:"attempts" validate:"min=1,max=10"`
}

// StoreConfig configures the two-tier persistent state store.
type StoreConfig struct {
	// DataDir holds the durable desired-config and the ephemeral registry.
	DataDir string `koanf:"data_dir" validate:"required"`

	// DurableDebounce coalesces durable-config writes within this window.
	DurableDebounce time.Duration `koanf:"durable_debounce" validate:"gte=0"`
}

// BootConfig configures boot/loss classification.
type BootConfig struct {
	// UptimeThreshold separates a fresh machine boot (wipe ephemeral state)
	// from recovery after connectivity loss (re-validate it).
	UptimeThreshold time.Duration `koanf:"uptime_threshold" validate:"gt=0"`

	// OrphanSweep kills untracked processes matching the worker executable
	// after a fresh-boot classification.
	OrphanSweep bool `koanf:"orphan_sweep"`
}

// MonitorConfig configures the health and resource monitor.
type MonitorConfig struct {
	HealthInterval time.Duration `koanf:"health_interval" validate:"gt=0"`
	SampleInterval time.Duration `koanf:"sample_interval" validate:"gt=0"`
	AlertHistory   int           `koanf:"alert_history" validate:"min=1,max=4096"`

	CPUWarning          float64 `koanf:"cpu_warning" validate:"gt=0,max=100"`
	CPUCritical         float64 `koanf:"cpu_critical" validate:"gt=0,max=100"`
	MemoryWarning       float64 `koanf:"memory_warning" validate:"gt=0,max=100"`
	MemoryCritical      float64 `koanf:"memory_critical" validate:"gt=0,max=100"`
	DiskWarning         float64 `koanf:"disk_warning" validate:"gt=0,max=100"`
	DiskCritical        float64 `koanf:"disk_critical" validate:"gt=0,max=100"`
	TemperatureWarning  float64 `koanf:"temperature_warning" validate:"gt=0"`
	TemperatureCritical float64 `koanf:"temperature_critical" validate:"gt=0"`
	ProcessWarning      int     `koanf:"process_warning" validate:"gt=0"`
	ProcessCritical     int     `koanf:"process_critical" validate:"gt=0"`
}

// OpsConfig configures the local operations HTTP server.
type OpsConfig struct {
	Enabled         bool          `koanf:"enabled"`
	ListenAddr      string        `koanf:"listen_addr" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"loglevel"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			URL:          "",
			ReconnectMin: 1 * time.Second,
			ReconnectMax: 30 * time.Second,
			StableGrace:  60 * time.Second,
			DedupeWindow: 512,
		},
		Worker: WorkerConfig{
			Binary:           "ffmpeg",
			RTMPBase:         "",
			StopGrace:        5 * time.Second,
			RestartBackoff:   5 * time.Second,
			MaxRetries:       3,
			StableRun:        60 * time.Second,
			AudioReuseWindow: 5 * time.Minute,
		},
		Probe: ProbeConfig{
			Binary:   "ffprobe",
			Timeout:  10 * time.Second,
			Attempts: 3,
		},
		Store: StoreConfig{
			DataDir:         "/var/lib/streamwarden",
			DurableDebounce: 2 * time.Second,
		},
		Boot: BootConfig{
			UptimeThreshold: 300 * time.Second,
			OrphanSweep:     true,
		},
		Monitor: MonitorConfig{
			HealthInterval:      30 * time.Second,
			SampleInterval:      30 * time.Second,
			AlertHistory:        128,
			CPUWarning:          80,
			CPUCritical:         95,
			MemoryWarning:       80,
			MemoryCritical:      95,
			DiskWarning:         85,
			DiskCritical:        95,
			TemperatureWarning:  75,
			TemperatureCritical: 90,
			ProcessWarning:      800,
			ProcessCritical:     1000,
		},
		Ops: OpsConfig{
			Enabled:         true,
			ListenAddr:      "127.0.0.1:9464",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
