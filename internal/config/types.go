// Package config loads the daemon configuration from YAML or JSON,
// validates it, and republishes it when the file changes on disk.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Paths     PathsConfig     `json:"paths"`
	API       APIConfig       `json:"api"`
	Engine    EngineConfig    `json:"engine"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Analyzer  AnalyzerConfig  `json:"analyzer"`
	Watchdog  WatchdogConfig  `json:"watchdog"`
}

type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

type PathsConfig struct {
	// DataDir holds the task file, usage database and status file.
	DataDir string `json:"data_dir"`
	// WorkingDir is the directory tasks organize into.
	WorkingDir string `json:"working_dir"`
	LogsDir    string `json:"logs_dir,omitempty"`
}

func (p PathsConfig) TasksFile() string  { return filepath.Join(p.DataDir, "scheduled_tasks.json") }
func (p PathsConfig) UsageDB() string    { return filepath.Join(p.DataDir, "usage.db") }
func (p PathsConfig) StatusFile() string { return filepath.Join(p.DataDir, "watchdog_status.json") }

type APIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"`
}

func (a APIConfig) ListenAddr() string {
	if strings.TrimSpace(a.Listen) == "" {
		return "127.0.0.1:8742"
	}
	return a.Listen
}

type EngineConfig struct {
	BaseURL string `json:"base_url"`
	// Timeout bounds one organize call. Empty or "0" disables it.
	Timeout      string `json:"timeout,omitempty"`
	MaxPerMinute int    `json:"max_per_minute,omitempty"`
}

type SchedulerConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
}

type AnalyzerConfig struct {
	SampleInterval string `json:"sample_interval,omitempty"`
	Retention      string `json:"retention,omitempty"`
}

type WatchdogConfig struct {
	Enabled        bool     `json:"enabled,omitempty"`
	CheckInterval  string   `json:"check_interval,omitempty"`
	MaxFailures    int      `json:"max_failures,omitempty"`
	EngineCommand  []string `json:"engine_command,omitempty"`
	EnginePort     int      `json:"engine_port,omitempty"`
	WatcherCommand []string `json:"watcher_command,omitempty"`
	WatcherMatch   string   `json:"watcher_match,omitempty"`
	NotifySystemd  bool     `json:"notify_systemd,omitempty"`
}

// Validate checks everything that can be checked without touching the
// filesystem or network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(cfg.Paths.WorkingDir) == "" {
		return errors.New("paths.working_dir is required")
	}
	if strings.TrimSpace(cfg.Engine.BaseURL) == "" {
		return errors.New("engine.base_url is required")
	}
	if cfg.Engine.MaxPerMinute < 0 {
		return errors.New("engine.max_per_minute must be >= 0")
	}
	if cfg.Watchdog.MaxFailures < 0 {
		return errors.New("watchdog.max_failures must be >= 0")
	}
	if cfg.Watchdog.EnginePort < 0 || cfg.Watchdog.EnginePort > 65535 {
		return errors.New("watchdog.engine_port out of range")
	}

	durations := []struct{ path, raw string }{
		{"engine.timeout", cfg.Engine.Timeout},
		{"scheduler.poll_interval", cfg.Scheduler.PollInterval},
		{"analyzer.sample_interval", cfg.Analyzer.SampleInterval},
		{"analyzer.retention", cfg.Analyzer.Retention},
		{"watchdog.check_interval", cfg.Watchdog.CheckInterval},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.path, d.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	return nil
}

// parseDuration interprets a duration field in Go syntax ("30s", "5m").
// Empty means unset and parses to zero. Negative values are rejected;
// the path names the field in the error.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration accessors. Validate has already rejected malformed values,
// so these only substitute defaults for unset fields.

func durationOr(path, raw string, def time.Duration) time.Duration {
	d, _ := parseDuration(path, raw)
	if d <= 0 {
		return def
	}
	return d
}

// EngineTimeout is zero when unset, which disables the deadline.
func (c *Config) EngineTimeout() time.Duration {
	d, _ := parseDuration("engine.timeout", c.Engine.Timeout)
	return d
}

func (c *Config) PollInterval() time.Duration {
	return durationOr("scheduler.poll_interval", c.Scheduler.PollInterval, 10*time.Second)
}

func (c *Config) SampleInterval() time.Duration {
	return durationOr("analyzer.sample_interval", c.Analyzer.SampleInterval, 5*time.Minute)
}

func (c *Config) Retention() time.Duration {
	return durationOr("analyzer.retention", c.Analyzer.Retention, 90*24*time.Hour)
}

func (c *Config) CheckInterval() time.Duration {
	return durationOr("watchdog.check_interval", c.Watchdog.CheckInterval, 30*time.Second)
}
