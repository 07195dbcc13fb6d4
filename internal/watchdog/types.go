// Package watchdog keeps the organize engine and file watcher alive.
// It probes their health on a fixed interval, restarts them after a
// failed check, and falls back to a full reset once failures pile up.
package watchdog

import "time"

// HealthStatus is one health check snapshot. It is persisted as JSON so
// dashboards can read the latest state without talking to the daemon.
type HealthStatus struct {
	Timestamp        time.Time `json:"timestamp"`
	SystemHealthy    bool      `json:"system_healthy"`
	APIServer        bool      `json:"api_server"`
	FileWatcher      bool      `json:"file_watcher"`
	Storage          bool      `json:"storage_accessible"`
	WorkingDirectory bool      `json:"working_directory_accessible"`
}

// ServiceSpec describes one supervised external process.
type ServiceSpec struct {
	// Command launches the process. Empty means the watchdog only
	// observes; something else is responsible for starting it.
	Command []string
	// Port, when non-zero, marks the service healthy if anything is
	// listening on it locally. Covers instances started out-of-band.
	Port int
	// Match marks the service healthy if a running process's command
	// line contains this substring.
	Match string
}

type Config struct {
	// CheckInterval is the pause between health checks. Default 30s.
	CheckInterval time.Duration
	// MaxFailures is the consecutive-failure count that escalates a
	// plain restart into a full reset. Default 5.
	MaxFailures int

	// StatusFile receives the latest HealthStatus as JSON.
	StatusFile string
	// WorkingDir is the directory tasks organize into; it must stay
	// readable for the system to count as healthy.
	WorkingDir string
	// StoragePaths are data files that must stay usable, such as the
	// task file and usage database. A file not created yet passes the
	// check as long as its parent directory exists.
	StoragePaths []string
	// EnsureDirs are recreated during startup and full reset.
	EnsureDirs []string

	Engine  ServiceSpec
	Watcher ServiceSpec

	// ReinitStorage rebuilds missing storage during a full reset.
	ReinitStorage func() error

	// NotifySystemd pings the systemd watchdog after each check.
	NotifySystemd bool
}
