package watchdog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tidyd/pkg/logx"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultMaxFailures   = 5

	svcEngine  = "engine"
	svcWatcher = "watcher"
)

// Watchdog runs the periodic health check loop.
type Watchdog struct {
	cfg   Config
	log   logx.Logger
	probe prober
	procs launcher

	failures int

	mu   sync.Mutex
	last HealthStatus

	// Seams for tests.
	now      func() time.Time
	sdNotify func(string) (bool, error)
}

func New(cfg Config, log logx.Logger) *Watchdog {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watchdog{
		cfg:      cfg,
		log:      log,
		probe:    newSystemProber(),
		procs:    newProcLauncher(log),
		now:      time.Now,
		sdNotify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

// LastStatus returns the most recent health snapshot. ok is false until
// the first check completes.
func (w *Watchdog) LastStatus() (HealthStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, !w.last.Timestamp.IsZero()
}

// SetCheckInterval changes the cycle cadence; the new value takes
// effect after the current wait. Non-positive values are ignored.
func (w *Watchdog) SetCheckInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	w.cfg.CheckInterval = d
	w.mu.Unlock()
}

func (w *Watchdog) checkInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.CheckInterval
}

// Run drives the check loop until ctx is cancelled, then stops the
// supervised processes.
func (w *Watchdog) Run(ctx context.Context) error {
	w.ensurePaths()
	w.startServices(ctx)
	defer w.procs.stopAll()

	// First check immediately, then on the interval.
	w.cycle(ctx)

	timer := time.NewTimer(w.checkInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watchdog shutting down")
			return ctx.Err()
		case <-timer.C:
			w.cycle(ctx)
			timer.Reset(w.checkInterval())
		}
	}
}

// cycle is one health check plus the resulting action. A healthy check
// clears the failure counter; an unhealthy one heals.
func (w *Watchdog) cycle(ctx context.Context) {
	st := w.check()

	w.mu.Lock()
	w.last = st
	w.mu.Unlock()
	w.writeStatus(st)

	if w.cfg.NotifySystemd {
		_, _ = w.sdNotify(daemon.SdNotifyWatchdog)
	}

	if st.SystemHealthy {
		if w.failures > 0 {
			w.log.Info("system recovered", logx.Int("after_failures", w.failures))
		}
		w.failures = 0
		return
	}
	w.heal(ctx)
}

func (w *Watchdog) check() HealthStatus {
	st := HealthStatus{
		Timestamp:        w.now(),
		APIServer:        w.serviceHealthy(svcEngine, w.cfg.Engine),
		FileWatcher:      w.serviceHealthy(svcWatcher, w.cfg.Watcher),
		Storage:          w.storageHealthy(),
		WorkingDirectory: w.probe.pathAccessible(w.cfg.WorkingDir),
	}
	st.SystemHealthy = st.APIServer && st.FileWatcher && st.Storage && st.WorkingDirectory

	ev := w.log.Info
	if !st.SystemHealthy {
		ev = w.log.Error
	}
	ev("health check",
		logx.Bool("healthy", st.SystemHealthy),
		logx.Bool("api_server", st.APIServer),
		logx.Bool("file_watcher", st.FileWatcher),
		logx.Bool("storage", st.Storage),
		logx.Bool("working_dir", st.WorkingDirectory),
	)
	return st
}

func (w *Watchdog) serviceHealthy(name string, spec ServiceSpec) bool {
	if w.procs.running(name) {
		return true
	}
	if spec.Port > 0 && w.probe.portInUse(spec.Port) {
		return true
	}
	return w.probe.processMatches(spec.Match)
}

func (w *Watchdog) storageHealthy() bool {
	for _, p := range w.cfg.StoragePaths {
		if !w.probe.storeAccessible(p) {
			return false
		}
	}
	return true
}

// heal restarts the supervised services. Once failures reach the
// threshold it performs a full reset instead: everything stopped,
// directories recreated, storage reinitialized, services relaunched.
// The counter clears only on a later healthy check.
func (w *Watchdog) heal(ctx context.Context) {
	w.failures++

	if w.failures >= w.cfg.MaxFailures {
		w.log.Warn("failure threshold reached, performing full reset", logx.Int("failures", w.failures))
		w.procs.stopAll()
		w.ensurePaths()
		if w.cfg.ReinitStorage != nil {
			if err := w.cfg.ReinitStorage(); err != nil {
				w.log.Error("storage reinit failed", logx.Err(err))
			}
		}
		w.startServices(ctx)
		return
	}

	w.log.Warn("restarting failed services", logx.Int("failures", w.failures), logx.Int("threshold", w.cfg.MaxFailures))
	for _, s := range []struct {
		name string
		spec ServiceSpec
	}{{svcEngine, w.cfg.Engine}, {svcWatcher, w.cfg.Watcher}} {
		if len(s.spec.Command) == 0 || w.serviceHealthy(s.name, s.spec) {
			continue
		}
		w.procs.stop(s.name)
		if err := w.procs.start(ctx, s.name, s.spec.Command); err != nil {
			w.log.Error("service restart failed", logx.String("service", s.name), logx.Err(err))
		}
	}
}

func (w *Watchdog) startServices(ctx context.Context) {
	specs := []struct {
		name string
		spec ServiceSpec
	}{
		{svcEngine, w.cfg.Engine},
		{svcWatcher, w.cfg.Watcher},
	}
	for _, s := range specs {
		if len(s.spec.Command) == 0 {
			continue
		}
		if w.serviceHealthy(s.name, s.spec) {
			continue
		}
		if err := w.procs.start(ctx, s.name, s.spec.Command); err != nil {
			w.log.Error("service start failed", logx.String("service", s.name), logx.Err(err))
		}
	}
}

func (w *Watchdog) ensurePaths() {
	for _, dir := range w.cfg.EnsureDirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.log.Error("create directory failed", logx.String("dir", dir), logx.Err(err))
		}
	}
}

// writeStatus persists the snapshot atomically next to the data files.
func (w *Watchdog) writeStatus(st HealthStatus) {
	if w.cfg.StatusFile == "" {
		return
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		w.log.Error("encode health status failed", logx.Err(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(w.cfg.StatusFile), 0o755); err != nil {
		w.log.Error("status dir failed", logx.Err(err))
		return
	}
	tmp := w.cfg.StatusFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		w.log.Error("write health status failed", logx.Err(err))
		return
	}
	if err := os.Rename(tmp, w.cfg.StatusFile); err != nil {
		w.log.Error("replace health status failed", logx.Err(err))
	}
}
