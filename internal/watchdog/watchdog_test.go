package watchdog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tidyd/pkg/logx"
)

type fakeProbe struct {
	ports   map[int]bool
	matches map[string]bool
	paths   map[string]bool
	stores  map[string]bool
}

func (f *fakeProbe) portInUse(port int) bool          { return f.ports[port] }
func (f *fakeProbe) processMatches(pat string) bool   { return f.matches[pat] }
func (f *fakeProbe) pathAccessible(path string) bool  { return f.paths[path] }
func (f *fakeProbe) storeAccessible(path string) bool { return f.stores[path] }

type fakeLauncher struct {
	startCalls   []string
	stopAllCalls int
	alive        map[string]bool
}

func (f *fakeLauncher) start(ctx context.Context, name string, cmd []string) error {
	f.startCalls = append(f.startCalls, name)
	return nil
}
func (f *fakeLauncher) stop(name string)         { delete(f.alive, name) }
func (f *fakeLauncher) stopAll()                 { f.stopAllCalls++; f.alive = map[string]bool{} }
func (f *fakeLauncher) running(name string) bool { return f.alive[name] }

func newTestWatchdog(t *testing.T, cfg Config, probe prober) (*Watchdog, *fakeLauncher) {
	t.Helper()
	w := New(cfg, logx.Nop())
	launcher := &fakeLauncher{alive: map[string]bool{}}
	w.probe = probe
	w.procs = launcher
	w.now = func() time.Time { return time.Date(2025, time.January, 7, 12, 0, 0, 0, time.UTC) }
	w.sdNotify = func(string) (bool, error) { return true, nil }
	return w, launcher
}

func healthyProbe(cfg Config) *fakeProbe {
	p := &fakeProbe{
		ports:   map[int]bool{cfg.Engine.Port: true},
		matches: map[string]bool{cfg.Watcher.Match: true},
		paths:   map[string]bool{cfg.WorkingDir: true},
		stores:  map[string]bool{},
	}
	for _, sp := range cfg.StoragePaths {
		p.stores[sp] = true
	}
	return p
}

func baseConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		StatusFile:   filepath.Join(dir, "watchdog_status.json"),
		WorkingDir:   dir,
		StoragePaths: []string{filepath.Join(dir, "tasks.json")},
		Engine:       ServiceSpec{Port: 8000, Command: []string{"engined"}},
		Watcher:      ServiceSpec{Match: "tidyd-watch", Command: []string{"tidyd-watch"}},
	}
}

func TestHealthyCycleWritesStatusAndClearsFailures(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t)
	w, _ := newTestWatchdog(t, cfg, healthyProbe(cfg))
	w.failures = 3

	w.cycle(context.Background())

	if w.failures != 0 {
		t.Fatalf("failures = %d, want 0 after healthy check", w.failures)
	}
	st, ok := w.LastStatus()
	if !ok || !st.SystemHealthy {
		t.Fatalf("LastStatus = %+v ok=%v", st, ok)
	}

	b, err := os.ReadFile(cfg.StatusFile)
	if err != nil {
		t.Fatalf("status file: %v", err)
	}
	var onDisk HealthStatus
	if err := json.Unmarshal(b, &onDisk); err != nil {
		t.Fatalf("status json: %v", err)
	}
	if !onDisk.SystemHealthy || !onDisk.APIServer || !onDisk.FileWatcher {
		t.Fatalf("unexpected persisted status: %+v", onDisk)
	}
}

func TestUnhealthyCycleRestartsServices(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t)
	probe := healthyProbe(cfg)
	probe.ports[cfg.Engine.Port] = false // engine gone
	w, launcher := newTestWatchdog(t, cfg, probe)

	w.cycle(context.Background())

	if w.failures != 1 {
		t.Fatalf("failures = %d, want 1", w.failures)
	}
	if launcher.stopAllCalls != 0 {
		t.Fatalf("stopAll called %d times below the threshold, want 0", launcher.stopAllCalls)
	}
	// Only the unhealthy service is relaunched; the watcher still
	// matches a running process.
	if len(launcher.startCalls) != 1 || launcher.startCalls[0] != svcEngine {
		t.Fatalf("startCalls = %v, want [engine]", launcher.startCalls)
	}
}

func TestFifthFailureTriggersFullReset(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t)
	resetDir := filepath.Join(t.TempDir(), "logs")
	cfg.EnsureDirs = []string{resetDir}
	reinits := 0
	cfg.ReinitStorage = func() error { reinits++; return nil }

	probe := healthyProbe(cfg)
	probe.ports[cfg.Engine.Port] = false
	w, launcher := newTestWatchdog(t, cfg, probe)

	// ensurePaths only runs at startup and during a full reset, so a
	// missing dir after four failures proves no reset happened yet.
	for i := 0; i < 4; i++ {
		w.cycle(context.Background())
	}
	if reinits != 0 {
		t.Fatalf("storage reinitialized after %d failures", w.failures)
	}
	if _, err := os.Stat(resetDir); !os.IsNotExist(err) {
		t.Fatal("ensure dirs recreated before the threshold")
	}

	w.cycle(context.Background())

	if w.failures != 5 {
		t.Fatalf("failures = %d, want 5", w.failures)
	}
	if reinits != 1 {
		t.Fatalf("reinits = %d, want 1", reinits)
	}
	if _, err := os.Stat(resetDir); err != nil {
		t.Fatalf("ensure dir not recreated on full reset: %v", err)
	}
	if launcher.stopAllCalls != 1 {
		t.Fatalf("stopAll called %d times, want 1 (full reset only)", launcher.stopAllCalls)
	}

	// Recovery on the next healthy check clears the counter.
	probe.ports[cfg.Engine.Port] = true
	w.cycle(context.Background())
	if w.failures != 0 {
		t.Fatalf("failures = %d after recovery, want 0", w.failures)
	}
}

func TestCheckReportsEachProbe(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t)
	probe := healthyProbe(cfg)
	probe.stores[cfg.StoragePaths[0]] = false
	w, _ := newTestWatchdog(t, cfg, probe)

	st := w.check()
	if st.SystemHealthy {
		t.Fatal("system healthy with inaccessible storage")
	}
	if !st.APIServer || !st.FileWatcher || !st.WorkingDirectory || st.Storage {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestStoreAccessible(t *testing.T) {
	t.Parallel()
	p := newSystemProber()
	dir := t.TempDir()

	existing := filepath.Join(dir, "usage.db")
	if err := os.WriteFile(existing, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !p.storeAccessible(existing) {
		t.Fatal("existing file reported unusable")
	}

	// A store that has not been written yet is fine while its parent
	// directory exists.
	if !p.storeAccessible(filepath.Join(dir, "scheduled_tasks.json")) {
		t.Fatal("missing file with writable parent reported unusable")
	}

	if p.storeAccessible(filepath.Join(dir, "gone", "tasks.json")) {
		t.Fatal("missing parent directory reported usable")
	}
	if p.storeAccessible("") {
		t.Fatal("empty path reported usable")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t)
	cfg.CheckInterval = 5 * time.Millisecond
	w, launcher := newTestWatchdog(t, cfg, healthyProbe(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err == nil {
		t.Fatal("Run should return the context error")
	}
	if launcher.stopAllCalls == 0 {
		t.Fatal("Run exited without stopping services")
	}
}
