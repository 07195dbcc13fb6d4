package usage

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"tidyd/pkg/logx"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultRetention = 90 * 24 * time.Hour

	// Pause after a failed sample before trying again.
	sampleRetryDelay = time.Minute

	// Fallback recommendation when no history exists yet: 03:00.
	defaultOptimalHour   = 3
	defaultOptimalMinute = 0
)

// Options tunes the analyzer. Zero values pick the defaults above.
type Options struct {
	Interval  time.Duration
	Retention time.Duration
}

// Analyzer samples system load in the background and answers "when is
// this machine usually idle" from the accumulated history.
type Analyzer struct {
	store *Store
	log   logx.Logger

	interval  time.Duration
	retention time.Duration
	cron      *cron.Cron

	// Seams for tests.
	sample     func(ctx context.Context) (Sample, error)
	now        func() time.Time
	retryDelay time.Duration

	mu         sync.Mutex
	collecting bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	lastRead  uint64
	lastWrite uint64
	hasLastIO bool
}

func NewAnalyzer(store *Store, opts Options, log logx.Logger) *Analyzer {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Analyzer{
		store:      store,
		log:        log,
		interval:   opts.Interval,
		retention:  opts.Retention,
		now:        time.Now,
		retryDelay: sampleRetryDelay,
	}
	if a.interval <= 0 {
		a.interval = defaultInterval
	}
	if a.retention <= 0 {
		a.retention = defaultRetention
	}
	a.sample = a.readSystem
	return a
}

// StartCollecting launches the background sampling loop. Calling it
// while already collecting is a no-op.
func (a *Analyzer) StartCollecting() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.collecting {
		return
	}
	a.collecting = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	if a.cron == nil {
		a.cron = cron.New()
		_, _ = a.cron.AddFunc("30 4 * * *", a.pruneOld)
	}
	a.cron.Start()

	go a.collectLoop(a.stopCh, a.doneCh)
	a.log.Info("usage collection started", logx.Duration("interval", a.interval))
}

// StopCollecting stops the sampling loop and waits for it to exit.
// Safe to call when not collecting.
func (a *Analyzer) StopCollecting() {
	a.mu.Lock()
	if !a.collecting {
		a.mu.Unlock()
		return
	}
	a.collecting = false
	stop, done := a.stopCh, a.doneCh
	a.mu.Unlock()

	close(stop)
	<-done
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	a.log.Info("usage collection stopped")
}

func (a *Analyzer) collectLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		sm, err := a.sample(context.Background())
		wait := a.interval
		if err != nil {
			a.log.Warn("usage sample failed", logx.Err(err))
			wait = a.retryDelay
		} else if err := a.store.Insert(context.Background(), sm); err != nil {
			a.log.Warn("usage insert failed", logx.Err(err))
			wait = a.retryDelay
		}

		select {
		case <-stop:
			return
		case <-time.After(wait):
		}
	}
}

// readSystem takes one reading from the host. Disk IO is expressed as a
// rough percentage: MB moved since the previous reading, doubled, capped
// at 100.
func (a *Analyzer) readSystem(ctx context.Context) (Sample, error) {
	pct, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return Sample{}, err
	}
	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}

	ioPct := 0.0
	counters, err := disk.IOCountersWithContext(ctx)
	if err == nil {
		var read, write uint64
		for _, c := range counters {
			read += c.ReadBytes
			write += c.WriteBytes
		}
		if a.hasLastIO && read >= a.lastRead && write >= a.lastWrite {
			moved := float64((read-a.lastRead)+(write-a.lastWrite)) / (1024 * 1024)
			ioPct = min(100, moved*2)
		}
		a.lastRead, a.lastWrite, a.hasLastIO = read, write, true
	}

	return Sample{
		At:            a.now(),
		CPUPercent:    cpuPct,
		MemoryPercent: vm.UsedPercent,
		DiskIOPercent: ioPct,
	}, nil
}

func (a *Analyzer) pruneOld() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := a.store.Prune(ctx, a.now().Add(-a.retention))
	if err != nil {
		a.log.Warn("usage prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Debug("usage samples pruned", logx.Int64("removed", n))
	}
}

// FindOptimalTime recommends an (hour, minute) for running work against
// the given path, picking the historically quietest slot on the current
// weekday. requiredResources is reserved for weighting but any history
// at all beats the static default, so it currently only gates on data
// presence. With no history it returns 03:00.
func (a *Analyzer) FindOptimalTime(ctx context.Context, path string, requiredResources int) (int, int) {
	day := mondayWeekday(a.now())
	slots, err := a.store.QuietestSlots(ctx, day)
	if err != nil {
		a.log.Warn("optimal time lookup failed", logx.Err(err), logx.String("path", path))
		return defaultOptimalHour, defaultOptimalMinute
	}
	if len(slots) == 0 {
		return defaultOptimalHour, defaultOptimalMinute
	}
	return slots[0].Hour, slots[0].Minute
}

// Report returns average combined load per weekday and hour, keyed by
// day name for human consumption.
func (a *Analyzer) Report(ctx context.Context) (map[string]map[int]float64, error) {
	byDay, err := a.store.HourlyLoad(ctx)
	if err != nil {
		return nil, err
	}
	names := []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
	report := make(map[string]map[int]float64, len(names))
	for i, name := range names {
		hours := byDay[i]
		if hours == nil {
			hours = map[int]float64{}
		}
		report[name] = hours
	}
	return report, nil
}
