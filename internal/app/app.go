// Package app wires the daemon together: config, logging, storage,
// scheduler, analyzer, watchdog and the HTTP API.
package app

import (
	"context"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tidyd/internal/api"
	"tidyd/internal/config"
	"tidyd/internal/engine"
	"tidyd/internal/runtime/supervisor"
	"tidyd/internal/scheduler"
	"tidyd/internal/task"
	"tidyd/internal/usage"
	"tidyd/internal/watchdog"
	"tidyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	tasks    *task.Store
	usageDB  *usage.Store
	analyzer *usage.Analyzer
	eng      *engine.Client
	sched    *scheduler.Service
	wd       *watchdog.Watchdog
	srv      *api.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
	})
	log = log.With(logx.String("comp", "app"))

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		logSvc.Close()
		return nil, err
	}

	tasks := task.NewStore(cfg.Paths.TasksFile(), log.With(logx.String("comp", "taskstore")))

	usageDB, err := usage.OpenStore(cfg.Paths.UsageDB(), time.Second, log.With(logx.String("comp", "usage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	analyzer := usage.NewAnalyzer(usageDB, usage.Options{
		Interval:  cfg.SampleInterval(),
		Retention: cfg.Retention(),
	}, log.With(logx.String("comp", "analyzer")))

	eng, err := engine.NewClient(engine.Config{
		BaseURL:      cfg.Engine.BaseURL,
		Timeout:      cfg.EngineTimeout(),
		MaxPerMinute: cfg.Engine.MaxPerMinute,
	}, log.With(logx.String("comp", "engine")))
	if err != nil {
		_ = usageDB.Close()
		logSvc.Close()
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		PollInterval: cfg.PollInterval(),
	}, tasks, analyzer, eng, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		tasks:    tasks,
		usageDB:  usageDB,
		analyzer: analyzer,
		eng:      eng,
		sched:    sched,
	}

	if cfg.Watchdog.Enabled {
		a.wd = watchdog.New(watchdog.Config{
			CheckInterval: cfg.CheckInterval(),
			MaxFailures:   cfg.Watchdog.MaxFailures,
			StatusFile:    cfg.Paths.StatusFile(),
			WorkingDir:    cfg.Paths.WorkingDir,
			StoragePaths:  []string{cfg.Paths.TasksFile(), cfg.Paths.UsageDB()},
			EnsureDirs:    []string{cfg.Paths.DataDir, cfg.Paths.WorkingDir, cfg.Paths.LogsDir},
			Engine: watchdog.ServiceSpec{
				Command: cfg.Watchdog.EngineCommand,
				Port:    cfg.Watchdog.EnginePort,
			},
			Watcher: watchdog.ServiceSpec{
				Command: cfg.Watchdog.WatcherCommand,
				Match:   cfg.Watchdog.WatcherMatch,
			},
			ReinitStorage: a.reinitStorage,
			NotifySystemd: cfg.Watchdog.NotifySystemd,
		}, log.With(logx.String("comp", "watchdog")))
	}

	if cfg.API.Enabled {
		var wd api.WatchdogStatus
		if a.wd != nil {
			wd = a.wd
		}
		a.srv = api.NewServer(cfg.API.ListenAddr(), sched, analyzer, wd, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

// reinitStorage recreates the usage database schema if the file went
// missing. Called by the watchdog during a full reset.
func (a *App) reinitStorage() error {
	cfg := a.cfgm.Get()
	if _, err := os.Stat(cfg.Paths.UsageDB()); err == nil {
		return nil
	}
	st, err := usage.OpenStore(cfg.Paths.UsageDB(), time.Second, a.log)
	if err != nil {
		return err
	}
	return st.Close()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.sup.GoRestart("scheduler.run", func(c context.Context) error {
		return a.sched.Run(c)
	})

	if a.wd != nil {
		a.sup.GoRestart("watchdog.run", func(c context.Context) error {
			return a.wd.Run(c)
		})
	}

	if a.srv != nil {
		a.sup.Go("api.serve", func(c context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- a.srv.ListenAndServe() }()
			select {
			case err := <-errCh:
				return err
			case <-c.Done():
				shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				return a.srv.Shutdown(shCtx)
			}
		})
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// applyConfig applies what can change at runtime: logging and the loop
// intervals. Structural settings need a restart and are flagged.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
	})
	a.sched.SetPollInterval(cfg.PollInterval())
	if a.wd != nil {
		a.wd.SetCheckInterval(cfg.CheckInterval())
	}
	a.log.Info("config reloaded")
	a.log.Warn("engine, api and path settings apply on restart")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err := a.sup.Stop(ctx); err != nil {
		a.log.Warn("shutdown incomplete", logx.Err(err))
	}

	if err := a.usageDB.Close(); err != nil {
		a.log.Warn("usage db close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// Scheduler exposes the task service for CLI subcommands.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Analyzer exposes the usage analyzer for CLI subcommands.
func (a *App) Analyzer() *usage.Analyzer { return a.analyzer }
