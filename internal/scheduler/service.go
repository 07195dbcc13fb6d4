// Package scheduler owns the task collection and the polling loop that
// fires organization runs when tasks come due.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tidyd/internal/engine"
	"tidyd/internal/task"
	"tidyd/pkg/logx"
)

var ErrNotFound = errors.New("task not found")

const defaultPollInterval = 10 * time.Second

// Engine runs one organization pass. Satisfied by *engine.Client.
type Engine interface {
	Organize(ctx context.Context, r engine.Request) (engine.Result, error)
}

// Recommender supplies idle-time recommendations and is kept sampling
// while the scheduler runs. Satisfied by *usage.Analyzer.
type Recommender interface {
	FindOptimalTime(ctx context.Context, path string, requiredResources int) (hour, minute int)
	StartCollecting()
	StopCollecting()
}

type Config struct {
	PollInterval time.Duration
}

// Service keeps all tasks in memory and writes every mutation through
// to the task store. The mutex is never held across an engine call.
type Service struct {
	cfg   Config
	store *task.Store
	rec   Recommender
	eng   Engine
	log   logx.Logger

	mu       sync.Mutex
	tasks    map[string]task.Task
	prevTick time.Time

	now func() time.Time
}

// New loads the persisted tasks. An unreadable or corrupt task file is
// logged and the service starts empty rather than refusing to run.
func New(cfg Config, store *task.Store, rec Recommender, eng Engine, log logx.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	loaded, err := store.Load()
	if err != nil {
		log.Warn("task store unreadable, starting empty", logx.String("path", store.Path()), logx.Err(err))
		loaded = nil
	}
	tasks := make(map[string]task.Task, len(loaded))
	for _, t := range loaded {
		tasks[t.ID] = t
	}

	return &Service{
		cfg:   cfg,
		store: store,
		rec:   rec,
		eng:   eng,
		log:   log,
		tasks: tasks,
		now:   time.Now,
	}
}

// Add validates and stores a task, assigning an ID when the caller did
// not. Adaptive tasks are resolved into daily tasks anchored at the
// analyzer's recommended quiet slot.
func (s *Service) Add(ctx context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		t.ID = task.NewID()
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	if t.Policy == task.PolicyAdaptive {
		t = s.resolveAdaptive(ctx, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.ID)
		return task.Task{}, err
	}
	s.log.Info("task added", logx.String("id", t.ID), logx.String("name", t.Name), logx.String("policy", string(t.Policy)))
	return t, nil
}

// resolveAdaptive freezes an adaptive task into a daily one at the
// current optimal time. The recommendation is taken once, at creation.
func (s *Service) resolveAdaptive(ctx context.Context, t task.Task) task.Task {
	hour, minute := 3, 0
	if s.rec != nil {
		hour, minute = s.rec.FindOptimalTime(ctx, t.TargetPath, t.ResourceLimit)
	}
	now := s.now()
	anchor := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if anchor.Before(now) {
		anchor = anchor.AddDate(0, 0, 1)
	}

	t.Policy = task.PolicyDaily
	t.AnchorTime = anchor
	if t.ResourceLimit == 0 {
		t.ResourceLimit = 30
	}
	if t.Priority == 0 {
		t.Priority = 1
	}
	return t
}

// Update replaces an existing task wholesale. The run history is not
// editable: an update without a LastRun keeps the stored one, and
// LastRun never moves backward.
func (s *Service) Update(t task.Task) (task.Task, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tasks[t.ID]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	if prev.LastRun != nil && (t.LastRun == nil || t.LastRun.Before(*prev.LastRun)) {
		t.LastRun = prev.LastRun
	}
	s.tasks[t.ID] = t
	if err := s.persistLocked(); err != nil {
		s.tasks[t.ID] = prev
		return task.Task{}, err
	}
	s.log.Info("task updated", logx.String("id", t.ID), logx.String("name", t.Name))
	return t, nil
}

func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = prev
		return err
	}
	s.log.Info("task removed", logx.String("id", id), logx.String("name", prev.Name))
	return nil
}

func (s *Service) Get(id string) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// List returns all tasks, highest priority first, name as tiebreaker.
func (s *Service) List() []task.Task {
	s.mu.Lock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()

	sortTasks(out)
	return out
}

// Upcoming lists the next scheduled runs, soonest first. limit <= 0
// means 5.
type Upcoming struct {
	Task    task.Task
	NextRun time.Time
}

func (s *Service) Upcoming(limit int) []Upcoming {
	if limit <= 0 {
		limit = 5
	}
	now := s.now()

	s.mu.Lock()
	var ups []Upcoming
	for _, t := range s.tasks {
		t := t
		if next, ok := t.NextRun(now); ok {
			ups = append(ups, Upcoming{Task: t, NextRun: next})
		}
	}
	s.mu.Unlock()

	sort.Slice(ups, func(i, j int) bool {
		if !ups[i].NextRun.Equal(ups[j].NextRun) {
			return ups[i].NextRun.Before(ups[j].NextRun)
		}
		return ups[i].Task.ID < ups[j].Task.ID
	})
	if len(ups) > limit {
		ups = ups[:limit]
	}
	return ups
}

// RunNow executes a task immediately, ignoring its schedule.
func (s *Service) RunNow(ctx context.Context, id string) error {
	t, ok := s.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.execute(ctx, t)
}

// SetPollInterval changes the loop cadence; the new value takes effect
// after the current wait. Non-positive values are ignored.
func (s *Service) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.PollInterval = d
	s.mu.Unlock()
}

func (s *Service) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PollInterval
}

// Run drives the polling loop until ctx is cancelled. It keeps the
// analyzer collecting for the duration.
func (s *Service) Run(ctx context.Context) error {
	if s.rec != nil {
		s.rec.StartCollecting()
		defer s.rec.StopCollecting()
	}

	s.mu.Lock()
	s.prevTick = s.now()
	s.mu.Unlock()

	timer := time.NewTimer(s.pollInterval())
	defer timer.Stop()

	s.log.Info("scheduler running", logx.Duration("poll_interval", s.pollInterval()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.pollInterval())
		}
	}
}

// tick fires every task whose next run fell inside the window since the
// previous tick. Due-ness is judged against the window, not a single
// instant, so a run is never missed between polls.
func (s *Service) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	asOf := s.prevTick
	if asOf.IsZero() {
		asOf = now.Add(-s.cfg.PollInterval)
	}
	s.prevTick = now

	var due []task.Task
	for _, t := range s.tasks {
		t := t
		if t.Due(asOf, now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	// Serial, in stable ID order. Priority is informational and does not
	// reorder execution.
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		// A stop between ticks must not abort an execution already in
		// flight, so the engine call outlives ctx cancellation.
		_ = s.execute(context.WithoutCancel(ctx), t)
	}
}

func (s *Service) execute(ctx context.Context, t task.Task) error {
	s.log.Info("executing task", logx.String("id", t.ID), logx.String("name", t.Name), logx.String("path", t.TargetPath))

	res, err := s.eng.Organize(ctx, engine.Request{
		TargetPath:    t.TargetPath,
		Instruction:   t.Instruction,
		ResourceLimit: t.ResourceLimit,
	})
	if err != nil {
		s.log.Warn("task failed", logx.String("id", t.ID), logx.String("name", t.Name), logx.Err(err))
		return err
	}

	ranAt := s.now()
	s.mu.Lock()
	if cur, ok := s.tasks[t.ID]; ok {
		cur.MarkRan(ranAt)
		s.tasks[t.ID] = cur
		if perr := s.persistLocked(); perr != nil {
			s.log.Warn("persist after run failed", logx.String("id", t.ID), logx.Err(perr))
		}
	}
	s.mu.Unlock()

	s.log.Info("task finished", logx.String("id", t.ID), logx.String("name", t.Name), logx.Int("files_moved", res.FilesMoved))
	return nil
}

// persistLocked writes the full task list through to disk. Caller holds
// s.mu.
func (s *Service) persistLocked() error {
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return s.store.Save(out)
}

func sortTasks(ts []task.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority > ts[j].Priority
		}
		if ts[i].Name != ts[j].Name {
			return ts[i].Name < ts[j].Name
		}
		return ts[i].ID < ts[j].ID
	})
}
