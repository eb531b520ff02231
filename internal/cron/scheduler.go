package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/internal/sessions"
	"github.com/tradewire/tradewire/pkg/models"
)

const (
	DefaultTickInterval  = 10 * time.Second
	DefaultMaxConcurrent = 3
	DefaultRunTimeout    = 10 * time.Minute

	maxRunOutput = 16 * 1024
)

// TurnRunner runs one agent turn to completion. *agent.Engine satisfies it.
type TurnRunner interface {
	RunSync(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// DeliverFunc pushes an announced run's output to its target.
type DeliverFunc func(ctx context.Context, target, text string) error

// Config tunes the scheduler.
type Config struct {
	Enabled           bool
	MaxConcurrentRuns int
	TickInterval      time.Duration
	HistoryLimit      int
}

// Scheduler owns the job table, fires due jobs under a concurrency
// ceiling, and records every run in the store.
type Scheduler struct {
	cfg     Config
	store   *Store
	turns   TurnRunner
	keys    *sessions.KeyBuilder
	deliver DeliverFunc
	wake    func(text string)
	onEvent func(*Event)
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[string]string // jobID -> run ID

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l.With("component", "cron") }
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFunc = now }
}

// WithOnEvent registers an observer for run start/complete events.
func WithOnEvent(fn func(*Event)) Option {
	return func(s *Scheduler) { s.onEvent = fn }
}

// WithWake installs the queue for next-heartbeat jobs. Without it,
// such jobs fail when they fire.
func WithWake(fn func(text string)) Option {
	return func(s *Scheduler) { s.wake = fn }
}

// NewScheduler loads persisted jobs and recovers runs a previous process
// left in flight.
func NewScheduler(cfg Config, store *Store, turns TurnRunner, keys *sessions.KeyBuilder, deliver DeliverFunc, opts ...Option) (*Scheduler, error) {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrent
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		turns:   turns,
		keys:    keys,
		deliver: deliver,
		logger:  slog.Default().With("component", "cron"),
		nowFunc: time.Now,
		jobs:    make(map[string]*Job),
		running: make(map[string]string),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	recovered, err := store.RecoverStale(s.nowFunc())
	if err != nil {
		return nil, fmt.Errorf("recover stale runs: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("marked interrupted runs failed", "count", recovered)
	}

	jobs, err := store.LoadJobs()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return s, nil
}

// Start launches the tick loop. A disabled scheduler still serves the
// job table for manual runs; it just never fires on its own.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Add validates and persists a new job. An "at" schedule implies
// DeleteAfterRun.
func (s *Scheduler) Add(job *Job) error {
	if strings.TrimSpace(job.Prompt) == "" {
		return errors.New("job prompt required")
	}
	switch job.SessionTarget {
	case "":
		job.SessionTarget = TargetIsolated
	case TargetMain, TargetIsolated:
	default:
		return fmt.Errorf("invalid session target %q", job.SessionTarget)
	}
	switch job.WakeMode {
	case "":
		job.WakeMode = WakeNow
	case WakeNow, WakeNextHeartbeat:
	default:
		return fmt.Errorf("invalid wake mode %q", job.WakeMode)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Sched.Kind == "at" {
		job.DeleteAfterRun = true
	}

	now := s.nowFunc()
	job.CreatedAt = now
	job.UpdatedAt = now
	next, ok, err := job.Sched.Next(now)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("schedule yields no run")
	}
	job.NextRun = next

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job
	s.mu.Unlock()

	return s.persist()
}

// Update applies fn to a copy of the job, revalidates the schedule, and
// persists the result. The next run is recomputed from now when fn
// changed the schedule.
func (s *Scheduler) Update(id string, fn func(*Job) error) (*Job, error) {
	now := s.nowFunc()
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	updated := *job
	if err := fn(&updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if strings.TrimSpace(updated.Prompt) == "" {
		s.mu.Unlock()
		return nil, errors.New("job prompt required")
	}
	updated.ID = job.ID
	updated.CreatedAt = job.CreatedAt
	updated.UpdatedAt = now
	if updated.Sched != job.Sched {
		next, ok2, err := updated.Sched.Next(now)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if !ok2 {
			s.mu.Unlock()
			return nil, errors.New("schedule yields no run")
		}
		updated.NextRun = next
		if updated.Sched.Kind == "at" {
			updated.DeleteAfterRun = true
		}
	}
	s.jobs[id] = &updated
	cp := updated
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Remove deletes a job. Its run history file stays behind for the record.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	s.mu.Unlock()
	return s.persist()
}

// SetEnabled toggles a job without touching its schedule state.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.Enabled = enabled
	job.UpdatedAt = s.nowFunc()
	s.mu.Unlock()
	return s.persist()
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	cp := *job
	return &cp, nil
}

// List returns all jobs ordered by next run, soonest first; jobs with no
// next run sort last by ID.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.NextRun.IsZero() && b.NextRun.IsZero():
			return a.ID < b.ID
		case a.NextRun.IsZero():
			return false
		case b.NextRun.IsZero():
			return true
		case !a.NextRun.Equal(b.NextRun):
			return a.NextRun.Before(b.NextRun)
		default:
			return a.ID < b.ID
		}
	})
	return out
}

// Runs returns a job's history, newest first.
func (s *Scheduler) Runs(id string, limit int) ([]*Run, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.store.Runs(id, limit)
}

// RunNow triggers a job manually. With force, the job runs regardless of
// its schedule; without, an undue job yields a skipped run. A job already
// running yields a skipped run either way.
func (s *Scheduler) RunNow(ctx context.Context, id string, force bool) (*Run, error) {
	now := s.nowFunc()
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if _, inFlight := s.running[id]; inFlight {
		s.mu.Unlock()
		return s.recordSkip(job.ID, now, "already running")
	}
	if !force && (job.NextRun.IsZero() || now.Before(job.NextRun)) {
		s.mu.Unlock()
		return s.recordSkip(job.ID, now, "not due")
	}
	runID := uuid.NewString()
	s.running[id] = runID
	s.mu.Unlock()

	run := s.execute(ctx, job, runID, now)
	return run, nil
}

// tick dispatches due jobs, soonest next-run first, leaving room under
// the concurrency ceiling. At most one run per job is ever in flight.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.nowFunc()

	s.mu.Lock()
	capacity := s.cfg.MaxConcurrentRuns - len(s.running)
	if capacity <= 0 {
		s.mu.Unlock()
		return
	}
	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		if _, inFlight := s.running[job.ID]; inFlight {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRun.Equal(due[j].NextRun) {
			return due[i].NextRun.Before(due[j].NextRun)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > capacity {
		due = due[:capacity]
	}
	for _, job := range due {
		s.running[job.ID] = uuid.NewString()
	}
	s.mu.Unlock()

	for _, job := range due {
		s.mu.Lock()
		runID := s.running[job.ID]
		s.mu.Unlock()
		s.wg.Add(1)
		go func(job *Job, runID string) {
			defer s.wg.Done()
			s.execute(ctx, job, runID, now)
		}(job, runID)
	}
}

// execute performs one run end to end: record start, run the turn,
// deliver if announced, record the outcome, and advance the schedule.
func (s *Scheduler) execute(ctx context.Context, job *Job, runID string, startedAt time.Time) *Run {
	run := &Run{
		ID:        runID,
		JobID:     job.ID,
		Status:    RunRunning,
		StartedAt: startedAt,
	}
	if err := s.store.AppendRun(run); err != nil {
		s.logger.Error("record run start", "job", job.ID, "error", err)
	}
	s.emit(&Event{Type: "start", Run: *run})

	if job.WakeMode == WakeNextHeartbeat {
		if s.wake != nil {
			s.wake(job.Prompt)
			run.Status = RunSuccess
			run.Output = "queued for next heartbeat"
		} else {
			run.Status = RunFailed
			run.Error = "no heartbeat queue configured"
		}
		now := s.nowFunc()
		run.FinishedAt = now
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
		if err := s.store.AppendRun(run); err != nil {
			s.logger.Error("record run completion", "job", job.ID, "error", err)
		}
		s.advance(job, run, now)
		s.emit(&Event{Type: "complete", Run: *run})
		return run
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}

	sessionKey := s.keys.MainKey()
	sessionType := models.SessionTypeMain
	if job.SessionTarget == TargetIsolated {
		sessionKey = s.keys.CronKey(job.ID)
		sessionType = models.SessionTypeCron
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := s.turns.RunSync(runCtx, agent.TurnRequest{
		RequestID:  "cron-" + runID,
		SessionKey: sessionKey,
		Type:       sessionType,
		Content:    job.Prompt,
		Model:      job.Model,
		Thinking:   job.Thinking,
	})
	cancel()

	switch {
	case err != nil && errors.Is(err, agent.ErrSessionBusy):
		run.Status = RunSkipped
		run.Reason = "session busy"
	case err != nil:
		run.Status = RunFailed
		run.Error = err.Error()
	case res.Aborted && runCtx.Err() == context.DeadlineExceeded:
		run.Status = RunTimeout
		run.Error = fmt.Sprintf("exceeded %s", timeout)
	case res.Aborted:
		run.Status = RunSkipped
		run.Reason = "aborted"
	default:
		run.Status = RunSuccess
		run.Output = truncate(res.Content, maxRunOutput)
	}

	if run.Status == RunSuccess && job.Announce && job.SessionTarget == TargetIsolated &&
		s.deliver != nil && job.Target != "" && strings.TrimSpace(run.Output) != "" {
		run.DeliveryTarget = job.Target
		if err := s.deliver(ctx, job.Target, run.Output); err != nil {
			if job.BestEffort {
				s.logger.Warn("announce delivery failed", "job", job.ID, "error", err)
			} else {
				run.Status = RunFailed
				run.Error = "delivery: " + err.Error()
			}
		} else {
			run.Delivered = true
		}
	}

	now := s.nowFunc()
	run.FinishedAt = now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	if err := s.store.AppendRun(run); err != nil {
		s.logger.Error("record run completion", "job", job.ID, "error", err)
	}

	s.advance(job, run, now)
	s.emit(&Event{Type: "complete", Run: *run})
	s.logger.Info("cron run finished",
		"job", job.ID, "run", run.ID, "status", run.Status, "duration_ms", run.DurationMs)
	return run
}

// advance updates the job's bookkeeping after a run and either reschedules
// or removes it.
func (s *Scheduler) advance(job *Job, run *Run, now time.Time) {
	s.mu.Lock()
	delete(s.running, job.ID)

	current, ok := s.jobs[job.ID]
	if !ok {
		// Removed while running.
		s.mu.Unlock()
		return
	}
	current.LastRun = run.StartedAt
	current.LastStatus = run.Status
	current.LastError = run.Error
	current.UpdatedAt = now
	current.RunCount++

	if current.DeleteAfterRun && run.Status == RunSuccess {
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		if err := s.persist(); err != nil {
			s.logger.Error("persist jobs", "error", err)
		}
		s.logger.Info("one-shot job removed", "job", job.ID)
		return
	}

	anchor := now
	if current.Sched.Kind == "every" {
		anchor = current.LastRun
	}
	next, ok2, err := current.Sched.Next(anchor)
	switch {
	case err != nil:
		current.LastError = err.Error()
		current.NextRun = time.Time{}
		current.Enabled = false
	case current.Sched.Kind == "at":
		// A skipped one-shot stays pending; a failed or timed-out one is
		// exhausted but kept, with its last error inspectable.
		if run.Status != RunSkipped {
			current.NextRun = time.Time{}
			current.Enabled = false
		}
	case !ok2:
		current.NextRun = time.Time{}
		current.Enabled = false
	default:
		current.NextRun = next
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.logger.Error("persist jobs", "error", err)
	}
}

// recordSkip persists a skipped run without executing anything.
func (s *Scheduler) recordSkip(jobID string, now time.Time, reason string) (*Run, error) {
	run := &Run{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Status:     RunSkipped,
		Reason:     reason,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := s.store.AppendRun(run); err != nil {
		return nil, err
	}
	s.emit(&Event{Type: "complete", Run: *run})
	return run, nil
}

// RunningCount reports in-flight runs.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) persist() error {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	s.mu.Unlock()
	return s.store.SaveJobs(jobs)
}

func (s *Scheduler) emit(ev *Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}
