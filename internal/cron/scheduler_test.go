package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/internal/sessions"
)

type fakeTurns struct {
	mu      sync.Mutex
	reqs    []agent.TurnRequest
	content string
	err     error
	// block, when non-nil, stalls RunSync until closed or the context
	// expires; expiry reports an aborted turn like the real engine.
	block chan struct{}
}

func (f *fakeTurns) RunSync(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &agent.TurnResult{Aborted: true}, nil
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &agent.TurnResult{Content: f.content}, nil
}

func (f *fakeTurns) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeTurns) request(i int) agent.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

func newTestScheduler(t *testing.T, cfg Config, turns TurnRunner, deliver DeliverFunc, opts ...Option) *Scheduler {
	t.Helper()
	store, err := NewStore(t.TempDir(), cfg.HistoryLimit)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	keys := sessions.NewKeyBuilder("trader", sessions.ScopeConfig{})
	s, err := NewScheduler(cfg, store, turns, keys, deliver, opts...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestAddComputesNextRunAndPersists(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store, err := NewStore(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	keys := sessions.NewKeyBuilder("trader", sessions.ScopeConfig{})
	s, err := NewScheduler(Config{}, store, &fakeTurns{}, keys, nil, WithNow(clock))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	job := &Job{
		Prompt:  "summarize overnight moves",
		Enabled: true,
		Sched:   Schedule{Kind: "every", Every: 30 * time.Minute},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.ID == "" {
		t.Error("Add did not assign an id")
	}
	if want := now.Add(30 * time.Minute); !job.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", job.NextRun, want)
	}

	// A fresh scheduler over the same store sees the job.
	s2, err := NewScheduler(Config{}, store, &fakeTurns{}, keys, nil, WithNow(clock))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := s2.Get(job.ID); err != nil {
		t.Errorf("job not persisted: %v", err)
	}
}

func TestOneShotRemovedAfterRun(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	turns := &fakeTurns{content: "report sent"}
	s := newTestScheduler(t, Config{Enabled: true}, turns, nil, WithNow(clock))

	job := &Job{
		Prompt:  "one-off portfolio report",
		Enabled: true,
		Sched:   Schedule{Kind: "at", At: now.Add(time.Minute)},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !job.DeleteAfterRun {
		t.Error("at schedule should imply delete-after-run")
	}

	now = now.Add(2 * time.Minute)
	s.tick(context.Background())
	s.wg.Wait()

	if turns.calls() != 1 {
		t.Fatalf("turn calls = %d, want 1", turns.calls())
	}
	if _, err := s.Get(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("one-shot still present after run: %v", err)
	}
	runs, err := s.store.Runs(job.ID, 0)
	if err != nil || len(runs) != 1 || runs[0].Status != RunSuccess {
		t.Errorf("run history = %+v (%v)", runs, err)
	}
}

func TestAddRejectsPastOneShot(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := newTestScheduler(t, Config{}, &fakeTurns{}, nil, WithNow(clock))

	err := s.Add(&Job{
		Prompt: "too late", Enabled: true,
		Sched: Schedule{Kind: "at", At: now.Add(-time.Minute)},
	})
	if err == nil {
		t.Error("Add accepted an already-exhausted one-shot")
	}
}

func TestFailedOneShotKeptExhausted(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	turns := &fakeTurns{err: errors.New("provider down")}
	s := newTestScheduler(t, Config{Enabled: true}, turns, nil, WithNow(clock))

	job := &Job{
		Prompt: "one-off scan", Enabled: true,
		Sched: Schedule{Kind: "at", At: now.Add(time.Minute)},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	now = now.Add(2 * time.Minute)
	s.tick(context.Background())
	s.wg.Wait()

	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatalf("failed one-shot was removed: %v", err)
	}
	if got.LastStatus != RunFailed || got.LastError == "" {
		t.Errorf("bookkeeping = status %s error %q", got.LastStatus, got.LastError)
	}
	if !got.NextRun.IsZero() || got.Enabled {
		t.Errorf("exhausted one-shot still schedulable: next %v enabled %v", got.NextRun, got.Enabled)
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
}

func TestRunCountIncrements(t *testing.T) {
	turns := &fakeTurns{content: "ok"}
	s := newTestScheduler(t, Config{}, turns, nil)
	job := &Job{
		Prompt: "poll", Enabled: true,
		Sched: Schedule{Kind: "every", Every: time.Minute},
	}
	s.Add(job)

	for i := 0; i < 2; i++ {
		if _, err := s.RunNow(context.Background(), job.ID, true); err != nil {
			t.Fatalf("RunNow %d: %v", i, err)
		}
	}

	got, _ := s.Get(job.ID)
	if got.RunCount != 2 {
		t.Errorf("RunCount = %d, want 2", got.RunCount)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	release := make(chan struct{})
	turns := &fakeTurns{content: "ok", block: release}
	s := newTestScheduler(t, Config{Enabled: true, MaxConcurrentRuns: 2}, turns, nil, WithNow(clock))

	for _, id := range []string{"j1", "j2", "j3"} {
		err := s.Add(&Job{
			ID: id, Prompt: "work", Enabled: true,
			Sched: Schedule{Kind: "cron", Expr: "* * * * *"},
		})
		if err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
		// Force all three due.
		s.mu.Lock()
		s.jobs[id].NextRun = now.Add(-time.Minute)
		s.mu.Unlock()
	}

	s.tick(context.Background())
	if got := s.RunningCount(); got != 2 {
		t.Errorf("running = %d, want ceiling of 2", got)
	}

	// Ticking again while saturated dispatches nothing new.
	s.tick(context.Background())
	if got := s.RunningCount(); got != 2 {
		t.Errorf("running after second tick = %d, want 2", got)
	}

	close(release)
	s.wg.Wait()
	if got := s.RunningCount(); got != 0 {
		t.Errorf("running after completion = %d", got)
	}
}

func TestEveryAnchorsOnLastRun(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	turns := &fakeTurns{content: "ok"}
	s := newTestScheduler(t, Config{}, turns, nil, WithNow(clock))

	job := &Job{
		Prompt: "poll funding", Enabled: true,
		Sched: Schedule{Kind: "every", Every: 20 * time.Minute},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	run, err := s.RunNow(context.Background(), job.ID, true)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != RunSuccess {
		t.Fatalf("run = %+v", run)
	}

	got, _ := s.Get(job.ID)
	if want := now.Add(20 * time.Minute); !got.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want anchored to run start %v", got.NextRun, want)
	}
	if !got.LastRun.Equal(now) || got.LastStatus != RunSuccess {
		t.Errorf("job bookkeeping = last %v status %s", got.LastRun, got.LastStatus)
	}
}

func TestRunNowDueSemantics(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	turns := &fakeTurns{content: "ok"}
	s := newTestScheduler(t, Config{}, turns, nil, WithNow(clock))

	job := &Job{
		Prompt: "hourly recap", Enabled: true,
		Sched: Schedule{Kind: "every", Every: time.Hour},
	}
	s.Add(job)

	run, err := s.RunNow(context.Background(), job.ID, false)
	if err != nil {
		t.Fatalf("RunNow due: %v", err)
	}
	if run.Status != RunSkipped || run.Reason != "not due" {
		t.Errorf("undue run = %+v, want skipped/not due", run)
	}
	if turns.calls() != 0 {
		t.Error("undue manual run still executed")
	}

	run, err = s.RunNow(context.Background(), job.ID, true)
	if err != nil {
		t.Fatalf("RunNow force: %v", err)
	}
	if run.Status != RunSuccess {
		t.Errorf("forced run = %+v", run)
	}
}

func TestRunNowUnknownJob(t *testing.T) {
	s := newTestScheduler(t, Config{}, &fakeTurns{}, nil)
	if _, err := s.RunNow(context.Background(), "ghost", true); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RunNow = %v, want ErrJobNotFound", err)
	}
	if err := s.Remove("ghost"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Remove = %v, want ErrJobNotFound", err)
	}
}

func TestIsolatedJobUsesCronSession(t *testing.T) {
	turns := &fakeTurns{content: "ok"}
	s := newTestScheduler(t, Config{}, turns, nil)

	job := &Job{
		ID: "job-iso", Prompt: "scan", Enabled: true,
		SessionTarget: TargetIsolated,
		Sched:         Schedule{Kind: "every", Every: time.Minute},
	}
	s.Add(job)
	s.RunNow(context.Background(), job.ID, true)

	if got := turns.request(0).SessionKey; got != "agent:trader:cron:job-iso" {
		t.Errorf("session key = %q", got)
	}

	main := &Job{
		ID: "job-main", Prompt: "scan", Enabled: true,
		SessionTarget: TargetMain,
		Sched:         Schedule{Kind: "every", Every: time.Minute},
	}
	s.Add(main)
	s.RunNow(context.Background(), main.ID, true)

	if got := turns.request(1).SessionKey; got != "agent:trader:main" {
		t.Errorf("main session key = %q", got)
	}
}

func TestAnnounceDelivery(t *testing.T) {
	var delivered []string
	deliver := func(_ context.Context, target, text string) error {
		delivered = append(delivered, target+": "+text)
		return nil
	}
	turns := &fakeTurns{content: "BTC up 3%, ETH flat"}
	s := newTestScheduler(t, Config{}, turns, deliver)

	job := &Job{
		Prompt: "market recap", Enabled: true,
		SessionTarget: TargetIsolated,
		Announce:      true, Target: "telegram:42",
		Sched: Schedule{Kind: "every", Every: time.Minute},
	}
	s.Add(job)
	run, err := s.RunNow(context.Background(), job.ID, true)
	if err != nil || run.Status != RunSuccess {
		t.Fatalf("run = %+v (%v)", run, err)
	}
	if len(delivered) != 1 || delivered[0] != "telegram:42: BTC up 3%, ETH flat" {
		t.Errorf("delivered = %v", delivered)
	}
	if !run.Delivered || run.DeliveryTarget != "telegram:42" {
		t.Errorf("run delivery record = %v %q", run.Delivered, run.DeliveryTarget)
	}
}

func TestAnnounceDeliveryFailure(t *testing.T) {
	deliverErr := func(context.Context, string, string) error { return errors.New("channel down") }
	turns := &fakeTurns{content: "recap"}

	t.Run("strict delivery fails the run", func(t *testing.T) {
		s := newTestScheduler(t, Config{}, turns, deliverErr)
		job := &Job{
			Prompt: "recap", Enabled: true, SessionTarget: TargetIsolated,
			Announce: true, Target: "telegram:42",
			Sched: Schedule{Kind: "every", Every: time.Minute},
		}
		s.Add(job)
		run, _ := s.RunNow(context.Background(), job.ID, true)
		if run.Status != RunFailed {
			t.Errorf("run = %+v, want failed", run)
		}
		if run.Delivered || run.DeliveryTarget != "telegram:42" {
			t.Errorf("run delivery record = %v %q", run.Delivered, run.DeliveryTarget)
		}
	})

	t.Run("best effort keeps the run successful", func(t *testing.T) {
		s := newTestScheduler(t, Config{}, turns, deliverErr)
		job := &Job{
			Prompt: "recap", Enabled: true, SessionTarget: TargetIsolated,
			Announce: true, Target: "telegram:42", BestEffort: true,
			Sched: Schedule{Kind: "every", Every: time.Minute},
		}
		s.Add(job)
		run, _ := s.RunNow(context.Background(), job.ID, true)
		if run.Status != RunSuccess {
			t.Errorf("run = %+v, want success", run)
		}
	})
}

func TestBusyMainSessionSkipsRun(t *testing.T) {
	turns := &fakeTurns{err: agent.ErrSessionBusy}
	s := newTestScheduler(t, Config{}, turns, nil)
	job := &Job{
		Prompt: "recap", Enabled: true, SessionTarget: TargetMain,
		Sched: Schedule{Kind: "every", Every: time.Minute},
	}
	s.Add(job)
	run, err := s.RunNow(context.Background(), job.ID, true)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != RunSkipped || run.Reason != "session busy" {
		t.Errorf("run = %+v, want skipped/session busy", run)
	}
}

func TestRunTimeout(t *testing.T) {
	turns := &fakeTurns{content: "never", block: make(chan struct{})}
	s := newTestScheduler(t, Config{}, turns, nil)
	job := &Job{
		Prompt: "slow analysis", Enabled: true,
		Timeout: 50 * time.Millisecond,
		Sched:   Schedule{Kind: "every", Every: time.Minute},
	}
	s.Add(job)

	run, err := s.RunNow(context.Background(), job.ID, true)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != RunTimeout {
		t.Errorf("run = %+v, want timeout", run)
	}
}

func TestUpdatePatchesJob(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := newTestScheduler(t, Config{}, &fakeTurns{}, nil, WithNow(clock))

	job := &Job{
		Prompt: "poll funding", Enabled: true,
		Sched: Schedule{Kind: "every", Every: time.Hour},
	}
	s.Add(job)
	originalNext := job.NextRun

	// Patching the prompt alone keeps the schedule untouched.
	updated, err := s.Update(job.ID, func(j *Job) error {
		j.Prompt = "poll funding and open interest"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Prompt != "poll funding and open interest" {
		t.Errorf("prompt = %q", updated.Prompt)
	}
	if !updated.NextRun.Equal(originalNext) {
		t.Errorf("NextRun moved on non-schedule patch: %v", updated.NextRun)
	}

	// A schedule change recomputes the next fire time from now.
	updated, err = s.Update(job.ID, func(j *Job) error {
		j.Sched = Schedule{Kind: "every", Every: 10 * time.Minute}
		return nil
	})
	if err != nil {
		t.Fatalf("Update schedule: %v", err)
	}
	if want := now.Add(10 * time.Minute); !updated.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", updated.NextRun, want)
	}

	if _, err := s.Update(job.ID, func(j *Job) error {
		j.Prompt = ""
		return nil
	}); err == nil {
		t.Error("Update accepted an empty prompt")
	}

	if _, err := s.Update("ghost", func(*Job) error { return nil }); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Update ghost = %v, want ErrJobNotFound", err)
	}
}

func TestNextHeartbeatJobQueuesInsteadOfRunning(t *testing.T) {
	var queued []string
	turns := &fakeTurns{content: "should not run"}
	s := newTestScheduler(t, Config{}, turns, nil,
		WithWake(func(text string) { queued = append(queued, text) }))

	job := &Job{
		Prompt: "rebalance reminder", Enabled: true,
		WakeMode: WakeNextHeartbeat,
		Sched:    Schedule{Kind: "every", Every: time.Minute},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	run, err := s.RunNow(context.Background(), job.ID, true)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != RunSuccess {
		t.Errorf("run = %+v, want success", run)
	}
	if turns.calls() != 0 {
		t.Error("next-heartbeat job ran a turn")
	}
	if len(queued) != 1 || queued[0] != "rebalance reminder" {
		t.Errorf("queued = %v", queued)
	}
}

func TestNextHeartbeatJobWithoutQueueFails(t *testing.T) {
	turns := &fakeTurns{content: "x"}
	s := newTestScheduler(t, Config{}, turns, nil)

	job := &Job{
		Prompt: "reminder", Enabled: true,
		WakeMode: WakeNextHeartbeat,
		Sched:    Schedule{Kind: "every", Every: time.Minute},
	}
	s.Add(job)

	run, err := s.RunNow(context.Background(), job.ID, true)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != RunFailed {
		t.Errorf("run = %+v, want failed", run)
	}
}

func TestAddRejectsBadWakeMode(t *testing.T) {
	s := newTestScheduler(t, Config{}, &fakeTurns{}, nil)
	err := s.Add(&Job{
		Prompt: "x", Enabled: true, WakeMode: "whenever",
		Sched: Schedule{Kind: "every", Every: time.Minute},
	})
	if err == nil {
		t.Error("Add accepted an invalid wake mode")
	}
}

func TestEventsEmitted(t *testing.T) {
	var events []string
	var mu sync.Mutex
	onEvent := func(ev *Event) {
		mu.Lock()
		events = append(events, ev.Type+":"+string(ev.Run.Status))
		mu.Unlock()
	}
	turns := &fakeTurns{content: "ok"}
	s := newTestScheduler(t, Config{}, turns, nil, WithOnEvent(onEvent))
	job := &Job{
		Prompt: "work", Enabled: true,
		Sched: Schedule{Kind: "every", Every: time.Minute},
	}
	s.Add(job)
	s.RunNow(context.Background(), job.ID, true)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "start:running" || events[1] != "complete:success" {
		t.Errorf("events = %v", events)
	}
}
