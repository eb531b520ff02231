package heartbeat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tradewire/tradewire/internal/agent"
)

type stubTurns struct {
	mu      sync.Mutex
	reqs    []agent.TurnRequest
	content string
	err     error
}

func (s *stubTurns) RunSync(_ context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &agent.TurnResult{Content: s.content}, nil
}

func (s *stubTurns) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *stubTurns) request(i int) agent.TurnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

type recordedDelivery struct {
	target string
	text   string
}

func testRunner(t *testing.T, cfg Config, turns TurnRunner, deliveries *[]recordedDelivery) *Runner {
	t.Helper()
	dir := t.TempDir()
	// A checklist with work on it, so ticks reach the model by default.
	os.WriteFile(filepath.Join(dir, ChecklistFile), []byte("- watch funding\n"), 0o644)

	deliver := func(_ context.Context, target, text string) error {
		if deliveries != nil {
			*deliveries = append(*deliveries, recordedDelivery{target, text})
		}
		return nil
	}
	if cfg.Target == "" {
		cfg.Target = "telegram:42"
	}
	return NewRunner(cfg, turns, "agent:trader:main", dir, deliver)
}

func TestTickAckSuppressed(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK"}
	var deliveries []recordedDelivery
	r := testRunner(t, Config{Enabled: true}, turns, &deliveries)

	r.runTick("test")

	stats := r.Stats()
	if stats.Last == nil || stats.Last.Status != StatusAckToken {
		t.Fatalf("last = %+v, want ok-token", stats.Last)
	}
	if stats.Acks != 1 || stats.Alerts != 0 {
		t.Errorf("counters = %+v", stats)
	}
	if len(deliveries) != 0 {
		t.Error("ack was delivered")
	}
}

func TestTickEmptyResponse(t *testing.T) {
	turns := &stubTurns{content: "   "}
	r := testRunner(t, Config{Enabled: true}, turns, nil)
	r.runTick("test")
	if got := r.Stats().Last.Status; got != StatusAckEmpty {
		t.Errorf("status = %s, want ok-empty", got)
	}
}

func TestTickAlertDelivered(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK " +
		"ETH perp funding flipped to -0.12%/8h and your short is paying; also the BTC stop at 58k is 1.5% away. " +
		"Consider tightening the stop or taking partial profits before the funding window."}
	var deliveries []recordedDelivery
	r := testRunner(t, Config{Enabled: true, AckMaxChars: 40}, turns, &deliveries)

	r.runTick("test")

	stats := r.Stats()
	if stats.Last.Status != StatusSent {
		t.Fatalf("status = %s (%s), want sent", stats.Last.Status, stats.Last.Reason)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	if deliveries[0].target != "telegram:42" {
		t.Errorf("target = %q", deliveries[0].target)
	}
	if containsToken := deliveries[0].text; containsToken == "" || StripToken(containsToken, 1).DidStrip {
		t.Errorf("delivered text still carries the token: %q", deliveries[0].text)
	}
	if stats.Alerts != 1 {
		t.Errorf("alerts = %d", stats.Alerts)
	}
}

func TestTickEmptyChecklistSkipsModel(t *testing.T) {
	turns := &stubTurns{content: "should not run"}
	r := testRunner(t, Config{Enabled: true}, turns, nil)
	os.WriteFile(filepath.Join(r.workspaceDir, ChecklistFile), []byte("# Heartbeat\n\n"), 0o644)

	r.runTick("test")

	if turns.calls() != 0 {
		t.Error("model was called despite an empty checklist")
	}
	if got := r.Stats().Last.Status; got != StatusEmpty {
		t.Errorf("status = %s, want empty", got)
	}
}

func TestTickMissingChecklistStillRuns(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK"}
	r := testRunner(t, Config{Enabled: true}, turns, nil)
	os.Remove(filepath.Join(r.workspaceDir, ChecklistFile))

	r.runTick("test")

	if turns.calls() != 1 {
		t.Error("model was not called when the checklist file is absent")
	}
}

func TestTickBusySessionSkipped(t *testing.T) {
	turns := &stubTurns{err: agent.ErrSessionBusy}
	r := testRunner(t, Config{Enabled: true}, turns, nil)
	r.runTick("test")
	last := r.Stats().Last
	if last.Status != StatusSkipped || last.Reason != "busy" {
		t.Errorf("last = %+v, want skipped/busy", last)
	}
}

func TestTickOutsideActiveHours(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK"}
	r := testRunner(t, Config{
		Enabled: true,
		Window:  ActiveWindow{Start: "09:00", End: "17:00", Timezone: "UTC"},
	}, turns, nil)
	r.nowFunc = func() time.Time { return time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC) }

	r.runTick("test")

	if turns.calls() != 0 {
		t.Error("model called outside active hours")
	}
	last := r.Stats().Last
	if last.Status != StatusSkipped || last.Reason != "outside-active-hours" {
		t.Errorf("last = %+v", last)
	}
}

func TestTickDeliveryFailure(t *testing.T) {
	turns := &stubTurns{content: "margin call imminent on the ETH short position, act now"}
	r := testRunner(t, Config{Enabled: true}, turns, nil)
	r.deliver = func(context.Context, string, string) error { return errors.New("channel down") }

	r.runTick("test")

	if got := r.Stats().Last.Status; got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestTickTurnErrorFails(t *testing.T) {
	turns := &stubTurns{err: errors.New("provider exploded")}
	r := testRunner(t, Config{Enabled: true}, turns, nil)
	r.runTick("test")
	if got := r.Stats(); got.Last.Status != StatusFailed || got.Failures != 1 {
		t.Errorf("stats = %+v", got)
	}
}

func TestQueuedEventsInjectedIntoPrompt(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK"}
	r := testRunner(t, Config{Enabled: true}, turns, nil)

	r.Enqueue("rebalance reminder")
	r.Enqueue("funding window opens in 10m")
	r.runTick("test")

	if turns.calls() != 1 {
		t.Fatalf("model calls = %d, want 1", turns.calls())
	}
	prompt := turns.request(0).Content
	if !strings.Contains(prompt, "Queued system events:") ||
		!strings.Contains(prompt, "- rebalance reminder") ||
		!strings.Contains(prompt, "- funding window opens in 10m") {
		t.Errorf("prompt missing queued events:\n%s", prompt)
	}

	// Consumed events do not repeat on the next tick.
	r.runTick("test")
	if strings.Contains(turns.request(1).Content, "Queued system events:") {
		t.Error("queued events leaked into a second tick")
	}
}

func TestQueuedEventsOverrideEmptyChecklist(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK"}
	r := testRunner(t, Config{Enabled: true}, turns, nil)
	os.WriteFile(filepath.Join(r.workspaceDir, ChecklistFile), []byte("# Heartbeat\n\n"), 0o644)

	r.Enqueue("order filled: BTC 0.5 @ 61.2k")
	r.runTick("test")

	if turns.calls() != 1 {
		t.Error("queued event did not force a model call past the empty checklist")
	}
}

func TestQueuedEventsSurviveBusySkip(t *testing.T) {
	turns := &stubTurns{err: agent.ErrSessionBusy}
	r := testRunner(t, Config{Enabled: true}, turns, nil)

	r.Enqueue("stop adjusted")
	r.runTick("test")
	if got := r.Stats().Last.Status; got != StatusSkipped {
		t.Fatalf("status = %s, want skipped", got)
	}

	// The session frees up; the event must still reach the prompt.
	turns.err = nil
	turns.content = "HEARTBEAT_OK"
	r.runTick("test")
	if !strings.Contains(turns.request(1).Content, "- stop adjusted") {
		t.Error("queued event lost after a busy skip")
	}
}

func TestImmediateFirstTick(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK"}
	r := testRunner(t, Config{Enabled: true, Every: time.Hour}, turns, nil)

	var results []Status
	var mu sync.Mutex
	r.onResult = func(res *Result) {
		mu.Lock()
		results = append(results, res.Status)
		mu.Unlock()
	}

	r.Start()
	defer r.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(results)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first tick did not fire immediately")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if turns.calls() != 1 {
		t.Errorf("model calls = %d, want 1", turns.calls())
	}
}

func TestWakeTriggersTick(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK"}
	r := testRunner(t, Config{Enabled: true, Every: time.Hour}, turns, nil)
	r.Start()
	defer r.Stop()

	// Let the immediate first tick land, then wake.
	deadline := time.Now().Add(2 * time.Second)
	for turns.calls() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	r.Wake("order-filled")
	for turns.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if turns.calls() < 2 {
		t.Fatalf("wake did not trigger a tick, calls = %d", turns.calls())
	}
}

func TestDisabledRunnerDoesNothing(t *testing.T) {
	turns := &stubTurns{content: "HEARTBEAT_OK"}
	r := testRunner(t, Config{Enabled: false, Every: 10 * time.Millisecond}, turns, nil)
	r.Start()
	time.Sleep(50 * time.Millisecond)
	r.Stop()
	if turns.calls() != 0 {
		t.Errorf("disabled runner ran %d ticks", turns.calls())
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	// One ASCII byte up front puts the byte cap mid-rune in the 2-byte run.
	long := "x" + strings.Repeat("к", previewLen)
	got := preview(long)
	if !utf8.ValidString(got) {
		t.Errorf("preview split a rune: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("preview missing ellipsis: %q", got)
	}
	if len(got) > previewLen+len("…") {
		t.Errorf("preview too long: %d bytes", len(got))
	}

	short := "all clear"
	if preview(short) != short {
		t.Errorf("short text altered: %q", preview(short))
	}
}
