package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/pkg/models"
)

const (
	DefaultInterval    = 30 * time.Minute
	DefaultAckMaxChars = 300
	DefaultPrompt      = "Read HEARTBEAT.md if it exists and follow it strictly. Check open positions, pending orders, and price alerts. Do not repeat old tasks from prior conversations. If nothing needs attention, reply HEARTBEAT_OK."

	// tickTimeout bounds one heartbeat turn.
	tickTimeout = 10 * time.Minute

	previewLen = 120
)

// Status classifies one tick's outcome.
type Status string

const (
	// StatusSent means the agent produced an alert that was delivered.
	StatusSent Status = "sent"
	// StatusAckToken means the agent replied with the token, suppressed.
	StatusAckToken Status = "ok-token"
	// StatusAckEmpty means the agent replied with nothing, suppressed.
	StatusAckEmpty Status = "ok-empty"
	// StatusEmpty means the checklist had no work, no model call was made.
	StatusEmpty Status = "empty"
	// StatusSkipped means the tick did not run (window, busy session).
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result records one tick.
type Result struct {
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config tunes the runner.
type Config struct {
	Enabled     bool
	Every       time.Duration
	Window      ActiveWindow
	Target      string
	AckMaxChars int
	Prompt      string
	Model       string
}

// TurnRunner runs one agent turn to completion. *agent.Engine satisfies it.
type TurnRunner interface {
	RunSync(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// DeliverFunc pushes an alert to the configured target.
type DeliverFunc func(ctx context.Context, target, text string) error

// Stats is the runner's observable state.
type Stats struct {
	Enabled  bool      `json:"enabled"`
	Last     *Result   `json:"last,omitempty"`
	LastTick time.Time `json:"last_tick,omitempty"`
	NextDue  time.Time `json:"next_due,omitempty"`
	Ticks    uint64    `json:"ticks"`
	Acks     uint64    `json:"acks"`
	Alerts   uint64    `json:"alerts"`
	Skips    uint64    `json:"skips"`
	Failures uint64    `json:"failures"`
}

// Runner drives periodic heartbeat turns on the agent's main session.
// The interval is measured from the completion of the previous tick, and
// the first tick fires immediately on start.
type Runner struct {
	cfg          Config
	turns        TurnRunner
	sessionKey   string
	workspaceDir string
	deliver      DeliverFunc
	onResult     func(*Result)
	logger       *slog.Logger
	nowFunc      func() time.Time

	wake chan string
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.Mutex
	pending  []string
	last     *Result
	lastTick time.Time
	ticks    uint64
	acks     uint64
	alerts   uint64
	skips    uint64
	failures uint64
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l.With("component", "heartbeat") }
}

func WithNow(now func() time.Time) Option {
	return func(r *Runner) { r.nowFunc = now }
}

// WithOnResult registers an observer called after every tick.
func WithOnResult(fn func(*Result)) Option {
	return func(r *Runner) { r.onResult = fn }
}

func NewRunner(cfg Config, turns TurnRunner, sessionKey, workspaceDir string, deliver DeliverFunc, opts ...Option) *Runner {
	if cfg.Every <= 0 {
		cfg.Every = DefaultInterval
	}
	if cfg.AckMaxChars <= 0 {
		cfg.AckMaxChars = DefaultAckMaxChars
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = DefaultPrompt
	}
	r := &Runner{
		cfg:          cfg,
		turns:        turns,
		sessionKey:   sessionKey,
		workspaceDir: workspaceDir,
		deliver:      deliver,
		logger:       slog.Default().With("component", "heartbeat"),
		nowFunc:      time.Now,
		wake:         make(chan string, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the tick loop. A disabled runner starts nothing.
func (r *Runner) Start() {
	if !r.cfg.Enabled {
		close(r.done)
		return
	}
	r.startOnce.Do(func() { go r.loop() })
}

func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.cfg.Enabled {
		<-r.done
	}
}

// Wake requests an immediate out-of-band tick. It never blocks; a wake
// while one is already queued coalesces.
func (r *Runner) Wake(reason string) {
	select {
	case r.wake <- reason:
	default:
	}
}

// maxPending bounds the queued system-event backlog.
const maxPending = 20

// Enqueue queues a system event for injection into the next heartbeat
// prompt. Cron jobs with the next-heartbeat wake mode land here.
func (r *Runner) Enqueue(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= maxPending {
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, text)
}

func (r *Runner) drainPending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.pending
	r.pending = nil
	return items
}

func (r *Runner) requeue(items []string) {
	if len(items) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(items, r.pending...)
	if len(r.pending) > maxPending {
		r.pending = r.pending[len(r.pending)-maxPending:]
	}
}

// Stats returns a snapshot of the runner's state.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Enabled:  r.cfg.Enabled,
		LastTick: r.lastTick,
		Ticks:    r.ticks,
		Acks:     r.acks,
		Alerts:   r.alerts,
		Skips:    r.skips,
		Failures: r.failures,
	}
	if r.last != nil {
		cp := *r.last
		s.Last = &cp
	}
	if !r.lastTick.IsZero() {
		s.NextDue = r.lastTick.Add(r.cfg.Every)
	}
	return s
}

func (r *Runner) loop() {
	defer close(r.done)

	// First tick fires immediately; later ones wait the full interval
	// measured from the previous tick's completion.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			return
		case reason := <-r.wake:
			r.runTick(reason)
			resetTimer(timer, r.cfg.Every)
		case <-timer.C:
			r.runTick("interval")
			timer.Reset(r.cfg.Every)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// runTick executes one heartbeat tick and records the result.
func (r *Runner) runTick(reason string) {
	start := r.nowFunc()
	result := r.tick(reason)
	result.Timestamp = start
	result.DurationMs = r.nowFunc().Sub(start).Milliseconds()

	r.mu.Lock()
	r.last = result
	r.lastTick = r.nowFunc()
	r.ticks++
	switch result.Status {
	case StatusAckToken, StatusAckEmpty:
		r.acks++
	case StatusSent:
		r.alerts++
	case StatusSkipped, StatusEmpty:
		r.skips++
	case StatusFailed:
		r.failures++
	}
	r.mu.Unlock()

	r.logger.Info("heartbeat tick",
		"reason", reason, "status", result.Status, "detail", result.Reason,
		"duration_ms", result.DurationMs)
	if r.onResult != nil {
		r.onResult(result)
	}
}

func (r *Runner) tick(reason string) *Result {
	now := r.nowFunc()
	active, err := r.cfg.Window.Contains(now)
	if err != nil {
		return &Result{Status: StatusFailed, Reason: "active hours: " + err.Error()}
	}
	if !active {
		return &Result{Status: StatusSkipped, Reason: "outside-active-hours"}
	}

	queued := r.drainPending()

	state, err := inspectChecklist(r.workspaceDir)
	if err != nil {
		r.requeue(queued)
		return &Result{Status: StatusFailed, Reason: "checklist: " + err.Error()}
	}
	// Queued system events are work even when the checklist is empty.
	if state == checklistEmpty && len(queued) == 0 {
		return &Result{Status: StatusEmpty, Reason: "empty-checklist"}
	}

	prompt := r.cfg.Prompt
	if len(queued) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\nQueued system events:\n")
		for _, item := range queued {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteString("\n")
		}
		prompt = b.String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	res, err := r.turns.RunSync(ctx, agent.TurnRequest{
		RequestID:  "hb-" + uuid.NewString(),
		SessionKey: r.sessionKey,
		Type:       models.SessionTypeMain,
		Content:    prompt,
		Model:      r.cfg.Model,
	})
	if err != nil {
		r.requeue(queued)
		if errors.Is(err, agent.ErrSessionBusy) {
			// A chat turn holds the session; skip rather than queue.
			return &Result{Status: StatusSkipped, Reason: "busy"}
		}
		return &Result{Status: StatusFailed, Reason: err.Error()}
	}
	if res.Aborted {
		r.requeue(queued)
		return &Result{Status: StatusSkipped, Reason: "aborted"}
	}

	strip := StripToken(res.Content, r.cfg.AckMaxChars)
	if strip.Ack {
		if strip.DidStrip {
			return &Result{Status: StatusAckToken}
		}
		return &Result{Status: StatusAckEmpty}
	}

	if r.deliver != nil && r.cfg.Target != "" {
		if err := r.deliver(ctx, r.cfg.Target, strip.Text); err != nil {
			return &Result{Status: StatusFailed, Reason: "delivery: " + err.Error(), Preview: preview(strip.Text)}
		}
	}
	return &Result{Status: StatusSent, Preview: preview(strip.Text)}
}

func preview(text string) string {
	if len(text) <= previewLen {
		return text
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
