package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tradewire/tradewire/internal/sessions"
	"github.com/tradewire/tradewire/pkg/models"
)

// SessionStore is the slice of the session layer the engine drives.
// *sessions.Store satisfies it.
type SessionStore interface {
	TryLock(key string) error
	Unlock(key string)
	GetOrCreate(key string, typ models.SessionType, channel, peer string) (*models.Session, bool, error)
	Get(key string) (*models.Session, error)
	History(key string, limit int) ([]models.TranscriptEntry, error)
	Append(key string, entries []models.TranscriptEntry) error
	SetMetadata(key, field string, value any) error
	Compact(key, summary string, keepRecent int) error
}

// EngineConfig carries the agent-level model defaults.
type EngineConfig struct {
	Provider          string
	Model             string
	SystemPrompt      string
	MaxTokens         int
	MaxToolIterations int

	// ContextTokenLimit flags a session for compaction once its accumulated
	// token annotations exceed it. KeepRecent entries survive a compaction.
	ContextTokenLimit int
	KeepRecent        int

	// MaxCatalogue caps the tool definitions sent per call, 0 = no cap.
	MaxCatalogue int

	// HistoryLimit bounds how many transcript entries seed a turn.
	HistoryLimit int
}

// EventType classifies turn stream events.
type EventType string

const (
	EventStart      EventType = "start"
	EventChunk      EventType = "chunk"
	EventThinking   EventType = "thinking"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
	EventAborted    EventType = "aborted"
)

// Event is one observable step of a running turn.
type Event struct {
	Type       EventType
	RequestID  string
	SessionKey string

	Text       string
	ToolCall   *models.ToolCall
	ToolResult *models.ToolResult

	// Populated on complete.
	Content      string
	InputTokens  int
	OutputTokens int

	Err error
}

// TurnRequest asks the engine to run one turn on a session.
type TurnRequest struct {
	RequestID  string
	SessionKey string
	Type       models.SessionType
	Channel    string
	Peer       string
	Content    string

	// Model overrides the engine default when set.
	Model string
	// Thinking is "off", "low", "medium", or "high".
	Thinking string
	// Timeout bounds the whole turn when > 0.
	Timeout time.Duration
}

// TurnResult is the synchronous summary of a finished turn.
type TurnResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Aborted      bool
}

type activeTurn struct {
	requestID string
	cancel    context.CancelFunc
}

// Engine runs turns: it serializes per-session, seeds the model from the
// transcript, executes tool calls, and appends the finished turn group.
type Engine struct {
	cfg       EngineConfig
	providers map[string]Provider
	registry  *Registry
	store     SessionStore
	logger    *slog.Logger
	nowFunc   func() time.Time

	mu     sync.Mutex
	active map[string]*activeTurn
}

type EngineOption func(*Engine)

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l.With("component", "agent") }
}

func WithEngineNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.nowFunc = now }
}

func NewEngine(cfg EngineConfig, providers map[string]Provider, registry *Registry, store SessionStore, opts ...EngineOption) *Engine {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 10
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	e := &Engine{
		cfg:       cfg,
		providers: providers,
		registry:  registry,
		store:     store,
		logger:    slog.Default().With("component", "agent"),
		nowFunc:   time.Now,
		active:    make(map[string]*activeTurn),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the engine's tool registry for wiring.
func (e *Engine) Registry() *Registry { return e.registry }

// Run starts a turn. It fails fast with ErrSessionBusy when another turn
// holds the session, and with ErrNoProvider when the backend is missing.
// The returned channel closes after a terminal event (complete, error,
// aborted).
func (e *Engine) Run(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	provider, ok := e.providers[e.cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, e.cfg.Provider)
	}
	if err := e.store.TryLock(req.SessionKey); err != nil {
		if errors.Is(err, sessions.ErrBusy) {
			return nil, fmt.Errorf("%w: %s", ErrSessionBusy, req.SessionKey)
		}
		return nil, err
	}

	if _, _, err := e.store.GetOrCreate(req.SessionKey, req.Type, req.Channel, req.Peer); err != nil {
		e.store.Unlock(req.SessionKey)
		return nil, err
	}

	var turnCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	e.mu.Lock()
	e.active[req.SessionKey] = &activeTurn{requestID: req.RequestID, cancel: cancel}
	e.mu.Unlock()

	events := make(chan Event, 64)
	go e.run(turnCtx, provider, req, events)
	return events, nil
}

// RunSync runs a turn to completion and returns the final assistant text.
// Heartbeat ticks and cron runs use this path.
func (e *Engine) RunSync(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	events, err := e.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &TurnResult{}
	for ev := range events {
		switch ev.Type {
		case EventComplete:
			res.Content = ev.Content
			res.InputTokens = ev.InputTokens
			res.OutputTokens = ev.OutputTokens
		case EventError:
			return nil, ev.Err
		case EventAborted:
			res.Aborted = true
		}
	}
	return res, nil
}

// Abort cancels the in-flight turn on a session. The turn's transcript is
// left untouched and in-flight tool results are discarded.
func (e *Engine) Abort(sessionKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	turn, ok := e.active[sessionKey]
	if !ok {
		return ErrTurnNotFound
	}
	turn.cancel()
	return nil
}

// Busy reports whether a turn currently holds the session.
func (e *Engine) Busy(sessionKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[sessionKey]
	return ok
}

func (e *Engine) run(ctx context.Context, provider Provider, req TurnRequest, events chan<- Event) {
	defer close(events)
	defer func() {
		e.mu.Lock()
		if turn, ok := e.active[req.SessionKey]; ok {
			turn.cancel()
			delete(e.active, req.SessionKey)
		}
		e.mu.Unlock()
		e.store.Unlock(req.SessionKey)
	}()

	emit := func(ev Event) {
		ev.RequestID = req.RequestID
		ev.SessionKey = req.SessionKey
		events <- ev
	}
	emit(Event{Type: EventStart})

	e.maybeCompact(ctx, provider, req.SessionKey)

	history, err := e.store.History(req.SessionKey, e.cfg.HistoryLimit)
	if err != nil {
		emit(Event{Type: EventError, Err: fmt.Errorf("load history: %w", err)})
		return
	}
	messages := historyToMessages(history)
	messages = append(messages, CompletionMessage{Role: models.RoleUser, Content: req.Content})

	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	thinking, thinkingBudget := thinkingBudgetFor(req.Thinking)

	pending := []models.TranscriptEntry{{
		Timestamp: e.nowFunc(),
		Role:      models.RoleUser,
		Content:   req.Content,
	}}
	var totalIn, totalOut int

	for iteration := 0; iteration < e.cfg.MaxToolIterations; iteration++ {
		creq := &CompletionRequest{
			Model:                model,
			System:               e.cfg.SystemPrompt,
			Messages:             messages,
			MaxTokens:            e.cfg.MaxTokens,
			EnableThinking:       thinking,
			ThinkingBudgetTokens: thinkingBudget,
		}
		if provider.SupportsTools() {
			creq.Tools = e.registry.Definitions(e.cfg.MaxCatalogue)
		}

		stream, err := provider.Complete(ctx, creq)
		if err != nil {
			e.finishErr(emit, req.SessionKey, err)
			return
		}

		var text strings.Builder
		var toolCalls []models.ToolCall
		var in, out int
		var streamErr error
		for chunk := range stream {
			switch {
			case chunk.Error != nil:
				streamErr = chunk.Error
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, *chunk.ToolCall)
				emit(Event{Type: EventToolCall, ToolCall: chunk.ToolCall})
			case chunk.Thinking != "":
				emit(Event{Type: EventThinking, Text: chunk.Thinking})
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				emit(Event{Type: EventChunk, Text: chunk.Text})
			case chunk.Done:
				in, out = chunk.InputTokens, chunk.OutputTokens
			}
		}
		if streamErr != nil {
			e.finishErr(emit, req.SessionKey, streamErr)
			return
		}
		if ctx.Err() != nil {
			e.finishCanceled(emit, req.SessionKey)
			return
		}
		totalIn += in
		totalOut += out

		if len(toolCalls) == 0 {
			final := models.TranscriptEntry{
				Timestamp:    e.nowFunc(),
				Role:         models.RoleAssistant,
				Content:      text.String(),
				InputTokens:  totalIn,
				OutputTokens: totalOut,
			}
			pending = append(pending, final)
			if err := e.store.Append(req.SessionKey, pending); err != nil {
				emit(Event{Type: EventError, Err: fmt.Errorf("append transcript: %w", err)})
				return
			}
			e.flagContextPressure(req.SessionKey)
			emit(Event{
				Type:         EventComplete,
				Content:      text.String(),
				InputTokens:  totalIn,
				OutputTokens: totalOut,
			})
			return
		}

		pending = append(pending, models.TranscriptEntry{
			Timestamp: e.nowFunc(),
			Role:      models.RoleAssistant,
			Content:   text.String(),
			ToolCalls: toolCalls,
		})

		var results []models.ToolResult
		for i := range toolCalls {
			call := toolCalls[i]
			result, err := e.registry.Execute(ctx, call)
			if err != nil {
				if ctx.Err() != nil {
					e.finishCanceled(emit, req.SessionKey)
					return
				}
				// Handler failures go back to the model as error results
				// instead of ending the turn.
				result = errResult(call.ID, err.Error())
				e.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
			}
			emit(Event{Type: EventToolResult, ToolResult: result})
			results = append(results, *result)
			pending = append(pending, models.TranscriptEntry{
				Timestamp:  e.nowFunc(),
				Role:       models.RoleTool,
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
				ToolName:   call.Name,
				IsError:    result.IsError,
			})
		}
		if ctx.Err() != nil {
			e.finishCanceled(emit, req.SessionKey)
			return
		}

		messages = append(messages,
			CompletionMessage{Role: models.RoleAssistant, Content: text.String(), ToolCalls: toolCalls},
			CompletionMessage{Role: models.RoleTool, ToolResults: results},
		)
	}

	// Iteration ceiling: keep the work done so far and close the turn so
	// the session is not wedged behind a runaway tool loop.
	e.logger.Warn("tool iteration ceiling reached", "session", req.SessionKey, "ceiling", e.cfg.MaxToolIterations)
	note := models.TranscriptEntry{
		Timestamp:    e.nowFunc(),
		Role:         models.RoleAssistant,
		Content:      "(stopped: tool iteration limit reached)",
		InputTokens:  totalIn,
		OutputTokens: totalOut,
	}
	pending = append(pending, note)
	if err := e.store.Append(req.SessionKey, pending); err != nil {
		emit(Event{Type: EventError, Err: fmt.Errorf("append transcript: %w", err)})
		return
	}
	e.flagContextPressure(req.SessionKey)
	emit(Event{
		Type:         EventComplete,
		Content:      note.Content,
		InputTokens:  totalIn,
		OutputTokens: totalOut,
	})
}

func (e *Engine) finishErr(emit func(Event), key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.finishCanceled(emit, key)
		return
	}
	e.logger.Error("turn failed", "session", key, "error", err)
	emit(Event{Type: EventError, Err: err})
}

func (e *Engine) finishCanceled(emit func(Event), key string) {
	e.logger.Info("turn aborted", "session", key)
	emit(Event{Type: EventAborted})
}

// flagContextPressure marks the session for compaction before its next
// turn once accumulated token annotations exceed the configured limit.
func (e *Engine) flagContextPressure(key string) {
	if e.cfg.ContextTokenLimit <= 0 {
		return
	}
	sess, err := e.store.Get(key)
	if err != nil {
		return
	}
	if sess.InputTokens+sess.OutputTokens > int64(e.cfg.ContextTokenLimit) {
		if err := e.store.SetMetadata(key, "compaction_required", true); err == nil {
			e.logger.Info("session flagged for compaction", "session", key,
				"tokens", sess.InputTokens+sess.OutputTokens)
		}
	}
}

// maybeCompact summarizes and compacts a flagged session before the turn
// seeds its history. Failures are logged and the turn proceeds on the
// uncompacted transcript.
func (e *Engine) maybeCompact(ctx context.Context, provider Provider, key string) {
	sess, err := e.store.Get(key)
	if err != nil || sess.Metadata == nil {
		return
	}
	flagged, _ := sess.Metadata["compaction_required"].(bool)
	if !flagged {
		return
	}

	history, err := e.store.History(key, 0)
	if err != nil || len(history) <= e.cfg.KeepRecent {
		return
	}

	var b strings.Builder
	for _, entry := range history[:len(history)-e.cfg.KeepRecent] {
		fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Content)
	}
	summary, err := e.summarize(ctx, provider, b.String())
	if err != nil {
		e.logger.Warn("compaction summarization failed", "session", key, "error", err)
		return
	}
	if err := e.store.Compact(key, summary, e.cfg.KeepRecent); err != nil {
		e.logger.Warn("compaction failed", "session", key, "error", err)
		return
	}
	e.logger.Info("session compacted", "session", key, "kept", e.cfg.KeepRecent)
}

func (e *Engine) summarize(ctx context.Context, provider Provider, transcript string) (string, error) {
	stream, err := provider.Complete(ctx, &CompletionRequest{
		Model:  e.cfg.Model,
		System: "Summarize the conversation so far for your own future reference. Preserve open positions, pending orders, user instructions, and unresolved questions. Be dense and factual.",
		Messages: []CompletionMessage{
			{Role: models.RoleUser, Content: transcript},
		},
		MaxTokens: e.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		b.WriteString(chunk.Text)
	}
	if b.Len() == 0 {
		return "", errors.New("empty summary")
	}
	return b.String(), nil
}

// historyToMessages converts transcript entries to provider-neutral
// messages, grouping consecutive tool results into one message.
func historyToMessages(entries []models.TranscriptEntry) []CompletionMessage {
	var messages []CompletionMessage
	for _, entry := range entries {
		switch entry.Role {
		case models.RoleUser, models.RoleSystem:
			// Compaction summaries ride along as user-visible context.
			role := entry.Role
			if role == models.RoleSystem {
				role = models.RoleUser
			}
			messages = append(messages, CompletionMessage{Role: role, Content: entry.Content})
		case models.RoleAssistant:
			messages = append(messages, CompletionMessage{
				Role:      models.RoleAssistant,
				Content:   entry.Content,
				ToolCalls: entry.ToolCalls,
			})
		case models.RoleTool:
			result := models.ToolResult{
				ToolCallID: entry.ToolCallID,
				Content:    entry.Content,
				IsError:    entry.IsError,
			}
			if n := len(messages); n > 0 && messages[n-1].Role == models.RoleTool {
				messages[n-1].ToolResults = append(messages[n-1].ToolResults, result)
			} else {
				messages = append(messages, CompletionMessage{Role: models.RoleTool, ToolResults: []models.ToolResult{result}})
			}
		}
	}
	return messages
}

func thinkingBudgetFor(level string) (bool, int) {
	switch level {
	case "low":
		return true, 2048
	case "medium":
		return true, 8192
	case "high":
		return true, 16384
	default:
		return false, 0
	}
}
