package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/internal/cron"
	"github.com/tradewire/tradewire/internal/heartbeat"
	"github.com/tradewire/tradewire/internal/memory"
	"github.com/tradewire/tradewire/internal/sessions"
	"github.com/tradewire/tradewire/pkg/models"
)

// dispatch routes an authenticated request frame to its handler. Every
// path returns exactly one response frame.
func (s *Server) dispatch(c *wsClient, frame *Frame) *Frame {
	switch frame.Method {
	case "connect":
		// Re-connect on an authenticated connection is a no-op ack.
		return resultFrame(frame.ID, map[string]any{"status": "already connected"})
	case "ping":
		return resultFrame(frame.ID, map[string]any{"pong": s.nowFunc().UnixMilli()})
	case "health":
		return resultFrame(frame.ID, s.healthSnapshot())
	case "status":
		return resultFrame(frame.ID, s.statusSnapshot())
	case "sessions.list":
		return s.handleSessionsList(frame)
	case "sessions.get":
		return s.handleSessionsGet(frame)
	case "sessions.delete":
		return s.handleSessionsDelete(frame)
	case "chat.send":
		return s.handleChatSend(c, frame)
	case "chat.history":
		return s.handleChatHistory(frame)
	case "chat.abort":
		return s.handleChatAbort(frame)
	case "cron.list":
		return s.handleCronList(frame)
	case "cron.add":
		return s.handleCronAdd(frame)
	case "cron.update":
		return s.handleCronUpdate(frame)
	case "cron.remove":
		return s.handleCronRemove(frame)
	case "cron.run":
		return s.handleCronRun(frame)
	case "cron.runs":
		return s.handleCronRuns(frame)
	case "memory.search":
		return s.handleMemorySearch(frame)
	case "memory.get":
		return s.handleMemoryGet(frame)
	case "heartbeat.status":
		return s.handleHeartbeatStatus(frame)
	default:
		return errorFrame(frame.ID, CodeUnknownMethod, "unknown method "+frame.Method)
	}
}

type sessionKeyParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type chatSendParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Content    string `json:"content"`
	Model      string `json:"model,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

func (s *Server) handleSessionsList(frame *Frame) *Frame {
	return resultFrame(frame.ID, map[string]any{"sessions": s.deps.Sessions.List()})
}

func (s *Server) handleSessionsGet(frame *Frame) *Frame {
	var params sessionKeyParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	sess, err := s.deps.Sessions.Get(params.SessionKey)
	if errors.Is(err, sessions.ErrNotFound) {
		return errorFrame(frame.ID, CodeSessionNotFound, "no session "+params.SessionKey)
	}
	if err != nil {
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}
	return resultFrame(frame.ID, sess)
}

func (s *Server) handleSessionsDelete(frame *Frame) *Frame {
	var params sessionKeyParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	err := s.deps.Sessions.Delete(params.SessionKey)
	if errors.Is(err, sessions.ErrNotFound) {
		return errorFrame(frame.ID, CodeSessionNotFound, "no session "+params.SessionKey)
	}
	if err != nil {
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}
	return resultFrame(frame.ID, map[string]any{"deleted": params.SessionKey})
}

// handleChatSend accepts the turn, then streams its events through the
// broker. The response acknowledges acceptance; completion arrives as
// chat.* events tagged with this frame's id.
func (s *Server) handleChatSend(c *wsClient, frame *Frame) *Frame {
	var params chatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}

	sessionKey := params.SessionKey
	sessionType := models.SessionTypeDM
	if sessionKey == "" {
		sessionKey = s.deps.Keys.MainKey()
		sessionType = models.SessionTypeMain
	}

	var timeout time.Duration
	if params.Timeout != "" {
		d, err := time.ParseDuration(params.Timeout)
		if err != nil {
			return errorFrame(frame.ID, CodeMissingParams, "invalid timeout: "+err.Error())
		}
		timeout = d
	}

	events, err := s.deps.Engine.Run(s.ctx, agent.TurnRequest{
		RequestID:  frame.ID,
		SessionKey: sessionKey,
		Type:       sessionType,
		Peer:       c.id,
		Content:    params.Content,
		Model:      params.Model,
		Thinking:   params.Thinking,
		Timeout:    timeout,
	})
	switch {
	case errors.Is(err, agent.ErrSessionBusy):
		return errorFrame(frame.ID, CodeAgentBusy, "session is processing another turn")
	case err != nil:
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}

	go s.pumpTurnEvents(events)
	return resultFrame(frame.ID, map[string]any{
		"status":     "accepted",
		"requestId":  frame.ID,
		"sessionKey": sessionKey,
	})
}

// pumpTurnEvents translates engine events into broadcast wire events.
func (s *Server) pumpTurnEvents(events <-chan agent.Event) {
	for ev := range events {
		base := map[string]any{
			"requestId":  ev.RequestID,
			"sessionKey": ev.SessionKey,
		}
		switch ev.Type {
		case agent.EventStart:
			s.broker.Broadcast("chat.start", base)
		case agent.EventChunk:
			base["text"] = ev.Text
			s.broker.Broadcast("chat.chunk", base)
		case agent.EventThinking:
			base["text"] = ev.Text
			base["thinking"] = true
			s.broker.Broadcast("chat.chunk", base)
		case agent.EventToolCall:
			base["toolCall"] = ev.ToolCall
			if ev.ToolCall != nil {
				s.metrics.ToolCallsTotal.WithLabelValues(ev.ToolCall.Name).Inc()
			}
			s.broker.Broadcast("chat.tool_call", base)
		case agent.EventToolResult:
			base["toolResult"] = ev.ToolResult
			s.broker.Broadcast("chat.tool_result", base)
		case agent.EventComplete:
			base["content"] = ev.Content
			base["inputTokens"] = ev.InputTokens
			base["outputTokens"] = ev.OutputTokens
			s.metrics.TurnsTotal.WithLabelValues("complete").Inc()
			s.broker.Broadcast("chat.complete", base)
			s.broker.Broadcast("session.update", map[string]any{"sessionKey": ev.SessionKey})
		case agent.EventError:
			base["code"] = CodeInternalError
			if agent.RateLimited(ev.Err) {
				base["code"] = CodeRateLimited
			}
			if ev.Err != nil {
				base["message"] = ev.Err.Error()
			}
			s.metrics.TurnsTotal.WithLabelValues("error").Inc()
			s.broker.Broadcast("chat.error", base)
		case agent.EventAborted:
			s.metrics.TurnsTotal.WithLabelValues("aborted").Inc()
			s.broker.Broadcast("chat.aborted", base)
		}
	}
}

func (s *Server) handleChatHistory(frame *Frame) *Frame {
	var params sessionKeyParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	if params.SessionKey == "" {
		params.SessionKey = s.deps.Keys.MainKey()
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := s.deps.Sessions.History(params.SessionKey, limit)
	if errors.Is(err, sessions.ErrNotFound) {
		return errorFrame(frame.ID, CodeSessionNotFound, "no session "+params.SessionKey)
	}
	if err != nil {
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}
	return resultFrame(frame.ID, map[string]any{
		"sessionKey": params.SessionKey,
		"entries":    entries,
	})
}

func (s *Server) handleChatAbort(frame *Frame) *Frame {
	var params sessionKeyParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	if params.SessionKey == "" {
		params.SessionKey = s.deps.Keys.MainKey()
	}
	err := s.deps.Engine.Abort(params.SessionKey)
	if errors.Is(err, agent.ErrTurnNotFound) {
		return resultFrame(frame.ID, map[string]any{"aborted": false})
	}
	if err != nil {
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}
	return resultFrame(frame.ID, map[string]any{"aborted": true})
}

type scheduleParams struct {
	Kind     string `json:"kind"`
	At       string `json:"at,omitempty"`
	Every    string `json:"every,omitempty"`
	Expr     string `json:"expr,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type cronAddParams struct {
	Name           string         `json:"name,omitempty"`
	Schedule       scheduleParams `json:"schedule"`
	Prompt         string         `json:"prompt"`
	SessionTarget  string         `json:"sessionTarget,omitempty"`
	WakeMode       string         `json:"wakeMode,omitempty"`
	Announce       bool           `json:"announce,omitempty"`
	Target         string         `json:"target,omitempty"`
	BestEffort     bool           `json:"bestEffort,omitempty"`
	DeleteAfterRun bool           `json:"deleteAfterRun,omitempty"`
	Model          string         `json:"model,omitempty"`
	Thinking       string         `json:"thinking,omitempty"`
	Timeout        string         `json:"timeout,omitempty"`
}

type cronUpdateParams struct {
	JobID    string          `json:"jobId"`
	Name     *string         `json:"name,omitempty"`
	Enabled  *bool           `json:"enabled,omitempty"`
	Prompt   *string         `json:"prompt,omitempty"`
	Schedule *scheduleParams `json:"schedule,omitempty"`
	Target   *string         `json:"target,omitempty"`
	Announce *bool           `json:"announce,omitempty"`
}

type jobIDParams struct {
	JobID string `json:"jobId"`
	Limit int    `json:"limit,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

func (s *Server) cronUnavailable(frame *Frame) *Frame {
	return errorFrame(frame.ID, CodeInternalError, "cron scheduler disabled")
}

func (s *Server) handleCronList(frame *Frame) *Frame {
	if s.deps.Cron == nil {
		return s.cronUnavailable(frame)
	}
	return resultFrame(frame.ID, map[string]any{"jobs": s.deps.Cron.List()})
}

func (s *Server) handleCronAdd(frame *Frame) *Frame {
	if s.deps.Cron == nil {
		return s.cronUnavailable(frame)
	}
	var params cronAddParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	sched, err := cron.NewSchedule(cron.ScheduleSpec{
		Kind:     params.Schedule.Kind,
		At:       params.Schedule.At,
		Every:    params.Schedule.Every,
		Expr:     params.Schedule.Expr,
		Timezone: params.Schedule.Timezone,
	})
	if err != nil {
		return errorFrame(frame.ID, CodeMissingParams, "schedule: "+err.Error())
	}
	var timeout time.Duration
	if params.Timeout != "" {
		timeout, err = time.ParseDuration(params.Timeout)
		if err != nil {
			return errorFrame(frame.ID, CodeMissingParams, "invalid timeout: "+err.Error())
		}
	}

	job := &cron.Job{
		Name:           params.Name,
		Enabled:        true,
		Sched:          sched,
		Prompt:         params.Prompt,
		SessionTarget:  params.SessionTarget,
		WakeMode:       params.WakeMode,
		Announce:       params.Announce,
		Target:         params.Target,
		BestEffort:     params.BestEffort,
		DeleteAfterRun: params.DeleteAfterRun,
		Model:          params.Model,
		Thinking:       params.Thinking,
		Timeout:        timeout,
	}
	if err := s.deps.Cron.Add(job); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	return resultFrame(frame.ID, job)
}

func (s *Server) handleCronUpdate(frame *Frame) *Frame {
	if s.deps.Cron == nil {
		return s.cronUnavailable(frame)
	}
	var params cronUpdateParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}

	var sched cron.Schedule
	if params.Schedule != nil {
		var err error
		sched, err = cron.NewSchedule(cron.ScheduleSpec{
			Kind:     params.Schedule.Kind,
			At:       params.Schedule.At,
			Every:    params.Schedule.Every,
			Expr:     params.Schedule.Expr,
			Timezone: params.Schedule.Timezone,
		})
		if err != nil {
			return errorFrame(frame.ID, CodeMissingParams, "schedule: "+err.Error())
		}
	}

	job, err := s.deps.Cron.Update(params.JobID, func(job *cron.Job) error {
		if params.Name != nil {
			job.Name = *params.Name
		}
		if params.Enabled != nil {
			job.Enabled = *params.Enabled
		}
		if params.Prompt != nil {
			job.Prompt = *params.Prompt
		}
		if params.Schedule != nil {
			job.Sched = sched
		}
		if params.Target != nil {
			job.Target = *params.Target
		}
		if params.Announce != nil {
			job.Announce = *params.Announce
		}
		return nil
	})
	if errors.Is(err, cron.ErrJobNotFound) {
		return errorFrame(frame.ID, CodeJobNotFound, "no job "+params.JobID)
	}
	if err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	return resultFrame(frame.ID, job)
}

func (s *Server) handleCronRemove(frame *Frame) *Frame {
	if s.deps.Cron == nil {
		return s.cronUnavailable(frame)
	}
	var params jobIDParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	err := s.deps.Cron.Remove(params.JobID)
	if errors.Is(err, cron.ErrJobNotFound) {
		return errorFrame(frame.ID, CodeJobNotFound, "no job "+params.JobID)
	}
	if err != nil {
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}
	return resultFrame(frame.ID, map[string]any{"removed": params.JobID})
}

func (s *Server) handleCronRun(frame *Frame) *Frame {
	if s.deps.Cron == nil {
		return s.cronUnavailable(frame)
	}
	var params jobIDParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	force := params.Mode == "force"
	run, err := s.deps.Cron.RunNow(s.ctx, params.JobID, force)
	if errors.Is(err, cron.ErrJobNotFound) {
		return errorFrame(frame.ID, CodeJobNotFound, "no job "+params.JobID)
	}
	if err != nil {
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}
	return resultFrame(frame.ID, run)
}

func (s *Server) handleCronRuns(frame *Frame) *Frame {
	if s.deps.Cron == nil {
		return s.cronUnavailable(frame)
	}
	var params jobIDParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	runs, err := s.deps.Cron.Runs(params.JobID, params.Limit)
	if errors.Is(err, cron.ErrJobNotFound) {
		return errorFrame(frame.ID, CodeJobNotFound, "no job "+params.JobID)
	}
	if err != nil {
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}
	return resultFrame(frame.ID, map[string]any{"jobId": params.JobID, "runs": runs})
}

type memorySearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type memoryGetParams struct {
	File string `json:"file"`
}

func (s *Server) handleMemorySearch(frame *Frame) *Frame {
	if s.deps.Memory == nil {
		return errorFrame(frame.ID, CodeInternalError, "memory indexing disabled")
	}
	var params memorySearchParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	results := s.deps.Memory.Search(params.Query, params.Limit)
	if results == nil {
		results = []memory.SearchResult{}
	}
	return resultFrame(frame.ID, map[string]any{"results": results})
}

func (s *Server) handleMemoryGet(frame *Frame) *Frame {
	if s.deps.Memory == nil {
		return errorFrame(frame.ID, CodeInternalError, "memory indexing disabled")
	}
	var params memoryGetParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return errorFrame(frame.ID, CodeMissingParams, err.Error())
	}
	content, err := s.deps.Memory.Get(params.File)
	if errors.Is(err, memory.ErrNotFound) {
		return resultFrame(frame.ID, map[string]any{"file": params.File, "found": false})
	}
	if err != nil {
		return errorFrame(frame.ID, CodeInternalError, err.Error())
	}
	return resultFrame(frame.ID, map[string]any{
		"file":    params.File,
		"found":   true,
		"content": content,
	})
}

func (s *Server) handleHeartbeatStatus(frame *Frame) *Frame {
	if s.deps.Heartbeat == nil {
		return resultFrame(frame.ID, heartbeat.Stats{Enabled: false})
	}
	return resultFrame(frame.ID, s.deps.Heartbeat.Stats())
}
