package cron

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("cron job not found")
	ErrJobExists   = errors.New("cron job already exists")
)

// SessionTarget says which session a job's turn runs in.
const (
	// TargetMain runs the job in the agent's main session, sharing its
	// transcript with interactive chat.
	TargetMain = "main"
	// TargetIsolated runs the job in a dedicated per-job session.
	TargetIsolated = "isolated"
)

// WakeMode says when a fired job's payload reaches the agent.
const (
	// WakeNow runs a turn immediately when the job fires.
	WakeNow = "now"
	// WakeNextHeartbeat queues the payload for injection into the next
	// heartbeat prompt instead of running a turn.
	WakeNextHeartbeat = "next-heartbeat"
)

// Job is one scheduled agent task.
type Job struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Enabled bool     `json:"enabled"`
	Sched   Schedule `json:"schedule"`

	// Prompt is the turn content submitted when the job fires.
	Prompt string `json:"prompt"`

	// SessionTarget is "main" or "isolated".
	SessionTarget string `json:"session_target"`

	// WakeMode is "now" (default) or "next-heartbeat".
	WakeMode string `json:"wake_mode,omitempty"`

	// Announce delivers the run's output to Target after a successful
	// isolated run.
	Announce bool   `json:"announce,omitempty"`
	Target   string `json:"target,omitempty"`
	// BestEffort keeps a run successful even when delivery fails.
	BestEffort bool `json:"best_effort,omitempty"`

	// DeleteAfterRun removes the job once it has run. Implied for "at"
	// schedules.
	DeleteAfterRun bool `json:"delete_after_run,omitempty"`

	Model    string        `json:"model,omitempty"`
	Thinking string        `json:"thinking,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NextRun    time.Time `json:"next_run,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastStatus RunStatus `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RunCount   int       `json:"run_count,omitempty"`
}

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
	RunTimeout RunStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool { return s != RunRunning }

// Run is one execution attempt, persisted to the job's history file.
type Run struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Status     RunStatus `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`

	// Delivered reports whether the announce callback pushed the output
	// to DeliveryTarget.
	Delivered      bool   `json:"delivered,omitempty"`
	DeliveryTarget string `json:"delivery_target,omitempty"`
}

// Event is emitted at run start and completion.
type Event struct {
	Type string `json:"type"` // "start" or "complete"
	Run  Run    `json:"run"`
}
