package models

import "time"

// SessionType classifies how a session came to exist.
type SessionType string

const (
	SessionTypeDM     SessionType = "dm"
	SessionTypeGroup  SessionType = "group"
	SessionTypeThread SessionType = "thread"
	SessionTypeCron   SessionType = "cron"
	SessionTypeNode   SessionType = "node"
	SessionTypeMain   SessionType = "main"
)

// Session is one keyed conversation owned by the gateway. The key is the
// stable identity (see sessions.KeyBuilder); the ID changes when a reset
// policy archives the transcript and replaces the session in place.
type Session struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Key          string         `json:"key"`
	Type         SessionType    `json:"type"`
	Title        string         `json:"title,omitempty"`
	Channel      string         `json:"channel,omitempty"`
	Peer         string         `json:"peer,omitempty"`
	Model        string         `json:"model,omitempty"`
	Enabled      bool           `json:"enabled"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	Compactions  int            `json:"compactions"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep-enough copy for handing outside the store's lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
