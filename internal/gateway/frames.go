package gateway

import "encoding/json"

// Frame is the single wire unit. The Type discriminator selects which
// fields are meaningful: req carries id/method/params, res carries
// id/ok/payload-or-error, event carries event/payload/seq.
type Frame struct {
	Type string `json:"type"`

	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      *bool       `json:"ok,omitempty"`
	Payload any         `json:"payload,omitempty"`
	Error   *FrameError `json:"error,omitempty"`

	Event string `json:"event,omitempty"`
	Seq   *int64 `json:"seq,omitempty"`
}

// FrameError rides on a failed res frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Closed error-code enum. Handlers never invent codes outside this set.
const (
	CodeInvalidFrame    = "INVALID_FRAME"
	CodeUnknownMethod   = "UNKNOWN_METHOD"
	CodeMissingParams   = "MISSING_PARAMS"
	CodeAuthRequired    = "AUTH_REQUIRED"
	CodeAuthInvalid     = "AUTH_INVALID"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeJobNotFound     = "JOB_NOT_FOUND"
	CodeAgentBusy       = "AGENT_BUSY"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Close codes for connection-fatal protocol violations.
const (
	// closeHandshakeRequired fires when the first frame is not connect.
	closeHandshakeRequired = 4001
	// closeProtocolError fires on malformed JSON.
	closeProtocolError = 1002
)

func resultFrame(id string, payload any) *Frame {
	ok := true
	return &Frame{Type: "res", ID: id, OK: &ok, Payload: payload}
}

func errorFrame(id, code, message string) *Frame {
	ok := false
	return &Frame{Type: "res", ID: id, OK: &ok, Error: &FrameError{Code: code, Message: message}}
}

func eventFrame(event string, payload any, seq int64) *Frame {
	return &Frame{Type: "event", Event: event, Payload: payload, Seq: &seq}
}
