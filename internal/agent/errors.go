package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProvider means the configured provider name is not registered.
	ErrNoProvider = errors.New("no such provider")
	// ErrSessionBusy means a turn is already running on the session.
	ErrSessionBusy = errors.New("session busy")
	// ErrMaxIterations means the tool loop hit its per-turn ceiling.
	ErrMaxIterations = errors.New("max tool iterations reached")
	// ErrTurnNotFound means no in-flight turn matches the abort request.
	ErrTurnNotFound = errors.New("turn not found")
)

// ProviderError wraps a backend failure with enough detail to map it to a
// wire error code. Rate-limit responses carry StatusCode 429.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimited reports whether err is a provider 429.
func RateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == 429
}
