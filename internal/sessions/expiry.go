package sessions

import (
	"strings"
	"time"

	"github.com/tradewire/tradewire/pkg/models"
)

// Reset modes.
const (
	ResetModeNever = ""
	ResetModeDaily = "daily"
	ResetModeIdle  = "idle"
	ResetModeBoth  = "both"
)

// Expiry decides whether a session has crossed its reset boundary.
// Resolution order for the applicable config: channel override, then type
// override, then the default.
type Expiry struct {
	cfg      ScopeConfig
	nowFunc  func() time.Time
	location *time.Location
}

// NewExpiry creates an Expiry checker using the host's local timezone.
func NewExpiry(cfg ScopeConfig) *Expiry {
	return &Expiry{cfg: cfg, nowFunc: time.Now, location: time.Local}
}

// SetNowFunc overrides the clock for tests.
func (e *Expiry) SetNowFunc(fn func() time.Time) {
	e.nowFunc = fn
}

// Expired reports whether the session should be archived and replaced.
func (e *Expiry) Expired(session *models.Session) bool {
	if session == nil {
		return false
	}
	cfg := e.resolve(session.Channel, string(session.Type))
	now := e.nowFunc()

	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case ResetModeDaily:
		return e.dailyExpired(session, cfg.AtHour, now)
	case ResetModeIdle:
		return e.idleExpired(session, cfg.IdleMinutes, now)
	case ResetModeBoth:
		return e.dailyExpired(session, cfg.AtHour, now) ||
			e.idleExpired(session, cfg.IdleMinutes, now)
	default:
		return false
	}
}

func (e *Expiry) resolve(channel, sessionType string) ResetConfig {
	if cfg, ok := e.cfg.ResetByChannel[channel]; ok {
		return cfg
	}
	if cfg, ok := e.cfg.ResetByType[sessionType]; ok {
		return cfg
	}
	return e.cfg.Reset
}

// dailyExpired reports whether the daily reset hour has passed since the
// session's last activity.
func (e *Expiry) dailyExpired(session *models.Session, atHour int, now time.Time) bool {
	if atHour < 0 || atHour > 23 {
		atHour = 0
	}
	last := lastActivity(session)
	if last.IsZero() {
		return false
	}

	nowLoc := now.In(e.location)
	boundary := time.Date(nowLoc.Year(), nowLoc.Month(), nowLoc.Day(), atHour, 0, 0, 0, e.location)
	// Before today's reset hour the governing boundary is yesterday's.
	if nowLoc.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return last.In(e.location).Before(boundary)
}

func (e *Expiry) idleExpired(session *models.Session, idleMinutes int, now time.Time) bool {
	if idleMinutes <= 0 {
		return false
	}
	last := lastActivity(session)
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= time.Duration(idleMinutes)*time.Minute
}

func lastActivity(session *models.Session) time.Time {
	if !session.UpdatedAt.IsZero() {
		return session.UpdatedAt
	}
	return session.CreatedAt
}
