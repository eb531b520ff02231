package sessions

import (
	"testing"
	"time"

	"github.com/tradewire/tradewire/pkg/models"
)

func dmSession(updated time.Time) *models.Session {
	return &models.Session{
		ID:        "s1",
		Key:       "agent:trader:main",
		Type:      models.SessionTypeDM,
		Channel:   "telegram",
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestDailyExpiry(t *testing.T) {
	// Reset at 04:00; session last touched at 03:00 the same day.
	e := NewExpiry(ScopeConfig{Reset: ResetConfig{Mode: ResetModeDaily, AtHour: 4}})
	last := time.Date(2026, 3, 10, 3, 0, 0, 0, time.Local)
	sess := dmSession(last)

	e.SetNowFunc(func() time.Time { return time.Date(2026, 3, 10, 3, 30, 0, 0, time.Local) })
	if e.Expired(sess) {
		t.Error("expired before the reset hour")
	}

	e.SetNowFunc(func() time.Time { return time.Date(2026, 3, 10, 4, 1, 0, 0, time.Local) })
	if !e.Expired(sess) {
		t.Error("not expired after crossing the reset hour")
	}

	// Activity after the boundary keeps the session alive.
	sess.UpdatedAt = time.Date(2026, 3, 10, 4, 5, 0, 0, time.Local)
	e.SetNowFunc(func() time.Time { return time.Date(2026, 3, 10, 23, 0, 0, 0, time.Local) })
	if e.Expired(sess) {
		t.Error("expired despite activity after the boundary")
	}
}

func TestDailyExpiryOvernight(t *testing.T) {
	// At 02:00, the governing boundary is yesterday's 04:00.
	e := NewExpiry(ScopeConfig{Reset: ResetConfig{Mode: ResetModeDaily, AtHour: 4}})
	sess := dmSession(time.Date(2026, 3, 9, 23, 0, 0, 0, time.Local))
	e.SetNowFunc(func() time.Time { return time.Date(2026, 3, 10, 2, 0, 0, 0, time.Local) })
	if e.Expired(sess) {
		t.Error("session from last evening expired before today's reset hour")
	}
}

func TestIdleExpiry(t *testing.T) {
	e := NewExpiry(ScopeConfig{Reset: ResetConfig{Mode: ResetModeIdle, IdleMinutes: 30}})
	last := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	sess := dmSession(last)

	e.SetNowFunc(func() time.Time { return last.Add(29 * time.Minute) })
	if e.Expired(sess) {
		t.Error("expired before idle threshold")
	}
	e.SetNowFunc(func() time.Time { return last.Add(31 * time.Minute) })
	if !e.Expired(sess) {
		t.Error("not expired past idle threshold")
	}
}

func TestBothModeEitherCondition(t *testing.T) {
	e := NewExpiry(ScopeConfig{Reset: ResetConfig{Mode: ResetModeBoth, AtHour: 4, IdleMinutes: 60}})
	last := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	sess := dmSession(last)

	// Idle trips first, same day, before the daily hour matters.
	e.SetNowFunc(func() time.Time { return last.Add(2 * time.Hour) })
	if !e.Expired(sess) {
		t.Error("both mode did not trip on idle")
	}
}

func TestResolutionOrder(t *testing.T) {
	cfg := ScopeConfig{
		Reset:          ResetConfig{Mode: ResetModeNever},
		ResetByType:    map[string]ResetConfig{"dm": {Mode: ResetModeIdle, IdleMinutes: 10}},
		ResetByChannel: map[string]ResetConfig{"telegram": {Mode: ResetModeNever}},
	}
	e := NewExpiry(cfg)
	last := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	e.SetNowFunc(func() time.Time { return last.Add(time.Hour) })

	// Channel override wins over the type override.
	sess := dmSession(last)
	if e.Expired(sess) {
		t.Error("channel override (never) should win")
	}

	// Without a channel match, the type override applies.
	sess.Channel = "discord"
	if !e.Expired(sess) {
		t.Error("type override (idle 10m) should apply")
	}
}

func TestNeverMode(t *testing.T) {
	e := NewExpiry(ScopeConfig{})
	sess := dmSession(time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local))
	e.SetNowFunc(func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local) })
	if e.Expired(sess) {
		t.Error("unset mode should never expire")
	}
}
