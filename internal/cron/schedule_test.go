package cron

import (
	"testing"
	"time"
)

func TestNewScheduleValidation(t *testing.T) {
	tests := []struct {
		name    string
		spec    ScheduleSpec
		wantErr bool
	}{
		{"at rfc3339", ScheduleSpec{Kind: "at", At: "2026-04-01T09:00:00Z"}, false},
		{"at short form", ScheduleSpec{Kind: "at", At: "2026-04-01 09:00", Timezone: "America/New_York"}, false},
		{"at garbage", ScheduleSpec{Kind: "at", At: "tomorrow"}, true},
		{"every", ScheduleSpec{Kind: "every", Every: "15m"}, false},
		{"every sub-second", ScheduleSpec{Kind: "every", Every: "500ms"}, true},
		{"every garbage", ScheduleSpec{Kind: "every", Every: "often"}, true},
		{"cron five field", ScheduleSpec{Kind: "cron", Expr: "*/5 * * * *"}, false},
		{"cron descriptor", ScheduleSpec{Kind: "cron", Expr: "@hourly"}, false},
		{"cron garbage", ScheduleSpec{Kind: "cron", Expr: "every 5 minutes"}, true},
		{"unknown kind", ScheduleSpec{Kind: "sometimes"}, true},
		{"bad timezone", ScheduleSpec{Kind: "every", Every: "1m", Timezone: "Mars/Olympus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchedule(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSchedule(%+v) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
}

func TestScheduleNext(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 30, 0, 0, time.UTC)

	t.Run("at fires at the instant while future", func(t *testing.T) {
		at := now.Add(time.Hour)
		s := Schedule{Kind: "at", At: at}
		next, ok, err := s.Next(now)
		if err != nil || !ok {
			t.Fatalf("Next: %v, ok=%v", err, ok)
		}
		if !next.Equal(at) {
			t.Errorf("next = %v, want the original instant", next)
		}
	})

	t.Run("at exhausts once the instant has passed", func(t *testing.T) {
		s := Schedule{Kind: "at", At: now.Add(-time.Hour)}
		_, ok, err := s.Next(now)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ok {
			t.Error("past one-shot should be exhausted")
		}
	})

	t.Run("every anchors on the given time", func(t *testing.T) {
		s := Schedule{Kind: "every", Every: 15 * time.Minute}
		anchor := now.Add(-3 * time.Minute)
		next, ok, err := s.Next(anchor)
		if err != nil || !ok {
			t.Fatalf("Next: %v, ok=%v", err, ok)
		}
		if want := anchor.Add(15 * time.Minute); !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("cron aligns to the expression", func(t *testing.T) {
		s := Schedule{Kind: "cron", Expr: "0 9 * * *", Timezone: "UTC"}
		next, ok, err := s.Next(now)
		if err != nil || !ok {
			t.Fatalf("Next: %v, ok=%v", err, ok)
		}
		want := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})
}
