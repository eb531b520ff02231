package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

// Schedule describes when a job fires: once at a fixed instant, on a
// drifting interval anchored to the previous run, or on a cron expression.
type Schedule struct {
	Kind     string        `json:"kind"` // "at", "every", "cron"
	At       time.Time     `json:"at,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	Expr     string        `json:"expr,omitempty"`
	Timezone string        `json:"tz,omitempty"`
}

// ScheduleSpec is the wire form of a schedule, as received over the API.
type ScheduleSpec struct {
	Kind     string `json:"kind"`
	At       string `json:"at,omitempty"`    // RFC3339 or "2006-01-02 15:04"
	Every    string `json:"every,omitempty"` // Go duration, e.g. "15m"
	Expr     string `json:"expr,omitempty"`  // five-field cron
	Timezone string `json:"tz,omitempty"`
}

// NewSchedule validates a spec and resolves it into a Schedule.
func NewSchedule(spec ScheduleSpec) (Schedule, error) {
	kind := strings.TrimSpace(strings.ToLower(spec.Kind))
	sched := Schedule{Kind: kind, Timezone: strings.TrimSpace(spec.Timezone)}
	switch kind {
	case "at":
		at, err := parseAt(spec.At, sched.Timezone)
		if err != nil {
			return Schedule{}, err
		}
		sched.At = at
	case "every":
		every, err := time.ParseDuration(strings.TrimSpace(spec.Every))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q: %w", spec.Every, err)
		}
		if every < time.Second {
			return Schedule{}, fmt.Errorf("interval %s below 1s minimum", every)
		}
		sched.Every = every
	case "cron":
		expr := strings.TrimSpace(spec.Expr)
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron schedule missing expression")
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		sched.Expr = expr
	default:
		return Schedule{}, fmt.Errorf("unknown schedule kind %q", spec.Kind)
	}
	if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", sched.Timezone, err)
		}
	}
	return sched, nil
}

// Next computes the run after `from`. For "every", `from` is the anchor:
// the previous run's start, or the job's creation time before any run has
// happened, so intervals drift with execution. ok=false means the
// schedule is exhausted.
func (s Schedule) Next(from time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case "at":
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		// Once the instant has passed the one-shot is exhausted. A job
		// already scheduled keeps its stored next-run, so a fire missed
		// while due still happens; only recomputation exhausts it.
		if s.At.After(from) {
			return s.At, true, nil
		}
		return time.Time{}, false, nil
	case "every":
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing interval")
		}
		return from.Add(s.Every), true, nil
	case "cron":
		if s.Expr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		loc := from.Location()
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		parsed, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := parsed.Next(from.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func parseAt(value, tz string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("at schedule missing timestamp")
	}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			if parsed, err := time.ParseInLocation(time.RFC3339, value, loc); err == nil {
				return parsed, nil
			}
			if parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc); err == nil {
				return parsed, nil
			}
		}
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid at timestamp %q", value)
}
