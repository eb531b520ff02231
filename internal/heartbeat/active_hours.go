package heartbeat

import (
	"fmt"
	"regexp"
	"time"
)

// ActiveWindow is a wall-clock window in a named timezone. A zero value
// means always active. End may be "24:00" for end of day, and a window
// whose end precedes its start spans midnight.
type ActiveWindow struct {
	Start    string
	End      string
	Timezone string
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]|24):([0-5]\d)$`)

// parseClock parses HH:MM into minutes since midnight. 24:00 is only
// accepted when allow24 is set.
func parseClock(s string, allow24 bool) (int, error) {
	if !clockPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, err
	}
	if hour == 24 {
		if !allow24 || minute != 0 {
			return 0, fmt.Errorf("24:00 is only valid as an end time")
		}
		return 24 * 60, nil
	}
	return hour*60 + minute, nil
}

func (w ActiveWindow) location() (*time.Location, error) {
	switch w.Timezone {
	case "", "local":
		return time.Local, nil
	case "utc", "UTC":
		return time.UTC, nil
	default:
		return time.LoadLocation(w.Timezone)
	}
}

// Contains reports whether t falls inside the window.
func (w ActiveWindow) Contains(t time.Time) (bool, error) {
	if w.Start == "" && w.End == "" {
		return true, nil
	}
	loc, err := w.location()
	if err != nil {
		return false, fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
	}
	start, err := parseClock(w.Start, false)
	if err != nil {
		return false, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseClock(w.End, true)
	if err != nil {
		return false, fmt.Errorf("invalid end: %w", err)
	}

	local := t.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	if start <= end {
		return minutes >= start && minutes < end, nil
	}
	// Overnight window, e.g. 22:00-06:00.
	return minutes >= start || minutes < end, nil
}
