package heartbeat

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStripToken(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		max      int
		wantAck  bool
		wantText string
	}{
		{"empty response", "", 300, true, ""},
		{"whitespace only", "  \n ", 300, true, ""},
		{"bare token", "HEARTBEAT_OK", 300, true, ""},
		{"token with short commentary", "HEARTBEAT_OK all positions flat", 300, true, ""},
		{"token in markdown", "**HEARTBEAT_OK**", 300, true, ""},
		{"token in html", "<p>HEARTBEAT_OK</p>", 300, true, ""},
		{"plain alert", "BTC dropped 8% below your stop", 300, false, "BTC dropped 8% below your stop"},
		{"token plus long alert", "HEARTBEAT_OK but margin call imminent", 10, false, "but margin call imminent"},
		{"token mid-sentence", "I think HEARTBEAT_OK is the wrong call here, check margin", 300, false, "I think HEARTBEAT_OK is the wrong call here, check margin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripToken(tt.raw, tt.max)
			if got.Ack != tt.wantAck {
				t.Errorf("Ack = %v, want %v", got.Ack, tt.wantAck)
			}
			if !tt.wantAck && got.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestActiveWindowContains(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
	}
	tests := []struct {
		name   string
		window ActiveWindow
		t      time.Time
		want   bool
	}{
		{"zero value always active", ActiveWindow{}, at(3, 0), true},
		{"inside", ActiveWindow{Start: "09:00", End: "17:00", Timezone: "UTC"}, at(12, 0), true},
		{"before start", ActiveWindow{Start: "09:00", End: "17:00", Timezone: "UTC"}, at(8, 59), false},
		{"at end exclusive", ActiveWindow{Start: "09:00", End: "17:00", Timezone: "UTC"}, at(17, 0), false},
		{"end of day", ActiveWindow{Start: "08:00", End: "24:00", Timezone: "UTC"}, at(23, 59), true},
		{"overnight inside", ActiveWindow{Start: "22:00", End: "06:00", Timezone: "UTC"}, at(2, 0), true},
		{"overnight outside", ActiveWindow{Start: "22:00", End: "06:00", Timezone: "UTC"}, at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.window.Contains(tt.t)
			if err != nil {
				t.Fatalf("Contains: %v", err)
			}
			if got != tt.want {
				t.Errorf("Contains = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActiveWindowRejectsBadInput(t *testing.T) {
	if _, err := (ActiveWindow{Start: "24:00", End: "17:00"}).Contains(time.Now()); err == nil {
		t.Error("24:00 start should be rejected")
	}
	if _, err := (ActiveWindow{Start: "09:00", End: "17:00", Timezone: "Mars/Olympus"}).Contains(time.Now()); err == nil {
		t.Error("unknown timezone should be rejected")
	}
}

func TestInspectChecklist(t *testing.T) {
	dir := t.TempDir()

	state, err := inspectChecklist(dir)
	if err != nil || state != checklistMissing {
		t.Errorf("missing file = %v, %v", state, err)
	}

	write := func(content string) {
		if err := os.WriteFile(filepath.Join(dir, ChecklistFile), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write("# Heartbeat\n\n## Checks\n\n---\n")
	state, err = inspectChecklist(dir)
	if err != nil || state != checklistEmpty {
		t.Errorf("headers-only file = %v, %v, want empty", state, err)
	}

	write("# Heartbeat\n- check BTC funding rate\n")
	state, err = inspectChecklist(dir)
	if err != nil || state != checklistHasWork {
		t.Errorf("file with items = %v, %v, want has-work", state, err)
	}
}
