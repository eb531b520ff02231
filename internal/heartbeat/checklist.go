package heartbeat

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ChecklistFile is the workspace file a tick asks the agent to follow.
const ChecklistFile = "HEARTBEAT.md"

// checklistState is what a pre-tick look at HEARTBEAT.md found.
type checklistState int

const (
	checklistMissing checklistState = iota
	checklistEmpty
	checklistHasWork
)

// inspectChecklist reads workspace/HEARTBEAT.md and decides whether a
// model call is worth making. Headers, blank lines, and horizontal rules
// do not count as work; a file holding only those is empty.
func inspectChecklist(workspaceDir string) (checklistState, error) {
	data, err := os.ReadFile(filepath.Join(workspaceDir, ChecklistFile))
	if errors.Is(err, os.ErrNotExist) {
		return checklistMissing, nil
	}
	if err != nil {
		return checklistMissing, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if isHorizontalRule(trimmed) {
			continue
		}
		return checklistHasWork, nil
	}
	return checklistEmpty, nil
}

func isHorizontalRule(line string) bool {
	if len(line) < 3 {
		return false
	}
	c := line[0]
	if c != '-' && c != '*' && c != '_' {
		return false
	}
	for i := 0; i < len(line); i++ {
		if line[i] != c && line[i] != ' ' {
			return false
		}
	}
	return true
}
