package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tradewire/tradewire/pkg/models"
)

// Compact rewrites the session's transcript as one synthetic system entry
// (the summary) followed by the keepRecent most recent entries. The new file
// replaces the old one by rename, the compaction counter increments, and
// token accounting resets to the surviving entries' annotations.
//
// The tail is carried over byte-for-byte so repeated compactions never
// re-encode surviving entries.
func (s *Store) Compact(key, summary string, keepRecent int) error {
	if keepRecent < 0 {
		keepRecent = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	path := s.transcriptPath(sess.ID)

	lines, err := readTranscriptLines(path)
	if err != nil {
		return err
	}
	if len(lines) > keepRecent {
		lines = lines[len(lines)-keepRecent:]
	}

	summaryEntry := models.TranscriptEntry{
		Timestamp: s.nowFunc(),
		Role:      models.RoleSystem,
		Content:   summary,
	}
	head, err := json.Marshal(summaryEntry)
	if err != nil {
		return fmt.Errorf("encode summary entry: %w", err)
	}

	var buf []byte
	buf = append(buf, head...)
	buf = append(buf, '\n')
	var inTokens, outTokens int64
	for _, line := range lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
		var entry models.TranscriptEntry
		if err := json.Unmarshal(line, &entry); err == nil {
			inTokens += int64(entry.InputTokens)
			outTokens += int64(entry.OutputTokens)
		}
	}

	if err := writeFileAtomic(path, buf); err != nil {
		return fmt.Errorf("write compacted transcript: %w", err)
	}

	sess.Compactions++
	sess.InputTokens = inTokens
	sess.OutputTokens = outTokens
	sess.UpdatedAt = s.nowFunc()
	if sess.Metadata != nil {
		delete(sess.Metadata, "compaction_required")
	}
	s.markDirtyLocked()
	s.emit("session.compact", key)
	return nil
}

// readTranscriptLines returns the raw well-formed JSONL lines of a
// transcript, dropping a partial trailing line.
func readTranscriptLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return lines, nil
}
