package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/tradewire/pkg/models"
)

// ErrNotFound is returned when a session key has no live session.
var ErrNotFound = errors.New("session not found")

// ErrBusy is returned when a session is already processing a turn.
var ErrBusy = errors.New("session busy")

const (
	metaVersion  = 1
	saveDebounce = time.Second

	// maxTranscriptLine bounds a single JSONL entry on read.
	maxTranscriptLine = 4 << 20
)

type metaDocument struct {
	Version  int               `json:"version"`
	Sessions []*models.Session `json:"sessions"`
}

// Store owns all session metadata and transcripts for one agent.
//
// Layout under the state root:
//
//	agents/<agent>/sessions/sessions.json     metadata (debounced saves)
//	agents/<agent>/sessions/<id>.jsonl        transcripts
//	agents/<agent>/sessions/archive/          archived transcripts
//
// Metadata saves are debounced; call Flush on shutdown. Transcript appends
// are written through immediately.
type Store struct {
	dir     string
	agentID string
	expiry  *Expiry
	logger  *slog.Logger
	nowFunc func() time.Time
	onEvent func(kind, key string)

	mu        sync.Mutex
	sessions  map[string]*models.Session // by key
	dirty     bool
	saveTimer *time.Timer
	closed    bool

	busyMu sync.Mutex
	busy   map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOnEvent registers an observer for session lifecycle changes. Kinds
// are "session.update" (reset, delete) and "session.compact".
func WithOnEvent(fn func(kind, key string)) Option {
	return func(s *Store) {
		s.onEvent = fn
	}
}

// WithNow overrides the store's clock for tests.
func WithNow(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFunc = fn
			s.expiry.SetNowFunc(fn)
		}
	}
}

// New opens (or initialises) the session store under stateDir.
func New(stateDir, agentID string, scope ScopeConfig, opts ...Option) (*Store, error) {
	dir := filepath.Join(stateDir, "agents", agentID, "sessions")
	s := &Store{
		dir:      dir,
		agentID:  agentID,
		expiry:   NewExpiry(scope),
		logger:   slog.Default().With("component", "sessions"),
		nowFunc:  time.Now,
		sessions: make(map[string]*models.Session),
		busy:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.metaPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session metadata: %w", err)
	}
	var doc metaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse session metadata: %w", err)
	}
	for _, sess := range doc.Sessions {
		if sess.Key == "" {
			continue
		}
		s.sessions[sess.Key] = sess
	}
	return nil
}

func (s *Store) metaPath() string {
	return filepath.Join(s.dir, "sessions.json")
}

func (s *Store) transcriptPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// GetOrCreate returns the live session for key, creating it lazily on first
// reference. If the existing session has crossed its reset boundary its
// transcript is archived and a fresh session replaces it under the same key.
// The second return is true when the caller received a new session.
func (s *Store) GetOrCreate(key string, typ models.SessionType, channel, peer string) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	existing, ok := s.sessions[key]
	if ok && !s.expiry.Expired(existing) {
		return existing.Clone(), false, nil
	}

	if ok {
		if err := s.archiveTranscriptLocked(existing); err != nil {
			return nil, false, err
		}
		s.logger.Info("session reset", "key", key, "old_id", existing.ID)
		s.emit("session.update", key)
	}

	sess := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   s.agentID,
		Key:       key,
		Type:      typ,
		Channel:   channel,
		Peer:      peer,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[key] = sess
	s.markDirtyLocked()
	return sess.Clone(), true, nil
}

// Get returns the live session for key without triggering a reset.
func (s *Store) Get(key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// List returns all live sessions, most recently updated first.
func (s *Store) List() []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Delete removes the session under key. The transcript is archived, never
// deleted.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if err := s.archiveTranscriptLocked(sess); err != nil {
		return err
	}
	delete(s.sessions, key)
	s.markDirtyLocked()
	s.emit("session.update", key)
	return nil
}

// emit fires the lifecycle hook without blocking store internals.
func (s *Store) emit(kind, key string) {
	if s.onEvent != nil {
		go s.onEvent(kind, key)
	}
}

// Append writes entries as a group to the session's transcript and updates
// activity and token accounting. Appends for one turn arrive in one call so
// a crash never splits a turn across files.
func (s *Store) Append(key string, entries []models.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	path := s.transcriptPath(sess.ID)
	now := s.nowFunc()
	sess.UpdatedAt = now
	for _, e := range entries {
		sess.InputTokens += int64(e.InputTokens)
		sess.OutputTokens += int64(e.OutputTokens)
	}
	s.markDirtyLocked()
	s.mu.Unlock()

	var buf []byte
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode transcript entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// History returns up to limit most recent transcript entries (all if
// limit <= 0). A partial trailing line from a crash is discarded.
func (s *Store) History(key string, limit int) ([]models.TranscriptEntry, error) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	path := s.transcriptPath(sess.ID)
	s.mu.Unlock()

	entries, err := readTranscript(path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// SetModel records a model override on the session.
func (s *Store) SetModel(key, model string) error {
	return s.mutate(key, func(sess *models.Session) {
		sess.Model = model
	})
}

// SetMetadata records one metadata value on the session.
func (s *Store) SetMetadata(key, field string, value any) error {
	return s.mutate(key, func(sess *models.Session) {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any)
		}
		sess.Metadata[field] = value
	})
}

func (s *Store) mutate(key string, fn func(*models.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	fn(sess)
	sess.UpdatedAt = s.nowFunc()
	s.markDirtyLocked()
	return nil
}

// TryLock marks a session as processing. Returns ErrBusy if a turn is
// already in flight for the key.
func (s *Store) TryLock(key string) error {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if s.busy[key] {
		return ErrBusy
	}
	s.busy[key] = true
	return nil
}

// Unlock releases the processing mark set by TryLock.
func (s *Store) Unlock(key string) {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	delete(s.busy, key)
}

// Busy reports whether a turn is in flight for the key.
func (s *Store) Busy(key string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.busy[key]
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Flush forces a pending metadata save to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Close flushes and stops the debounce timer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	return s.saveLocked()
}

// markDirtyLocked schedules a debounced save. Caller holds s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.closed || s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.saveTimer = nil
		if err := s.saveLocked(); err != nil {
			s.logger.Error("session metadata save failed", "error", err)
		}
	})
}

func (s *Store) saveLocked() error {
	if !s.dirty {
		return nil
	}
	doc := metaDocument{Version: metaVersion, Sessions: make([]*models.Session, 0, len(s.sessions))}
	for _, sess := range s.sessions {
		doc.Sessions = append(doc.Sessions, sess)
	}
	sort.Slice(doc.Sessions, func(i, j int) bool {
		return doc.Sessions[i].Key < doc.Sessions[j].Key
	})
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(), data); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	s.dirty = false
	return nil
}

// archiveTranscriptLocked moves the session's transcript into the archive
// directory. Missing transcripts (no entries yet) are not an error.
func (s *Store) archiveTranscriptLocked(sess *models.Session) error {
	src := s.transcriptPath(sess.ID)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	stamp := s.nowFunc().UTC().Format("20060102T150405Z")
	dst := filepath.Join(s.dir, "archive", sess.ID+"-"+stamp+".jsonl")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archive transcript: %w", err)
	}
	return nil
}

func readTranscript(path string) ([]models.TranscriptEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []models.TranscriptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.TranscriptEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Partial trailing line from a crash; drop it.
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return entries, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
