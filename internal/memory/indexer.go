// Package memory indexes the agent's workspace memory files and serves
// keyword search over them. The corpus is MEMORY.md plus memory/*.md
// under the workspace; edits are picked up by a filesystem watcher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// IndexFile is the long-lived curated memory document.
	IndexFile = "MEMORY.md"
	// MemoryDir holds dated or topical memory shards.
	MemoryDir = "memory"

	defaultDebounce = 250 * time.Millisecond
	snippetLen      = 240
)

// ErrNotFound means the requested memory file is not part of the corpus.
var ErrNotFound = errors.New("memory file not found")

// chunk is one heading-delimited section of a memory file.
type chunk struct {
	File    string
	Heading string
	Content string
	tokens  map[string]int
	total   int
}

// SearchResult is one search hit.
type SearchResult struct {
	File    string  `json:"file"`
	Heading string  `json:"heading,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Indexer maintains the in-memory chunk index and the watcher behind it.
type Indexer struct {
	workspaceDir string
	logger       *slog.Logger
	debounce     time.Duration

	mu     sync.RWMutex
	chunks []*chunk

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

type Option func(*Indexer)

func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = l.With("component", "memory") }
}

// New builds the index immediately; call Start to keep it fresh.
func New(workspaceDir string, opts ...Option) (*Indexer, error) {
	ix := &Indexer{
		workspaceDir: workspaceDir,
		logger:       slog.Default().With("component", "memory"),
		debounce:     defaultDebounce,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if err := ix.Reindex(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Start begins watching the workspace for memory edits.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.watchMu.Lock()
	defer ix.watchMu.Unlock()
	if ix.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(ix.workspaceDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch workspace: %w", err)
	}
	memDir := filepath.Join(ix.workspaceDir, MemoryDir)
	if info, err := os.Stat(memDir); err == nil && info.IsDir() {
		if err := watcher.Add(memDir); err != nil {
			ix.logger.Warn("failed to watch memory dir", "error", err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	ix.watcher = watcher
	ix.watchCancel = cancel
	ix.watchWg.Add(1)
	go ix.watchLoop(watchCtx, watcher)
	return nil
}

func (ix *Indexer) Close() error {
	ix.watchMu.Lock()
	if ix.watchCancel != nil {
		ix.watchCancel()
		ix.watchCancel = nil
	}
	watcher := ix.watcher
	ix.watcher = nil
	ix.watchMu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	ix.watchWg.Wait()
	return nil
}

func (ix *Indexer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer ix.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReindex := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(ix.debounce, func() {
			if err := ix.Reindex(); err != nil {
				ix.logger.Warn("reindex failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isMemoryPath(ix.workspaceDir, event.Name) {
				// A memory/ dir appearing needs a new watch.
				if event.Op&fsnotify.Create != 0 && filepath.Base(event.Name) == MemoryDir {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
						scheduleReindex()
					}
				}
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReindex()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ix.logger.Warn("watch error", "error", err)
		}
	}
}

func isMemoryPath(workspaceDir, path string) bool {
	rel, err := filepath.Rel(workspaceDir, path)
	if err != nil {
		return false
	}
	if rel == IndexFile {
		return true
	}
	dir, file := filepath.Split(rel)
	return filepath.Clean(dir) == MemoryDir && strings.HasSuffix(file, ".md")
}

// Reindex rebuilds the chunk index from disk.
func (ix *Indexer) Reindex() error {
	var chunks []*chunk

	indexPath := filepath.Join(ix.workspaceDir, IndexFile)
	if data, err := os.ReadFile(indexPath); err == nil {
		chunks = append(chunks, splitChunks(IndexFile, string(data))...)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", IndexFile, err)
	}

	memDir := filepath.Join(ix.workspaceDir, MemoryDir)
	entries, err := os.ReadDir(memDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read memory dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(memDir, entry.Name()))
		if err != nil {
			ix.logger.Warn("skipping unreadable memory file", "file", entry.Name(), "error", err)
			continue
		}
		rel := filepath.Join(MemoryDir, entry.Name())
		chunks = append(chunks, splitChunks(rel, string(data))...)
	}

	ix.mu.Lock()
	ix.chunks = chunks
	ix.mu.Unlock()
	ix.logger.Debug("memory reindexed", "chunks", len(chunks))
	return nil
}

// Search scores chunks by query-token overlap, best first.
func (ix *Indexer) Search(query string, limit int) []SearchResult {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var results []SearchResult
	for _, c := range ix.chunks {
		matched := 0
		occurrences := 0
		for term := range terms {
			if n := c.tokens[term]; n > 0 {
				matched++
				occurrences += n
			}
		}
		if matched == 0 {
			continue
		}
		// Distinct term coverage dominates; raw frequency breaks ties,
		// damped so huge chunks don't win on bulk alone.
		score := float64(matched)/float64(len(terms)) +
			float64(occurrences)/float64(c.total+20)
		results = append(results, SearchResult{
			File:    c.File,
			Heading: c.Heading,
			Snippet: makeSnippet(c.Content, terms),
			Score:   score,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].File != results[j].File {
			return results[i].File < results[j].File
		}
		return results[i].Heading < results[j].Heading
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Get returns a memory file's full content. Only MEMORY.md and files
// directly under memory/ are reachable.
func (ix *Indexer) Get(file string) (string, error) {
	clean := filepath.Clean(file)
	valid := clean == IndexFile ||
		(filepath.Dir(clean) == MemoryDir && strings.HasSuffix(clean, ".md") && !strings.Contains(clean, ".."))
	if !valid {
		return "", fmt.Errorf("%w: %s", ErrNotFound, file)
	}
	data, err := os.ReadFile(filepath.Join(ix.workspaceDir, clean))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, file)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Files lists the corpus, index file first.
func (ix *Indexer) Files() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]struct{})
	var files []string
	for _, c := range ix.chunks {
		if _, ok := seen[c.File]; ok {
			continue
		}
		seen[c.File] = struct{}{}
		files = append(files, c.File)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i] == IndexFile {
			return true
		}
		if files[j] == IndexFile {
			return false
		}
		return files[i] < files[j]
	})
	return files
}

// splitChunks breaks a markdown document into heading-delimited sections.
// Content before the first heading forms a chunk with no heading.
func splitChunks(file, content string) []*chunk {
	var chunks []*chunk
	var heading string
	var body strings.Builder

	flush := func() {
		text := strings.TrimSpace(body.String())
		body.Reset()
		if text == "" && heading == "" {
			return
		}
		c := &chunk{File: file, Heading: heading, Content: text}
		c.tokens = tokenize(heading + " " + text)
		for _, n := range c.tokens {
			c.total += n
		}
		if c.total > 0 {
			chunks = append(chunks, c)
		}
	}

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			flush()
			heading = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "# "))
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return chunks
}

// tokenize lowercases and splits on non-alphanumeric runs, dropping
// single-character fragments.
func tokenize(text string) map[string]int {
	tokens := make(map[string]int)
	var b strings.Builder
	flush := func() {
		if b.Len() > 1 {
			tokens[strings.ToLower(b.String())]++
		}
		b.Reset()
	}
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// makeSnippet returns a window of the content around the first matched
// term, or the leading text when no term lands in the body.
func makeSnippet(content string, terms map[string]int) string {
	lower := strings.ToLower(content)
	pos := -1
	for term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	start := 0
	if pos > snippetLen/2 {
		start = pos - snippetLen/2
	}
	end := start + snippetLen
	if end > len(content) {
		end = len(content)
	}
	snippet := strings.TrimSpace(content[start:end])
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(content) {
		snippet += "…"
	}
	return snippet
}
