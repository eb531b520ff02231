package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	memDir := filepath.Join(dir, MemoryDir)
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	index := `# Memory

## Trading rules
Never risk more than 2% of the account on a single position.
Stop losses are mandatory on every perp position.

## Preferences
User prefers terse answers and UTC timestamps.
`
	if err := os.WriteFile(filepath.Join(dir, IndexFile), []byte(index), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	shard := `# 2026-03-01
Closed the SOL position at breakeven. Funding on BTC perps
flipped positive, watching for a short entry near 71k.
`
	if err := os.WriteFile(filepath.Join(memDir, "2026-03-01.md"), []byte(shard), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return dir
}

func TestSearchRanksRelevantChunks(t *testing.T) {
	ix, err := New(writeWorkspace(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ix.Close()

	results := ix.Search("stop loss position risk", 5)
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].File != IndexFile || results[0].Heading != "Trading rules" {
		t.Errorf("top hit = %s / %s, want the trading rules section", results[0].File, results[0].Heading)
	}
	if results[0].Snippet == "" {
		t.Error("empty snippet")
	}

	results = ix.Search("funding short entry", 5)
	if len(results) == 0 || results[0].File != filepath.Join(MemoryDir, "2026-03-01.md") {
		t.Errorf("results = %+v, want the dated shard first", results)
	}
}

func TestSearchNoMatches(t *testing.T) {
	ix, err := New(writeWorkspace(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ix.Close()
	if got := ix.Search("zebra xylophone", 5); len(got) != 0 {
		t.Errorf("results = %+v, want none", got)
	}
	if got := ix.Search("", 5); got != nil {
		t.Errorf("empty query results = %+v", got)
	}
}

func TestGet(t *testing.T) {
	ix, err := New(writeWorkspace(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ix.Close()

	content, err := ix.Get(IndexFile)
	if err != nil || content == "" {
		t.Errorf("Get index = %q, %v", content, err)
	}
	if _, err := ix.Get(filepath.Join(MemoryDir, "2026-03-01.md")); err != nil {
		t.Errorf("Get shard: %v", err)
	}
	if _, err := ix.Get("memory/absent.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
	for _, bad := range []string{"../secrets.md", "memory/../../etc/passwd", "config.yaml"} {
		if _, err := ix.Get(bad); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) = %v, want ErrNotFound", bad, err)
		}
	}
}

func TestFiles(t *testing.T) {
	ix, err := New(writeWorkspace(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ix.Close()
	files := ix.Files()
	if len(files) != 2 || files[0] != IndexFile {
		t.Errorf("files = %v", files)
	}
}

func TestWatcherPicksUpNewShard(t *testing.T) {
	dir := writeWorkspace(t)
	ix, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ix.Close()
	if err := ix.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	shard := "# liquidation\nKraken margin account got a liquidation warning at 4am.\n"
	if err := os.WriteFile(filepath.Join(dir, MemoryDir, "2026-03-02.md"), []byte(shard), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if results := ix.Search("liquidation warning", 3); len(results) > 0 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("new shard never showed up in search results")
}

func TestSplitChunksPreamble(t *testing.T) {
	chunks := splitChunks("MEMORY.md", "free-floating note\n\n# Section\nbody text\n")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Heading != "" || chunks[1].Heading != "Section" {
		t.Errorf("headings = %q, %q", chunks[0].Heading, chunks[1].Heading)
	}
}
