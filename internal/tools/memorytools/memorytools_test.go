package memorytools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/internal/memory"
)

func testIndex(t *testing.T) *memory.Indexer {
	t.Helper()
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, memory.IndexFile),
		[]byte("# Positions\n\nBTC long from 58k, stop at 55k.\n"), 0o644)
	os.MkdirAll(filepath.Join(dir, memory.MemoryDir), 0o755)
	os.WriteFile(filepath.Join(dir, memory.MemoryDir, "funding.md"),
		[]byte("ETH funding flipped negative on 2026-08-20.\n"), 0o644)

	ix, err := memory.New(dir)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return ix
}

func TestSearchToolFindsChunks(t *testing.T) {
	tool := NewSearchTool(testIndex(t))

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"funding negative"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("result marked error: %s", res.Content)
	}
	if !strings.Contains(res.Content, "memory/funding.md") {
		t.Errorf("results missing hit:\n%s", res.Content)
	}
}

func TestSearchToolRejectsEmptyQuery(t *testing.T) {
	tool := NewSearchTool(testIndex(t))
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"  "}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("empty query accepted")
	}
}

func TestGetToolReadsFile(t *testing.T) {
	tool := NewGetTool(testIndex(t))

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"file":"MEMORY.md"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || !strings.Contains(res.Content, "BTC long from 58k") {
		t.Errorf("result = %+v", res)
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"file":"../secrets.md"}`))
	if !res.IsError {
		t.Error("path escape accepted")
	}
}

func TestRegisterWiresBothTools(t *testing.T) {
	reg := agent.NewRegistry()
	if err := Register(reg, testIndex(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, name := range []string{"memory_search", "memory_get"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}
