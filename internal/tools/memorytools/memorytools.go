// Package memorytools exposes the workspace memory index to the model
// as memory_search and memory_get tools.
package memorytools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/internal/memory"
	"github.com/tradewire/tradewire/pkg/models"
)

const defaultMaxResults = 5

// SearchTool answers memory_search calls from the live index.
type SearchTool struct {
	index *memory.Indexer
}

func NewSearchTool(index *memory.Indexer) *SearchTool {
	return &SearchTool{index: index}
}

func (t *SearchTool) Name() string { return "memory_search" }

func (t *SearchTool) Description() string {
	return "Search the agent's memory files (MEMORY.md and memory/*.md) for a query."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query"},
    "max_results": {"type": "integer", "description": "Max results to return", "minimum": 1, "maximum": 20}
  },
  "required": ["query"]
}`)
}

func (t *SearchTool) Execute(_ context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errResult("invalid params: " + err.Error()), nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return errResult("query is required"), nil
	}
	limit := input.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}

	results := t.index.Search(query, limit)
	payload, err := json.MarshalIndent(struct {
		Query   string                `json:"query"`
		Results []memory.SearchResult `json:"results"`
	}{Query: query, Results: results}, "", "  ")
	if err != nil {
		return errResult("encode results: " + err.Error()), nil
	}
	return &models.ToolResult{Content: string(payload)}, nil
}

// GetTool answers memory_get calls with full file content.
type GetTool struct {
	index *memory.Indexer
}

func NewGetTool(index *memory.Indexer) *GetTool {
	return &GetTool{index: index}
}

func (t *GetTool) Name() string { return "memory_get" }

func (t *GetTool) Description() string {
	return "Read MEMORY.md or a memory/*.md file in full."
}

func (t *GetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "file": {"type": "string", "description": "File path relative to the workspace, e.g. MEMORY.md or memory/2026-08-24.md"}
  },
  "required": ["file"]
}`)
}

func (t *GetTool) Execute(_ context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errResult("invalid params: " + err.Error()), nil
	}
	file := strings.TrimSpace(input.File)
	if file == "" {
		return errResult("file is required"), nil
	}
	content, err := t.index.Get(file)
	if err != nil {
		return errResult(err.Error()), nil
	}
	return &models.ToolResult{Content: content}, nil
}

// Register adds both memory tools to the registry.
func Register(reg *agent.Registry, index *memory.Indexer) error {
	for _, tool := range []agent.Tool{NewSearchTool(index), NewGetTool(index)} {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	return nil
}

func errResult(msg string) *models.ToolResult {
	return &models.ToolResult{Content: msg, IsError: true}
}
