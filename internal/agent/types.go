package agent

import (
	"context"
	"encoding/json"

	"github.com/tradewire/tradewire/pkg/models"
)

// Provider streams completions from one LLM backend.
type Provider interface {
	// Complete starts a streaming completion. The returned channel is
	// closed after a chunk with Done or Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	// Name is the provider's registry key, e.g. "anthropic".
	Name() string
	// SupportsTools reports whether tool definitions may be attached.
	SupportsTools() bool
}

// CompletionRequest is one model call within a turn.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolDefinition
	MaxTokens int

	EnableThinking       bool
	ThinkingBudgetTokens int
}

// CompletionMessage is a prior conversation message in provider-neutral form.
type CompletionMessage struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// CompletionChunk is one streamed increment of a completion.
type CompletionChunk struct {
	Text     string
	Thinking string
	ToolCall *models.ToolCall
	Done     bool
	Error    error

	// Usage is only populated on the Done chunk.
	InputTokens  int
	OutputTokens int
}

// ToolDefinition is the model-facing description of a registered tool.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Tool is an executable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's input object.
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

const (
	// MaxToolNameLength bounds names accepted by the registry.
	MaxToolNameLength = 256
	// MaxToolParamsSize bounds a single tool invocation's input payload.
	MaxToolParamsSize = 10 << 20
)
