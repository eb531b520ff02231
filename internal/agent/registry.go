package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tradewire/tradewire/pkg/models"
)

// cataloguePriority orders tool families when the catalogue must be capped
// for a provider limit. Earlier prefixes survive first.
var cataloguePriority = []string{"trading", "memory", "fs", "status", "config"}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
	order  int
}

// Registry holds the agent's executable tools and validates every
// invocation's arguments against the tool's schema before dispatch.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]registeredTool
	nextOrder int
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool, compiling its schema. A tool whose schema does not
// compile is rejected rather than registered unvalidated.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}

	compiled, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = registeredTool{tool: tool, schema: compiled, order: r.nextOrder}
	r.nextOrder++
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Execute runs a tool call. Unknown tools, oversized payloads, and schema
// violations come back as error-marked results with a nil error so the
// model sees the failure and can correct itself; only handler errors
// propagate as Go errors.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return errResult(call.ID, fmt.Sprintf("unknown tool %q", call.Name)), nil
	}
	if len(call.Input) > MaxToolParamsSize {
		return errResult(call.ID, fmt.Sprintf("tool input exceeds %d bytes", MaxToolParamsSize)), nil
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded interface{}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return errResult(call.ID, "tool input is not valid JSON: "+err.Error()), nil
	}
	if err := rt.schema.Validate(decoded); err != nil {
		return errResult(call.ID, "tool input rejected: "+err.Error()), nil
	}

	result, err := rt.tool.Execute(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	if result == nil {
		result = &models.ToolResult{}
	}
	result.ToolCallID = call.ID
	return result, nil
}

// Definitions returns the model-facing catalogue, capped to max entries
// when max > 0. Capping keeps whole families in priority order, then
// registration order within a family and for the remainder.
func (r *Registry) Definitions(max int) []ToolDefinition {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	orders := make(map[string]int, len(r.tools))
	for name, rt := range r.tools {
		names = append(names, name)
		orders[name] = rt.order
	}
	r.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool {
		pi, pj := priorityRank(names[i]), priorityRank(names[j])
		if pi != pj {
			return pi < pj
		}
		return orders[names[i]] < orders[names[j]]
	})
	if max > 0 && len(names) > max {
		names = names[:max]
	}

	defs := make([]ToolDefinition, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		rt, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        name,
			Description: rt.tool.Description(),
			Schema:      rt.tool.Schema(),
		})
	}
	return defs
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func priorityRank(name string) int {
	for i, prefix := range cataloguePriority {
		if strings.HasPrefix(name, prefix+"_") || name == prefix {
			return i
		}
	}
	return len(cataloguePriority)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return compiled, nil
}

func errResult(callID, msg string) *models.ToolResult {
	return &models.ToolResult{ToolCallID: callID, Content: msg, IsError: true}
}
