package providers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/pkg/models"
)

const (
	// maxEmptyStreamEvents bails out of a stream that produces events but
	// no content, which some proxies emit when wedged.
	maxEmptyStreamEvents = 300

	anthropicMaxRetries = 2
	anthropicRetryDelay = time.Second
)

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	logger *slog.Logger
}

func NewAnthropic(apiKey, baseURL string, logger *slog.Logger) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		logger: logger.With("component", "provider", "provider", "anthropic"),
	}
}

func (p *Anthropic) Name() string        { return "anthropic" }
func (p *Anthropic) SupportsTools() bool { return true }

func (p *Anthropic) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.EnableThinking && req.ThinkingBudgetTokens > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudgetTokens))
	}
	for _, def := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			p.logger.Warn("skipping tool with bad schema", "tool", def.Name, "error", err)
			continue
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		toolParam.OfTool.Description = anthropic.String(def.Description)
		params.Tools = append(params.Tools, toolParam)
	}

	out := make(chan *agent.CompletionChunk, 32)
	go p.stream(ctx, params, out)
	return out, nil
}

func (p *Anthropic) stream(ctx context.Context, params anthropic.MessageNewParams, out chan<- *agent.CompletionChunk) {
	defer close(out)

	for attempt := 0; ; attempt++ {
		emitted, err := p.streamOnce(ctx, params, out)
		if err == nil {
			return
		}
		if emitted || attempt >= anthropicMaxRetries || !retryableAnthropic(err) || ctx.Err() != nil {
			out <- &agent.CompletionChunk{Error: wrapAnthropicErr(err)}
			return
		}
		delay := anthropicRetryDelay << attempt
		p.logger.Warn("retrying after stream error", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			out <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		}
	}
}

// streamOnce runs one streaming attempt. emitted reports whether any chunk
// reached the caller, which makes a retry unsafe.
func (p *Anthropic) streamOnce(ctx context.Context, params anthropic.MessageNewParams, out chan<- *agent.CompletionChunk) (bool, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	var (
		emitted      bool
		inputTokens  int64
		outputTokens int64
		currentTool  *models.ToolCall
		toolInput    strings.Builder
		emptyEvents  int
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			inputTokens = event.AsMessageStart().Message.Usage.InputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				emitted = true
				out <- &agent.CompletionChunk{Text: delta.Text}
			case "thinking_delta":
				emitted = true
				out <- &agent.CompletionChunk{Thinking: delta.Thinking}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				emitted = true
				out <- &agent.CompletionChunk{ToolCall: currentTool}
				currentTool = nil
			}

		case "message_delta":
			outputTokens = event.AsMessageDelta().Usage.OutputTokens

		case "message_stop":
			out <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  int(inputTokens),
				OutputTokens: int(outputTokens),
			}
			return true, nil

		default:
			emptyEvents++
			if emptyEvents > maxEmptyStreamEvents {
				return emitted, errors.New("stream produced no content")
			}
		}
	}
	if err := stream.Err(); err != nil {
		return emitted, err
	}
	// Stream ended without message_stop; treat what we have as complete.
	out <- &agent.CompletionChunk{
		Done:         true,
		InputTokens:  int(inputTokens),
		OutputTokens: int(outputTokens),
	}
	return true, nil
}

func toAnthropicMessages(msgs []agent.CompletionMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := map[string]interface{}{}
				if len(tc.Input) > 0 {
					_ = json.Unmarshal(tc.Input, &input)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		case models.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, tr := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func retryableAnthropic(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func wrapAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &agent.ProviderError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Err:        err,
		}
	}
	return &agent.ProviderError{Provider: "anthropic", Message: err.Error(), Err: err}
}
