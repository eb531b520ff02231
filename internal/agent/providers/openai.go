package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/pkg/models"
)

// OpenAI streams completions from the Chat Completions API, which also
// covers OpenAI-compatible local backends via a custom base URL.
type OpenAI struct {
	client *openai.Client
	logger *slog.Logger
}

func NewOpenAI(apiKey, baseURL string, logger *slog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("component", "provider", "provider", "openai"),
	}
}

func (p *OpenAI) Name() string        { return "openai" }
func (p *OpenAI) SupportsTools() bool { return true }

func (p *OpenAI) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  toOpenAIMessages(req.System, req.Messages),
		Stream:    true,
		MaxTokens: req.MaxTokens,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, toOpenAITool(def))
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIErr(err)
	}

	out := make(chan *agent.CompletionChunk, 32)
	go p.pump(stream, out)
	return out, nil
}

func (p *OpenAI) pump(stream *openai.ChatCompletionStream, out chan<- *agent.CompletionChunk) {
	defer close(out)
	defer stream.Close()

	// Tool call fragments arrive interleaved across deltas, keyed by index.
	pending := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int

	flush := func() {
		for i := 0; i < len(pending); i++ {
			tc := pending[i]
			if tc == nil || tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			out <- &agent.CompletionChunk{ToolCall: tc}
		}
		pending = make(map[int]*models.ToolCall)
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			out <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return
		}
		if err != nil {
			out <- &agent.CompletionChunk{Error: wrapOpenAIErr(err)}
			return
		}
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			out <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.Index == nil {
				continue
			}
			idx := *tc.Index
			call := pending[idx]
			if call == nil {
				call = &models.ToolCall{}
				pending[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = append(call.Input, tc.Function.Arguments...)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func toOpenAIMessages(system string, msgs []agent.CompletionMessage) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})

		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, msg)

		case models.RoleTool:
			for _, tr := range m.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		}
	}
	return out
}

func toOpenAITool(def agent.ToolDefinition) openai.Tool {
	var params map[string]interface{}
	if err := json.Unmarshal(def.Schema, &params); err != nil || params == nil {
		params = map[string]interface{}{"type": "object"}
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		},
	}
}

func wrapOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &agent.ProviderError{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return &agent.ProviderError{Provider: "openai", Message: err.Error(), Err: err}
}
