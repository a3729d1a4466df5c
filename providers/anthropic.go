package providers

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/smallnest/clawrun/config"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/stream"
	"github.com/smallnest/clawrun/turn"
	"go.uber.org/zap"
)

const defaultAnthropicMaxTokens = 1024

// messageCreator is the part of the Anthropic client the executor uses.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicExecutor runs turns against Anthropic's Messages API. The client
// is created lazily on the first request.
type AnthropicExecutor struct {
	cfg config.ExecutorConfig

	mu       sync.Mutex
	messages messageCreator

	log *logger.FieldLogger
}

// NewAnthropicExecutor creates an executor from cfg.
func NewAnthropicExecutor(cfg config.ExecutorConfig) *AnthropicExecutor {
	return &AnthropicExecutor{
		cfg: cfg,
		log: logger.Component("anthropic"),
	}
}

// initializeClientIfNeeded initializes the Anthropic client if it hasn't been initialized yet.
func (e *AnthropicExecutor) initializeClientIfNeeded() (messageCreator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.messages != nil {
		return e.messages, nil
	}

	apiKey := resolveAPIKey(e.cfg.APIKey, "ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.MissingCredential("anthropic")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if e.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(e.cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	e.messages = &client.Messages

	e.log.Debug("Anthropic client initialized", zap.String("model", e.cfg.Model))
	return e.messages, nil
}

// ExecuteTurn sends one Messages request and emits the reply as a single delta.
func (e *AnthropicExecutor) ExecuteTurn(ctx context.Context, in turn.Input) (*turn.Result, error) {
	client, err := e.initializeClientIfNeeded()
	if err != nil {
		return nil, err
	}

	params, err := e.params(in)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := withTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	started := time.Now()
	message, err := client.New(callCtx, params)
	if err != nil {
		return nil, callError(ctx, callCtx, "anthropic", err)
	}

	var text strings.Builder
	var toolEvents []stream.Event
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			ev := stream.ToolCall(block.ID, block.Name, nil)
			in.Emit(ev)
			toolEvents = append(toolEvents, ev)
		}
	}
	if text.Len() == 0 && len(toolEvents) == 0 {
		return nil, errors.New(errors.ErrCodeProviderError, "empty response content")
	}
	if text.Len() > 0 {
		in.Emit(stream.Delta(text.String()))
	}

	in.Emit(stream.Meta(usageMeta{
		Provider:   "anthropic",
		Model:      e.cfg.Model,
		StopReason: string(message.StopReason),
		Usage: map[string]any{
			"input_tokens":  message.Usage.InputTokens,
			"output_tokens": message.Usage.OutputTokens,
		},
		DurationMs: time.Since(started).Milliseconds(),
	}))

	return &turn.Result{Text: text.String(), ToolEvents: toolEvents}, nil
}

// params converts history and the new turn to Anthropic format. System
// messages are folded into the system prompt.
func (e *AnthropicExecutor) params(in turn.Input) (anthropic.MessageNewParams, error) {
	maxTokens := int64(e.cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: maxTokens,
	}
	if e.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(e.cfg.Temperature)
	}

	var system []string
	if e.cfg.SystemPrompt != "" {
		system = append(system, e.cfg.SystemPrompt)
	}

	messages := make([]anthropic.MessageParam, 0, len(in.History)+1)
	for _, m := range in.History {
		switch m.Role {
		case turn.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case turn.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case turn.RoleSystem:
			system = append(system, m.Content)
		}
	}

	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(in.Message)}
	if in.ImageURL != "" {
		blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: in.ImageURL}))
	}
	if in.ImagePath != "" {
		mime, data, err := readImage(in.ImagePath)
		if err != nil {
			return params, err
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mime, base64.StdEncoding.EncodeToString(data)))
	}
	messages = append(messages, anthropic.NewUserMessage(blocks...))
	params.Messages = messages

	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return params, nil
}
