// Package providers contains the turn executors the scheduler can drive.
package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/clawrun/config"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/stream"
	"github.com/smallnest/clawrun/turn"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// LLMExecutor runs turns against an OpenAI-compatible chat model through
// langchaingo. The model client is created on first use.
type LLMExecutor struct {
	cfg config.ExecutorConfig

	mu    sync.Mutex
	model llms.Model

	log *logger.FieldLogger
}

// LLMOption configures an LLMExecutor.
type LLMOption func(*LLMExecutor)

// WithLLM injects a ready model, skipping client construction.
func WithLLM(m llms.Model) LLMOption {
	return func(e *LLMExecutor) { e.model = m }
}

// NewLLMExecutor creates an executor from cfg.
func NewLLMExecutor(cfg config.ExecutorConfig, opts ...LLMOption) *LLMExecutor {
	e := &LLMExecutor{
		cfg: cfg,
		log: logger.Component("llm"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// resolveModel initializes the client if it hasn't been initialized yet.
func (e *LLMExecutor) resolveModel() (llms.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model != nil {
		return e.model, nil
	}

	apiKey := resolveAPIKey(e.cfg.APIKey, "OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.MissingCredential("openai")
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(e.cfg.Model),
	}
	if e.cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(e.cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProviderUnavailable, "failed to create openai client")
	}
	e.model = model

	e.log.Debug("OpenAI client initialized",
		zap.String("model", e.cfg.Model),
		zap.String("base_url", e.cfg.BaseURL))
	return model, nil
}

// ExecuteTurn streams one completion, emitting deltas as they arrive.
func (e *LLMExecutor) ExecuteTurn(ctx context.Context, in turn.Input) (*turn.Result, error) {
	model, err := e.resolveModel()
	if err != nil {
		return nil, err
	}

	msgs, err := e.messages(in)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := withTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var streamed strings.Builder
	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed.Write(chunk)
			in.Emit(stream.Delta(string(chunk)))
			return nil
		}),
	}
	if e.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(e.cfg.MaxTokens))
	}
	if e.cfg.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(e.cfg.Temperature))
	}

	started := time.Now()
	resp, err := model.GenerateContent(callCtx, msgs, opts...)
	if err != nil {
		return nil, callError(ctx, callCtx, "openai", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New(errors.ErrCodeProviderError, "model returned no choices")
	}

	choice := resp.Choices[0]
	text := choice.Content
	switch {
	case text == "":
		text = streamed.String()
	case streamed.Len() == 0:
		in.Emit(stream.Delta(text))
	case streamed.String() != text:
		in.Emit(stream.Replace(text))
	}

	var toolEvents []stream.Event
	for _, call := range choice.ToolCalls {
		if call.FunctionCall == nil {
			continue
		}
		ev := stream.ToolCall(call.ID, call.FunctionCall.Name, rawJSON(call.FunctionCall.Arguments))
		in.Emit(ev)
		toolEvents = append(toolEvents, ev)
	}

	in.Emit(stream.Meta(usageMeta{
		Provider:   "openai",
		Model:      e.cfg.Model,
		StopReason: choice.StopReason,
		Usage:      choice.GenerationInfo,
		DurationMs: time.Since(started).Milliseconds(),
	}))

	return &turn.Result{Text: text, ToolEvents: toolEvents}, nil
}

// messages converts the system prompt, history and the new turn.
func (e *LLMExecutor) messages(in turn.Input) ([]llms.MessageContent, error) {
	msgs := make([]llms.MessageContent, 0, len(in.History)+2)
	if e.cfg.SystemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, e.cfg.SystemPrompt))
	}

	for _, m := range in.History {
		switch m.Role {
		case turn.RoleUser:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case turn.RoleAssistant:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		case turn.RoleSystem:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		}
	}

	parts := []llms.ContentPart{llms.TextPart(in.Message)}
	if in.ImageURL != "" {
		parts = append(parts, llms.ImageURLPart(in.ImageURL))
	}
	if in.ImagePath != "" {
		mime, data, err := readImage(in.ImagePath)
		if err != nil {
			return nil, err
		}
		parts = append(parts, llms.BinaryPart(mime, data))
	}
	msgs = append(msgs, llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: parts})
	return msgs, nil
}

// usageMeta is the md payload sent after a completion.
type usageMeta struct {
	Provider   string         `json:"provider"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stopReason,omitempty"`
	Usage      map[string]any `json:"usage,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

// withTimeout bounds a provider call when seconds > 0.
func withTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// callError separates a scheduler abort from a provider timeout or failure.
func callError(parent, callCtx context.Context, provider string, err error) error {
	if parent.Err() != nil {
		return context.Cause(parent)
	}
	if callCtx.Err() != nil {
		return errors.Wrap(err, errors.ErrCodeTimeout, provider+" request timed out")
	}
	return errors.ProviderFailed(provider, err)
}

func resolveAPIKey(configured, envVar string) string {
	if key := strings.TrimSpace(configured); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv(envVar))
}

func readImage(path string) (string, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, errors.NotFound("image '" + path + "'")
		}
		return "", nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read image")
	}
	return http.DetectContentType(data), data, nil
}

// rawJSON keeps valid JSON arguments as-is and quotes anything else.
func rawJSON(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
