package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/smallnest/clawrun/config"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/stream"
	"github.com/smallnest/clawrun/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	chunks  []string
	content string
	calls   []llms.ToolCall
	info    map[string]any
	err     error
	block   bool

	got  []llms.MessageContent
	opts llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.got = msgs
	for _, opt := range options {
		opt(&f.opts)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.chunks {
		if f.opts.StreamingFunc != nil {
			if err := f.opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        f.content,
		StopReason:     "stop",
		GenerationInfo: f.info,
		ToolCalls:      f.calls,
	}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

type eventLog struct {
	mu     sync.Mutex
	events []stream.Event
}

func (l *eventLog) emit(e stream.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []stream.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]stream.Kind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) last() stream.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func TestLLMExecutorStreamsDeltas(t *testing.T) {
	model := &fakeModel{
		chunks:  []string{"Hel", "lo"},
		content: "Hello",
		info:    map[string]any{"PromptTokens": 3, "CompletionTokens": 2},
	}
	exec := NewLLMExecutor(config.ExecutorConfig{
		Model:        "gpt-4o-mini",
		SystemPrompt: "be brief",
		MaxTokens:    256,
		Temperature:  0.2,
	}, WithLLM(model))

	log := &eventLog{}
	res, err := exec.ExecuteTurn(context.Background(), turn.Input{
		SessionID: "s1",
		Message:   "hi",
		History: []turn.Message{
			{Role: turn.RoleUser, Content: "earlier"},
			{Role: turn.RoleAssistant, Content: "reply"},
		},
		OnRawEvent: log.emit,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, []stream.Kind{stream.KindDelta, stream.KindDelta, stream.KindMeta}, log.kinds())

	var meta map[string]any
	require.NoError(t, json.Unmarshal(log.last().Meta, &meta))
	assert.Equal(t, "openai", meta["provider"])
	assert.Equal(t, "stop", meta["stopReason"])

	require.Len(t, model.got, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.got[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.got[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.got[2].Role)
	assert.Equal(t, llms.TextPart("hi"), model.got[3].Parts[0])
	assert.Equal(t, 256, model.opts.MaxTokens)
	assert.InDelta(t, 0.2, model.opts.Temperature, 1e-9)
}

func TestLLMExecutorNonStreamingAndTools(t *testing.T) {
	model := &fakeModel{
		content: "done",
		calls: []llms.ToolCall{{
			ID:           "call_1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "search", Arguments: `{"q":"go"}`},
		}},
	}
	exec := NewLLMExecutor(config.ExecutorConfig{}, WithLLM(model))

	log := &eventLog{}
	res, err := exec.ExecuteTurn(context.Background(), turn.Input{Message: "find", OnRawEvent: log.emit})
	require.NoError(t, err)

	assert.Equal(t, []stream.Kind{stream.KindDelta, stream.KindToolCall, stream.KindMeta}, log.kinds())
	require.Len(t, res.ToolEvents, 1)
	assert.Equal(t, "search", res.ToolEvents[0].Tool.Name)
	assert.JSONEq(t, `{"q":"go"}`, string(res.ToolEvents[0].Tool.Input))
}

func TestLLMExecutorImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pic.png")
	png := []byte("\x89PNG\r\n\x1a\n0000")
	require.NoError(t, os.WriteFile(path, png, 0600))

	model := &fakeModel{content: "a cat"}
	exec := NewLLMExecutor(config.ExecutorConfig{}, WithLLM(model))

	_, err := exec.ExecuteTurn(context.Background(), turn.Input{
		Message:   "what is this",
		ImageURL:  "https://example.com/cat.jpg",
		ImagePath: path,
	})
	require.NoError(t, err)

	parts := model.got[len(model.got)-1].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, llms.ImageURLPart("https://example.com/cat.jpg"), parts[1])
	assert.Equal(t, llms.BinaryPart("image/png", png), parts[2])

	_, err = exec.ExecuteTurn(context.Background(), turn.Input{Message: "x", ImagePath: path + ".missing"})
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestLLMExecutorErrors(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewLLMExecutor(config.ExecutorConfig{Model: "gpt-4o"}).ExecuteTurn(context.Background(), turn.Input{Message: "x"})
	assert.True(t, errors.Is(err, errors.ErrCodeMissingCredential))
	assert.Equal(t, errors.FailureConfiguration, errors.Classify(err))

	exec := NewLLMExecutor(config.ExecutorConfig{}, WithLLM(&fakeModel{err: fmt.Errorf("502 bad gateway")}))
	_, err = exec.ExecuteTurn(context.Background(), turn.Input{Message: "x"})
	assert.True(t, errors.Is(err, errors.ErrCodeProviderError))
	assert.Contains(t, errors.Describe(err), "502 bad gateway")
}

func TestLLMExecutorCancellation(t *testing.T) {
	exec := NewLLMExecutor(config.ExecutorConfig{}, WithLLM(&fakeModel{block: true}))

	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.Cancelled("Stopped by user")
	cancel(cause)

	_, err := exec.ExecuteTurn(ctx, turn.Input{Message: "x"})
	assert.Same(t, cause, err)
}

func TestLLMExecutorTimeout(t *testing.T) {
	exec := NewLLMExecutor(config.ExecutorConfig{Timeout: 1}, WithLLM(&fakeModel{block: true}))

	_, err := exec.ExecuteTurn(context.Background(), turn.Input{Message: "x"})
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
}
