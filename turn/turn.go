// Package turn defines the contract between the scheduler and whatever
// actually produces an assistant turn.
package turn

import (
	"context"

	"github.com/smallnest/clawrun/stream"
)

// Role of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a session's conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Input is everything an executor needs for one turn.
type Input struct {
	RunID     string
	SessionID string
	Message   string
	ImagePath string
	ImageURL  string
	Internal  bool
	Source    string
	History   []Message
	// OnRawEvent receives every streamed event as it is produced.
	OnRawEvent func(stream.Event)
}

// Emit forwards e to OnRawEvent when set.
func (in Input) Emit(e stream.Event) {
	if in.OnRawEvent != nil {
		in.OnRawEvent(e)
	}
}

// Result is the outcome of a turn. A non-empty Error marks a failure the
// executor reported without returning a Go error.
type Result struct {
	Text       string
	ToolEvents []stream.Event
	Error      string
}

// Executor runs one chat turn. ctx is cancelled when the scheduler wants the
// turn aborted; implementations should return promptly after that.
type Executor interface {
	ExecuteTurn(ctx context.Context, in Input) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in Input) (*Result, error)

func (f ExecutorFunc) ExecuteTurn(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// HistoryProvider loads the conversation so far for a session.
type HistoryProvider interface {
	History(ctx context.Context, sessionID string) ([]Message, error)
}

// HistoryRecorder is implemented by providers that also store finished turns.
type HistoryRecorder interface {
	Record(ctx context.Context, sessionID string, msgs ...Message) error
}
