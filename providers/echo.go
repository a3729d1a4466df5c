package providers

import (
	"context"
	"strings"
	"time"

	"github.com/smallnest/clawrun/stream"
	"github.com/smallnest/clawrun/turn"
)

// EchoExecutor answers every turn by streaming the message back word by
// word. It needs no credentials and is the default for local runs.
type EchoExecutor struct {
	// Delay is slept between words.
	Delay time.Duration
}

// ExecuteTurn streams "echo: <message>" and honours cancellation between words.
func (e *EchoExecutor) ExecuteTurn(ctx context.Context, in turn.Input) (*turn.Result, error) {
	words := strings.Fields("echo: " + in.Message)
	var out strings.Builder
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if e.Delay > 0 {
			select {
			case <-time.After(e.Delay):
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		} else if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		out.WriteString(w)
		in.Emit(stream.Delta(w))
	}
	in.Emit(stream.Meta(usageMeta{
		Provider: "echo",
		Usage:    map[string]any{"words": len(words), "history": len(in.History)},
	}))
	return &turn.Result{Text: out.String()}, nil
}
