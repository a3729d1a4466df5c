// Package stream defines the incremental events a run emits to its callers.
package stream

import (
	"encoding/json"
	"sync"
)

// Kind identifies an event on a run stream.
type Kind string

const (
	KindDelta      Kind = "d"
	KindReplace    Kind = "r"
	KindMeta       Kind = "md"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindError      Kind = "err"
	KindDone       Kind = "done"
)

// Event is one discrete emission on a run stream.
type Event struct {
	Kind Kind            `json:"t"`
	Text string          `json:"v,omitempty"`
	Meta json.RawMessage `json:"md,omitempty"`
	Tool *ToolEvent      `json:"tool,omitempty"`
}

// ToolEvent carries tool_call and tool_result details.
type ToolEvent struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	Success *bool           `json:"success,omitempty"`
}

func Delta(text string) Event { return Event{Kind: KindDelta, Text: text} }

func Replace(text string) Event { return Event{Kind: KindReplace, Text: text} }

func Error(msg string) Event { return Event{Kind: KindError, Text: msg} }

func Done() Event { return Event{Kind: KindDone} }

// Meta encodes v as the metadata payload. Values that cannot be encoded
// produce an md event carrying the encoding error instead.
func Meta(v any) Event {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return Event{Kind: KindMeta, Meta: data}
}

// ToolCall reports that a tool invocation started.
func ToolCall(id, name string, input any) Event {
	raw, ok := input.(json.RawMessage)
	if !ok && input != nil {
		raw, _ = json.Marshal(input)
	}
	return Event{Kind: KindToolCall, Tool: &ToolEvent{ID: id, Name: name, Input: raw}}
}

// ToolResult reports that a tool invocation finished.
func ToolResult(id, name, output string, success bool) Event {
	return Event{Kind: KindToolResult, Tool: &ToolEvent{ID: id, Name: name, Output: output, Success: &success}}
}

// Terminal reports whether no further events may follow e.
func (e Event) Terminal() bool { return e.Kind == KindDone }

// Sink receives events for one caller.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Fanout forwards every event to all attached sinks, in attach order, until a
// done event closes it. Sinks attached later only see later events.
type Fanout struct {
	mu     sync.Mutex
	sinks  []Sink
	closed bool
}

// NewFanout creates a fanout with optional initial sinks.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Attach adds a sink. It returns false when the stream already finished.
func (f *Fanout) Attach(s Sink) bool {
	if s == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.sinks = append(f.sinks, s)
	return true
}

// Emit delivers e to every sink. Events after done are dropped.
func (f *Fanout) Emit(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, s := range f.sinks {
		s.Emit(e)
	}
	if e.Terminal() {
		f.closed = true
		f.sinks = nil
	}
}

// Closed reports whether done was emitted.
func (f *Fanout) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
