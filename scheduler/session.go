package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/stream"
)

// entry is a run as the session queue sees it.
type entry struct {
	runID      string
	dedupeKey  string
	source     string
	internal   bool
	fanout     *stream.Fanout
	completion *Completion
}

// activeRun is the session's current execution.
type activeRun struct {
	entry     *entry
	cancel    context.CancelCauseFunc
	startedAt time.Time
	// cancelRequested is set once a steer or cancel asked it to stop.
	cancelRequested bool
}

// sessionState is created lazily on first request and lives as long as the
// scheduler. Every field is guarded by mu.
type sessionState struct {
	mu      sync.Mutex
	id      string
	queue   []*entry
	running *activeRun
}

func newSessionState(id string) *sessionState {
	return &sessionState{id: id}
}

// findDedupe returns the index of the first queued entry holding key.
func (ss *sessionState) findDedupe(key string) int {
	if key == "" {
		return -1
	}
	for i, e := range ss.queue {
		if e.dedupeKey == key {
			return i
		}
	}
	return -1
}

// findCoalesce returns the index of the first queued internal entry from source.
func (ss *sessionState) findCoalesce(source string) int {
	for i, e := range ss.queue {
		if e.internal && e.source == source {
			return i
		}
	}
	return -1
}

func (ss *sessionState) pushBack(e *entry) int {
	ss.queue = append(ss.queue, e)
	return len(ss.queue) - 1
}

func (ss *sessionState) pushFront(e *entry) int {
	ss.queue = append([]*entry{e}, ss.queue...)
	return 0
}

func (ss *sessionState) popFront() *entry {
	if len(ss.queue) == 0 {
		return nil
	}
	e := ss.queue[0]
	ss.queue[0] = nil
	ss.queue = ss.queue[1:]
	return e
}

// drain empties the queue and returns what it held.
func (ss *sessionState) drain() []*entry {
	out := ss.queue
	ss.queue = nil
	return out
}

// position is the caller-visible position of the queue index i.
func (ss *sessionState) position(i int) int {
	if ss.running != nil {
		return i + 1
	}
	return i
}

func (ss *sessionState) runningID() string {
	if ss.running == nil {
		return ""
	}
	return ss.running.entry.runID
}

// Completion resolves once with the terminal snapshot of a run. It never
// carries an error: failures are reported on the event stream and in the
// snapshot's Status and Error fields.
type Completion struct {
	once sync.Once
	done chan struct{}
	run  *runs.Run
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(run *runs.Run) {
	c.once.Do(func() {
		c.run = run
		close(c.done)
	})
}

// Done is closed when the run reached a terminal state.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the run finishes or ctx ends.
func (c *Completion) Wait(ctx context.Context) (*runs.Run, error) {
	select {
	case <-c.done:
		return c.run.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
