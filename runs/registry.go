// Package runs is the in-memory record of every run and its lifecycle state.
package runs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"go.uber.org/zap"
)

// Journal receives a snapshot of every run that reaches a terminal state.
type Journal interface {
	Record(ctx context.Context, run *Run) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal sets the terminal-run journal.
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry holds runs keyed by id. All returned runs are copies.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Run
	ordered []*Run
	seq     uint64
	now     func() time.Time
	journal Journal
	log     *logger.FieldLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byID: make(map[string]*Run),
		now:  time.Now,
		log:  logger.Module("runs"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create records a new queued run.
func (r *Registry) Create(spec Spec) *Run {
	mode := spec.Mode
	if mode == "" {
		mode = ModeFollowup
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	run := &Run{
		ID:        uuid.New().String(),
		SessionID: spec.SessionID,
		Status:    StatusQueued,
		Mode:      mode,
		Source:    spec.Source,
		Internal:  spec.Internal,
		Message:   spec.Message,
		ImagePath: spec.ImagePath,
		ImageURL:  spec.ImageURL,
		DedupeKey: spec.DedupeKey,
		CreatedAt: r.now(),
		Position:  spec.Position,
		seq:       r.seq,
	}
	r.byID[run.ID] = run
	r.ordered = append(r.ordered, run)
	return run.Clone()
}

// Get returns a snapshot of the run with the given id.
func (r *Registry) Get(id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.byID[id]
	if !ok {
		return nil, errors.NotFound("run '" + id + "'").WithContext("run_id", id)
	}
	return run.Clone(), nil
}

// List returns matching runs, most recent first.
func (r *Registry) List(filter Filter) []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Run, 0)
	for i := len(r.ordered) - 1; i >= 0; i-- {
		run := r.ordered[i]
		if !filter.Matches(run) {
			continue
		}
		out = append(out, run.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Transition moves a run to a new status. Illegal moves return an
// INVALID_TRANSITION error and leave the run untouched.
func (r *Registry) Transition(id string, to Status, fields Fields) (*Run, error) {
	r.mu.Lock()
	run, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("run '" + id + "'").WithContext("run_id", id)
	}
	if !CanTransition(run.Status, to) {
		from := run.Status
		r.mu.Unlock()
		return nil, errors.InvalidTransition(id, string(from), string(to))
	}

	now := r.now()
	run.Status = to
	switch {
	case to == StatusRunning:
		run.StartedAt = &now
	case to.Terminal():
		run.FinishedAt = &now
		run.Result = fields.Result
		run.Error = fields.Error
		run.ErrorKind = fields.ErrorKind
	}
	snapshot := run.Clone()
	r.mu.Unlock()

	if to.Terminal() && r.journal != nil {
		if err := r.journal.Record(context.Background(), snapshot); err != nil {
			r.log.Warn("Failed to journal run",
				zap.String("run_id", id),
				zap.Error(err))
		}
	}
	return snapshot, nil
}

// AppendMessage joins text onto a queued run's message with a newline.
// It is the only payload mutation and is refused once the run has left the queue.
func (r *Registry) AppendMessage(id, text string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.byID[id]
	if !ok {
		return nil, errors.NotFound("run '" + id + "'").WithContext("run_id", id)
	}
	if run.Status != StatusQueued {
		return nil, errors.InvalidTransition(id, string(run.Status), "coalesced")
	}
	if run.Message == "" {
		run.Message = text
	} else {
		run.Message = run.Message + "\n" + text
	}
	return run.Clone(), nil
}

// Len returns the number of runs recorded.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
