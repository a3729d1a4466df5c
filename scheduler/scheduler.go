// Package scheduler admits chat-turn requests per session and drives them
// through an external executor, one run per session at a time.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smallnest/clawrun/bus"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/process"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/turn"
	"go.uber.org/zap"
)

// ProcessRegistry tracks the externally owned process of each running run so
// a cancellation can kill it. Handles are scoped to a run: killing or
// unregistering a run that no longer owns the session's handle is a no-op.
type ProcessRegistry interface {
	Register(sessionID, runID string, h process.KillHandle)
	Kill(ctx context.Context, sessionID, runID string) (bool, error)
	Unregister(sessionID, runID string)
}

// Notifier receives lifecycle transitions. Notify must not block.
type Notifier interface {
	Notify(ev bus.RunEvent)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRegistry uses an existing run registry.
func WithRegistry(r *runs.Registry) Option {
	return func(s *Scheduler) { s.runs = r }
}

// WithProcessRegistry sets the process-kill collaborator.
func WithProcessRegistry(p ProcessRegistry) Option {
	return func(s *Scheduler) { s.procs = p }
}

// WithHistory sets the conversation history source. When it also implements
// turn.HistoryRecorder, completed turns are written back.
func WithHistory(h turn.HistoryProvider) Option {
	return func(s *Scheduler) { s.history = h }
}

// WithNotifier sets the lifecycle notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// Scheduler owns every session's queue and running pointer.
type Scheduler struct {
	executor turn.Executor
	runs     *runs.Registry
	procs    ProcessRegistry
	history  turn.HistoryProvider
	notifier Notifier

	sessions sync.Map // session id -> *sessionState

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	stats *latencyStats
	errs  *errors.ErrorHandler
	log   *logger.FieldLogger
}

// New creates a scheduler driving turns through executor.
func New(executor turn.Executor, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		executor: executor,
		ctx:      ctx,
		cancel:   cancel,
		stats:    &latencyStats{},
		errs:     errors.NewErrorHandler(),
		log:      logger.Module("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runs == nil {
		s.runs = runs.NewRegistry()
	}
	if s.procs == nil {
		s.procs = process.NewRegistry()
	}
	return s
}

// Runs exposes the underlying run registry.
func (s *Scheduler) Runs() *runs.Registry {
	return s.runs
}

// Processes exposes the process-kill collaborator so executors can register
// the processes they spawn.
func (s *Scheduler) Processes() ProcessRegistry {
	return s.procs
}

// Close stops admission, cancels every queued and running run and waits for
// in-flight executions to finish.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var ids []string
	s.sessions.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	for _, id := range ids {
		if _, err := s.CancelSession(context.Background(), id, "scheduler closed"); err != nil {
			s.log.Warn("Cancel on close failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	s.cancel(errors.New(errors.ErrCodeSchedulerClosed, "scheduler closed"))
	s.wg.Wait()
	s.log.Info("Scheduler closed", zap.Int("sessions", len(ids)))
	return nil
}

func (s *Scheduler) session(id string) *sessionState {
	if v, ok := s.sessions.Load(id); ok {
		return v.(*sessionState)
	}
	v, _ := s.sessions.LoadOrStore(id, newSessionState(id))
	return v.(*sessionState)
}

func (s *Scheduler) lookup(id string) (*sessionState, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*sessionState), true
}

func (s *Scheduler) notify(run *runs.Run) {
	if s.notifier == nil || run == nil {
		return
	}
	s.notifier.Notify(bus.RunEvent{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Status:    string(run.Status),
		Mode:      string(run.Mode),
		Source:    run.Source,
		Position:  run.Position,
		Error:     run.Error,
	})
}
