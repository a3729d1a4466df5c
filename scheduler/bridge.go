package scheduler

import (
	"context"
	"time"

	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/stream"
	"github.com/smallnest/clawrun/turn"
	"go.uber.org/zap"
)

// startLocked marks e running and launches its execution goroutine.
func (s *Scheduler) startLocked(sess *sessionState, e *entry) error {
	run, err := s.runs.Transition(e.runID, runs.StatusRunning, runs.Fields{})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(s.ctx)
	active := &activeRun{
		entry:     e,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	sess.running = active
	s.notify(run)

	s.wg.Add(1)
	go s.execute(runCtx, sess, active, run)
	return nil
}

// execute drives one run to a terminal state. It holds the session lock only
// to finalize and dequeue the next run.
func (s *Scheduler) execute(ctx context.Context, sess *sessionState, active *activeRun, run *runs.Run) {
	defer s.wg.Done()

	e := active.entry
	log := logger.Session("scheduler", run.SessionID).With(
		zap.String("run_id", run.ID),
		zap.String("source", run.Source))
	log.Info("Run started", zap.String("mode", string(run.Mode)))

	result, err := s.invoke(ctx, run, e.fanout)
	status, fields := outcome(ctx, result, err)

	switch status {
	case runs.StatusFailed:
		e.fanout.Emit(stream.Error(fields.Error))
		log.Warn("Run failed",
			zap.String("error", fields.Error),
			zap.String("kind", fields.ErrorKind),
			zap.Bool("retryable", errors.IsRetryable(err)))
	case runs.StatusCancelled:
		log.Info("Run cancelled", zap.String("reason", fields.Error))
	case runs.StatusCompleted:
		s.recordHistory(run, fields.Result)
	}

	sess.mu.Lock()
	final, terr := s.runs.Transition(run.ID, status, fields)
	if terr != nil {
		s.errs.Handle(terr, zap.String("session_id", run.SessionID))
		final, _ = s.runs.Get(run.ID)
	}
	active.cancel(nil)
	if sess.running == active {
		sess.running = nil
	}
	s.procs.Unregister(sess.id, run.ID)
	s.pumpLocked(sess)
	sess.mu.Unlock()

	s.stats.record(status, active.startedAt)
	s.notify(final)

	e.fanout.Emit(stream.Done())
	e.completion.resolve(final)

	log.Info("Run finished",
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(active.startedAt)))
}

// invoke loads history and calls the executor, turning a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, run *runs.Run, fanout *stream.Fanout) (res *turn.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, s.errs.RecoverValue("execute turn", r)
		}
	}()

	var history []turn.Message
	if s.history != nil {
		history, err = s.history.History(ctx, run.SessionID)
		if err != nil {
			return nil, err
		}
	}

	return s.executor.ExecuteTurn(ctx, turn.Input{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Message:   run.Message,
		ImagePath: run.ImagePath,
		ImageURL:  run.ImageURL,
		Internal:  run.Internal,
		Source:    run.Source,
		History:   history,
		OnRawEvent: func(ev stream.Event) {
			// done belongs to the scheduler
			if ev.Terminal() {
				return
			}
			fanout.Emit(ev)
		},
	})
}

// outcome maps the executor's return onto a terminal status.
func outcome(ctx context.Context, res *turn.Result, err error) (runs.Status, runs.Fields) {
	if ctx.Err() != nil {
		reason := "cancelled"
		if cause := context.Cause(ctx); errors.GetCode(cause) != errors.ErrCodeUnknown {
			reason = errors.GetMessage(cause)
		}
		return runs.StatusCancelled, runs.Fields{
			Error:     reason,
			ErrorKind: string(errors.FailureCancelled),
		}
	}

	switch {
	case err != nil:
		return runs.StatusFailed, runs.Fields{
			Error:     errors.Describe(err),
			ErrorKind: string(errors.Classify(err)),
		}
	case res == nil:
		return runs.StatusFailed, runs.Fields{
			Error:     "executor returned no result",
			ErrorKind: string(errors.FailureExecution),
		}
	case res.Error != "":
		return runs.StatusFailed, runs.Fields{
			Error:     res.Error,
			ErrorKind: string(errors.Classify(errors.New(errors.ErrCodeUnknown, res.Error))),
		}
	}

	return runs.StatusCompleted, runs.Fields{
		Result: &runs.Result{Text: res.Text, ToolEvents: res.ToolEvents},
	}
}

func (s *Scheduler) recordHistory(run *runs.Run, res *runs.Result) {
	rec, ok := s.history.(turn.HistoryRecorder)
	if !ok || res == nil {
		return
	}
	err := rec.Record(context.Background(), run.SessionID,
		turn.Message{Role: turn.RoleUser, Content: run.Message},
		turn.Message{Role: turn.RoleAssistant, Content: res.Text})
	if err != nil {
		s.log.Warn("Failed to record history",
			zap.String("session_id", run.SessionID),
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}
