package scheduler

import (
	"context"
	"strings"

	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/stream"
	"go.uber.org/zap"
)

// CancelResult counts the runs a cancellation affected.
type CancelResult struct {
	CancelledRunning int `json:"cancelledRunning"`
	CancelledQueued  int `json:"cancelledQueued"`
}

// cancelMeta is the md event a queued caller gets when its run is dropped.
type cancelMeta struct {
	RunID  string      `json:"runId"`
	Status runs.Status `json:"status"`
	Reason string      `json:"reason"`
}

// CancelSession aborts the session's running run and cancels every queued
// one. The running run is finalized as cancelled by its executing goroutine
// once the executor honours the abort. Unknown or idle sessions are a no-op.
func (s *Scheduler) CancelSession(ctx context.Context, sessionID, reason string) (CancelResult, error) {
	var res CancelResult
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return res, errors.InvalidInput("session id is required")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}

	sess, ok := s.lookup(sessionID)
	if !ok {
		return res, nil
	}

	log := s.log.With(zap.String("session_id", sessionID), zap.String("reason", reason))

	sess.mu.Lock()
	var killRunID string
	if active := sess.running; active != nil && !active.cancelRequested {
		active.cancelRequested = true
		active.cancel(errors.Cancelled(reason))
		res.CancelledRunning = 1
		killRunID = active.entry.runID
	}

	type dropped struct {
		e   *entry
		run *runs.Run
	}
	var drops []dropped
	for _, e := range sess.drain() {
		run, err := s.runs.Transition(e.runID, runs.StatusCancelled, runs.Fields{
			Error:     reason,
			ErrorKind: string(errors.FailureCancelled),
		})
		if err != nil {
			s.errs.Handle(err, zap.String("session_id", sessionID))
			run, _ = s.runs.Get(e.runID)
		}
		drops = append(drops, dropped{e: e, run: run})
	}
	res.CancelledQueued = len(drops)
	sess.mu.Unlock()

	for _, d := range drops {
		s.stats.record(runs.StatusCancelled, zeroTime)
		s.notify(d.run)
		d.e.fanout.Emit(stream.Meta(cancelMeta{RunID: d.e.runID, Status: runs.StatusCancelled, Reason: reason}))
		d.e.fanout.Emit(stream.Done())
		d.e.completion.resolve(d.run)
	}

	if res.CancelledRunning > 0 || res.CancelledQueued > 0 {
		log.Info("Session cancelled",
			zap.Int("cancelled_running", res.CancelledRunning),
			zap.Int("cancelled_queued", res.CancelledQueued))
	}

	if killRunID != "" {
		if _, err := s.procs.Kill(ctx, sessionID, killRunID); err != nil {
			log.Warn("Process kill failed", zap.Error(err))
			return res, errors.Wrap(err, errors.ErrCodeProcessFailed, "failed to kill session process")
		}
	}
	return res, nil
}
