package scheduler

import (
	"sort"

	"github.com/smallnest/clawrun/runs"
)

// SessionSnapshot is the queue state of one session.
type SessionSnapshot struct {
	SessionID    string `json:"sessionId"`
	RunningRunID string `json:"runningRunId,omitempty"`
	QueueLength  int    `json:"queueLength"`
	Active       bool   `json:"active"`
	QueuedCount  int    `json:"queuedCount"`
	CurrentRunID string `json:"currentRunId,omitempty"`
}

// GetRun returns a snapshot of one run or a NOT_FOUND error.
func (s *Scheduler) GetRun(id string) (*runs.Run, error) {
	return s.runs.Get(id)
}

// ListRuns returns runs most recent first.
func (s *Scheduler) ListRuns(filter runs.Filter) []*runs.Run {
	return s.runs.List(filter)
}

// SessionSnapshot reports a session's queue state. Unknown sessions report
// an idle, empty queue and are not created.
func (s *Scheduler) SessionSnapshot(sessionID string) SessionSnapshot {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return SessionSnapshot{SessionID: sessionID}
	}
	return sess.snapshot()
}

// Sessions returns a snapshot of every known session, sorted by id.
func (s *Scheduler) Sessions() []SessionSnapshot {
	out := make([]SessionSnapshot, 0)
	s.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*sessionState).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (ss *sessionState) snapshot() SessionSnapshot {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	snap := SessionSnapshot{
		SessionID:    ss.id,
		RunningRunID: ss.runningID(),
		QueueLength:  len(ss.queue),
		QueuedCount:  len(ss.queue),
	}
	snap.Active = snap.RunningRunID != ""
	snap.CurrentRunID = snap.RunningRunID
	if snap.CurrentRunID == "" && len(ss.queue) > 0 {
		snap.CurrentRunID = ss.queue[0].runID
	}
	return snap
}
