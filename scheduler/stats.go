package scheduler

import (
	"sync"
	"time"

	"github.com/smallnest/clawrun/runs"
)

var zeroTime time.Time

// Stats summarizes finished runs and current load.
type Stats struct {
	Completed      int   `json:"completed"`
	Failed         int   `json:"failed"`
	Cancelled      int   `json:"cancelled"`
	AvgLatencyMs   int64 `json:"avgLatencyMs"`
	MaxLatencyMs   int64 `json:"maxLatencyMs"`
	Sessions       int   `json:"sessions"`
	ActiveSessions int   `json:"activeSessions"`
	QueuedRuns     int   `json:"queuedRuns"`
}

// latencyStats tracks turn execution statistics.
type latencyStats struct {
	mu        sync.RWMutex
	completed int
	failed    int
	cancelled int
	started   int
	totalMs   int64
	maxMs     int64
}

// record counts a terminal run. Latency is only tracked for runs that
// actually started.
func (l *latencyStats) record(status runs.Status, startedAt time.Time) {
	var durationMs int64
	if !startedAt.IsZero() {
		durationMs = time.Since(startedAt).Milliseconds()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch status {
	case runs.StatusCompleted:
		l.completed++
	case runs.StatusFailed:
		l.failed++
	case runs.StatusCancelled:
		l.cancelled++
	}

	if startedAt.IsZero() {
		return
	}
	l.started++
	l.totalMs += durationMs
	if durationMs > l.maxMs {
		l.maxMs = durationMs
	}
}

func (l *latencyStats) snapshot() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Stats{
		Completed:    l.completed,
		Failed:       l.failed,
		Cancelled:    l.cancelled,
		MaxLatencyMs: l.maxMs,
	}
	if l.started > 0 {
		st.AvgLatencyMs = l.totalMs / int64(l.started)
	}
	return st
}

// Stats returns run counters and the current per-session load.
func (s *Scheduler) Stats() Stats {
	st := s.stats.snapshot()
	for _, snap := range s.Sessions() {
		st.Sessions++
		if snap.Active {
			st.ActiveSessions++
		}
		st.QueuedRuns += snap.QueueLength
	}
	return st
}
