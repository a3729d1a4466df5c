package scheduler

import (
	"context"
	"strings"

	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/stream"
	"go.uber.org/zap"
)

const steerReason = "steered by a newer request"

// Request is one turn submitted to a session.
type Request struct {
	SessionID string
	Message   string
	ImagePath string
	ImageURL  string
	Internal  bool
	Source    string
	Mode      runs.Mode
	DedupeKey string
	// Sink receives the run's events. It is called from the executing
	// goroutine and must not block for long.
	Sink stream.Sink
}

// Admission is the synchronous answer to Enqueue.
type Admission struct {
	RunID      string      `json:"runId"`
	Position   int         `json:"position"`
	Deduped    bool        `json:"deduped"`
	Coalesced  bool        `json:"coalesced"`
	Completion *Completion `json:"-"`
}

// admissionMeta is the first md event every caller receives.
type admissionMeta struct {
	RunID     string      `json:"runId"`
	Position  int         `json:"position"`
	Deduped   bool        `json:"deduped"`
	Coalesced bool        `json:"coalesced"`
	Status    runs.Status `json:"status"`
}

func (r *Request) normalize() error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.SessionID == "" {
		return errors.InvalidInput("session id is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		return errors.InvalidInput("message is required")
	}
	mode, ok := runs.ParseMode(string(r.Mode))
	if !ok {
		return errors.InvalidInput("unknown mode '" + string(r.Mode) + "'")
	}
	r.Mode = mode
	return nil
}

// Enqueue admits a request. The decision (dedupe, coalesce, steer or append)
// is made under the session's critical section; the turn itself runs
// asynchronously and reports through req.Sink and the returned Completion.
func (s *Scheduler) Enqueue(ctx context.Context, req Request) (*Admission, error) {
	if s.closed.Load() {
		return nil, errors.New(errors.ErrCodeSchedulerClosed, "scheduler is closed")
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}

	sess := s.session(req.SessionID)
	log := s.log.With(
		zap.String("session_id", req.SessionID),
		zap.String("mode", string(req.Mode)),
		zap.String("source", req.Source))

	sess.mu.Lock()
	// Close sets the flag before cancelling each session under this lock.
	if s.closed.Load() {
		sess.mu.Unlock()
		return nil, errors.New(errors.ErrCodeSchedulerClosed, "scheduler is closed")
	}

	// 1. dedupe
	if i := sess.findDedupe(req.DedupeKey); i >= 0 {
		adm := s.joinLocked(sess, i, req.Sink, true, false)
		sess.mu.Unlock()
		log.Debug("Request deduped", zap.String("run_id", adm.RunID), zap.String("dedupe_key", req.DedupeKey))
		return adm, nil
	}

	// 2. coalesce
	if req.Mode == runs.ModeCollect && req.Internal {
		if i := sess.findCoalesce(req.Source); i >= 0 {
			if _, err := s.runs.AppendMessage(sess.queue[i].runID, req.Message); err != nil {
				s.errs.Handle(err, zap.String("session_id", sess.id))
			} else {
				adm := s.joinLocked(sess, i, req.Sink, false, true)
				sess.mu.Unlock()
				log.Debug("Request coalesced", zap.String("run_id", adm.RunID))
				return adm, nil
			}
		}
	}

	// 3. steer
	steered := false
	var preempted string
	if req.Mode == runs.ModeSteer && sess.running != nil {
		active := sess.running
		active.cancelRequested = true
		active.cancel(errors.Cancelled(steerReason))
		steered = true
		preempted = active.entry.runID
		log.Info("Steering running run", zap.String("preempted_run_id", preempted))
	}

	// 4. append (front when steering)
	e := &entry{
		dedupeKey:  req.DedupeKey,
		source:     req.Source,
		internal:   req.Internal,
		completion: newCompletion(),
	}
	var idx int
	if steered {
		idx = sess.pushFront(e)
	} else {
		idx = sess.pushBack(e)
	}
	pos := sess.position(idx)

	run := s.runs.Create(runs.Spec{
		SessionID: req.SessionID,
		Mode:      req.Mode,
		Source:    req.Source,
		Internal:  req.Internal,
		Message:   req.Message,
		ImagePath: req.ImagePath,
		ImageURL:  req.ImageURL,
		DedupeKey: req.DedupeKey,
		Position:  pos,
	})
	e.runID = run.ID

	if req.Sink != nil {
		req.Sink.Emit(stream.Meta(admissionMeta{
			RunID:    run.ID,
			Position: pos,
			Status:   runs.StatusQueued,
		}))
	}
	e.fanout = stream.NewFanout(req.Sink)
	s.notify(run)

	// 5. start the head if idle
	s.pumpLocked(sess)
	sess.mu.Unlock()

	log.Debug("Run admitted", zap.String("run_id", run.ID), zap.Int("position", pos))

	if steered {
		s.killProcess(ctx, req.SessionID, preempted)
	}

	return &Admission{
		RunID:      run.ID,
		Position:   pos,
		Completion: e.completion,
	}, nil
}

// joinLocked attaches sink to the queued entry at index i.
func (s *Scheduler) joinLocked(sess *sessionState, i int, sink stream.Sink, deduped, coalesced bool) *Admission {
	e := sess.queue[i]
	pos := sess.position(i)
	if sink != nil {
		sink.Emit(stream.Meta(admissionMeta{
			RunID:     e.runID,
			Position:  pos,
			Deduped:   deduped,
			Coalesced: coalesced,
			Status:    runs.StatusQueued,
		}))
		e.fanout.Attach(sink)
	}
	return &Admission{
		RunID:      e.runID,
		Position:   pos,
		Deduped:    deduped,
		Coalesced:  coalesced,
		Completion: e.completion,
	}
}

// pumpLocked starts the head of the queue when nothing is running. A head
// that cannot be started is finalized and the next one is tried.
func (s *Scheduler) pumpLocked(sess *sessionState) {
	for sess.running == nil {
		e := sess.popFront()
		if e == nil {
			return
		}
		if err := s.startLocked(sess, e); err != nil {
			s.errs.Handle(err, zap.String("session_id", sess.id), zap.String("run_id", e.runID))
			snapshot, _ := s.runs.Get(e.runID)
			e.fanout.Emit(stream.Error(errors.GetMessage(err)))
			e.fanout.Emit(stream.Done())
			e.completion.resolve(snapshot)
		}
	}
}

// killProcess kills the process of runID only. By the time it runs the
// session may already be executing a newer run with its own process.
func (s *Scheduler) killProcess(ctx context.Context, sessionID, runID string) {
	found, err := s.procs.Kill(ctx, sessionID, runID)
	if err != nil {
		s.log.Warn("Process kill failed",
			zap.String("session_id", sessionID),
			zap.String("run_id", runID),
			zap.Error(err))
		return
	}
	if found {
		s.log.Debug("Process killed", zap.String("session_id", sessionID), zap.String("run_id", runID))
	}
}
