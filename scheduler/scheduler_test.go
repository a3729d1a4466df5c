package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallnest/clawrun/bus"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/history"
	"github.com/smallnest/clawrun/process"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/stream"
	"github.com/smallnest/clawrun/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type reply struct {
	res *turn.Result
	err error
}

// gateExecutor blocks every turn until the test releases it or the turn is
// cancelled.
type gateExecutor struct {
	started chan turn.Input
	release chan reply
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{
		started: make(chan turn.Input, 16),
		release: make(chan reply),
	}
}

func (g *gateExecutor) ExecuteTurn(ctx context.Context, in turn.Input) (*turn.Result, error) {
	g.started <- in
	in.Emit(stream.Delta("working:" + in.Message))
	select {
	case r := <-g.release:
		return r.res, r.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (g *gateExecutor) waitStarted(t *testing.T) turn.Input {
	t.Helper()
	select {
	case in := <-g.started:
		return in
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a run to start")
		return turn.Input{}
	}
}

func (g *gateExecutor) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case in := <-g.started:
		t.Fatalf("unexpected run started: %q", in.Message)
	case <-time.After(50 * time.Millisecond):
	}
}

func (g *gateExecutor) complete(t *testing.T, text string) {
	t.Helper()
	select {
	case g.release <- reply{res: &turn.Result{Text: text}}:
	case <-time.After(waitTimeout):
		t.Fatal("no run waiting for release")
	}
}

func (g *gateExecutor) fail(t *testing.T, err error) {
	t.Helper()
	select {
	case g.release <- reply{err: err}:
	case <-time.After(waitTimeout):
		t.Fatal("no run waiting for release")
	}
}

// recorder is a sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []stream.Event
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) Emit(e stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if e.Terminal() {
		close(r.done)
	}
}

func (r *recorder) kinds() []stream.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) first() stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[0]
}

func (r *recorder) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitTimeout):
		t.Fatal("stream never finished")
	}
}

func newTestScheduler(t *testing.T, exec turn.Executor, opts ...Option) *Scheduler {
	t.Helper()
	s := New(exec, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueue(t *testing.T, s *Scheduler, req Request) *Admission {
	t.Helper()
	adm, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return adm
}

func waitRun(t *testing.T, adm *Admission) *runs.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	run, err := adm.Completion.Wait(ctx)
	require.NoError(t, err)
	return run
}

func TestEnqueueStartsImmediately(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)
	rec := newRecorder()

	adm := enqueue(t, s, Request{SessionID: "S1", Message: "hi", Mode: runs.ModeFollowup, Sink: rec})
	assert.Equal(t, 0, adm.Position)
	assert.False(t, adm.Deduped)
	assert.False(t, adm.Coalesced)

	in := g.waitStarted(t)
	assert.Equal(t, "hi", in.Message)
	assert.Equal(t, adm.RunID, in.RunID)

	g.complete(t, "hello")
	run := waitRun(t, adm)
	rec.waitDone(t)

	assert.Equal(t, runs.StatusCompleted, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, "hello", run.Result.Text)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)

	assert.Equal(t, []stream.Kind{stream.KindMeta, stream.KindDelta, stream.KindDone}, rec.kinds())

	var meta admissionMeta
	require.NoError(t, json.Unmarshal(rec.first().Meta, &meta))
	assert.Equal(t, adm.RunID, meta.RunID)
	assert.Equal(t, 0, meta.Position)
}

func TestFollowupWaitsInFIFOOrder(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	r1 := enqueue(t, s, Request{SessionID: "S1", Message: "first"})
	g.waitStarted(t)

	r2 := enqueue(t, s, Request{SessionID: "S1", Message: "also do X", Mode: runs.ModeFollowup})
	assert.Equal(t, 1, r2.Position)
	assert.False(t, r2.Deduped)
	assert.False(t, r2.Coalesced)

	r3 := enqueue(t, s, Request{SessionID: "S1", Message: "then Y"})
	assert.Equal(t, 2, r3.Position)

	g.assertIdle(t)
	queued, err := s.GetRun(r2.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusQueued, queued.Status)

	g.complete(t, "one")
	assert.Equal(t, "also do X", g.waitStarted(t).Message)
	g.complete(t, "two")
	assert.Equal(t, "then Y", g.waitStarted(t).Message)
	g.complete(t, "three")

	first, second, third := waitRun(t, r1), waitRun(t, r2), waitRun(t, r3)
	assert.True(t, first.StartedAt.Before(*second.StartedAt) || first.StartedAt.Equal(*second.StartedAt))
	assert.False(t, second.StartedAt.Before(*first.FinishedAt))
	assert.False(t, third.StartedAt.Before(*second.FinishedAt))
}

func TestDedupeReturnsExistingRun(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	busy := enqueue(t, s, Request{SessionID: "S1", Message: "busy"})
	g.waitStarted(t)

	recA, recB := newRecorder(), newRecorder()
	nudge := Request{
		SessionID: "S1",
		Message:   "nudge",
		Mode:      runs.ModeCollect,
		Internal:  true,
		Source:    "mission-control",
		DedupeKey: "mission-control:nudge:S1",
	}

	nudge.Sink = recA
	first := enqueue(t, s, nudge)
	before := s.SessionSnapshot("S1").QueueLength

	nudge.Sink = recB
	second := enqueue(t, s, nudge)

	assert.True(t, second.Deduped)
	assert.False(t, first.Deduped)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.Position, second.Position)
	assert.Equal(t, before, s.SessionSnapshot("S1").QueueLength)
	assert.Len(t, s.ListRuns(runs.Filter{SessionID: "S1"}), 2)

	run, err := s.GetRun(first.RunID)
	require.NoError(t, err)
	assert.Equal(t, "nudge", run.Message)

	var meta admissionMeta
	require.NoError(t, json.Unmarshal(recB.first().Meta, &meta))
	assert.True(t, meta.Deduped)

	g.complete(t, "busy done")
	waitRun(t, busy)
	g.waitStarted(t)
	g.complete(t, "nudged")

	recA.waitDone(t)
	recB.waitDone(t)
	assert.Contains(t, recB.kinds(), stream.KindDelta)
}

func TestDedupeIgnoresRunningRun(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	first := enqueue(t, s, Request{SessionID: "S1", Message: "a", DedupeKey: "k"})
	g.waitStarted(t)

	second := enqueue(t, s, Request{SessionID: "S1", Message: "b", DedupeKey: "k"})
	assert.False(t, second.Deduped)
	assert.NotEqual(t, first.RunID, second.RunID)

	other := enqueue(t, s, Request{SessionID: "S2", Message: "c", DedupeKey: "k"})
	assert.False(t, other.Deduped)
}

func TestCollectCoalescesInternalRuns(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	busy := enqueue(t, s, Request{SessionID: "S1", Message: "busy"})
	g.waitStarted(t)

	hb1 := enqueue(t, s, Request{SessionID: "S1", Message: "tick 1", Mode: runs.ModeCollect, Internal: true, Source: "heartbeat"})
	hb2 := enqueue(t, s, Request{SessionID: "S1", Message: "tick 2", Mode: runs.ModeCollect, Internal: true, Source: "heartbeat"})

	assert.True(t, hb2.Coalesced)
	assert.Equal(t, hb1.RunID, hb2.RunID)
	assert.Len(t, s.ListRuns(runs.Filter{SessionID: "S1"}), 2)

	other := enqueue(t, s, Request{SessionID: "S1", Message: "from ui", Mode: runs.ModeCollect, Internal: true, Source: "chat"})
	assert.False(t, other.Coalesced)
	assert.Equal(t, 2, other.Position)

	g.complete(t, "ok")
	waitRun(t, busy)
	assert.Equal(t, "tick 1\ntick 2", g.waitStarted(t).Message)
	g.complete(t, "ok")
	assert.Equal(t, "completed", string(waitRun(t, hb2).Status))
}

func TestCollectSkipsUserRuns(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	enqueue(t, s, Request{SessionID: "S1", Message: "busy"})
	g.waitStarted(t)

	user := enqueue(t, s, Request{SessionID: "S1", Message: "question", Source: "chat"})
	collect := enqueue(t, s, Request{SessionID: "S1", Message: "more", Mode: runs.ModeCollect, Source: "chat"})

	assert.False(t, collect.Coalesced)
	assert.NotEqual(t, user.RunID, collect.RunID)

	// A user turn never merges into queued internal work, even from the same source.
	hb := enqueue(t, s, Request{SessionID: "S1", Message: "tick", Mode: runs.ModeCollect, Internal: true, Source: "heartbeat"})
	typed := enqueue(t, s, Request{SessionID: "S1", Message: "typed", Mode: runs.ModeCollect, Source: "heartbeat"})
	assert.False(t, typed.Coalesced)
	assert.NotEqual(t, hb.RunID, typed.RunID)

	run, err := s.GetRun(hb.RunID)
	require.NoError(t, err)
	assert.Equal(t, "tick", run.Message)
	assert.Equal(t, 4, s.SessionSnapshot("S1").QueueLength)
}

func TestConcurrentAdmissionCreatesOneRun(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	busy := enqueue(t, s, Request{SessionID: "S1", Message: "busy"})
	g.waitStarted(t)

	const callers = 50
	var wg sync.WaitGroup
	dedupeIDs := make([]string, callers)
	collectIDs := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			adm, err := s.Enqueue(context.Background(), Request{
				SessionID: "S1", Message: "nudge", Internal: true,
				Source: "mission-control", DedupeKey: "nudge:S1",
			})
			if assert.NoError(t, err) {
				dedupeIDs[i] = adm.RunID
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			adm, err := s.Enqueue(context.Background(), Request{
				SessionID: "S1", Message: fmt.Sprintf("tick %d", i), Mode: runs.ModeCollect,
				Internal: true, Source: "heartbeat",
			})
			if assert.NoError(t, err) {
				collectIDs[i] = adm.RunID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, dedupeIDs[0], dedupeIDs[i])
		assert.Equal(t, collectIDs[0], collectIDs[i])
	}
	assert.NotEqual(t, dedupeIDs[0], collectIDs[0])
	assert.Equal(t, 2, s.SessionSnapshot("S1").QueueLength)
	assert.Len(t, s.ListRuns(runs.Filter{SessionID: "S1"}), 3)

	merged, err := s.GetRun(collectIDs[0])
	require.NoError(t, err)
	assert.Len(t, strings.Split(merged.Message, "\n"), callers)

	_, err = s.CancelSession(context.Background(), "S1", "done")
	require.NoError(t, err)
	waitRun(t, busy)
}

func TestSteerPreemptsRunningRun(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	var kills atomic.Int32
	r1 := enqueue(t, s, Request{SessionID: "S1", Message: "long task"})
	g.waitStarted(t)
	s.Processes().Register("S1", r1.RunID, process.KillFunc(func(context.Context) error {
		kills.Add(1)
		return nil
	}))

	followup := enqueue(t, s, Request{SessionID: "S1", Message: "queued earlier"})
	steer := enqueue(t, s, Request{SessionID: "S1", Message: "stop and pivot", Mode: runs.ModeSteer})
	assert.Equal(t, 1, steer.Position)
	assert.Equal(t, int32(1), kills.Load())

	preempted := waitRun(t, r1)
	assert.Equal(t, runs.StatusCancelled, preempted.Status)
	assert.Equal(t, steerReason, preempted.Error)
	assert.Equal(t, string(errors.FailureCancelled), preempted.ErrorKind)

	assert.Equal(t, "stop and pivot", g.waitStarted(t).Message)
	g.complete(t, "pivoted")
	assert.Equal(t, runs.StatusCompleted, waitRun(t, steer).Status)

	assert.Equal(t, "queued earlier", g.waitStarted(t).Message)
	g.complete(t, "later")
	waitRun(t, followup)
}

func TestSteerOnIdleSessionAppends(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	adm := enqueue(t, s, Request{SessionID: "S1", Message: "go", Mode: runs.ModeSteer})
	assert.Equal(t, 0, adm.Position)
	g.waitStarted(t)
	g.complete(t, "done")
	assert.Equal(t, runs.StatusCompleted, waitRun(t, adm).Status)
}

func TestCancelSessionDrainsQueue(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	r1 := enqueue(t, s, Request{SessionID: "S1", Message: "one"})
	g.waitStarted(t)
	rec2 := newRecorder()
	r2 := enqueue(t, s, Request{SessionID: "S1", Message: "two", Sink: rec2})
	r3 := enqueue(t, s, Request{SessionID: "S1", Message: "three"})

	res, err := s.CancelSession(context.Background(), "S1", "Stopped by user")
	require.NoError(t, err)
	assert.Equal(t, CancelResult{CancelledRunning: 1, CancelledQueued: 2}, res)
	assert.Empty(t, s.ListRuns(runs.Filter{SessionID: "S1", Status: runs.StatusQueued}))

	for _, adm := range []*Admission{r1, r2, r3} {
		run := waitRun(t, adm)
		assert.Equal(t, runs.StatusCancelled, run.Status)
		assert.Equal(t, "Stopped by user", run.Error)
	}
	for _, run := range s.ListRuns(runs.Filter{SessionID: "S1"}) {
		assert.Equal(t, runs.StatusCancelled, run.Status)
	}

	rec2.waitDone(t)
	assert.Equal(t, []stream.Kind{stream.KindMeta, stream.KindMeta, stream.KindDone}, rec2.kinds())
	g.assertIdle(t)

	again, err := s.CancelSession(context.Background(), "S1", "again")
	require.NoError(t, err)
	assert.Equal(t, CancelResult{}, again)
}

func TestCancelUnknownSessionIsNoop(t *testing.T) {
	s := newTestScheduler(t, newGateExecutor())

	res, err := s.CancelSession(context.Background(), "ghost", "")
	require.NoError(t, err)
	assert.Equal(t, CancelResult{}, res)
	assert.Empty(t, s.Sessions())
}

// slowKillRegistry delays every kill until release is closed, like an
// external kill hook that is still in flight when the session moves on.
type slowKillRegistry struct {
	*process.Registry
	release chan struct{}
}

func (r *slowKillRegistry) Kill(ctx context.Context, sessionID, runID string) (bool, error) {
	select {
	case <-r.release:
	case <-time.After(waitTimeout):
	}
	return r.Registry.Kill(ctx, sessionID, runID)
}

// processExecutor registers a counting kill handle for every turn, the way
// CommandExecutor registers its child process.
type processExecutor struct {
	*gateExecutor
	procs      ProcessRegistry
	mu         sync.Mutex
	kills      map[string]int
	registered chan string
}

func newProcessExecutor(procs ProcessRegistry) *processExecutor {
	return &processExecutor{
		gateExecutor: newGateExecutor(),
		procs:        procs,
		kills:        make(map[string]int),
		registered:   make(chan string, 16),
	}
}

func (p *processExecutor) ExecuteTurn(ctx context.Context, in turn.Input) (*turn.Result, error) {
	p.procs.Register(in.SessionID, in.RunID, process.KillFunc(func(context.Context) error {
		p.mu.Lock()
		p.kills[in.RunID]++
		p.mu.Unlock()
		return nil
	}))
	defer p.procs.Unregister(in.SessionID, in.RunID)
	p.registered <- in.RunID
	return p.gateExecutor.ExecuteTurn(ctx, in)
}

func (p *processExecutor) killCount(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills[runID]
}

func (p *processExecutor) waitRegistered(t *testing.T) string {
	t.Helper()
	select {
	case id := <-p.registered:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("no process registered")
		return ""
	}
}

func TestSteerKillSparesTheSteerRunProcess(t *testing.T) {
	procs := &slowKillRegistry{Registry: process.NewRegistry(), release: make(chan struct{})}
	p := newProcessExecutor(procs)
	s := newTestScheduler(t, p, WithProcessRegistry(procs))

	r1 := enqueue(t, s, Request{SessionID: "S1", Message: "long task"})
	assert.Equal(t, r1.RunID, p.waitRegistered(t))
	p.waitStarted(t)

	steered := make(chan *Admission, 1)
	go func() {
		adm, err := s.Enqueue(context.Background(), Request{SessionID: "S1", Message: "pivot", Mode: runs.ModeSteer})
		assert.NoError(t, err)
		steered <- adm
	}()

	// The preempted run finishes and the steer run registers its own process
	// while the kill for the preempted run is still pending.
	steerRunID := p.waitRegistered(t)
	p.waitStarted(t)
	close(procs.release)

	steer := <-steered
	assert.Equal(t, steer.RunID, steerRunID)
	assert.Equal(t, runs.StatusCancelled, waitRun(t, r1).Status)
	assert.Zero(t, p.killCount(steerRunID))

	p.complete(t, "pivoted")
	assert.Equal(t, runs.StatusCompleted, waitRun(t, steer).Status)
}

func TestCancelKillTargetsTheCancelledRun(t *testing.T) {
	procs := &slowKillRegistry{Registry: process.NewRegistry(), release: make(chan struct{})}
	p := newProcessExecutor(procs)
	s := newTestScheduler(t, p, WithProcessRegistry(procs))

	r1 := enqueue(t, s, Request{SessionID: "S1", Message: "one"})
	p.waitRegistered(t)
	p.waitStarted(t)

	cancelled := make(chan CancelResult, 1)
	go func() {
		res, err := s.CancelSession(context.Background(), "S1", "stop")
		assert.NoError(t, err)
		cancelled <- res
	}()

	assert.Equal(t, runs.StatusCancelled, waitRun(t, r1).Status)
	r2 := enqueue(t, s, Request{SessionID: "S1", Message: "two"})
	assert.Equal(t, r2.RunID, p.waitRegistered(t))
	p.waitStarted(t)
	close(procs.release)

	assert.Equal(t, 1, (<-cancelled).CancelledRunning)
	assert.Zero(t, p.killCount(r2.RunID))

	p.complete(t, "fine")
	assert.Equal(t, runs.StatusCompleted, waitRun(t, r2).Status)
}

func TestCloseRacingEnqueue(t *testing.T) {
	exec := turn.ExecutorFunc(func(ctx context.Context, in turn.Input) (*turn.Result, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})
	s := New(exec)

	var wg sync.WaitGroup
	admitted := make(chan *Admission, 400)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				adm, err := s.Enqueue(context.Background(), Request{
					SessionID: fmt.Sprintf("S%d", i), Message: "m", Mode: runs.ModeSteer,
				})
				if err != nil {
					assert.True(t, errors.Is(err, errors.ErrCodeSchedulerClosed))
					return
				}
				admitted <- adm
			}
		}(i)
	}

	time.Sleep(time.Millisecond)
	require.NoError(t, s.Close())
	wg.Wait()
	close(admitted)

	for adm := range admitted {
		run := waitRun(t, adm)
		assert.Equal(t, runs.StatusCancelled, run.Status, "run %s", run.ID)
	}
	assert.Zero(t, s.SessionSnapshot("S0").QueueLength)
}

func TestCancelReportsKillError(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	adm := enqueue(t, s, Request{SessionID: "S1", Message: "one"})
	g.waitStarted(t)
	s.Processes().Register("S1", adm.RunID, process.KillFunc(func(context.Context) error {
		return fmt.Errorf("no such process")
	}))

	res, err := s.CancelSession(context.Background(), "S1", "stop")
	assert.Equal(t, 1, res.CancelledRunning)
	assert.True(t, errors.Is(err, errors.ErrCodeProcessFailed))
	assert.Equal(t, runs.StatusCancelled, waitRun(t, adm).Status)
}

func TestFailureDoesNotStall(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	rec := newRecorder()
	r1 := enqueue(t, s, Request{SessionID: "S1", Message: "boom", Sink: rec})
	g.waitStarted(t)
	r2 := enqueue(t, s, Request{SessionID: "S1", Message: "next"})

	g.fail(t, errors.ProviderFailed("openai", fmt.Errorf("connection reset")))

	failed := waitRun(t, r1)
	assert.Equal(t, runs.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "connection reset")
	assert.Equal(t, string(errors.FailureExecution), failed.ErrorKind)

	rec.waitDone(t)
	kinds := rec.kinds()
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, stream.KindError, kinds[len(kinds)-2])
	assert.Equal(t, stream.KindDone, kinds[len(kinds)-1])

	assert.Equal(t, "next", g.waitStarted(t).Message)
	g.complete(t, "fine")
	assert.Equal(t, runs.StatusCompleted, waitRun(t, r2).Status)
}

func TestResultErrorAndClassification(t *testing.T) {
	tests := []struct {
		name     string
		exec     turn.ExecutorFunc
		wantKind errors.FailureKind
		wantErr  string
	}{
		{
			name: "missing credential",
			exec: func(context.Context, turn.Input) (*turn.Result, error) {
				return nil, errors.MissingCredential("openai")
			},
			wantKind: errors.FailureConfiguration,
			wantErr:  "no API key configured for provider 'openai'",
		},
		{
			name: "result error",
			exec: func(context.Context, turn.Input) (*turn.Result, error) {
				return &turn.Result{Error: "upstream returned 502"}, nil
			},
			wantKind: errors.FailureExecution,
			wantErr:  "upstream returned 502",
		},
		{
			name: "nil result",
			exec: func(context.Context, turn.Input) (*turn.Result, error) {
				return nil, nil
			},
			wantKind: errors.FailureExecution,
			wantErr:  "executor returned no result",
		},
		{
			name: "panic",
			exec: func(context.Context, turn.Input) (*turn.Result, error) {
				panic("executor exploded")
			},
			wantKind: errors.FailureExecution,
			wantErr:  "panic in execute turn: executor exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, tt.exec)
			adm := enqueue(t, s, Request{SessionID: "S1", Message: "x"})
			run := waitRun(t, adm)
			assert.Equal(t, runs.StatusFailed, run.Status)
			assert.Equal(t, tt.wantErr, run.Error)
			assert.Equal(t, string(tt.wantKind), run.ErrorKind)
		})
	}
}

func TestMutualExclusionAcrossSessions(t *testing.T) {
	var mu sync.Mutex
	inFlight := map[string]int{}
	violations := 0
	var peak atomic.Int32
	var total atomic.Int32

	exec := turn.ExecutorFunc(func(ctx context.Context, in turn.Input) (*turn.Result, error) {
		mu.Lock()
		inFlight[in.SessionID]++
		if inFlight[in.SessionID] > 1 {
			violations++
		}
		mu.Unlock()

		n := total.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		total.Add(-1)

		mu.Lock()
		inFlight[in.SessionID]--
		mu.Unlock()
		return &turn.Result{Text: in.Message}, nil
	})
	s := newTestScheduler(t, exec)

	var wg sync.WaitGroup
	admissions := make(chan *Admission, 80)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			adm, err := s.Enqueue(context.Background(), Request{
				SessionID: fmt.Sprintf("S%d", i%4),
				Message:   fmt.Sprintf("m%d", i),
			})
			if assert.NoError(t, err) {
				admissions <- adm
			}
		}(i)
	}
	wg.Wait()
	close(admissions)

	for adm := range admissions {
		assert.Equal(t, runs.StatusCompleted, waitRun(t, adm).Status)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, violations)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Equal(t, 80, s.Stats().Completed)
}

func TestValidation(t *testing.T) {
	s := newTestScheduler(t, newGateExecutor())

	_, err := s.Enqueue(context.Background(), Request{SessionID: "S1", Message: "  "})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = s.Enqueue(context.Background(), Request{Message: "hi"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = s.Enqueue(context.Background(), Request{SessionID: "S1", Message: "hi", Mode: "shout"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	assert.Zero(t, s.Runs().Len())
	assert.Empty(t, s.Sessions())
}

func TestHistoryIsThreadedAndRecorded(t *testing.T) {
	g := newGateExecutor()
	store := history.NewStore()
	s := newTestScheduler(t, g, WithHistory(store))

	first := enqueue(t, s, Request{SessionID: "S1", Message: "hi"})
	assert.Empty(t, g.waitStarted(t).History)
	g.complete(t, "hello")
	waitRun(t, first)

	second := enqueue(t, s, Request{SessionID: "S1", Message: "again"})
	in := g.waitStarted(t)
	require.Len(t, in.History, 2)
	assert.Equal(t, turn.Message{Role: turn.RoleUser, Content: "hi"}, in.History[0])
	assert.Equal(t, turn.Message{Role: turn.RoleAssistant, Content: "hello"}, in.History[1])
	g.complete(t, "ok")
	waitRun(t, second)
}

func TestUnknownSessionFailsAndQueueAdvances(t *testing.T) {
	exec := turn.ExecutorFunc(func(_ context.Context, in turn.Input) (*turn.Result, error) {
		return &turn.Result{Text: "ok"}, nil
	})
	store := history.NewStore(history.Strict())
	s := newTestScheduler(t, exec, WithHistory(store))

	missing := enqueue(t, s, Request{SessionID: "gone", Message: "hi"})
	run := waitRun(t, missing)
	assert.Equal(t, runs.StatusFailed, run.Status)
	assert.Equal(t, string(errors.FailureNotFound), run.ErrorKind)

	store.Ensure("gone")
	next := enqueue(t, s, Request{SessionID: "gone", Message: "retry"})
	assert.Equal(t, runs.StatusCompleted, waitRun(t, next).Status)
}

func TestSnapshots(t *testing.T) {
	g := newGateExecutor()
	s := newTestScheduler(t, g)

	assert.Equal(t, SessionSnapshot{SessionID: "S1"}, s.SessionSnapshot("S1"))
	assert.Empty(t, s.Sessions())

	r1 := enqueue(t, s, Request{SessionID: "S1", Message: "one"})
	g.waitStarted(t)
	enqueue(t, s, Request{SessionID: "S1", Message: "two"})

	snap := s.SessionSnapshot("S1")
	assert.Equal(t, r1.RunID, snap.RunningRunID)
	assert.Equal(t, r1.RunID, snap.CurrentRunID)
	assert.True(t, snap.Active)
	assert.Equal(t, 1, snap.QueueLength)
	assert.Equal(t, 1, snap.QueuedCount)

	all := s.Sessions()
	require.Len(t, all, 1)
	assert.Equal(t, snap, all[0])

	st := s.Stats()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, 1, st.QueuedRuns)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []bus.RunEvent
}

func (c *captureNotifier) Notify(ev bus.RunEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureNotifier) statuses(runID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		if ev.RunID == runID {
			out = append(out, ev.Status)
		}
	}
	return out
}

func TestNotifierSeesLifecycle(t *testing.T) {
	g := newGateExecutor()
	n := &captureNotifier{}
	s := newTestScheduler(t, g, WithNotifier(n))

	adm := enqueue(t, s, Request{SessionID: "S1", Message: "hi"})
	g.waitStarted(t)
	g.complete(t, "ok")
	waitRun(t, adm)

	assert.Equal(t, []string{"queued", "running", "completed"}, n.statuses(adm.RunID))
}

func TestCloseCancelsEverything(t *testing.T) {
	g := newGateExecutor()
	s := New(g)

	r1 := enqueue(t, s, Request{SessionID: "S1", Message: "one"})
	g.waitStarted(t)
	r2 := enqueue(t, s, Request{SessionID: "S1", Message: "two"})

	require.NoError(t, s.Close())
	assert.Equal(t, runs.StatusCancelled, waitRun(t, r1).Status)
	assert.Equal(t, runs.StatusCancelled, waitRun(t, r2).Status)

	_, err := s.Enqueue(context.Background(), Request{SessionID: "S1", Message: "late"})
	assert.True(t, errors.Is(err, errors.ErrCodeSchedulerClosed))
	require.NoError(t, s.Close())
}

func TestExecutorDoneEventIsDropped(t *testing.T) {
	exec := turn.ExecutorFunc(func(_ context.Context, in turn.Input) (*turn.Result, error) {
		in.Emit(stream.Delta("a"))
		in.Emit(stream.Done())
		in.Emit(stream.Delta("b"))
		return &turn.Result{Text: "ab"}, nil
	})
	s := newTestScheduler(t, exec)
	rec := newRecorder()

	adm := enqueue(t, s, Request{SessionID: "S1", Message: "x", Sink: rec})
	waitRun(t, adm)
	rec.waitDone(t)

	assert.Equal(t, []stream.Kind{stream.KindMeta, stream.KindDelta, stream.KindDelta, stream.KindDone}, rec.kinds())
}
