package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "data", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRegistryJournalsTerminalRuns(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	reg := runs.NewRegistry(runs.WithJournal(j), runs.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	done := reg.Create(runs.Spec{SessionID: "s1", Message: "hi", Source: "chat"})
	_, err := reg.Transition(done.ID, runs.StatusRunning, runs.Fields{})
	require.NoError(t, err)
	_, err = reg.Transition(done.ID, runs.StatusCompleted, runs.Fields{Result: &runs.Result{
		Text:       "hello",
		ToolEvents: []stream.Event{stream.ToolResult("t1", "search", "ok", true)},
	}})
	require.NoError(t, err)

	dropped := reg.Create(runs.Spec{SessionID: "s1", Message: "later"})
	_, err = reg.Transition(dropped.ID, runs.StatusCancelled, runs.Fields{Error: "Stopped by user", ErrorKind: "cancelled"})
	require.NoError(t, err)

	other := reg.Create(runs.Spec{SessionID: "s2", Message: "x"})
	_, err = reg.Transition(other.ID, runs.StatusRunning, runs.Fields{})
	require.NoError(t, err)

	got, err := j.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "hello", got.Result.Text)
	require.Len(t, got.Result.ToolEvents, 1)
	assert.Equal(t, "search", got.Result.ToolEvents[0].Tool.Name)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	all, err := j.List(ctx, runs.Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, dropped.ID, all[0].ID)
	assert.Equal(t, "Stopped by user", all[0].Error)

	cancelled, err := j.List(ctx, runs.Filter{Status: runs.StatusCancelled, Limit: 5})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)

	_, err = j.Get(ctx, other.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	counts, err := j.CountByStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[runs.StatusCompleted])
	assert.Equal(t, int64(1), counts[runs.StatusCancelled])
}

func TestRecordUpserts(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	run := &runs.Run{ID: "r1", SessionID: "s1", Status: runs.StatusFailed, Error: "boom", CreatedAt: time.Now()}
	require.NoError(t, j.Record(ctx, run))
	run.Error = "boom again"
	require.NoError(t, j.Record(ctx, run))

	all, err := j.List(ctx, runs.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "boom again", all[0].Error)
	assert.Nil(t, all[0].Result)
}
