// Package process tracks externally owned processes that back a session's
// running turn, so cancellation can kill them.
package process

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/smallnest/clawrun/internal/logger"
	"go.uber.org/zap"
)

// KillHandle terminates one external process.
type KillHandle interface {
	Kill(ctx context.Context) error
}

// KillFunc adapts a function to KillHandle.
type KillFunc func(ctx context.Context) error

func (f KillFunc) Kill(ctx context.Context) error { return f(ctx) }

// CmdHandle kills the process group of a started *exec.Cmd. The command
// should have been prepared with Setpgid.
func CmdHandle(cmd *exec.Cmd) KillHandle {
	return KillFunc(func(ctx context.Context) error {
		if cmd == nil || cmd.Process == nil {
			return nil
		}
		if err := KillGroup(cmd); err != nil && cmd.ProcessState == nil {
			return fmt.Errorf("kill pid %d: %w", cmd.Process.Pid, err)
		}
		return nil
	})
}

type registration struct {
	runID  string
	handle KillHandle
}

// Registry maps a session to the kill handle of the process backing its
// running turn. Every handle belongs to one run, so a late kill aimed at a
// finished run never reaches the process of the run that replaced it.
type Registry struct {
	mu        sync.Mutex
	bySession map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bySession: make(map[string]registration)}
}

// Register records h for runID in sessionID, replacing any previous handle.
func (r *Registry) Register(sessionID, runID string, h KillHandle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = registration{runID: runID, handle: h}
}

// Unregister forgets the handle of runID. A handle registered by a later run
// of the same session is left alone.
func (r *Registry) Unregister(sessionID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.bySession[sessionID]; ok && reg.runID == runID {
		delete(r.bySession, sessionID)
	}
}

// Kill terminates the process registered for runID in sessionID. It reports
// whether such a handle existed; the handle stays registered until
// Unregister.
func (r *Registry) Kill(ctx context.Context, sessionID, runID string) (bool, error) {
	r.mu.Lock()
	reg, ok := r.bySession[sessionID]
	r.mu.Unlock()
	if !ok || reg.runID != runID {
		return false, nil
	}

	if err := reg.handle.Kill(ctx); err != nil {
		logger.Warn("Failed to kill session process",
			zap.String("session_id", sessionID),
			zap.String("run_id", runID),
			zap.Error(err))
		return true, err
	}
	logger.Info("Killed session process",
		zap.String("session_id", sessionID),
		zap.String("run_id", runID))
	return true, nil
}

// Has reports whether runID has a handle registered in sessionID.
func (r *Registry) Has(sessionID, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.bySession[sessionID]
	return ok && reg.runID == runID
}
