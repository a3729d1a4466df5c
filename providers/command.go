package providers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/smallnest/clawrun/config"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/process"
	"github.com/smallnest/clawrun/stream"
	"github.com/smallnest/clawrun/turn"
	"go.uber.org/zap"
)

const maxStderrTail = 2048

// Registrar records the process backing a run so it can be killed.
type Registrar interface {
	Register(sessionID, runID string, h process.KillHandle)
	Unregister(sessionID, runID string)
}

// CommandExecutor runs an external agent process per turn. The message is
// written to stdin and every stdout line is streamed back as a delta.
type CommandExecutor struct {
	command string
	args    []string
	dir     string
	timeout int
	procs   Registrar
	log     *logger.FieldLogger
}

// NewCommandExecutor creates an executor from cfg. procs may be nil.
func NewCommandExecutor(cfg config.ExecutorConfig, procs Registrar) *CommandExecutor {
	return &CommandExecutor{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		dir:     cfg.WorkDir,
		timeout: cfg.Timeout,
		procs:   procs,
		log:     logger.Component("command"),
	}
}

// ExecuteTurn starts the process, streams its output and waits for it.
func (e *CommandExecutor) ExecuteTurn(ctx context.Context, in turn.Input) (*turn.Result, error) {
	callCtx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, e.command, e.args...)
	process.PrepareGroup(cmd)
	cmd.Cancel = func() error { return process.KillGroup(cmd) }
	if e.dir != "" {
		cmd.Dir = e.dir
	}

	// Set up environment
	cmd.Env = append(os.Environ(),
		"CLAWRUN_SESSION_ID="+in.SessionID,
		"CLAWRUN_RUN_ID="+in.RunID,
		"CLAWRUN_SOURCE="+in.Source,
		fmt.Sprintf("CLAWRUN_INTERNAL=%t", in.Internal),
	)
	if in.ImagePath != "" {
		cmd.Env = append(cmd.Env, "CLAWRUN_IMAGE_PATH="+in.ImagePath)
	}
	if in.ImageURL != "" {
		cmd.Env = append(cmd.Env, "CLAWRUN_IMAGE_URL="+in.ImageURL)
	}

	cmd.Stdin = strings.NewReader(in.Message + "\n")
	stderr := &tailBuffer{limit: maxStderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProcessFailed, "failed to create stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProcessFailed, "failed to start command")
	}

	if e.procs != nil {
		e.procs.Register(in.SessionID, in.RunID, process.CmdHandle(cmd))
		defer e.procs.Unregister(in.SessionID, in.RunID)
	}

	e.log.Debug("Command started",
		zap.String("session_id", in.SessionID),
		zap.String("run_id", in.RunID),
		zap.Int("pid", cmd.Process.Pid))

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		out.WriteString(line)
		in.Emit(stream.Delta(line))
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if callCtx.Err() != nil {
			return nil, errors.Wrap(callCtx.Err(), errors.ErrCodeTimeout, "command timed out")
		}
		msg := "command failed"
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			msg += ": " + tail
		}
		return nil, errors.Wrap(waitErr, errors.ErrCodeProcessFailed, msg)
	}
	if scanErr != nil {
		return nil, errors.Wrap(scanErr, errors.ErrCodeProcessFailed, "failed to read command output")
	}

	return &turn.Result{Text: out.String()}, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
