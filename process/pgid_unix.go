//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// PrepareGroup makes cmd the leader of a new process group, so KillGroup
// also reaches the children it spawns.
func PrepareGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// KillGroup sends SIGKILL to the process group led by cmd, falling back to
// the leader alone when it was not started in its own group.
func KillGroup(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != syscall.ESRCH {
			return err
		}
	}
	return cmd.Process.Kill()
}
