//go:build !unix

package process

import "os/exec"

// PrepareGroup is a no-op where process groups are unavailable.
func PrepareGroup(cmd *exec.Cmd) {}

// KillGroup kills the leader process.
func KillGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
