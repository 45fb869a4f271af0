package engine

import (
	"os/exec"
	"syscall"
)

// setNewProcessGroup puts a launched phase process in its own process
// group so a later kill can reach any children it spawns, not just the
// immediate PID. The teacher's pkg/tools/gemini.go calls an equivalent
// prepareCommandForTermination helper that wasn't present in the copied
// tree; this is the standard Unix idiom for the same intent.
func setNewProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the process group rooted at pid, falling back
// to signaling the bare PID if the group signal fails (e.g. the process
// already reaped its group leadership).
func killProcessGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
