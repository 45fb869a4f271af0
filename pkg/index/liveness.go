package index

import "syscall"

// pidAlive probes a process's liveness the way the original orphan-run
// detector does: kill(pid, 0) and check for ESRCH, without actually
// signaling the process. Only meaningful for processes on the local host,
// which is why orphan detection is gated on host == "localhost" upstream.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
