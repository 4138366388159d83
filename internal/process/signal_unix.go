//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminate asks the whole process group to exit.
func terminate(ps *os.Process) error { return signalGroup(ps, syscall.SIGTERM) }

// kill force-kills the whole process group.
func kill(ps *os.Process) error { return signalGroup(ps, syscall.SIGKILL) }

func signalGroup(ps *os.Process, sig syscall.Signal) error {
	if ps == nil {
		return nil
	}
	if err := syscall.Kill(-ps.Pid, sig); err != nil {
		// group already gone or never created; fall back to the leader
		return ps.Signal(sig)
	}
	return nil
}

// exitCode returns the exit status, or the negated signal number when the
// process was killed by a signal.
func exitCode(st *os.ProcessState) int {
	if st == nil {
		return -1
	}
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return st.ExitCode()
}
