//go:build windows

package process

import "os"

// Windows has no SIGTERM for console children; both steps terminate the process.
func terminate(ps *os.Process) error { return kill(ps) }

func kill(ps *os.Process) error {
	if ps == nil {
		return nil
	}
	return ps.Kill()
}

func exitCode(st *os.ProcessState) int {
	if st == nil {
		return -1
	}
	return st.ExitCode()
}
