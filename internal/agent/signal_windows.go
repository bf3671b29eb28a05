//go:build windows

package agent

import "os"

// sendTermSignal kills the process outright; Windows has no SIGTERM.
func sendTermSignal(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	return proc.Kill()
}
