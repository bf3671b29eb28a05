package logger

import (
	"errors"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Liveness answers whether a process identified by pid is still running.
// Lock staleness and status reconciliation both depend on it; tests inject
// fakes so no real processes are spawned.
type Liveness interface {
	IsAlive(pid int) bool
}

// OSLiveness checks real processes via gopsutil. StartTime lets the lock
// manager distinguish a reused pid from the original owner.
type OSLiveness struct{}

func (OSLiveness) IsAlive(pid int) bool { return isProcessRunning(pid) }

func (OSLiveness) StartTime(pid int) time.Time { return getProcessStartTime(pid) }

func pidToInt32(pid int) (int32, bool) {
	if pid <= 0 || pid > math.MaxInt32 {
		return 0, false
	}
	return int32(pid), true
}

// isProcessRunning reports whether a process with the given pid appears to be
// running. It is intentionally conservative on errors: a lock owned by a live
// loop must never be reclaimed because inspection failed.
func isProcessRunning(pid int) bool {
	pid32, ok := pidToInt32(pid)
	if !ok {
		return false
	}

	exists, err := process.PidExists(pid32)
	if err == nil {
		return exists
	}

	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false
	}

	// Permission/inspection failures: assume it's running to be safe.
	return true
}

// getProcessStartTime returns the start time of a process, or the zero time
// when it cannot be determined.
func getProcessStartTime(pid int) time.Time {
	pid32, ok := pidToInt32(pid)
	if !ok {
		return time.Time{}
	}

	proc, err := process.NewProcess(pid32)
	if err != nil {
		return time.Time{}
	}

	ms, err := proc.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}
