// Package lock implements the per-stream mutual-exclusion primitive. A lock
// is a JSON file naming its owning process, published atomically via hard
// link; a lock whose owner is no longer alive is stale and may be reclaimed
// by the next caller.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"agentloop/internal/logger"
)

// ErrBusy means another live loop owns the stream. Never retried here; the
// caller must wait or pick a different stream.
var ErrBusy = errors.New("stream is locked by a live process")

// Info is the lock file payload. Kept human-readable so a stuck lock can be
// diagnosed with cat. ProcStart pins the owner to a specific process
// incarnation: a reused pid with a different start time is not the owner.
type Info struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
	ProcStart  time.Time `json:"proc_start"`
}

// Manager creates and releases lock files under a single directory. The
// directory is a constructor parameter, never ambient state, so tests can run
// against isolated temp namespaces.
type Manager struct {
	dir  string
	live logger.Liveness
	pid  func() int
	now  func() time.Time
}

func NewManager(dir string, live logger.Liveness) *Manager {
	if live == nil {
		live = logger.OSLiveness{}
	}
	return &Manager{
		dir:  dir,
		live: live,
		pid:  os.Getpid,
		now:  time.Now,
	}
}

func (m *Manager) path(streamID string) string {
	return filepath.Join(m.dir, streamID+".lock.json")
}

// Acquire atomically claims the stream. If the lock exists and its owner is
// alive it returns ErrBusy; if the owner is dead (or the file is unreadable)
// the lock is force-reclaimed. Two simultaneous acquisitions resolve to
// exactly one winner because publication is a hard link of a fully-written
// payload.
func (m *Manager) Acquire(streamID string) (Info, error) {
	info, err := m.tryCreate(streamID)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return Info{}, err
	}

	stale, existing := m.inspect(streamID)
	if !stale {
		logger.Debug(fmt.Sprintf("lock for stream %s held by pid %d", streamID, existing.PID))
		return Info{}, ErrBusy
	}

	logger.Warn(fmt.Sprintf("reclaiming stale lock for stream %s (dead pid %d)", streamID, existing.PID))
	if err := os.Remove(m.path(streamID)); err != nil && !os.IsNotExist(err) {
		return Info{}, fmt.Errorf("remove stale lock: %w", err)
	}

	info, err = m.tryCreate(streamID)
	if err == nil {
		return info, nil
	}
	if errors.Is(err, os.ErrExist) {
		// Someone else won the reclaim race.
		return Info{}, ErrBusy
	}
	return Info{}, err
}

// tryCreate publishes the lock atomically: the complete payload is written to
// a private temp file first, then hard-linked to the lock path. Link fails
// with EEXIST when another owner got there first, and the lock path can never
// be observed without its full owner record.
func (m *Manager) tryCreate(streamID string) (Info, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("create lock dir: %w", err)
	}

	host, _ := os.Hostname()
	info := Info{
		PID:        m.pid(),
		Host:       host,
		AcquiredAt: m.now().UTC(),
		ProcStart:  m.startTime(m.pid()),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return Info{}, fmt.Errorf("encode lock file: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, streamID+".lock.*.tmp")
	if err != nil {
		return Info{}, fmt.Errorf("write lock file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return Info{}, fmt.Errorf("write lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("write lock file: %w", err)
	}

	if err := os.Link(tmpName, m.path(streamID)); err != nil {
		return Info{}, err
	}
	return info, nil
}

// startTimer is the optional liveness extension: knowing when the owner's
// process started lets staleness detection survive pid reuse.
type startTimer interface {
	StartTime(pid int) time.Time
}

func (m *Manager) startTime(pid int) time.Time {
	if st, ok := m.live.(startTimer); ok {
		return st.StartTime(pid)
	}
	return time.Time{}
}

// ownerAlive reports whether the recorded owner process is still running. A
// live pid whose start time differs from the recorded one is a reused pid,
// not the owner. Start times are compared with slack because the kernel and
// gopsutil round them differently.
func (m *Manager) ownerAlive(info Info) bool {
	if !m.live.IsAlive(info.PID) {
		return false
	}
	if info.ProcStart.IsZero() {
		return true
	}
	cur := m.startTime(info.PID)
	if cur.IsZero() {
		return true
	}
	diff := cur.Sub(info.ProcStart)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Second
}

// inspect reads the existing lock and decides staleness. An unreadable or
// corrupt lock file counts as stale: lock files are published atomically with
// their full payload, so a mangled one can only be abandoned debris, never a
// live owner mid-write.
func (m *Manager) inspect(streamID string) (stale bool, info Info) {
	data, err := os.ReadFile(m.path(streamID))
	if err != nil {
		return true, Info{}
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return true, Info{}
	}
	return !m.ownerAlive(info), info
}

// Release removes the lock file. Releasing an already-released lock is a
// no-op so every exit path can call it unconditionally.
func (m *Manager) Release(streamID string) error {
	err := os.Remove(m.path(streamID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Info returns the current lock payload and whether a lock file exists.
func (m *Manager) Info(streamID string) (Info, bool, error) {
	data, err := os.ReadFile(m.path(streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, false, nil
		}
		return Info{}, false, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, true, fmt.Errorf("decode lock file: %w", err)
	}
	return info, true, nil
}

// IsStale reports whether a lock exists and its owner is not alive.
func (m *Manager) IsStale(streamID string) (bool, error) {
	info, held, err := m.Info(streamID)
	if err != nil {
		// Corrupt lock: held but owner unknown, treat as stale.
		if held {
			return true, nil
		}
		return false, err
	}
	if !held {
		return false, nil
	}
	return !m.ownerAlive(info), nil
}

// Held reports whether the lock file exists and its owner is alive.
func (m *Manager) Held(streamID string) (held bool, alive bool) {
	info, exists, err := m.Info(streamID)
	if err != nil {
		return true, false
	}
	if !exists {
		return false, false
	}
	return true, m.ownerAlive(info)
}
