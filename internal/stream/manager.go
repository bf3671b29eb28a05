// Package stream owns the per-stream workspaces and state directories and
// delegates building to the loop engine. Each stream is one independently
// schedulable unit: a task checklist, an optional isolated worktree on its
// own branch, and its own lock, ledger, and error window.
package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"agentloop/internal/agent"
	"agentloop/internal/config"
	"agentloop/internal/engine"
	"agentloop/internal/gitops"
	"agentloop/internal/lock"
	"agentloop/internal/logger"
	"agentloop/internal/status"
)

// ErrStreamRunning guards merge and cleanup: neither may touch a stream whose
// loop is live.
var ErrStreamRunning = errors.New("stream has a running loop")

// ErrNotMerged means cleanup was requested before merge without the explicit
// abandonment flag.
var ErrNotMerged = errors.New("stream is not merged; pass force to abandon")

// Paths locates everything one stream persists.
type Paths struct {
	Dir             string
	Checklist       string
	Ledger          string
	Errors          string
	Log             string
	CompletedMarker string
	MergedMarker    string
	Worktree        string
	Branch          string
}

// Manager creates, builds, merges, and destroys streams.
type Manager struct {
	repoRoot string
	stateDir string
	cfg      *config.Config
	git      *gitops.Client
	locks    *lock.Manager
	recon    *status.Reconciler
}

func NewManager(cfg *config.Config, git *gitops.Client, locks *lock.Manager) *Manager {
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(cfg.RepoRoot, config.DefaultStateDirName)
	}
	return &Manager{
		repoRoot: cfg.RepoRoot,
		stateDir: stateDir,
		cfg:      cfg,
		git:      git,
		locks:    locks,
		recon:    status.NewReconciler(locks, git, cfg.MainBranch),
	}
}

// StateDir returns the root of all stream state.
func (m *Manager) StateDir() string { return m.stateDir }

func (m *Manager) streamsDir() string { return filepath.Join(m.stateDir, "streams") }

// Paths computes the layout for one stream id.
func (m *Manager) Paths(id int) Paths {
	dir := filepath.Join(m.streamsDir(), strconv.Itoa(id))
	return Paths{
		Dir:             dir,
		Checklist:       filepath.Join(dir, "prd.md"),
		Ledger:          filepath.Join(dir, "progress.json"),
		Errors:          filepath.Join(dir, "errors.json"),
		Log:             filepath.Join(dir, "run.log"),
		CompletedMarker: filepath.Join(dir, ".completed"),
		MergedMarker:    filepath.Join(dir, ".merged"),
		Worktree:        filepath.Join(m.stateDir, "worktrees", strconv.Itoa(id)),
		Branch:          fmt.Sprintf("agentloop/stream-%d", id),
	}
}

// statusPaths adapts Paths for the reconciler. The branch signal is only
// meaningful once a workspace was initialized.
func (m *Manager) statusPaths(id int) status.StreamPaths {
	p := m.Paths(id)
	branch := ""
	if dirExists(p.Worktree) {
		branch = p.Branch
	}
	return status.StreamPaths{
		ID:              strconv.Itoa(id),
		ChecklistPath:   p.Checklist,
		LedgerPath:      p.Ledger,
		CompletedMarker: p.CompletedMarker,
		MergedMarker:    p.MergedMarker,
		Branch:          branch,
	}
}

// New allocates the next unused numeric stream id (max existing + 1, never
// reused) and writes the checklist.
func (m *Manager) New(prd []byte) (int, error) {
	ids, err := m.List()
	if err != nil {
		return 0, err
	}
	id := 1
	if len(ids) > 0 {
		id = ids[len(ids)-1] + 1
	}

	p := m.Paths(id)
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return 0, fmt.Errorf("create stream dir: %w", err)
	}
	if err := os.WriteFile(p.Checklist, prd, 0o644); err != nil {
		return 0, fmt.Errorf("write checklist: %w", err)
	}
	logger.Info(fmt.Sprintf("created stream %d", id))
	return id, nil
}

// List returns existing stream ids in ascending order.
func (m *Manager) List() ([]int, error) {
	entries, err := os.ReadDir(m.streamsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// InitWorkspace creates the stream's isolated worktree on a dedicated branch.
// Optional: a stream without one runs directly against the main workspace.
func (m *Manager) InitWorkspace(ctx context.Context, id int) error {
	p := m.Paths(id)
	if dirExists(p.Worktree) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.Worktree), 0o755); err != nil {
		return err
	}
	if err := m.git.AddWorktree(ctx, p.Worktree, p.Branch); err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("stream %d: worktree on branch %s", id, p.Branch))
	return nil
}

// WorkDir returns where the stream's loop runs: its worktree when one exists,
// otherwise the main workspace.
func (m *Manager) WorkDir(id int) string {
	p := m.Paths(id)
	if dirExists(p.Worktree) {
		return p.Worktree
	}
	return m.repoRoot
}

// BuildOptions are the per-invocation knobs of Build.
type BuildOptions struct {
	MaxIterations int
	DryRun        bool
	Chain         []config.AgentPreset
	AgentTimeout  time.Duration
}

// Build runs the loop for one stream to a terminal outcome.
func (m *Manager) Build(ctx context.Context, id int, opts BuildOptions) (engine.Outcome, error) {
	p := m.Paths(id)
	if !fileExists(p.Checklist) {
		return engine.OutcomeError, fmt.Errorf("stream %d has no checklist", id)
	}

	chain := opts.Chain
	if len(chain) == 0 {
		chain = config.DefaultChain()
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = m.cfg.MaxIterations
	}
	agentTimeout := opts.AgentTimeout
	if agentTimeout <= 0 {
		agentTimeout = m.cfg.AgentTimeout
	}

	inv := agent.NewInvoker(agentTimeout)
	inv.BaseURL = m.cfg.BaseURL
	inv.APIKey = m.cfg.APIKey

	workDir := m.WorkDir(id)
	eng := engine.New(engine.Options{
		StreamID:        strconv.Itoa(id),
		WorkDir:         workDir,
		ChecklistPath:   p.Checklist,
		LedgerPath:      p.Ledger,
		ErrorsPath:      p.Errors,
		VerifyCommand:   m.cfg.VerifyCommand,
		VerifyTimeout:   m.cfg.VerifyTimeout,
		MaxIterations:   maxIter,
		SwitchThreshold: m.cfg.SwitchThreshold,
		DryRun:          opts.DryRun || m.cfg.DryRun,
		Chain:           chain,
		BackoffInitial:  m.cfg.BackoffInitial,
		BackoffCap:      m.cfg.BackoffCap,
	}, m.locks, inv, m.git.InDir(workDir))

	return eng.Run(ctx)
}

// Merge fast-forwards or merges the stream's branch into the main line and
// writes the .merged marker. Conflicts surface as a git operation error and
// are never auto-resolved. A stream without a workspace merges trivially.
func (m *Manager) Merge(ctx context.Context, id int) error {
	sid := strconv.Itoa(id)
	if held, alive := m.locks.Held(sid); held && alive {
		return fmt.Errorf("%w: stream %d", ErrStreamRunning, id)
	}

	p := m.Paths(id)
	if !dirExists(p.Worktree) {
		logger.Info(fmt.Sprintf("stream %d: no workspace, merge is a no-op", id))
		return nil
	}

	if err := m.git.Merge(ctx, p.Branch); err != nil {
		return err
	}
	if err := os.WriteFile(p.MergedMarker, nil, 0o644); err != nil {
		return fmt.Errorf("write merged marker: %w", err)
	}
	logger.Info(fmt.Sprintf("stream %d: merged branch %s", id, p.Branch))
	return nil
}

// Cleanup removes the stream's worktree and state. Refused while running;
// refused before merge unless force marks the stream abandoned.
func (m *Manager) Cleanup(ctx context.Context, id int, force bool) error {
	sid := strconv.Itoa(id)
	if held, alive := m.locks.Held(sid); held && alive {
		return fmt.Errorf("%w: stream %d", ErrStreamRunning, id)
	}

	p := m.Paths(id)
	if !fileExists(p.MergedMarker) && !force {
		return fmt.Errorf("%w: stream %d", ErrNotMerged, id)
	}

	if dirExists(p.Worktree) {
		if err := m.git.RemoveWorktree(ctx, p.Worktree); err != nil {
			return err
		}
	}
	if err := m.locks.Release(sid); err != nil {
		return err
	}
	if err := os.RemoveAll(p.Dir); err != nil {
		return fmt.Errorf("remove stream dir: %w", err)
	}
	logger.Info(fmt.Sprintf("cleaned up stream %d", id))
	return nil
}

// Status reconciles one stream's derived status.
func (m *Manager) Status(ctx context.Context, id int) (status.Status, error) {
	st, _, err := m.recon.Status(ctx, m.statusPaths(id))
	return st, err
}

// VerifyAll sweeps every stream, applying idempotent marker corrections, and
// returns what was corrected.
func (m *Manager) VerifyAll(ctx context.Context) ([]status.Correction, error) {
	ids, err := m.List()
	if err != nil {
		return nil, err
	}
	paths := make([]status.StreamPaths, 0, len(ids))
	for _, id := range ids {
		paths = append(paths, m.statusPaths(id))
	}
	return m.recon.VerifyAll(ctx, paths)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
