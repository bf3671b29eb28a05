package stream

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"agentloop/internal/config"
	"agentloop/internal/engine"
	"agentloop/internal/gitops"
	"agentloop/internal/lock"
)

type noneAlive struct{}

func (noneAlive) IsAlive(int) bool { return false }

type allAlive struct{}

func (allAlive) IsAlive(int) bool { return true }

// recordingGit accepts every git command and records it.
type recordingGit struct {
	calls []string
}

func (g *recordingGit) run(ctx context.Context, dir string, args ...string) (string, int, error) {
	g.calls = append(g.calls, strings.Join(args, " "))
	return "", 0, nil
}

func newTestManager(t *testing.T, live interface{ IsAlive(int) bool }) (*Manager, *recordingGit) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		RepoRoot:   root,
		StateDir:   filepath.Join(root, ".agentloop"),
		MainBranch: "main",
	}
	g := &recordingGit{}
	git := gitops.NewClientWithRunner(root, nil, g.run)
	locks := lock.NewManager(filepath.Join(cfg.StateDir, "locks"), live)
	return NewManager(cfg, git, locks), g
}

func TestNewAllocatesSequentialIDs(t *testing.T) {
	m, _ := newTestManager(t, noneAlive{})

	id1, err := m.New([]byte("### [ ] US-001: a\n"))
	require.NoError(t, err)
	require.Equal(t, 1, id1)

	id2, err := m.New([]byte("### [ ] US-001: b\n"))
	require.NoError(t, err)
	require.Equal(t, 2, id2)

	// Removing an earlier stream never causes id reuse.
	require.NoError(t, os.RemoveAll(m.Paths(id1).Dir))
	id3, err := m.New([]byte("### [ ] US-001: c\n"))
	require.NoError(t, err)
	require.Equal(t, 3, id3)

	ids, err := m.List()
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, ids)
}

func TestNewWritesChecklist(t *testing.T) {
	m, _ := newTestManager(t, noneAlive{})

	prd := []byte("### [ ] US-001: parse\n- [ ] criterion\n")
	id, err := m.New(prd)
	require.NoError(t, err)

	got, err := os.ReadFile(m.Paths(id).Checklist)
	require.NoError(t, err)
	require.Equal(t, prd, got)
}

func TestListEmpty(t *testing.T) {
	m, _ := newTestManager(t, noneAlive{})
	ids, err := m.List()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestPathsLayout(t *testing.T) {
	m, _ := newTestManager(t, noneAlive{})
	p := m.Paths(7)

	require.Equal(t, filepath.Join(m.StateDir(), "streams", "7"), p.Dir)
	require.Equal(t, filepath.Join(p.Dir, "prd.md"), p.Checklist)
	require.Equal(t, filepath.Join(p.Dir, "progress.json"), p.Ledger)
	require.Equal(t, filepath.Join(p.Dir, "errors.json"), p.Errors)
	require.Equal(t, filepath.Join(p.Dir, "run.log"), p.Log)
	require.Equal(t, filepath.Join(m.StateDir(), "worktrees", "7"), p.Worktree)
	require.Equal(t, "agentloop/stream-7", p.Branch)
}

func TestWorkDirFallsBackToRepoRoot(t *testing.T) {
	m, _ := newTestManager(t, noneAlive{})
	id, err := m.New([]byte("### [ ] US-001: a\n"))
	require.NoError(t, err)

	require.Equal(t, m.repoRoot, m.WorkDir(id))

	require.NoError(t, os.MkdirAll(m.Paths(id).Worktree, 0o755))
	require.Equal(t, m.Paths(id).Worktree, m.WorkDir(id))
}

func TestMergeNoWorkspaceIsNoOp(t *testing.T) {
	m, g := newTestManager(t, noneAlive{})
	id, err := m.New([]byte("### [ ] US-001: a\n"))
	require.NoError(t, err)

	require.NoError(t, m.Merge(context.Background(), id))
	require.Empty(t, g.calls)

	_, err = os.Stat(m.Paths(id).MergedMarker)
	require.True(t, os.IsNotExist(err), "no-op merge writes no marker")
}

func TestMergeWritesMarker(t *testing.T) {
	m, g := newTestManager(t, noneAlive{})
	id, err := m.New([]byte("### [ ] US-001: a\n"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(m.Paths(id).Worktree, 0o755))

	require.NoError(t, m.Merge(context.Background(), id))
	require.Contains(t, g.calls, "merge --no-ff --no-edit agentloop/stream-1")

	_, err = os.Stat(m.Paths(id).MergedMarker)
	require.NoError(t, err)
}

func TestMergeRefusedWhileRunning(t *testing.T) {
	m, _ := newTestManager(t, allAlive{})
	id, err := m.New([]byte("### [ ] US-001: a\n"))
	require.NoError(t, err)

	_, err = m.locks.Acquire("1")
	require.NoError(t, err)

	err = m.Merge(context.Background(), id)
	require.ErrorIs(t, err, ErrStreamRunning)
}

func TestCleanupRequiresMergeOrForce(t *testing.T) {
	m, _ := newTestManager(t, noneAlive{})
	id, err := m.New([]byte("### [ ] US-001: a\n"))
	require.NoError(t, err)

	err = m.Cleanup(context.Background(), id, false)
	require.ErrorIs(t, err, ErrNotMerged)

	require.NoError(t, m.Cleanup(context.Background(), id, true))
	_, err = os.Stat(m.Paths(id).Dir)
	require.True(t, os.IsNotExist(err))
}

func TestCleanupMergedStream(t *testing.T) {
	m, g := newTestManager(t, noneAlive{})
	id, err := m.New([]byte("### [ ] US-001: a\n"))
	require.NoError(t, err)

	p := m.Paths(id)
	require.NoError(t, os.MkdirAll(p.Worktree, 0o755))
	require.NoError(t, os.WriteFile(p.MergedMarker, nil, 0o644))

	require.NoError(t, m.Cleanup(context.Background(), id, false))
	require.Contains(t, g.calls, "worktree remove --force "+p.Worktree)

	_, err = os.Stat(p.Dir)
	require.True(t, os.IsNotExist(err))
}

func TestCleanupRefusedWhileRunning(t *testing.T) {
	m, _ := newTestManager(t, allAlive{})
	id, err := m.New([]byte("### [ ] US-001: a\n"))
	require.NoError(t, err)

	_, err = m.locks.Acquire("1")
	require.NoError(t, err)

	err = m.Cleanup(context.Background(), id, true)
	require.ErrorIs(t, err, ErrStreamRunning)
}

func TestBuildMissingChecklist(t *testing.T) {
	m, _ := newTestManager(t, noneAlive{})
	outcome, err := m.Build(context.Background(), 42, BuildOptions{})
	require.Error(t, err)
	require.Equal(t, engine.OutcomeError, outcome)
}

func TestVerifyAllEmpty(t *testing.T) {
	m, _ := newTestManager(t, noneAlive{})
	corrections, err := m.VerifyAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, corrections)
}
