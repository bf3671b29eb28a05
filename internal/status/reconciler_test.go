package status

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentloop/internal/gitops"
	"agentloop/internal/ledger"
	"agentloop/internal/lock"
)

type noneAlive struct{}

func (noneAlive) IsAlive(int) bool { return false }

// ancestorGit answers merge-base queries from a fixed set of merged commits.
func ancestorGit(merged map[string]bool) gitops.Runner {
	return func(ctx context.Context, dir string, args ...string) (string, int, error) {
		key := strings.Join(args, " ")
		if strings.HasPrefix(key, "merge-base --is-ancestor ") {
			commit := args[2]
			if merged[commit] {
				return "", 0, nil
			}
			return "", 1, nil
		}
		if strings.HasPrefix(key, "rev-parse --verify --quiet ") {
			return "", 1, nil
		}
		return "", 0, nil
	}
}

func newTestReconciler(t *testing.T, merged map[string]bool) (*Reconciler, string) {
	t.Helper()
	dir := t.TempDir()
	locks := lock.NewManager(filepath.Join(dir, "locks"), noneAlive{})
	git := gitops.NewClientWithRunner(dir, nil, ancestorGit(merged))
	return NewReconciler(locks, git, "main"), dir
}

func streamFixture(t *testing.T, dir, id string) StreamPaths {
	t.Helper()
	sdir := filepath.Join(dir, "streams", id)
	require.NoError(t, os.MkdirAll(sdir, 0o755))
	return StreamPaths{
		ID:              id,
		ChecklistPath:   filepath.Join(sdir, "prd.md"),
		LedgerPath:      filepath.Join(sdir, "progress.json"),
		CompletedMarker: filepath.Join(sdir, ".completed"),
		MergedMarker:    filepath.Join(sdir, ".merged"),
	}
}

func writeLedgerWithCommit(t *testing.T, path, hash string) {
	t.Helper()
	l := &ledger.Ledger{}
	l.Append(ledger.Iteration{
		Seq:        1,
		RunID:      "run-1",
		StoryID:    "US-001",
		Outcome:    ledger.OutcomeSuccess,
		Agent:      "claude",
		StartedAt:  time.Now(),
		EndedAt:    time.Now(),
		CommitHash: hash,
	})
	require.NoError(t, l.Save(path))
}

func TestStatusCreatesMissingCompletedMarker(t *testing.T) {
	r, dir := newTestReconciler(t, map[string]bool{"feedc0ffee01": true})
	sp := streamFixture(t, dir, "1")
	writeLedgerWithCommit(t, sp.LedgerPath, "feedc0ffee01")

	st, corrections, err := r.Status(context.Background(), sp)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st)
	require.Len(t, corrections, 1)
	require.Equal(t, "create_completed_marker", corrections[0].Action)

	_, statErr := os.Stat(sp.CompletedMarker)
	require.NoError(t, statErr, "marker must exist after reconciliation")

	// Second reconciliation finds nothing to fix.
	st, corrections, err = r.Status(context.Background(), sp)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st)
	require.Empty(t, corrections)
}

func TestStatusInProgressWithoutMergedCommits(t *testing.T) {
	r, dir := newTestReconciler(t, nil)
	sp := streamFixture(t, dir, "2")
	writeLedgerWithCommit(t, sp.LedgerPath, "0123abcd4567")

	st, corrections, err := r.Status(context.Background(), sp)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, st)
	require.Empty(t, corrections)
}

func TestStatusReadyWithChecklistOnly(t *testing.T) {
	r, dir := newTestReconciler(t, nil)
	sp := streamFixture(t, dir, "3")
	require.NoError(t, os.WriteFile(sp.ChecklistPath, []byte("### [ ] US-001: x\n"), 0o644))

	st, _, err := r.Status(context.Background(), sp)
	require.NoError(t, err)
	require.Equal(t, StatusReady, st)
}

func TestStatusMergedMarkerWins(t *testing.T) {
	r, dir := newTestReconciler(t, nil)
	sp := streamFixture(t, dir, "4")
	require.NoError(t, os.WriteFile(sp.MergedMarker, nil, 0o644))

	st, _, err := r.Status(context.Background(), sp)
	require.NoError(t, err)
	require.Equal(t, StatusMerged, st)
}

func TestVerifyAllIsIdempotent(t *testing.T) {
	r, dir := newTestReconciler(t, map[string]bool{"aaaa1111bbbb": true})

	var streams []StreamPaths
	for _, id := range []string{"1", "2", "3"} {
		sp := streamFixture(t, dir, id)
		streams = append(streams, sp)
	}
	// Only stream 2 has committed work missing its marker.
	writeLedgerWithCommit(t, streams[1].LedgerPath, "aaaa1111bbbb")

	corrections, err := r.VerifyAll(context.Background(), streams)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	require.Equal(t, "2", corrections[0].StreamID)

	corrections, err = r.VerifyAll(context.Background(), streams)
	require.NoError(t, err)
	require.Empty(t, corrections, "second sweep applies no corrections")
}

func TestCollectSignalsCorruptLedgerCountsAsExists(t *testing.T) {
	r, dir := newTestReconciler(t, nil)
	sp := streamFixture(t, dir, "5")
	require.NoError(t, os.WriteFile(sp.LedgerPath, []byte("{broken"), 0o644))

	sig, err := r.CollectSignals(context.Background(), sp)
	require.NoError(t, err)
	require.True(t, sig.LedgerExists)
	require.Equal(t, StatusInProgress, Resolve(sig))
}
