package status

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"agentloop/internal/gitops"
	"agentloop/internal/ledger"
	"agentloop/internal/lock"
	"agentloop/internal/logger"
)

// sweepConcurrency bounds how many streams a verify-all sweep inspects at
// once; each inspection may run several git commands.
const sweepConcurrency = 4

// StreamPaths locates one stream's persisted state. Built by the stream
// manager; the reconciler never derives paths itself.
type StreamPaths struct {
	ID              string
	ChecklistPath   string
	LedgerPath      string
	CompletedMarker string
	MergedMarker    string
	Branch          string
}

// Correction is one idempotent auto-correction applied during
// reconciliation. Only marker creation is ever applied, never deletion of
// history.
type Correction struct {
	StreamID string `json:"stream_id"`
	Action   string `json:"action"`
	Path     string `json:"path"`
}

// Reconciler computes derived status and self-heals marker drift.
type Reconciler struct {
	Locks   *lock.Manager
	Git     *gitops.Client
	MainRef string
}

func NewReconciler(locks *lock.Manager, git *gitops.Client, mainRef string) *Reconciler {
	return &Reconciler{Locks: locks, Git: git, MainRef: mainRef}
}

// CollectSignals gathers the raw inputs for one stream.
func (r *Reconciler) CollectSignals(ctx context.Context, sp StreamPaths) (Signals, error) {
	var s Signals

	s.LockHeld, s.OwnerAlive = r.Locks.Held(sp.ID)
	s.MergedMarker = fileExists(sp.MergedMarker)
	s.CompletedMarker = fileExists(sp.CompletedMarker)
	s.ChecklistExists = fileExists(sp.ChecklistPath)

	if sp.Branch != "" {
		exists, err := r.Git.BranchExists(ctx, sp.Branch)
		if err != nil {
			return s, err
		}
		if exists {
			merged, err := r.Git.IsAncestor(ctx, sp.Branch, r.MainRef)
			if err != nil {
				return s, err
			}
			s.BranchMerged = merged
		}
	}

	led, err := ledger.Load(sp.LedgerPath)
	if err == nil {
		s.LedgerExists = true
		for _, hash := range led.CommitHashes() {
			in, err := r.Git.Contains(ctx, hash, r.MainRef)
			if err != nil {
				// A hash git no longer knows is not evidence either way.
				continue
			}
			if in {
				s.LedgerCommitsInMain = true
				break
			}
		}
	} else if !os.IsNotExist(err) {
		// Corrupt ledger still proves an attempt was made.
		s.LedgerExists = true
	}

	return s, nil
}

// Status resolves one stream and applies the idempotent marker correction:
// committed work found in main-line history with no .completed marker gets
// the marker written as a side effect. Safe to repeat.
func (r *Reconciler) Status(ctx context.Context, sp StreamPaths) (Status, []Correction, error) {
	sig, err := r.CollectSignals(ctx, sp)
	if err != nil {
		return StatusError, nil, err
	}

	var corrections []Correction
	if sig.LedgerCommitsInMain && !sig.CompletedMarker {
		if err := writeMarker(sp.CompletedMarker); err != nil {
			logger.Warn(fmt.Sprintf("stream %s: write completed marker: %v", sp.ID, err))
		} else {
			sig.CompletedMarker = true
			corrections = append(corrections, Correction{
				StreamID: sp.ID,
				Action:   "create_completed_marker",
				Path:     sp.CompletedMarker,
			})
			logger.Info(fmt.Sprintf("stream %s: reconciled missing completed marker", sp.ID))
		}
	}

	return Resolve(sig), corrections, nil
}

// VerifyAll sweeps every stream and returns the corrections applied. A second
// sweep with no intervening state change applies none.
func (r *Reconciler) VerifyAll(ctx context.Context, streams []StreamPaths) ([]Correction, error) {
	var mu sync.Mutex
	var all []Correction

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, sp := range streams {
		sp := sp
		g.Go(func() error {
			_, corrections, err := r.Status(ctx, sp)
			if err != nil {
				return fmt.Errorf("stream %s: %w", sp.ID, err)
			}
			if len(corrections) > 0 {
				mu.Lock()
				all = append(all, corrections...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return all, err
	}
	return all, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func writeMarker(path string) error {
	return os.WriteFile(path, nil, 0o644)
}
