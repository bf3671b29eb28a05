// Package engine drives one stream's build loop: acquire the lock, iterate
// agent invocations against the task checklist until completion, escalation,
// stall, cancellation, or the iteration budget runs out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"agentloop/internal/agent"
	"agentloop/internal/checklist"
	"agentloop/internal/config"
	"agentloop/internal/ledger"
	"agentloop/internal/lock"
	"agentloop/internal/logger"
)

// ErrStreamBusy means another live loop already owns the stream. The caller
// must not run two loops on one stream; this is surfaced, never retried.
var ErrStreamBusy = errors.New("another loop is already running on this stream")

// stallWindow is how many consecutive iterations with an unchanged target
// story and no new distinct error constitute a stall.
const stallWindow = 3

// AgentRunner invokes one external coding-agent process. *agent.Invoker is
// the production implementation; tests script it.
type AgentRunner interface {
	Invoke(ctx context.Context, spec agent.InvokeSpec) (agent.Result, error)
}

// Repo is the slice of git the loop needs: committing iteration results.
type Repo interface {
	Head(ctx context.Context) (string, error)
	CommitAll(ctx context.Context, msg string) (string, error)
}

// Options configures one loop run. Paths are per-stream; the lock manager's
// mutual exclusion makes this loop the only writer of all of them.
type Options struct {
	StreamID        string
	WorkDir         string
	ChecklistPath   string
	LedgerPath      string
	ErrorsPath      string
	VerifyCommand   string
	VerifyTimeout   time.Duration
	MaxIterations   int
	SwitchThreshold int
	DryRun          bool
	Chain           []config.AgentPreset
	BackoffInitial  time.Duration
	BackoffCap      time.Duration
}

// Engine is the build loop state machine for one stream.
type Engine struct {
	opts   Options
	locks  *lock.Manager
	runner AgentRunner
	repo   Repo

	verify VerifyFunc
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New wires an Engine. Verification defaults to running opts.VerifyCommand
// through the shell in the workspace.
func New(opts Options, locks *lock.Manager, runner AgentRunner, repo Repo) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = config.DefaultMaxIterations
	}
	if opts.SwitchThreshold <= 0 {
		opts.SwitchThreshold = config.DefaultSwitchThreshold
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = config.DefaultBackoffInitial
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = config.DefaultBackoffCap
	}
	e := &Engine{
		opts:   opts,
		locks:  locks,
		runner: runner,
		repo:   repo,
		sleep:  sleepCtx,
		now:    time.Now,
	}
	e.verify = ShellVerify(opts.VerifyCommand, opts.WorkDir, opts.VerifyTimeout)
	return e
}

// SetVerify replaces the verification function, for tests.
func (e *Engine) SetVerify(fn VerifyFunc) {
	if fn != nil {
		e.verify = fn
	}
}

// stallRecord tracks per-iteration stall signals.
type stallRecord struct {
	storyID string
	newErr  bool
}

// Run executes the loop. The lock is released on every exit path, including
// cancellation: the deferred release runs after the aborted iteration record
// is written.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	if len(e.opts.Chain) == 0 {
		return OutcomeError, fmt.Errorf("agent fallback chain is empty")
	}

	if _, err := e.locks.Acquire(e.opts.StreamID); err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return OutcomeError, fmt.Errorf("%w: stream %s", ErrStreamBusy, e.opts.StreamID)
		}
		return OutcomeError, err
	}
	defer func() {
		if err := e.locks.Release(e.opts.StreamID); err != nil {
			logger.Error(fmt.Sprintf("stream %s: release lock: %v", e.opts.StreamID, err))
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.BackoffInitial
	bo.MaxInterval = e.opts.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	agentIdx := 0
	failStreak := 0
	var history []stallRecord

	for iter := 1; iter <= e.opts.MaxIterations; iter++ {
		if ctx.Err() != nil {
			e.recordAborted(iter, "", e.opts.Chain[agentIdx].Name, "cancelled before iteration")
			return OutcomeAborted, nil
		}

		cl, err := checklist.Load(e.opts.ChecklistPath)
		if err != nil {
			return OutcomeError, fmt.Errorf("load checklist: %w", err)
		}
		led, err := ledger.LoadOrNew(e.opts.LedgerPath)
		if err != nil {
			return OutcomeError, fmt.Errorf("load ledger: %w", err)
		}
		win, err := ledger.LoadWindow(e.opts.ErrorsPath)
		if err != nil {
			return OutcomeError, fmt.Errorf("load error window: %w", err)
		}

		story := cl.NextUnsatisfied()
		if story == nil {
			logger.Info(fmt.Sprintf("stream %s: all stories already satisfied", e.opts.StreamID))
			return OutcomeComplete, nil
		}

		preset := e.opts.Chain[agentIdx]
		instruction := agent.ComposeInstruction(agent.PromptContext{
			StoryID:       story.ID,
			StoryTitle:    story.Title,
			StoryBlock:    story.Block(cl),
			LedgerRecap:   led.Recap(),
			WindowErrors:  win.Messages(),
			VerifyCommand: e.opts.VerifyCommand,
			Attempt:       iter,
			MaxIterations: e.opts.MaxIterations,
		})

		started := e.now()
		logger.Info(fmt.Sprintf("stream %s: iteration %d targeting %s with agent %s",
			e.opts.StreamID, iter, story.ID, preset.Name))

		res, invokeErr := e.runner.Invoke(ctx, agent.InvokeSpec{
			Preset:      preset,
			WorkDir:     e.opts.WorkDir,
			Instruction: instruction,
		})
		if ctx.Err() != nil {
			e.recordAborted(iter, story.ID, preset.Name, "cancelled during agent invocation")
			return OutcomeAborted, nil
		}

		it := ledger.Iteration{
			Seq:        led.NextSeq(),
			RunID:      uuid.NewString(),
			StoryID:    story.ID,
			StoryTitle: story.Title,
			Agent:      preset.Name,
			StartedAt:  started,
			Retries:    failStreak,
		}

		var failDetail string
		switch {
		case invokeErr != nil:
			var ie *agent.InvocationError
			if errors.As(invokeErr, &ie) {
				failDetail = ie.Error()
			} else {
				return OutcomeError, invokeErr
			}

		default:
			class := agent.Classify(res.Output)
			if class.Kind == agent.KindNeedsHuman {
				it.Outcome = ledger.OutcomeEscalation
				it.EndedAt = e.now()
				it.Detail = "agent requested human intervention"
				e.append(led, it)
				logger.Warn(fmt.Sprintf("stream %s: escalation at iteration %d", e.opts.StreamID, iter))
				return OutcomeNeedsHuman, nil
			}

			ok, vout, verr := e.verify(ctx)
			if ctx.Err() != nil {
				e.recordAborted(iter, story.ID, preset.Name, "cancelled during verification")
				return OutcomeAborted, nil
			}
			if verr != nil {
				ok = false
				vout = "verification could not run: " + verr.Error()
			}

			if ok {
				headBefore := e.headOrEmpty(ctx)
				if err := cl.MarkSatisfied(story.ID); err != nil {
					return OutcomeError, err
				}
				if err := cl.Save(e.opts.ChecklistPath); err != nil {
					return OutcomeError, fmt.Errorf("save checklist: %w", err)
				}

				if !e.opts.DryRun {
					hash, err := e.repo.CommitAll(ctx, fmt.Sprintf("stream %s: %s %s", e.opts.StreamID, story.ID, story.Title))
					if err != nil {
						return OutcomeError, fmt.Errorf("commit iteration result: %w", err)
					}
					it.CommitHash = hash
					if hash != "" {
						it.Detail = fmt.Sprintf("head %s -> %s", short(headBefore), short(hash))
					}
				}

				if class.Kind == agent.KindComplete && !cl.AllSatisfied() {
					// The sentinel alone is not trusted: stories remain, so
					// this counts as a failed iteration.
					failDetail = fmt.Sprintf("premature COMPLETE sentinel: %d stories remaining", cl.Remaining())
				} else {
					it.Outcome = ledger.OutcomeSuccess
					it.EndedAt = e.now()
					e.append(led, it)
					failStreak = 0
					bo.Reset()
					history = append(history, stallRecord{storyID: story.ID})

					if class.Kind == agent.KindComplete && cl.AllSatisfied() {
						logger.Info(fmt.Sprintf("stream %s: complete after %d iterations", e.opts.StreamID, iter))
						return OutcomeComplete, nil
					}
					continue
				}
			} else {
				failDetail = failureDetail(vout)
				if failDetail == "" {
					failDetail = "verification failed with no output"
				}
			}
		}

		// Failure path: invocation error, verify failure, or untrusted
		// premature completion.
		newErr := win.Insert(failDetail, e.now())
		if err := win.Save(e.opts.ErrorsPath); err != nil {
			return OutcomeError, fmt.Errorf("save error window: %w", err)
		}

		failStreak++
		if failStreak >= e.opts.SwitchThreshold && agentIdx+1 < len(e.opts.Chain) {
			next := e.opts.Chain[agentIdx+1]
			it.Switch = &ledger.SwitchEvent{
				From:      preset.Name,
				To:        next.Name,
				Reason:    fmt.Sprintf("%d consecutive failures", failStreak),
				Iteration: iter,
			}
			logger.Warn(fmt.Sprintf("stream %s: switching agent %s -> %s after %d consecutive failures",
				e.opts.StreamID, preset.Name, next.Name, failStreak))
			agentIdx++
			failStreak = 0
		}

		it.Outcome = ledger.OutcomeFailure
		it.EndedAt = e.now()
		it.Detail = failDetail
		e.append(led, it)

		history = append(history, stallRecord{storyID: story.ID, newErr: newErr})
		if stalled(history) {
			logger.Warn(fmt.Sprintf("stream %s: stalled at iteration %d", e.opts.StreamID, iter))
			return OutcomeStalled, nil
		}

		if iter < e.opts.MaxIterations {
			if err := e.sleep(ctx, bo.NextBackOff()); err != nil {
				e.recordAborted(iter, story.ID, preset.Name, "cancelled during backoff")
				return OutcomeAborted, nil
			}
		}
	}

	logger.Warn(fmt.Sprintf("stream %s: iteration budget exhausted", e.opts.StreamID))
	return OutcomeMaxIter, nil
}

// append persists an iteration record; a ledger write failure is logged, not
// fatal, so a full disk cannot strand a held lock.
func (e *Engine) append(led *ledger.Ledger, it ledger.Iteration) {
	led.Append(it)
	if err := led.Save(e.opts.LedgerPath); err != nil {
		logger.Error(fmt.Sprintf("stream %s: save ledger: %v", e.opts.StreamID, err))
	}
}

// recordAborted writes the partial iteration record on cancellation.
func (e *Engine) recordAborted(iter int, storyID, agentName, detail string) {
	led, err := ledger.LoadOrNew(e.opts.LedgerPath)
	if err != nil {
		logger.Error(fmt.Sprintf("stream %s: load ledger for abort record: %v", e.opts.StreamID, err))
		return
	}
	now := e.now()
	e.append(led, ledger.Iteration{
		Seq:       led.NextSeq(),
		RunID:     uuid.NewString(),
		StoryID:   storyID,
		Outcome:   ledger.OutcomeAborted,
		Agent:     agentName,
		StartedAt: now,
		EndedAt:   now,
		Detail:    detail,
	})
	logger.Warn(fmt.Sprintf("stream %s: aborted at iteration %d (%s)", e.opts.StreamID, iter, detail))
}

func (e *Engine) headOrEmpty(ctx context.Context) string {
	if e.opts.DryRun {
		return ""
	}
	head, err := e.repo.Head(ctx)
	if err != nil {
		return ""
	}
	return head
}

// short abbreviates a commit hash for ledger detail strings.
func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// stalled reports whether the last stallWindow records target the same story
// with no new distinct error window entry among them.
func stalled(history []stallRecord) bool {
	if len(history) < stallWindow {
		return false
	}
	recent := history[len(history)-stallWindow:]
	for _, r := range recent {
		if r.storyID != recent[0].storyID || r.newErr {
			return false
		}
	}
	return true
}

// sleepCtx is an interruptible sleep.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
