// Package gitops shells out to the git binary for every version-control
// operation the loop and the reconciler need. Git history is the ground truth
// for stream status; nothing here caches results.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// OpError is a failed git operation. Merge conflicts and commit failures are
// surfaced through it and never silently retried: they require judgment.
type OpError struct {
	Op     string
	Output string
	Err    error
}

func (e *OpError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out != "" {
		return fmt.Sprintf("git %s: %v: %s", e.Op, e.Err, out)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Runner executes a git command in dir and returns its combined output and
// exit code. err is reserved for spawn failures. Injected in tests so no real
// repository is needed.
type Runner func(ctx context.Context, dir string, args ...string) (out string, code int, err error)

func execRunner(ctx context.Context, dir string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}
		return string(out), -1, err
	}
	return string(out), 0, nil
}

// Client runs git operations for one working tree, serialized through a
// shared Pool.
type Client struct {
	dir  string
	pool *Pool
	run  Runner
}

// NewClient returns a Client rooted at dir. pool may be nil.
func NewClient(dir string, pool *Pool) *Client {
	return &Client{dir: dir, pool: pool, run: execRunner}
}

// NewClientWithRunner injects a fake runner, for tests.
func NewClientWithRunner(dir string, pool *Pool, run Runner) *Client {
	if run == nil {
		run = execRunner
	}
	return &Client{dir: dir, pool: pool, run: run}
}

// Dir returns the working tree this client operates on.
func (c *Client) Dir() string { return c.dir }

// InDir returns a client for a different working tree (e.g. a worktree)
// sharing the same pool and runner.
func (c *Client) InDir(dir string) *Client {
	return &Client{dir: dir, pool: c.pool, run: c.run}
}

// gitCode runs one git command; err is only spawn/pool failure.
func (c *Client) gitCode(ctx context.Context, op string, args ...string) (string, int, error) {
	var out string
	var code int
	err := c.pool.Run(ctx, func() error {
		var runErr error
		out, code, runErr = c.run(ctx, c.dir, args...)
		return runErr
	})
	if err != nil {
		return out, -1, &OpError{Op: op, Output: out, Err: err}
	}
	return out, code, nil
}

// git runs one git command that must exit zero.
func (c *Client) git(ctx context.Context, op string, args ...string) (string, error) {
	out, code, err := c.gitCode(ctx, op, args...)
	if err != nil {
		return out, err
	}
	if code != 0 {
		return out, &OpError{Op: op, Output: out, Err: fmt.Errorf("exit status %d", code)}
	}
	return out, nil
}

// Head returns the current HEAD commit hash.
func (c *Client) Head(ctx context.Context) (string, error) {
	out, err := c.git(ctx, "head", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.git(ctx, "current-branch", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working tree has anything to commit.
func (c *Client) HasChanges(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits. An unchanged tree returns an empty
// hash and no error; the iteration simply produced no commit.
func (c *Client) CommitAll(ctx context.Context, msg string) (string, error) {
	dirty, err := c.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}
	if _, err := c.git(ctx, "add", "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.git(ctx, "commit", "commit", "-m", msg); err != nil {
		return "", err
	}
	return c.Head(ctx)
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, code, err := c.gitCode(ctx, "branch-exists", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// IsAncestor reports whether commit a is an ancestor of ref b.
func (c *Client) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	out, code, err := c.gitCode(ctx, "merge-base", "merge-base", "--is-ancestor", a, b)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &OpError{Op: "merge-base", Output: out, Err: fmt.Errorf("exit status %d", code)}
	}
}

// Contains reports whether commit is reachable from ref.
func (c *Client) Contains(ctx context.Context, commit, ref string) (bool, error) {
	return c.IsAncestor(ctx, commit, ref)
}

// AddWorktree creates a new worktree at path on a fresh branch.
func (c *Client) AddWorktree(ctx context.Context, path, branch string) error {
	_, err := c.git(ctx, "worktree-add", "worktree", "add", "-b", branch, path)
	return err
}

// RemoveWorktree detaches and removes a worktree.
func (c *Client) RemoveWorktree(ctx context.Context, path string) error {
	_, err := c.git(ctx, "worktree-remove", "worktree", "remove", "--force", path)
	return err
}

// Merge merges branch into the current branch. Conflicts fail closed: the
// merge is aborted and the error surfaced, never auto-resolved.
func (c *Client) Merge(ctx context.Context, branch string) error {
	out, code, err := c.gitCode(ctx, "merge", "merge", "--no-ff", "--no-edit", branch)
	if err != nil {
		return err
	}
	if code != 0 {
		// Leave the tree clean for the operator.
		_, _, _ = c.gitCode(ctx, "merge-abort", "merge", "--abort")
		return &OpError{Op: "merge", Output: out, Err: fmt.Errorf("exit status %d", code)}
	}
	return nil
}

// DeleteBranch removes a fully merged local branch.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	_, err := c.git(ctx, "branch-delete", "branch", "-d", branch)
	return err
}
