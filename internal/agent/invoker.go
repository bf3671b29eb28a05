package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"agentloop/internal/config"
	"agentloop/internal/logger"
)

// captureLimit bounds how much agent output is retained per invocation.
const captureLimit = 64 * 1024

// killDelay is how long after SIGTERM the process gets before SIGKILL.
const defaultKillDelay = 10 * time.Second

// InvocationError means the agent process failed to start or timed out. It is
// retryable: the loop records a failed iteration and backs off, it does not
// crash.
type InvocationError struct {
	Agent    string
	TimedOut bool
	Err      error
}

func (e *InvocationError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("agent %s timed out", e.Agent)
	}
	return fmt.Sprintf("agent %s invocation failed: %v", e.Agent, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// InvokeSpec is one agent invocation request.
type InvokeSpec struct {
	Preset      config.AgentPreset
	WorkDir     string
	Instruction string
}

// Result captures the invocation outcome. A non-zero agent exit code is not
// an error here; verification decides iteration success.
type Result struct {
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Invoker runs agent backends as subprocesses with a hard timeout and
// tail-bounded output capture.
type Invoker struct {
	Timeout   time.Duration
	KillDelay time.Duration
	// BaseURL/APIKey are optional backend endpoint overrides, exported to
	// the subprocess through the backend's Env mapping.
	BaseURL string
	APIKey  string

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewInvoker(timeout time.Duration) *Invoker {
	return &Invoker{
		Timeout:   timeout,
		KillDelay: defaultKillDelay,
		command:   exec.CommandContext,
	}
}

// SetCommandFactory replaces subprocess creation, for tests. Passing nil
// restores the default.
func (inv *Invoker) SetCommandFactory(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) {
	if fn == nil {
		fn = exec.CommandContext
	}
	inv.command = fn
}

// Invoke runs one agent process to completion or timeout. The instruction is
// piped on stdin when it is long or shell-hostile, matching how the backends
// expect non-trivial prompts.
func (inv *Invoker) Invoke(ctx context.Context, spec InvokeSpec) (Result, error) {
	b, err := Select(spec.Preset.Backend)
	if err != nil {
		return Result{}, &InvocationError{Agent: spec.Preset.Name, Err: err}
	}

	instruction := spec.Instruction
	if prompt, perr := ReadPromptFile(spec.Preset.PromptFile); perr != nil {
		logger.Warn(fmt.Sprintf("prompt file for agent %s unreadable: %v", spec.Preset.Name, perr))
	} else if prompt != "" {
		instruction = WrapWithPrompt(prompt, instruction)
	}

	opts := Options{
		Model:           spec.Preset.Model,
		ReasoningEffort: spec.Preset.ReasoningEffort,
		WorkDir:         spec.WorkDir,
		SkipPermissions: spec.Preset.SkipPermissions,
	}

	useStdin := shouldUseStdin(instruction)
	targetArg := instruction
	if useStdin {
		targetArg = "-"
	}
	args := b.BuildArgs(opts, targetArg)

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = config.DefaultAgentTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := inv.command(runCtx, b.Command(), args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = mergeEnv(os.Environ(), b.Env(inv.BaseURL, inv.APIKey))
	if useStdin {
		cmd.Stdin = strings.NewReader(instruction)
	}

	tail := newTailBuffer(captureLimit)
	cmd.Stdout = tail
	cmd.Stderr = tail

	killDelay := inv.KillDelay
	if killDelay <= 0 {
		killDelay = defaultKillDelay
	}
	cmd.WaitDelay = killDelay
	cmd.Cancel = func() error { return sendTermSignal(cmd.Process) }

	logger.Info(fmt.Sprintf("invoking agent %s: %s %s", spec.Preset.Name, b.Command(), strings.Join(args, " ")))

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Output:   tail.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		res.TimedOut = true
		return res, &InvocationError{Agent: spec.Preset.Name, TimedOut: true, Err: runCtx.Err()}
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, &InvocationError{Agent: spec.Preset.Name, Err: runErr}
	}
	return res, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := extra[key]; shadowed {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
