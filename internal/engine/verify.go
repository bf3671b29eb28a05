package engine

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// VerifyFunc runs the configured verification command. ok reflects exit code
// zero; output is captured for the error window; err is reserved for spawn
// failures.
type VerifyFunc func(ctx context.Context) (ok bool, output string, err error)

// ShellVerify runs command through the shell with the workspace as working
// directory. An empty command verifies trivially.
func ShellVerify(command, dir string, timeout time.Duration) VerifyFunc {
	return func(ctx context.Context) (bool, string, error) {
		if strings.TrimSpace(command) == "" {
			return true, "", nil
		}

		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(runCtx, "sh", "-c", command)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return true, string(out), nil
		}
		if runCtx.Err() != nil && ctx.Err() == nil {
			return false, "verification command timed out", nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, string(out), nil
		}
		return false, "", err
	}
}

// failureDetail condenses verify output for the error window: the last few
// non-empty lines, where the actual failure usually is.
func failureDetail(output string) string {
	const keepLines = 3
	const maxLen = 300

	lines := strings.Split(output, "\n")
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < keepLines; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		tail = append([]string{line}, tail...)
	}
	detail := strings.Join(tail, " | ")
	if len(detail) > maxLen {
		detail = detail[:maxLen]
	}
	return detail
}
