// Package agent runs one externally-supplied coding-agent process per
// iteration: it composes the instruction, invokes the backend CLI with a
// timeout, captures the output tail, and classifies completion sentinels.
package agent

import (
	"fmt"
	"strings"
)

// Backend defines the contract for invoking different AI CLI backends. Each
// backend supplies the executable name and builds the argument list for one
// non-interactive invocation.
type Backend interface {
	Name() string
	Command() string
	BuildArgs(opts Options, targetArg string) []string
	Env(baseURL, apiKey string) map[string]string
}

// Options carries the per-invocation knobs a backend may honor.
type Options struct {
	Model           string
	ReasoningEffort string
	WorkDir         string
	SkipPermissions bool
}

var registry = map[string]Backend{
	"claude":   ClaudeBackend{},
	"codex":    CodexBackend{},
	"gemini":   GeminiBackend{},
	"opencode": OpencodeBackend{},
}

// Select resolves a backend by name; empty defaults to claude.
func Select(name string) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "claude"
	}
	if b, ok := registry[key]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("unsupported backend %q", name)
}
