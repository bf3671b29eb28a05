package agent

import "strings"

type ClaudeBackend struct{}

func (ClaudeBackend) Name() string    { return "claude" }
func (ClaudeBackend) Command() string { return "claude" }
func (ClaudeBackend) Env(baseURL, apiKey string) map[string]string {
	return pairEnv("ANTHROPIC_BASE_URL", baseURL, "ANTHROPIC_API_KEY", apiKey)
}
func (ClaudeBackend) BuildArgs(opts Options, targetArg string) []string {
	args := []string{"-p"}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	// Disable setting sources so a CLAUDE.md in the workspace cannot
	// re-enter the loop recursively.
	args = append(args, "--setting-sources", "")
	if model := strings.TrimSpace(opts.Model); model != "" {
		args = append(args, "--model", model)
	}
	return append(args, targetArg)
}

type CodexBackend struct{}

func (CodexBackend) Name() string    { return "codex" }
func (CodexBackend) Command() string { return "codex" }
func (CodexBackend) Env(baseURL, apiKey string) map[string]string {
	return pairEnv("OPENAI_BASE_URL", baseURL, "OPENAI_API_KEY", apiKey)
}
func (CodexBackend) BuildArgs(opts Options, targetArg string) []string {
	args := []string{"e"}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	if model := strings.TrimSpace(opts.Model); model != "" {
		args = append(args, "--model", model)
	}
	if effort := strings.TrimSpace(opts.ReasoningEffort); effort != "" {
		args = append(args, "-c", "model_reasoning_effort="+effort)
	}
	args = append(args, "--skip-git-repo-check")
	if wd := strings.TrimSpace(opts.WorkDir); wd != "" {
		args = append(args, "-C", wd)
	}
	return append(args, targetArg)
}

type GeminiBackend struct{}

func (GeminiBackend) Name() string    { return "gemini" }
func (GeminiBackend) Command() string { return "gemini" }
func (GeminiBackend) Env(baseURL, apiKey string) map[string]string {
	return pairEnv("GOOGLE_GEMINI_BASE_URL", baseURL, "GEMINI_API_KEY", apiKey)
}
func (GeminiBackend) BuildArgs(opts Options, targetArg string) []string {
	args := []string{"-y"}
	if model := strings.TrimSpace(opts.Model); model != "" {
		args = append(args, "-m", model)
	}
	// Positional argument except in stdin mode, where -p reads from stdin.
	if targetArg == "-" {
		return append(args, "-p", targetArg)
	}
	return append(args, targetArg)
}

type OpencodeBackend struct{}

func (OpencodeBackend) Name() string                                 { return "opencode" }
func (OpencodeBackend) Command() string                              { return "opencode" }
func (OpencodeBackend) Env(baseURL, apiKey string) map[string]string { return nil }
func (OpencodeBackend) BuildArgs(opts Options, targetArg string) []string {
	args := []string{"run"}
	if model := strings.TrimSpace(opts.Model); model != "" {
		args = append(args, "-m", model)
	}
	if targetArg != "-" {
		args = append(args, targetArg)
	}
	return args
}

func pairEnv(urlKey, baseURL, apiKeyKey, apiKey string) map[string]string {
	baseURL = strings.TrimSpace(baseURL)
	apiKey = strings.TrimSpace(apiKey)
	if baseURL == "" && apiKey == "" {
		return nil
	}
	env := make(map[string]string, 2)
	if baseURL != "" {
		env[urlKey] = baseURL
	}
	if apiKey != "" {
		env[apiKeyKey] = apiKey
	}
	return env
}
