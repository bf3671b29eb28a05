package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for loop behavior. Timeouts bound external processes; the loop
// itself never blocks without one.
const (
	DefaultMaxIterations   = 10
	DefaultSwitchThreshold = 3
	DefaultAgentTimeout    = 3600 * time.Second
	DefaultVerifyTimeout   = 600 * time.Second
	DefaultBackoffInitial  = 2 * time.Second
	DefaultBackoffCap      = 60 * time.Second
	DefaultMainBranch      = "main"
	DefaultStateDirName    = ".agentloop"
)

// Config holds loop configuration merged from flags, env and config file.
type Config struct {
	RepoRoot        string
	StateDir        string
	VerifyCommand   string
	MaxIterations   int
	SwitchThreshold int
	AgentTimeout    time.Duration
	VerifyTimeout   time.Duration
	BackoffInitial  time.Duration
	BackoffCap      time.Duration
	MainBranch      string
	DryRun          bool
	AgentsFile      string
	BaseURL         string
	APIKey          string
}

// Load builds a Config from a viper instance. Zero/absent values fall back to
// the package defaults.
func Load(v *viper.Viper) *Config {
	cfg := &Config{
		RepoRoot:        strings.TrimSpace(v.GetString("repo-root")),
		StateDir:        strings.TrimSpace(v.GetString("state-dir")),
		VerifyCommand:   strings.TrimSpace(v.GetString("verify")),
		MaxIterations:   v.GetInt("max-iterations"),
		SwitchThreshold: v.GetInt("switch-threshold"),
		MainBranch:      strings.TrimSpace(v.GetString("main-branch")),
		DryRun:          v.GetBool("dry-run"),
		AgentsFile:      strings.TrimSpace(v.GetString("agents")),
		BaseURL:         strings.TrimSpace(v.GetString("base-url")),
		APIKey:          strings.TrimSpace(v.GetString("api-key")),
	}

	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SwitchThreshold <= 0 {
		cfg.SwitchThreshold = DefaultSwitchThreshold
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = DefaultMainBranch
	}

	cfg.AgentTimeout = durationOr(v, "agent-timeout", DefaultAgentTimeout)
	cfg.VerifyTimeout = durationOr(v, "verify-timeout", DefaultVerifyTimeout)
	cfg.BackoffInitial = durationOr(v, "backoff-initial", DefaultBackoffInitial)
	cfg.BackoffCap = durationOr(v, "backoff-cap", DefaultBackoffCap)

	return cfg
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	if !v.IsSet(key) {
		return fallback
	}
	d := v.GetDuration(key)
	if d <= 0 {
		return fallback
	}
	return d
}

// ValidateAgentName rejects preset names that could not be a sane file or
// flag value.
func ValidateAgentName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("agent name is empty")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_':
		default:
			return fmt.Errorf("agent name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
