package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load(viper.New())

	require.Equal(t, ".", cfg.RepoRoot)
	require.Empty(t, cfg.StateDir)
	require.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	require.Equal(t, DefaultSwitchThreshold, cfg.SwitchThreshold)
	require.Equal(t, DefaultAgentTimeout, cfg.AgentTimeout)
	require.Equal(t, DefaultVerifyTimeout, cfg.VerifyTimeout)
	require.Equal(t, DefaultBackoffInitial, cfg.BackoffInitial)
	require.Equal(t, DefaultBackoffCap, cfg.BackoffCap)
	require.Equal(t, "main", cfg.MainBranch)
	require.False(t, cfg.DryRun)
}

func TestLoadOverrides(t *testing.T) {
	v := viper.New()
	v.Set("repo-root", " /work/repo ")
	v.Set("verify", "make test")
	v.Set("max-iterations", 25)
	v.Set("switch-threshold", 2)
	v.Set("agent-timeout", "30m")
	v.Set("main-branch", "trunk")
	v.Set("dry-run", true)
	v.Set("base-url", " https://proxy.internal/v1 ")
	v.Set("api-key", "sk-test")

	cfg := Load(v)
	require.Equal(t, "/work/repo", cfg.RepoRoot)
	require.Equal(t, "make test", cfg.VerifyCommand)
	require.Equal(t, 25, cfg.MaxIterations)
	require.Equal(t, 2, cfg.SwitchThreshold)
	require.Equal(t, 30*time.Minute, cfg.AgentTimeout)
	require.Equal(t, "trunk", cfg.MainBranch)
	require.True(t, cfg.DryRun)
	require.Equal(t, "https://proxy.internal/v1", cfg.BaseURL)
	require.Equal(t, "sk-test", cfg.APIKey)
}

func TestLoadCredentialsFromEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AGENTLOOP_BASE_URL", "https://proxy.internal/v1")
	t.Setenv("AGENTLOOP_API_KEY", "sk-test")

	v, err := NewViper("")
	require.NoError(t, err)

	cfg := Load(v)
	require.Equal(t, "https://proxy.internal/v1", cfg.BaseURL)
	require.Equal(t, "sk-test", cfg.APIKey)
}

func TestLoadRejectsNonPositive(t *testing.T) {
	v := viper.New()
	v.Set("max-iterations", -1)
	v.Set("agent-timeout", "-5s")

	cfg := Load(v)
	require.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	require.Equal(t, DefaultAgentTimeout, cfg.AgentTimeout)
}
