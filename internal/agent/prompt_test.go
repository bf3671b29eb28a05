package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposeInstruction(t *testing.T) {
	got := ComposeInstruction(PromptContext{
		StoryID:       "US-004",
		StoryTitle:    "Wire the cache",
		StoryBlock:    "### [ ] US-004: Wire the cache\n- [ ] hook it up",
		LedgerRecap:   "Iteration 3: agent=claude story=US-004 outcome=failure detail=tests failed\n",
		WindowErrors:  []string{"tests failed in pkg cache"},
		VerifyCommand: "make test",
		Attempt:       4,
		MaxIterations: 10,
	})

	require.Contains(t, got, "iteration (4 of at most 10)")
	require.Contains(t, got, "## Target story")
	require.Contains(t, got, "### [ ] US-004: Wire the cache")
	require.Contains(t, got, "## Previous iterations")
	require.Contains(t, got, "outcome=failure")
	require.Contains(t, got, "## Recent failures")
	require.Contains(t, got, "- tests failed in pkg cache")
	require.Contains(t, got, "`make test`")
	require.Contains(t, got, SentinelComplete)
	require.Contains(t, got, SentinelNeedsHuman)
}

func TestComposeInstructionFirstAttempt(t *testing.T) {
	got := ComposeInstruction(PromptContext{
		StoryID:       "US-001",
		StoryTitle:    "Bootstrap",
		Attempt:       1,
		MaxIterations: 10,
	})

	require.Contains(t, got, "US-001: Bootstrap")
	require.NotContains(t, got, "## Previous iterations")
	require.NotContains(t, got, "## Recent failures")
}

func TestReadPromptFile(t *testing.T) {
	got, err := ReadPromptFile("")
	require.NoError(t, err)
	require.Empty(t, got)

	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("be careful\n\n"), 0o644))
	got, err = ReadPromptFile(path)
	require.NoError(t, err)
	require.Equal(t, "be careful", got)

	_, err = ReadPromptFile(filepath.Join(t.TempDir(), "missing.md"))
	require.Error(t, err)
}

func TestWrapWithPrompt(t *testing.T) {
	require.Equal(t, "do it", WrapWithPrompt("", "do it"))

	got := WrapWithPrompt("be careful", "do it")
	require.Equal(t, "<agent-prompt>\nbe careful\n</agent-prompt>\n\ndo it", got)
}

func TestSelectBackend(t *testing.T) {
	b, err := Select("")
	require.NoError(t, err)
	require.Equal(t, "claude", b.Name())

	b, err = Select("CODEX")
	require.NoError(t, err)
	require.Equal(t, "codex", b.Name())

	_, err = Select("cursor")
	require.Error(t, err)
}
