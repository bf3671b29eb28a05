package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewWritesStructuredLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")

	l, err := New(path, zerolog.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, path, l.Path())

	l.Info("loop started")
	l.Debug("suppressed at info level")
	l.Warn("something odd")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	require.Contains(t, out, `"message":"loop started"`)
	require.Contains(t, out, `"level":"warn"`)
	require.Contains(t, out, `"time":`)
	require.NotContains(t, out, "suppressed")
}

func TestNewAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	l, err := New(path, zerolog.InfoLevel)
	require.NoError(t, err)
	l.Info("first run")
	require.NoError(t, l.Close())

	l, err = New(path, zerolog.InfoLevel)
	require.NoError(t, err)
	l.Info("second run")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "first run")
	require.Contains(t, string(data), "second run")
}

func TestNewEmptyPath(t *testing.T) {
	_, err := New("  ", zerolog.InfoLevel)
	require.Error(t, err)
}

func TestActiveLoggerLifecycle(t *testing.T) {
	// Package-level helpers are no-ops with no active logger.
	SetActive(nil)
	Info("goes nowhere")

	var buf bytes.Buffer
	SetActive(NewWriter(&buf, zerolog.DebugLevel))
	Info("hello")
	Debug("details")
	require.NoError(t, CloseActive())
	Info("after close, dropped")

	lines := strings.Count(buf.String(), "\n")
	require.Equal(t, 2, lines)
	require.Nil(t, Active())
}

func TestEventFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.InfoLevel)
	l.Event().Str("stream", "3").Int("iteration", 2).Msg("iteration finished")

	require.Contains(t, buf.String(), `"stream":"3"`)
	require.Contains(t, buf.String(), `"iteration":2`)
}
