package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Logger writes structured log lines to a per-stream file. The loop keeps the
// file around after exit so failed runs can be inspected.
type Logger struct {
	zl   zerolog.Logger
	file *os.File
	path string
}

// New opens (or creates) the log file at path in append mode.
func New(path string, level zerolog.Level) (*Logger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	zl := zerolog.New(f).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl, file: f, path: path}, nil
}

// NewWriter wraps an arbitrary writer, mainly for tests.
func NewWriter(w io.Writer, level zerolog.Level) *Logger {
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

func (l *Logger) Path() string { return l.path }

// With returns a zerolog context for callers that need structured fields.
func (l *Logger) With() zerolog.Context { return l.zl.With() }

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

// Event starts a structured entry at info level.
func (l *Logger) Event() *zerolog.Event { return l.zl.Info() }

func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
