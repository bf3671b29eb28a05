package ledger

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// WindowSize bounds how many distinct normalized errors are kept per stream.
const WindowSize = 3

const maxErrorMessageBytes = 200

// Entry is one normalized error with the time it was last observed.
type Entry struct {
	Message  string    `json:"message"`
	LastSeen time.Time `json:"last_seen"`
}

// Window is the de-duplicated, size-bounded recent-failure log. Inserting a
// duplicate only bumps its timestamp; a new distinct error beyond the bound
// evicts the entry seen longest ago.
type Window struct {
	Entries []Entry `json:"entries"`
}

// LoadWindow reads the window file, returning an empty window when missing.
func LoadWindow(path string) (*Window, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Window{}, nil
		}
		return nil, err
	}
	var w Window
	if err := json.Unmarshal(data, &w); err != nil {
		// A corrupt window is not worth failing a build over; start fresh.
		return &Window{}, nil
	}
	return &w, nil
}

// Save writes the window file.
func (w *Window) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Insert normalizes raw and records it. It reports whether the window gained
// a new distinct entry (the signal stall detection watches for).
func (w *Window) Insert(raw string, now time.Time) bool {
	msg := Normalize(raw)
	if msg == "" {
		return false
	}

	for i := range w.Entries {
		if w.Entries[i].Message == msg {
			w.Entries[i].LastSeen = now
			return false
		}
	}

	w.Entries = append(w.Entries, Entry{Message: msg, LastSeen: now})
	for len(w.Entries) > WindowSize {
		oldest := 0
		for i := range w.Entries {
			if w.Entries[i].LastSeen.Before(w.Entries[oldest].LastSeen) {
				oldest = i
			}
		}
		w.Entries = append(w.Entries[:oldest], w.Entries[oldest+1:]...)
	}
	return true
}

// Messages returns the normalized messages, insertion order.
func (w *Window) Messages() []string {
	out := make([]string, len(w.Entries))
	for i, e := range w.Entries {
		out[i] = e.Message
	}
	return out
}

var (
	hexTokenRe  = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(\.\d+)?(z|[+-]\d{2}:?\d{2})?`)
	lineColRe   = regexp.MustCompile(`:\d+(:\d+)?\b`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// Normalize folds a raw failure message so retries of the same root cause
// dedupe into one window entry: lowercase, volatile tokens stripped (commit
// hashes, timestamps, line:col positions), whitespace collapsed, truncated.
func Normalize(raw string) string {
	msg := strings.ToLower(strings.TrimSpace(raw))
	msg = timestampRe.ReplaceAllString(msg, "<ts>")
	msg = hexTokenRe.ReplaceAllString(msg, "<hex>")
	msg = lineColRe.ReplaceAllString(msg, ":<n>")
	msg = spaceRe.ReplaceAllString(msg, " ")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorMessageBytes {
		msg = msg[:maxErrorMessageBytes]
	}
	return msg
}
