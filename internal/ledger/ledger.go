// Package ledger persists the per-stream iteration history and the bounded
// error window. The ledger keeps the most recent iterations verbatim and
// rolls everything older into one summary block, so the file grows slowly no
// matter how long a stream runs.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// RetainIterations is how many iterations stay verbatim before being rolled
// into the summary.
const RetainIterations = 5

// Outcome classifies an iteration.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeEscalation Outcome = "escalation"
	OutcomeAborted    Outcome = "aborted"
)

// Iteration is one agent invocation. Immutable once appended.
type Iteration struct {
	Seq        int          `json:"seq"`
	RunID      string       `json:"run_id"`
	StoryID    string       `json:"story_id,omitempty"`
	StoryTitle string       `json:"story_title,omitempty"`
	Outcome    Outcome      `json:"outcome"`
	Agent      string       `json:"agent"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
	CommitHash string       `json:"commit_hash,omitempty"`
	Retries    int          `json:"retries,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	Switch     *SwitchEvent `json:"switch,omitempty"`
}

// SwitchEvent records a fallback-chain agent switch taken after repeated
// consecutive failures.
type SwitchEvent struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason"`
	Iteration int    `json:"iteration"`
}

// Summary is the rolled-up block covering iterations older than the retained
// window. Commit hashes are kept so status reconciliation never loses
// evidence of committed work.
type Summary struct {
	Count        int             `json:"count"`
	FirstSeq     int             `json:"first_seq,omitempty"`
	LastSeq      int             `json:"last_seq,omitempty"`
	Stories      []string        `json:"stories,omitempty"`
	Outcomes     map[Outcome]int `json:"outcomes,omitempty"`
	CommitHashes []string        `json:"commit_hashes,omitempty"`
}

// Ledger is the on-disk document.
type Ledger struct {
	Summary    Summary     `json:"summary"`
	Iterations []Iteration `json:"iterations"`
}

// Load reads the ledger at path. A missing file is returned as-is via
// os.ErrNotExist so callers can distinguish "no ledger yet" from corruption.
func Load(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return &l, nil
}

// LoadOrNew returns an empty ledger when none exists yet.
func LoadOrNew(path string) (*Ledger, error) {
	l, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Ledger{}, nil
		}
		return nil, err
	}
	return l, nil
}

// Save writes the ledger document.
func (l *Ledger) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// NextSeq returns the sequence number the next iteration should carry.
func (l *Ledger) NextSeq() int {
	if n := len(l.Iterations); n > 0 {
		return l.Iterations[n-1].Seq + 1
	}
	if l.Summary.Count > 0 {
		return l.Summary.LastSeq + 1
	}
	return 1
}

// Append adds an iteration and rolls the oldest retained records into the
// summary when the verbatim window exceeds RetainIterations.
func (l *Ledger) Append(it Iteration) {
	l.Iterations = append(l.Iterations, it)
	for len(l.Iterations) > RetainIterations {
		l.roll(l.Iterations[0])
		l.Iterations = l.Iterations[1:]
	}
}

func (l *Ledger) roll(it Iteration) {
	s := &l.Summary
	if s.Count == 0 {
		s.FirstSeq = it.Seq
	}
	s.Count++
	s.LastSeq = it.Seq
	if s.Outcomes == nil {
		s.Outcomes = make(map[Outcome]int)
	}
	s.Outcomes[it.Outcome]++
	if it.StoryID != "" && !contains(s.Stories, it.StoryID) {
		s.Stories = append(s.Stories, it.StoryID)
	}
	if it.CommitHash != "" {
		s.CommitHashes = append(s.CommitHashes, it.CommitHash)
	}
}

// CommitHashes returns every commit recorded in the ledger, oldest first.
func (l *Ledger) CommitHashes() []string {
	out := append([]string(nil), l.Summary.CommitHashes...)
	for _, it := range l.Iterations {
		if it.CommitHash != "" {
			out = append(out, it.CommitHash)
		}
	}
	return out
}

// Recap renders the ledger for the composed agent instruction: one line for
// the rolled-up summary, then the retained iterations verbatim.
func (l *Ledger) Recap() string {
	var b strings.Builder
	if l.Summary.Count > 0 {
		outs := make([]string, 0, len(l.Summary.Outcomes))
		for o, n := range l.Summary.Outcomes {
			outs = append(outs, fmt.Sprintf("%d %s", n, o))
		}
		sort.Strings(outs)
		fmt.Fprintf(&b, "Iterations %d-%d (summarized): %s; stories touched: %s\n",
			l.Summary.FirstSeq, l.Summary.LastSeq,
			strings.Join(outs, ", "), strings.Join(l.Summary.Stories, ", "))
	}
	for _, it := range l.Iterations {
		fmt.Fprintf(&b, "Iteration %d: agent=%s story=%s outcome=%s", it.Seq, it.Agent, it.StoryID, it.Outcome)
		if it.CommitHash != "" {
			fmt.Fprintf(&b, " commit=%s", shortHash(it.CommitHash))
		}
		if it.Detail != "" {
			fmt.Fprintf(&b, " detail=%s", it.Detail)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
