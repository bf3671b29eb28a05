// Package status derives each stream's authoritative state from several
// independently-mutable signals: the lock file, version-control history,
// marker files, and the progress ledger. Checklist checkboxes are
// deliberately not an input; they are agent-maintained hints, while committed
// history and explicit markers are the only authoritative evidence of work.
package status

// Status is the derived stream state. It is never stored: recomputation from
// the same signals is deterministic and idempotent.
type Status string

const (
	StatusRunning    Status = "running"
	StatusMerged     Status = "merged"
	StatusCompleted  Status = "completed"
	StatusInProgress Status = "in_progress"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Signals is the explicitly-constructed input to Resolve. Collecting it is
// the only part that touches the filesystem and git; the precedence itself is
// a pure function so its ordering is unit-testable in isolation.
type Signals struct {
	LockHeld            bool
	OwnerAlive          bool
	MergedMarker        bool
	BranchMerged        bool
	CompletedMarker     bool
	LedgerCommitsInMain bool
	LedgerExists        bool
	ChecklistExists     bool
}

// rule is one predicate/result pair of the precedence list.
type rule struct {
	match  func(Signals) bool
	result Status
}

// precedence is evaluated in order; the first match wins.
var precedence = []rule{
	{func(s Signals) bool { return s.LockHeld && s.OwnerAlive }, StatusRunning},
	{func(s Signals) bool { return s.MergedMarker || s.BranchMerged }, StatusMerged},
	{func(s Signals) bool { return s.CompletedMarker || s.LedgerCommitsInMain }, StatusCompleted},
	{func(s Signals) bool { return s.LedgerExists }, StatusInProgress},
	{func(s Signals) bool { return s.ChecklistExists }, StatusReady},
}

// Resolve computes the derived status from signals.
func Resolve(s Signals) Status {
	for _, r := range precedence {
		if r.match(s) {
			return r.result
		}
	}
	return StatusError
}
