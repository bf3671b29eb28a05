package engine

// Outcome is the terminal state of one loop run. Intermediate failures never
// escape as outcomes; they are absorbed by the retry machinery and visible
// only in the ledger and error window.
type Outcome string

const (
	OutcomeComplete   Outcome = "COMPLETE"
	OutcomeNeedsHuman Outcome = "NEEDS_HUMAN"
	OutcomeMaxIter    Outcome = "MAX_ITER"
	OutcomeStalled    Outcome = "STALLED"
	OutcomeAborted    Outcome = "ABORTED"
	OutcomeError      Outcome = "ERROR"
)

// ExitCode maps an outcome to the process exit code contract:
// 0 complete, 1 unexpected error (including operator abort), 2 needs-human,
// 3 max iterations, 4 stalled.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeComplete:
		return 0
	case OutcomeNeedsHuman:
		return 2
	case OutcomeMaxIter:
		return 3
	case OutcomeStalled:
		return 4
	default:
		return 1
	}
}
