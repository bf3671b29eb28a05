package agent

import "strings"

// Completion sentinels the agent contract requires: exact substrings, emitted
// on a line of their own, distinguishable from ordinary prose. The composed
// instruction tells the agent to emit exactly one of them.
const (
	SentinelComplete   = "STATUS: COMPLETE"
	SentinelNeedsHuman = "STATUS: NEEDS_HUMAN"
)

// Kind tags the classification result.
type Kind int

const (
	KindNone Kind = iota
	KindComplete
	KindNeedsHuman
)

func (k Kind) String() string {
	switch k {
	case KindComplete:
		return "complete"
	case KindNeedsHuman:
		return "needs_human"
	default:
		return "none"
	}
}

// Classification is the typed result of scanning agent output for sentinels.
type Classification struct {
	Kind Kind
	Raw  string
}

// Classify scans captured output by exact-substring match. NEEDS_HUMAN wins
// over COMPLETE: escalation is honored regardless of anything else the agent
// claimed.
func Classify(output string) Classification {
	if strings.Contains(output, SentinelNeedsHuman) {
		return Classification{Kind: KindNeedsHuman, Raw: SentinelNeedsHuman}
	}
	if strings.Contains(output, SentinelComplete) {
		return Classification{Kind: KindComplete, Raw: SentinelComplete}
	}
	return Classification{Kind: KindNone}
}
