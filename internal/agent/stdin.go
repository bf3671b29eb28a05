package agent

import "strings"

const stdinSpecialChars = "\n\\\"'`$"

// shouldUseStdin decides whether the instruction is piped on stdin instead of
// being passed as an argv entry. Long or shell-hostile instructions always go
// through stdin.
func shouldUseStdin(instruction string) bool {
	if len(instruction) > 800 {
		return true
	}
	return strings.ContainsAny(instruction, stdinSpecialChars)
}
