package agent

import (
	"fmt"
	"os"
	"strings"
)

// PromptContext is everything the composed instruction references: the target
// story, the recent iteration history, and the current error window.
type PromptContext struct {
	StoryID       string
	StoryTitle    string
	StoryBlock    string
	LedgerRecap   string
	WindowErrors  []string
	VerifyCommand string
	Attempt       int
	MaxIterations int
}

// ComposeInstruction renders the per-iteration instruction payload. On
// re-attempts it carries the failure context forward so the agent does not
// repeat the previous approach blindly.
func ComposeInstruction(pc PromptContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are one iteration (%d of at most %d) of an automated build loop working in this repository.\n\n", pc.Attempt, pc.MaxIterations)

	b.WriteString("## Target story\n\n")
	if pc.StoryBlock != "" {
		b.WriteString(pc.StoryBlock)
		b.WriteString("\n\n")
	} else {
		fmt.Fprintf(&b, "%s: %s\n\n", pc.StoryID, pc.StoryTitle)
	}

	if pc.LedgerRecap != "" {
		b.WriteString("## Previous iterations\n\n")
		b.WriteString(pc.LedgerRecap)
		b.WriteString("\n")
	}

	if len(pc.WindowErrors) > 0 {
		b.WriteString("## Recent failures\n\n")
		b.WriteString("These verification failures were seen recently. Do not repeat the approach that caused them:\n")
		for _, msg := range pc.WindowErrors {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("Implement ONLY the target story above. Write your changes directly into the working tree.\n")
	if pc.VerifyCommand != "" {
		fmt.Fprintf(&b, "Your work is verified by running `%s`; it must exit 0.\n", pc.VerifyCommand)
	}
	fmt.Fprintf(&b, "When every story in the checklist is implemented and verified, print a line containing exactly %q.\n", SentinelComplete)
	fmt.Fprintf(&b, "If you are blocked and need a human decision, print a line containing exactly %q and explain why.\n", SentinelNeedsHuman)
	b.WriteString("Otherwise print neither sentinel.\n")

	return b.String()
}

// ReadPromptFile loads an optional agent preset prompt and prepends it to the
// instruction.
func ReadPromptFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// WrapWithPrompt prefixes the instruction with a preset prompt.
func WrapWithPrompt(prompt, instruction string) string {
	if prompt == "" {
		return instruction
	}
	return "<agent-prompt>\n" + prompt + "\n</agent-prompt>\n\n" + instruction
}
