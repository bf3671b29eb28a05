// Package checklist reads and mutates the task checklist: a markdown PRD with
// one story per "### [ ] US-NNN: Title" header and "- [ ] ..." acceptance
// criterion lines under it. Only the bracket markers are ever rewritten, so
// surrounding prose survives round-trips untouched.
package checklist

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	storyRe     = regexp.MustCompile(`^###\s+(\[([ xX])\]\s+)?(US-\d+):\s*(.+)$`)
	criterionRe = regexp.MustCompile(`^(\s*-\s+)\[([ xX])\]\s+(.+)$`)
)

// Criterion is one acceptance-criterion line of a story.
type Criterion struct {
	Text string
	Done bool
	line int
}

// Story is one checklist entry. Done mirrors the header checkbox; a header
// without a checkbox parses as not done.
type Story struct {
	ID       string
	Title    string
	Done     bool
	Criteria []Criterion

	headerLine int
	firstLine  int
	lastLine   int
}

// Satisfied reports whether the story header and every criterion are checked.
func (s *Story) Satisfied() bool {
	if !s.Done {
		return false
	}
	for _, c := range s.Criteria {
		if !c.Done {
			return false
		}
	}
	return true
}

// Block returns the story's raw markdown lines, used verbatim in the composed
// agent instruction.
func (s *Story) Block(c *Checklist) string {
	return strings.Join(c.lines[s.firstLine:s.lastLine+1], "\n")
}

// Checklist is the parsed document plus its raw lines for faithful rewrites.
type Checklist struct {
	Stories []Story
	lines   []string
}

// Parse reads a PRD document. A document with no stories is an error: the
// loop has nothing to drive.
func Parse(data []byte) (*Checklist, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	c := &Checklist{lines: lines}

	var cur *Story
	for i, line := range lines {
		if m := storyRe.FindStringSubmatch(line); m != nil {
			if cur != nil {
				cur.lastLine = i - 1
				c.Stories = append(c.Stories, *cur)
			}
			cur = &Story{
				ID:         m[3],
				Title:      strings.TrimSpace(m[4]),
				Done:       strings.EqualFold(m[2], "x"),
				headerLine: i,
				firstLine:  i,
			}
			continue
		}
		if cur == nil {
			continue
		}
		if m := criterionRe.FindStringSubmatch(line); m != nil {
			cur.Criteria = append(cur.Criteria, Criterion{
				Text: strings.TrimSpace(m[3]),
				Done: strings.EqualFold(m[2], "x"),
				line: i,
			})
		}
	}
	if cur != nil {
		cur.lastLine = len(lines) - 1
		c.Stories = append(c.Stories, *cur)
	}

	if len(c.Stories) == 0 {
		return nil, fmt.Errorf("no stories found in checklist")
	}
	return c, nil
}

// Load parses the checklist file at path.
func Load(path string) (*Checklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Save writes the (possibly mutated) document back.
func (c *Checklist) Save(path string) error {
	return os.WriteFile(path, c.Bytes(), 0o644)
}

// Bytes renders the document.
func (c *Checklist) Bytes() []byte {
	return []byte(strings.Join(c.lines, "\n"))
}

// NextUnsatisfied returns the first story (in document order) whose header
// box is unchecked, or nil when all are done. Earlier stories are always
// attempted before later ones; there is no reordering.
func (c *Checklist) NextUnsatisfied() *Story {
	for i := range c.Stories {
		if !c.Stories[i].Done {
			return &c.Stories[i]
		}
	}
	return nil
}

// AllSatisfied reports whether every story is satisfied.
func (c *Checklist) AllSatisfied() bool {
	for i := range c.Stories {
		if !c.Stories[i].Satisfied() {
			return false
		}
	}
	return true
}

// Remaining counts unchecked stories.
func (c *Checklist) Remaining() int {
	n := 0
	for i := range c.Stories {
		if !c.Stories[i].Done {
			n++
		}
	}
	return n
}

// Total counts stories.
func (c *Checklist) Total() int { return len(c.Stories) }

// MarkSatisfied checks the story's header box and every criterion box.
func (c *Checklist) MarkSatisfied(storyID string) error {
	for i := range c.Stories {
		s := &c.Stories[i]
		if s.ID != storyID {
			continue
		}

		header := c.lines[s.headerLine]
		if m := storyRe.FindStringSubmatch(header); m != nil {
			if m[1] == "" {
				// Header had no checkbox at all; add one.
				c.lines[s.headerLine] = fmt.Sprintf("### [x] %s: %s", m[3], m[4])
			} else {
				c.lines[s.headerLine] = strings.Replace(header, "["+m[2]+"]", "[x]", 1)
			}
		}
		s.Done = true

		for j := range s.Criteria {
			cr := &s.Criteria[j]
			if cr.Done {
				continue
			}
			if m := criterionRe.FindStringSubmatch(c.lines[cr.line]); m != nil {
				c.lines[cr.line] = m[1] + "[x] " + m[3]
			}
			cr.Done = true
		}
		return nil
	}
	return fmt.Errorf("story %s not found", storyID)
}
