package live

import (
	"strings"
	"unicode/utf8"
)

// SummaryContext holds the most recent summaries, oldest first. It is owned
// by a single SummaryWorker and is not safe for concurrent use.
//
// Entries are kept until their combined length exceeds twice the budget;
// Render hands out at most budget characters of the newest content.
type SummaryContext struct {
	budget  int
	entries []string
	length  int
}

// NewSummaryContext creates a context with the given character budget.
// A budget of zero or less disables context entirely.
func NewSummaryContext(budget int) *SummaryContext {
	if budget < 0 {
		budget = 0
	}
	return &SummaryContext{budget: budget}
}

// Budget returns the configured character budget.
func (c *SummaryContext) Budget() int { return c.budget }

// Limit is the maximum length the context may reach after an append.
func (c *SummaryContext) Limit() int { return 2 * c.budget }

// Len returns the number of characters currently held.
func (c *SummaryContext) Len() int { return c.length }

// Entries returns a copy of the held summaries.
func (c *SummaryContext) Entries() []string {
	out := make([]string, len(c.entries))
	copy(out, c.entries)
	return out
}

// Append adds a summary and trims from the oldest end if the context grew
// past twice the budget.
func (c *SummaryContext) Append(summary string) {
	summary = strings.TrimSpace(summary)
	if summary == "" || c.budget == 0 {
		return
	}
	c.entries = append(c.entries, summary)
	c.length += utf8.RuneCountInString(summary)
	if c.length > c.Limit() {
		c.trim()
	}
}

func (c *SummaryContext) trim() {
	limit := c.Limit()
	for c.length > limit && len(c.entries) > 1 {
		c.length -= utf8.RuneCountInString(c.entries[0])
		c.entries[0] = ""
		c.entries = c.entries[1:]
	}
	if c.length > limit {
		// A single oversized entry keeps its tail.
		c.entries[0] = tailRunes(c.entries[0], limit)
		c.length = utf8.RuneCountInString(c.entries[0])
	}
}

// Render joins the entries and returns at most budget characters, keeping
// the most recent text.
func (c *SummaryContext) Render() string {
	if len(c.entries) == 0 {
		return ""
	}
	return tailRunes(strings.Join(c.entries, " "), c.budget)
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}
