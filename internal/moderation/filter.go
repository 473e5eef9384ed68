// Package moderation provides content filtering and the block/report
// controls of a session: a banned-term message filter, the per-user block
// set, and the guard that files abuse reports.
package moderation

import "strings"

// defaultBannedTerms is the fixed banned-substring list applied to outgoing
// messages.
var defaultBannedTerms = []string{
	"badword1",
	"badword2",
	"badword3",
}

// FilterResult is the outcome of screening one message.
type FilterResult struct {
	Blocked bool
	Term    string // the banned term that matched, when blocked
}

// Filter screens message text against a banned-term list. Matching is
// case-insensitive substring containment: a term embedded in a longer word
// still blocks. Safe for concurrent use; the term list is fixed after
// construction.
type Filter struct {
	terms []string
}

// NewFilter creates a filter with the default banned-term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultBannedTerms)
}

// NewFilterWithTerms creates a filter with a custom term list. Terms are
// lower-cased; empty terms are dropped.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{terms: make([]string, 0, len(terms))}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			f.terms = append(f.terms, t)
		}
	}
	return f
}

// Check screens text and returns the first matching term, if any.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return FilterResult{Blocked: true, Term: term}
		}
	}
	return FilterResult{}
}
