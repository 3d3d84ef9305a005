package models

import (
	"sort"
	"strings"
)

// Finding is one structured observation produced by an analysis agent,
// parsed from the provider response before it becomes a card.
type Finding struct {
	Title       string       `json:"title"`
	Detail      string       `json:"detail,omitempty"`
	Type        CardType     `json:"type"`
	Priority    Priority     `json:"priority"`
	Risk        float64      `json:"risk"`
	Confidence  float64      `json:"confidence"`
	Refs        []CodeRef    `json:"refs,omitempty"`
	ProposedFix *ProposedFix `json:"proposed_fix,omitempty"`
}

// DedupeAndRank collapses findings with the same normalized title and
// orders the result by priority (P0 first), then title. Of duplicates, the
// higher-priority copy wins. Used to assemble synthesis prompts.
func DedupeAndRank(findings []Finding) []Finding {
	seen := make(map[string]int, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		key := strings.ToLower(strings.TrimSpace(f.Title))
		if idx, ok := seen[key]; ok {
			if f.Priority.Rank() < out[idx].Priority.Rank() {
				out[idx] = f
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].Title < out[j].Title
	})
	return out
}
