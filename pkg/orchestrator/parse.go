package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

// findingsEnvelope tolerates providers that wrap the array in an object.
type findingsEnvelope struct {
	Findings []models.Finding `json:"findings"`
}

// parseFindings extracts the findings array from a provider response.
// Providers are told to return bare JSON, but the parser strips code fences
// and surrounding prose, and accepts a {"findings": [...]} wrapper. Each
// finding is normalized so downstream card creation cannot reject it: bad
// types fall back to Review, bad priorities to P2, scores clamp to [0,1],
// and untitled findings are dropped.
func parseFindings(content string) ([]models.Finding, error) {
	candidate := extractJSON(content)
	if candidate == "" {
		return nil, fault.New(fault.KindBadRequest, "no JSON payload in provider response")
	}

	var findings []models.Finding
	if err := json.Unmarshal([]byte(candidate), &findings); err != nil {
		var envelope findingsEnvelope
		if envErr := json.Unmarshal([]byte(candidate), &envelope); envErr != nil {
			return nil, fault.Wrap(fault.KindBadRequest, err, "undecodable findings payload")
		}
		findings = envelope.Findings
	}

	out := findings[:0]
	for _, f := range findings {
		f.Title = strings.TrimSpace(f.Title)
		if f.Title == "" {
			continue
		}
		if !f.Type.Valid() {
			f.Type = models.CardTypeReview
		}
		if f.Priority.Rank() > models.PriorityP3.Rank() {
			f.Priority = models.PriorityP2
		}
		f.Risk = clamp01(f.Risk)
		f.Confidence = clamp01(f.Confidence)
		out = append(out, f)
	}
	return out, nil
}

// extractJSON cuts the outermost JSON array from text, tolerating markdown
// fences and prose on either side. Falls back to the outermost object.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if fenced, ok := stripFence(text); ok {
		text = fenced
	}
	if span := outermost(text, '[', ']'); span != "" {
		return span
	}
	return outermost(text, '{', '}')
}

func outermost(text string, opener, closer byte) string {
	start := strings.IndexByte(text, opener)
	end := strings.LastIndexByte(text, closer)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func stripFence(text string) (string, bool) {
	if !strings.HasPrefix(text, "```") {
		return "", false
	}
	body := text
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
