package orchestrator

import (
	"fmt"
	"strings"

	"github.com/tessellate-ai/cardinal/pkg/graph"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

const (
	maxFunctionTokens  = 1024
	maxSynthesisTokens = 768

	// maxDetailChars bounds each finding line in synthesis prompts so one
	// verbose leaf cannot crowd out its siblings.
	maxDetailChars = 280
)

// functionInstructions is the system prompt for leaf analysis.
const functionInstructions = `## Code Review Instructions

You are an expert code reviewer analyzing one function at a time.

Look for defects, unguarded edge cases, missing error handling, unsafe
concurrency, and misleading names or documentation. Weigh how the function is
called: a risky pattern in a hot path matters more than one in test scaffolding.

Respond with ONLY a JSON array of findings, no prose around it. Each finding:

{
  "title": "short imperative summary",
  "detail": "what is wrong, why it matters, how it fails",
  "type": "Review" | "Defect" | "Test" | "Change Request",
  "priority": "P0" | "P1" | "P2" | "P3",
  "risk": 0.0-1.0,
  "confidence": 0.0-1.0,
  "refs": [{"path": "relative/path.go", "line": 12}],
  "proposed_fix": {
    "file_path": "relative/path.go",
    "line_range": [12, 14],
    "old_text": "exact text to replace",
    "new_text": "replacement text"
  }
}

Only attach proposed_fix when the edit is small and unambiguous. Respond with
[] when nothing is worth reporting.`

// synthesisInstructions is the system prompt for parent-scope synthesis.
// Synthesis is prose, not JSON: the findings are already structured.
const synthesisInstructions = `## Synthesis Instructions

You are an expert code reviewer summarizing the findings of a completed
analysis pass for the scope named in the message.

Write a short assessment for a human reviewer: the overall state of the
scope, the findings that matter most and why, and any pattern that repeats
across them. Reference the findings by their titles. Be specific and keep it
under two hundred words. Do not restate every finding.`

// buildFunctionPrompt assembles the user message for one leaf: the redacted
// source plus the call-graph neighborhood the reviewer should weigh.
func buildFunctionPrompt(g *graph.Graph, fn *graph.Function, redactedSource string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the function `%s` from %s (lines %d-%d).\n",
		fn.Qualifier, fn.FilePath, fn.StartLine, fn.EndLine)
	if fn.Signature != "" {
		fmt.Fprintf(&b, "\nSignature: `%s`\n", fn.Signature)
	}
	if fn.Doc != "" {
		fmt.Fprintf(&b, "\n## Documentation\n%s\n", strings.TrimSpace(fn.Doc))
	}

	if callers := functionNames(g.Callers(fn)); len(callers) > 0 {
		fmt.Fprintf(&b, "\nCalled by: %s\n", strings.Join(callers, ", "))
	}
	if callees := functionNames(g.Callees(fn)); len(callees) > 0 {
		fmt.Fprintf(&b, "Calls: %s\n", strings.Join(callees, ", "))
	}

	fmt.Fprintf(&b, "\n## Source\n```\n%s\n```\n", redactedSource)
	return b.String()
}

func functionNames(fns []*graph.Function) []string {
	names := make([]string, 0, len(fns))
	for _, fn := range fns {
		names = append(names, fn.Qualifier)
	}
	return names
}

// renderGraphExtract summarizes the parsed tree for the System agent's
// record: one line per module with its leaf count and import edges.
func renderGraphExtract(g *graph.Graph) string {
	var b strings.Builder
	imports := g.ImportEdges()
	for _, m := range g.Modules() {
		fmt.Fprintf(&b, "%s (%d functions)", m.Path, len(m.AllFunctions()))
		if deps := imports[m.Path]; len(deps) > 0 {
			fmt.Fprintf(&b, " imports %s", strings.Join(deps, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// buildSynthesisPrompt lists the deduplicated subtree findings for a parent
// scope, highest priority first.
func buildSynthesisPrompt(scope models.AgentScope, target string, findings []models.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Synthesize the analysis of the %s scope `%s`.\n", strings.ToLower(string(scope)), target)
	fmt.Fprintf(&b, "\n## Findings (%d)\n", len(findings))
	for _, f := range findings {
		detail := strings.TrimSpace(f.Detail)
		if len(detail) > maxDetailChars {
			detail = detail[:maxDetailChars] + "…"
		}
		fmt.Fprintf(&b, "- [%s] %s", f.Priority, f.Title)
		if len(f.Refs) > 0 {
			fmt.Fprintf(&b, " (%s)", f.Refs[0].String())
		}
		if detail != "" {
			fmt.Fprintf(&b, ": %s", detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}
