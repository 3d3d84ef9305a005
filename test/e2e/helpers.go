package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/models"
	"github.com/tessellate-ai/cardinal/pkg/provider"
)

// ────────────────────────────────────────────────────────────────────────────
// HTTP plumbing
// ────────────────────────────────────────────────────────────────────────────

// do issues one request against the app and asserts the status code. The raw
// body comes back so callers can decode into their own shape; on a status
// mismatch the body lands in the failure message.
func (a *TestApp) do(method, path string, body any, wantStatus int) []byte {
	a.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	require.Equal(a.t, wantStatus, resp.StatusCode, "%s %s: %s", method, path, data)
	return data
}

func (a *TestApp) getJSON(path string, wantStatus int, target any) {
	a.t.Helper()
	data := a.do(http.MethodGet, path, nil, wantStatus)
	if target != nil {
		require.NoError(a.t, json.Unmarshal(data, target), "GET %s: %s", path, data)
	}
}

func (a *TestApp) postJSON(path string, body any, wantStatus int, target any) {
	a.t.Helper()
	data := a.do(http.MethodPost, path, body, wantStatus)
	if target != nil {
		require.NoError(a.t, json.Unmarshal(data, target), "POST %s: %s", path, data)
	}
}

// analysisResponse is the envelope both analysis endpoints answer with; the
// git and changes fields stay zero for full runs.
type analysisResponse struct {
	SessionID string                 `json:"session_id"`
	Summary   *models.SessionSummary `json:"summary"`
	Git       models.GitInfo         `json:"git"`
	Changes   models.ChangeStats     `json:"changes"`
}

// analyze runs a full analysis over HTTP and requires transport success. The
// session outcome is the caller's to assert.
func (a *TestApp) analyze(path string) *analysisResponse {
	a.t.Helper()
	var out analysisResponse
	a.postJSON("/api/v1/analyses", map[string]string{"path": path}, http.StatusOK, &out)
	require.NotNil(a.t, out.Summary)
	return &out
}

// analyzeIncremental runs an incremental analysis; an empty baseRef lets the
// server resolve the base itself.
func (a *TestApp) analyzeIncremental(path, baseRef string) *analysisResponse {
	a.t.Helper()
	body := map[string]string{"path": path}
	if baseRef != "" {
		body["base_ref"] = baseRef
	}
	var out analysisResponse
	a.postJSON("/api/v1/analyses/incremental", body, http.StatusOK, &out)
	require.NotNil(a.t, out.Summary)
	return &out
}

func (a *TestApp) session(id string) *models.AnalysisSession {
	a.t.Helper()
	var out models.AnalysisSession
	a.getJSON("/api/v1/sessions/"+url.PathEscape(id), http.StatusOK, &out)
	return &out
}

func (a *TestApp) card(id string) *models.Card {
	a.t.Helper()
	var out models.Card
	a.getJSON("/api/v1/cards/"+url.PathEscape(id), http.StatusOK, &out)
	return &out
}

func (a *TestApp) sessionCards(sessionID string) []*models.Card {
	a.t.Helper()
	var out models.CardListResponse
	a.getJSON("/api/v1/cards?limit=100&session_id="+url.QueryEscape(sessionID), http.StatusOK, &out)
	return out.Cards
}

func (a *TestApp) sessionAgents(sessionID string) []*models.Agent {
	a.t.Helper()
	var out models.AgentListResponse
	a.getJSON("/api/v1/agents?limit=100&session_id="+url.QueryEscape(sessionID), http.StatusOK, &out)
	return out.Agents
}

func agentsByScope(agents []*models.Agent) map[models.AgentScope][]*models.Agent {
	out := make(map[models.AgentScope][]*models.Agent)
	for _, ag := range agents {
		out[ag.Scope] = append(out[ag.Scope], ag)
	}
	return out
}

func findCardByTitle(t *testing.T, cards []*models.Card, title string) *models.Card {
	t.Helper()
	for _, c := range cards {
		if c.Title == title {
			return c
		}
	}
	t.Fatalf("no card titled %q among %d cards", title, len(cards))
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// Source fixtures
// ────────────────────────────────────────────────────────────────────────────

const calcSource = `package calc

// Add returns the sum of a and b.
func Add(a, b int) int {
	return a + b
}

// Div divides a by b.
func Div(a, b int) int {
	return a / b
}
`

const utilSource = `package calc

// Helper trims the input.
func Helper(s string) string {
	return s
}
`

const divFindingJSON = `[{
  "title": "missing zero check before division",
  "detail": "Div divides by b without guarding b == 0; a zero divisor panics at runtime.",
  "type": "Review",
  "priority": "P1",
  "risk": 0.7,
  "confidence": 0.9,
  "refs": [{"path": "calc.go", "line": 9}]
}]`

// divFixFindingJSON is divFindingJSON plus a proposed fix that guards the
// zero divisor. old_text occurs exactly once inside the line range.
const divFixFindingJSON = `[{
  "title": "missing zero check before division",
  "detail": "Div divides by b without guarding b == 0; a zero divisor panics at runtime.",
  "type": "Review",
  "priority": "P1",
  "risk": 0.7,
  "confidence": 0.9,
  "refs": [{"path": "calc.go", "line": 9}],
  "proposed_fix": {
    "file_path": "calc.go",
    "line_range": [9, 11],
    "old_text": "return a / b",
    "new_text": "if b == 0 {\n\t\treturn 0\n\t}\n\treturn a / b"
  }
}]`

// escapeFixFindingJSON proposes a fix whose path climbs out of the analyzed
// tree.
const escapeFixFindingJSON = `[{
  "title": "missing zero check before division",
  "detail": "Div divides by b without guarding b == 0; a zero divisor panics at runtime.",
  "type": "Review",
  "priority": "P1",
  "risk": 0.7,
  "confidence": 0.9,
  "refs": [{"path": "calc.go", "line": 9}],
  "proposed_fix": {
    "file_path": "../../../../etc/passwd",
    "line_range": [1, 1],
    "old_text": "root",
    "new_text": "toor"
  }
}]`

func writeSource(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// ────────────────────────────────────────────────────────────────────────────
// Git fixtures
// ────────────────────────────────────────────────────────────────────────────

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// initCalcRepo creates a repo with one commit containing calc.go and util.go.
func initCalcRepo(t *testing.T) (dir, base string) {
	t.Helper()
	dir = t.TempDir()
	gitCmd(t, dir, "init", "-q", "-b", "main")
	writeSource(t, dir, "calc.go", calcSource)
	writeSource(t, dir, "util.go", utilSource)
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-q", "-m", "initial")
	return dir, gitCmd(t, dir, "rev-parse", "HEAD")
}

// commitAll stages and commits everything in dir, returning the new HEAD.
func commitAll(t *testing.T, dir, message string) string {
	t.Helper()
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-q", "-m", message)
	return gitCmd(t, dir, "rev-parse", "HEAD")
}

// ────────────────────────────────────────────────────────────────────────────
// Provider scripts
// ────────────────────────────────────────────────────────────────────────────

// reviewScript answers function prompts about Div with the given findings
// payload and a clean bill for everything else; synthesis requests get prose.
func reviewScript(findings string) func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return func(_ context.Context, req *provider.Request) (*provider.Response, error) {
		if strings.HasPrefix(req.System, "## Synthesis") {
			return &provider.Response{
				Content:   "The scope is small; the unguarded division is the dominant risk.",
				TokensIn:  50,
				TokensOut: 24,
			}, nil
		}
		if strings.Contains(req.Messages[0].Content, "`Div`") {
			return &provider.Response{Content: findings, TokensIn: 90, TokensOut: 60}, nil
		}
		return &provider.Response{Content: "[]", TokensIn: 70, TokensOut: 2}, nil
	}
}

// overloadedScript fails every completion with an availability fault.
func overloadedScript() func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return func(context.Context, *provider.Request) (*provider.Response, error) {
		return nil, fault.New(fault.KindOverloaded, "upstream is shedding load")
	}
}

// flakyScript fails the first failures attempts of every distinct prompt
// with a transient fault and then defers to reviewScript.
func flakyScript(failures int, findings string) func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var mu sync.Mutex
	attempts := make(map[string]int)
	inner := reviewScript(findings)
	return func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		key := req.System
		if len(req.Messages) > 0 {
			key += "|" + req.Messages[0].Content
		}
		mu.Lock()
		attempts[key]++
		n := attempts[key]
		mu.Unlock()
		if n <= failures {
			return nil, fault.New(fault.KindUpstreamTransient, "transient upstream hiccup %d", n)
		}
		return inner(ctx, req)
	}
}

// lastAudit decodes the newest audit entry of a card.
func lastAudit(t *testing.T, card *models.Card) (string, map[string]any) {
	t.Helper()
	require.NotEmpty(t, card.AuditLog)
	entry := card.AuditLog[len(card.AuditLog)-1]
	diff := make(map[string]any)
	if len(entry.Diff) > 0 {
		require.NoError(t, json.Unmarshal(entry.Diff, &diff))
	}
	return entry.Event, diff
}
