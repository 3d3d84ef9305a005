package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

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

func TestAnalyzeIncrementalModifiedFile(t *testing.T) {
	requireGit(t)
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(reviewHandler())
	ctx := context.Background()
	dir, firstCommit := initCalcRepo(t)

	full, err := env.o.AnalyzeFull(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, full.Status)

	cards, err := env.store.ListCards(ctx, &models.CardFilters{SessionID: full.SessionID})
	require.NoError(t, err)
	var priorCard *models.Card
	for _, c := range cards.Cards {
		if c.Title == "missing zero check before division" {
			priorCard = c
		}
	}
	require.NotNil(t, priorCard)

	// Touch calc.go only; the markdown file must not widen the scope.
	writeSource(t, dir, "calc.go", calcSource+"\n// reviewed 2026-08\n")
	writeSource(t, dir, "NOTES.md", "second pass\n")
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-q", "-m", "touch calc")
	secondCommit := gitCmd(t, dir, "rev-parse", "HEAD")

	res, err := env.o.AnalyzeIncremental(ctx, dir, "")
	require.NoError(t, err)

	assert.Equal(t, models.ChangeStats{ModifiedN: 1, AddedN: 0, DeletedN: 0}, res.Changes)
	assert.Equal(t, firstCommit, res.Git.BaseRef)
	assert.Equal(t, secondCommit, res.Git.Commit)
	assert.Equal(t, "main", res.Git.Branch)

	summary := res.Summary
	assert.Equal(t, models.ModeIncremental, summary.Mode)
	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.FilesAnalyzed)
	assert.Equal(t, 1, summary.FilesSkipped)
	assert.Equal(t, 0, summary.CacheHits)
	assert.Equal(t, 2, summary.CacheMisses)
	assert.Equal(t, 3, summary.CardsCreated)

	sess, err := env.store.GetSession(ctx, summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc.go"}, sess.FilesAnalyzed)
	assert.Equal(t, []string{"util.go"}, sess.FilesSkipped)
	assert.Equal(t, firstCommit, sess.BaseReference)
	assert.Equal(t, secondCommit, sess.CurrentCommit)

	// The first run's card gained an annotation but kept its status: the
	// file changing around it does not invalidate a review decision.
	got, err := env.store.GetCard(ctx, priorCard.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusNew, got.Status)
	event, diff := lastAudit(t, got)
	assert.Equal(t, models.AuditEventAnnotated, event)
	assert.Equal(t, "calc.go", diff["path"])
	assert.Equal(t, summary.SessionID, diff["session_id"])
	assert.NotEmpty(t, diff["note"])
}

func TestAnalyzeIncrementalAllUnchanged(t *testing.T) {
	requireGit(t)
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(reviewHandler())
	ctx := context.Background()
	dir, base := initCalcRepo(t)

	full, err := env.o.AnalyzeFull(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, full.Status)
	callsAfterFull := env.adapter.Calls()

	res, err := env.o.AnalyzeIncremental(ctx, dir, "")
	require.NoError(t, err)

	assert.Equal(t, models.ChangeStats{}, res.Changes)
	assert.Equal(t, base, res.Git.BaseRef)

	summary := res.Summary
	assert.Equal(t, models.SessionStatusCompleted, summary.Status)
	assert.Equal(t, 0, summary.FilesAnalyzed)
	assert.Equal(t, 2, summary.FilesSkipped)
	assert.Equal(t, 0, summary.CacheHits)
	assert.Equal(t, 0, summary.CacheMisses)
	assert.Equal(t, 0, summary.CardsCreated)
	assert.Zero(t, env.adapter.Calls()-callsAfterFull)

	sess, err := env.store.GetSession(ctx, summary.SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.FilesAnalyzed)
	assert.Equal(t, []string{"calc.go", "util.go"}, sess.FilesSkipped)
}

func TestAnalyzeIncrementalDeletedFile(t *testing.T) {
	requireGit(t)
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(reviewHandler())
	ctx := context.Background()
	dir, _ := initCalcRepo(t)

	_, err := env.o.AnalyzeFull(ctx, dir)
	require.NoError(t, err)

	entries, err := env.store.ListCacheEntriesByPath(ctx, "util.go")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	gitCmd(t, dir, "rm", "-q", "util.go")
	gitCmd(t, dir, "commit", "-q", "-m", "drop util")

	res, err := env.o.AnalyzeIncremental(ctx, dir, "")
	require.NoError(t, err)

	assert.Equal(t, models.ChangeStats{DeletedN: 1}, res.Changes)
	assert.Equal(t, 0, res.Summary.FilesAnalyzed)
	assert.Equal(t, 0, res.Summary.CacheHits+res.Summary.CacheMisses)
	assert.Equal(t, 0, res.Summary.CardsCreated)

	// Deletion evicts the file's cache entries.
	entries, err = env.store.ListCacheEntriesByPath(ctx, "util.go")
	require.NoError(t, err)
	assert.Empty(t, entries)

	sess, err := env.store.GetSession(ctx, res.Summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc.go"}, sess.FilesSkipped)
}

func TestAnalyzeIncrementalExplicitBase(t *testing.T) {
	requireGit(t)
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(reviewHandler())
	ctx := context.Background()

	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q", "-b", "main")
	writeSource(t, dir, "calc.go", calcSource)
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-q", "-m", "initial")
	firstCommit := gitCmd(t, dir, "rev-parse", "HEAD")

	writeSource(t, dir, "util.go", utilSource)
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-q", "-m", "add util")

	res, err := env.o.AnalyzeIncremental(ctx, dir, firstCommit)
	require.NoError(t, err)

	assert.Equal(t, models.ChangeStats{AddedN: 1}, res.Changes)
	assert.Equal(t, firstCommit, res.Git.BaseRef)
	assert.Equal(t, 1, res.Summary.FilesAnalyzed)
	assert.Equal(t, 1, res.Summary.CacheMisses)

	sess, err := env.store.GetSession(ctx, res.Summary.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"util.go"}, sess.FilesAnalyzed)
	assert.Equal(t, []string{"calc.go"}, sess.FilesSkipped)
}

func TestAnalyzeIncrementalFirstRunDiffsHeadParent(t *testing.T) {
	requireGit(t)
	env := newTestEnv(t, nil)
	env.adapter.SetHandler(reviewHandler())
	ctx := context.Background()

	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q", "-b", "main")
	writeSource(t, dir, "calc.go", calcSource)
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-q", "-m", "initial")
	firstCommit := gitCmd(t, dir, "rev-parse", "HEAD")

	writeSource(t, dir, "util.go", utilSource)
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-q", "-m", "add util")

	// No completed session and no explicit base: HEAD's parent is the base.
	res, err := env.o.AnalyzeIncremental(ctx, dir, "")
	require.NoError(t, err)

	assert.Equal(t, firstCommit, res.Git.BaseRef)
	assert.Equal(t, models.ChangeStats{AddedN: 1}, res.Changes)
	assert.Equal(t, 1, res.Summary.FilesAnalyzed)
}

func TestAnalyzeIncrementalOutsideRepo(t *testing.T) {
	requireGit(t)
	env := newTestEnv(t, nil)
	dir := t.TempDir()
	writeSource(t, dir, "calc.go", calcSource)

	_, err := env.o.AnalyzeIncremental(context.Background(), dir, "")
	require.Error(t, err)
	assert.Equal(t, fault.KindVcsRequired, fault.KindOf(err))

	// No session is minted for a refused run.
	sessions, err := env.store.ListSessions(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, sessions.TotalCount)
}

func TestFilterByExtension(t *testing.T) {
	exts := map[string]bool{".go": true}
	got := filterByExtension([]string{"a.go", "README.md", "pkg/b.go", "Makefile", "c.GO"}, exts)
	assert.Equal(t, []string{"a.go", "pkg/b.go"}, got)
}
