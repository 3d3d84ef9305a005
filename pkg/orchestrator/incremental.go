package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/models"
	"github.com/tessellate-ai/cardinal/pkg/store"
)

// IncrementalResult pairs the session summary with the VCS context the run
// was scoped by.
type IncrementalResult struct {
	Summary *models.SessionSummary `json:"summary"`
	Git     models.GitInfo         `json:"git"`
	Changes models.ChangeStats     `json:"changes"`
}

// AnalyzeIncremental analyzes only the files that changed since a base
// reference. The base resolves, in order, to the explicit baseRef, the commit
// of the latest completed session for the same path, or HEAD's parent. Files
// outside the configured source extensions are ignored; deleted files lose
// their cache entries; cards that earlier runs attached to modified files
// gain an audit entry pointing at this session.
//
// Outside a repository no session is created at all.
func (o *Orchestrator) AnalyzeIncremental(ctx context.Context, path, baseRef string) (*IncrementalResult, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, fault.IO(err, false, "failed to resolve analysis path %s", path)
	}
	if o.vcs == nil || !o.vcs.IsRepo(ctx, root) {
		return nil, fault.New(fault.KindVcsRequired, "%s is not inside a git work tree", root)
	}

	commit, err := o.vcs.CurrentCommit(ctx, root)
	if err != nil {
		return nil, err
	}
	branch, err := o.vcs.CurrentBranch(ctx, root)
	if err != nil {
		o.logger.Debug("No branch name available", "path", root, "error", err)
		branch = ""
	}

	base := baseRef
	if base == "" {
		prev, err := o.store.LatestCompletedSession(ctx, root)
		switch {
		case err == nil:
			base = prev.CurrentCommit
		case errors.Is(err, store.ErrNotFound):
			base, err = o.vcs.HeadParent(ctx, root)
			if err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}

	changes, err := o.vcs.ChangedFiles(ctx, root, base)
	if err != nil {
		return nil, err
	}
	modified, added, deleted := changes.Flatten()
	extensions := o.cfg.SourceExtensionSet()
	modified = filterByExtension(modified, extensions)
	added = filterByExtension(added, extensions)
	deleted = filterByExtension(deleted, extensions)

	stats := models.ChangeStats{
		ModifiedN: len(modified),
		AddedN:    len(added),
		DeletedN:  len(deleted),
	}
	git := models.GitInfo{Commit: commit, Branch: branch, BaseRef: base}
	o.logger.Info("Incremental scope resolved",
		"path", root, "base_ref", base,
		"modified", stats.ModifiedN, "added", stats.AddedN, "deleted", stats.DeletedN)

	// Remember which cards earlier runs attached to the files about to be
	// re-analyzed, before their entries are superseded.
	prior := make(map[string][]string, len(modified))
	for _, p := range modified {
		payloads, err := o.cache.PayloadsForPath(ctx, p)
		if err != nil {
			o.logger.Warn("Failed to load prior cache payloads", "path", p, "error", err)
			continue
		}
		for _, payload := range payloads {
			prior[p] = append(prior[p], payload.CardIDs...)
		}
	}

	for _, p := range deleted {
		if _, err := o.cache.InvalidateFile(ctx, p); err != nil {
			o.logger.Warn("Failed to invalidate deleted file", "path", p, "error", err)
		}
	}

	analyze := make(map[string]bool, len(modified)+len(added))
	for _, p := range modified {
		analyze[p] = true
	}
	for _, p := range added {
		analyze[p] = true
	}

	sess := &models.AnalysisSession{
		Path:          root,
		Mode:          models.ModeIncremental,
		BaseReference: base,
		CurrentCommit: commit,
		CurrentBranch: branch,
		FilesAnalyzed: []string{},
		FilesSkipped:  []string{},
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	summary, err := o.execute(ctx, sess, analyze, prior)
	if err != nil {
		return nil, err
	}

	o.annotatePriorCards(ctx, sess.ID, prior)
	return &IncrementalResult{Summary: summary, Git: git, Changes: stats}, nil
}

// annotatePriorCards appends an audit entry to every card a previous run
// attached to a re-analyzed file. Statuses are untouched: a human decision
// on a card is not invalidated by the file changing around it.
func (o *Orchestrator) annotatePriorCards(ctx context.Context, sessionID string, prior map[string][]string) {
	ctx = context.WithoutCancel(ctx)
	seen := make(map[string]bool)
	for path, ids := range prior {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			_, err := o.store.AppendCardAudit(ctx, id, "orchestrator", models.AuditEventAnnotated, map[string]any{
				"note":       "source file changed and was re-analyzed",
				"path":       path,
				"session_id": sessionID,
				"ts":         time.Now().UTC(),
			})
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("Failed to annotate prior card", "card_id", id, "error", err)
			}
		}
	}
}

func filterByExtension(paths []string, extensions map[string]bool) []string {
	out := paths[:0]
	for _, p := range paths {
		if extensions[filepath.Ext(p)] {
			out = append(out, p)
		}
	}
	return out
}
