package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

// FixResult reports a successful fix application.
type FixResult struct {
	CardID    string `json:"card_id"`
	FilePath  string `json:"file_path"`
	BackupRef string `json:"backup_ref"`
}

// ApplyFix applies a card's proposed fix to the analyzed tree. The file path
// must resolve strictly inside the card's session root; old_text must occur
// exactly once within the fix's line range. The original file is backed up
// under a per-session directory and the new content lands via a temp file
// and rename, so a crash never leaves a half-written source file. Outcomes,
// including rejections, are recorded on the card's audit log.
func (o *Orchestrator) ApplyFix(ctx context.Context, cardID, actor string) (*FixResult, error) {
	if actor == "" {
		actor = "api"
	}
	card, err := o.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	fix := card.ProposedFix
	if fix == nil {
		return nil, fault.New(fault.KindBadRequest, "card %s carries no proposed fix", cardID)
	}
	sess, err := o.store.GetSession(ctx, card.SessionID)
	if err != nil {
		return nil, err
	}

	abs, err := resolveWithin(sess.Path, fix.FilePath)
	if err != nil {
		o.auditRejection(ctx, cardID, actor, fix.FilePath, err)
		return nil, err
	}

	src, err := os.ReadFile(abs)
	if err != nil {
		err = fault.IO(err, false, "failed to read %s", fix.FilePath)
		o.auditRejection(ctx, cardID, actor, fix.FilePath, err)
		return nil, err
	}

	patched, err := applyHunk(string(src), fix)
	if err != nil {
		o.auditRejection(ctx, cardID, actor, fix.FilePath, err)
		return nil, err
	}

	backupRef, err := o.backupOriginal(sess.ID, fix.FilePath, src)
	if err != nil {
		o.auditRejection(ctx, cardID, actor, fix.FilePath, err)
		return nil, err
	}

	if err := writeAtomic(abs, []byte(patched)); err != nil {
		o.auditRejection(ctx, cardID, actor, fix.FilePath, err)
		return nil, err
	}

	dmp := diffmatchpatch.New()
	patchText := dmp.PatchToText(dmp.PatchMake(string(src), patched))
	if _, err := o.store.AppendCardAudit(ctx, cardID, actor, models.AuditEventFixApplied, map[string]any{
		"file_path":  fix.FilePath,
		"backup_ref": backupRef,
		"patch":      patchText,
	}); err != nil {
		return nil, err
	}

	o.logger.Info("Fix applied",
		"card_id", cardID, "file_path", fix.FilePath, "backup_ref", backupRef)
	return &FixResult{CardID: cardID, FilePath: fix.FilePath, BackupRef: backupRef}, nil
}

// auditRejection records a refused or failed application on the card. The
// rejection itself must not fail the caller's error path.
func (o *Orchestrator) auditRejection(ctx context.Context, cardID, actor, filePath string, cause error) {
	_, err := o.store.AppendCardAudit(context.WithoutCancel(ctx), cardID, actor,
		models.AuditEventFixRejected, map[string]any{
			"file_path": filePath,
			"kind":      string(fault.KindOf(cause)),
			"reason":    cause.Error(),
		})
	if err != nil {
		o.logger.Error("Failed to audit fix rejection", "card_id", cardID, "error", err)
	}
	o.logger.Warn("Fix rejected",
		"card_id", cardID, "file_path", filePath,
		"kind", string(fault.KindOf(cause)), "reason", cause.Error())
}

// resolveWithin joins rel onto root and guarantees the result cannot escape
// it, whatever mix of "..", absolute paths, or separators rel carries.
func resolveWithin(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fault.New(fault.KindBadRequest, "fix has no file path")
	}
	if filepath.IsAbs(rel) {
		return "", fault.New(fault.KindPathOutOfScope, "fix path %s is absolute", rel)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fault.IO(err, false, "failed to resolve session root %s", root)
	}
	abs := filepath.Join(rootAbs, filepath.FromSlash(rel))
	inside, err := filepath.Rel(rootAbs, abs)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fault.New(fault.KindPathOutOfScope, "fix path %s escapes the analysis root", rel)
	}
	return abs, nil
}

// applyHunk replaces old_text with new_text within the fix's line range.
// The window keeps an ambiguous match elsewhere in the file from blocking
// the fix, and a repeated match inside it from silently picking one.
func applyHunk(content string, fix *models.ProposedFix) (string, error) {
	if fix.OldText == "" {
		return "", fault.New(fault.KindBadRequest, "fix has no old_text")
	}
	start, end := lineWindow(content, fix.LineRange[0], fix.LineRange[1])
	window := content[start:end]

	switch n := strings.Count(window, fix.OldText); {
	case n == 0:
		return "", fault.New(fault.KindBadRequest,
			"old_text not found within lines %d-%d", fix.LineRange[0], fix.LineRange[1])
	case n > 1:
		return "", fault.New(fault.KindMultiHunkUnsupported,
			"old_text occurs %d times within lines %d-%d; multi-hunk fixes are not supported",
			n, fix.LineRange[0], fix.LineRange[1])
	}

	idx := strings.Index(window, fix.OldText)
	replaced := window[:idx] + fix.NewText + window[idx+len(fix.OldText):]
	return content[:start] + replaced + content[end:], nil
}

// lineWindow maps a 1-based inclusive line range onto byte offsets. A zero
// range means the whole file.
func lineWindow(content string, lo, hi int) (int, int) {
	if lo == 0 && hi == 0 {
		return 0, len(content)
	}
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}

	start := 0
	line := 1
	for line < lo {
		idx := strings.IndexByte(content[start:], '\n')
		if idx < 0 {
			return len(content), len(content)
		}
		start += idx + 1
		line++
	}
	end := start
	for line <= hi {
		idx := strings.IndexByte(content[end:], '\n')
		if idx < 0 {
			return start, len(content)
		}
		end += idx + 1
		line++
	}
	return start, end
}

// backupOriginal copies the pre-fix content under the store's backup
// directory, one subdirectory per session.
func (o *Orchestrator) backupOriginal(sessionID, relPath string, content []byte) (string, error) {
	dir := filepath.Join(filepath.Dir(o.cfg.StorePath), "backups", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fault.IO(err, false, "failed to create backup directory %s", dir)
	}
	name := fmt.Sprintf("%s.%d.bak",
		strings.ReplaceAll(filepath.ToSlash(relPath), "/", "__"),
		time.Now().UTC().UnixNano())
	ref := filepath.Join(dir, name)
	if err := os.WriteFile(ref, content, 0o644); err != nil {
		return "", fault.IO(err, false, "failed to write backup %s", ref)
	}
	return ref, nil
}

// writeAtomic lands content at path via a temp file in the same directory
// and a rename, preserving the original file mode.
func writeAtomic(path string, content []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return fault.IO(err, false, "failed to stat %s", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cardinal-fix-*")
	if err != nil {
		return fault.IO(err, false, "failed to create temp file for %s", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.IO(err, false, "failed to write temp file for %s", path)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.IO(err, false, "failed to chmod temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.IO(err, false, "failed to close temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fault.IO(err, false, "failed to replace %s", path)
	}
	return nil
}
