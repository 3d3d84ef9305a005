// Package vcs reads repository state through the git CLI. Queries only, no
// mutations; every call runs under the VCS timeout.
package vcs

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
)

// emptyTree is git's well-known empty tree object, the diff base for a root
// commit with no parent.
const emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Rename is one detected rename between the base ref and HEAD.
type Rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Changes partitions the files that differ between a base ref and HEAD.
type Changes struct {
	Modified []string `json:"modified"`
	Added    []string `json:"added"`
	Deleted  []string `json:"deleted"`
	Renamed  []Rename `json:"renamed"`
}

// Flatten folds renames into the plain sets: the old path counts as deleted
// and the new one as added.
func (c *Changes) Flatten() (modified, added, deleted []string) {
	modified = append([]string(nil), c.Modified...)
	added = append([]string(nil), c.Added...)
	deleted = append([]string(nil), c.Deleted...)
	for _, r := range c.Renamed {
		deleted = append(deleted, r.From)
		added = append(added, r.To)
	}
	return modified, added, deleted
}

// Adapter is the VCS surface the orchestrator depends on; tests fake it.
type Adapter interface {
	IsRepo(ctx context.Context, dir string) bool
	CurrentCommit(ctx context.Context, dir string) (string, error)
	CurrentBranch(ctx context.Context, dir string) (string, error)
	HeadParent(ctx context.Context, dir string) (string, error)
	ChangedFiles(ctx context.Context, dir, baseRef string) (*Changes, error)
}

// Git implements Adapter over the git executable.
type Git struct {
	logger  *slog.Logger
	timeout time.Duration
}

func NewGit(logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{
		logger:  logger.With("component", "vcs"),
		timeout: config.VCSTimeout,
	}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fault.Wrap(fault.KindTimeout, ctx.Err(), "git %s timed out", args[0])
		}
		return "", fault.IO(err, false, "git %s failed: %s", args[0], strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepo reports whether dir is inside a git working tree.
func (g *Git) IsRepo(ctx context.Context, dir string) bool {
	out, err := g.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func (g *Git) CurrentCommit(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "HEAD")
}

func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "branch", "--show-current")
}

// HeadParent resolves HEAD's first parent. A root commit has none, so the
// empty tree stands in and the whole history diffs as added.
func (g *Git) HeadParent(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "HEAD^")
	if err != nil {
		g.logger.Debug("HEAD has no parent, using empty tree as base", "dir", dir)
		return emptyTree, nil
	}
	return out, nil
}

// ChangedFiles diffs baseRef against HEAD with rename detection.
func (g *Git) ChangedFiles(ctx context.Context, dir, baseRef string) (*Changes, error) {
	out, err := g.run(ctx, dir, "diff", "--name-status", "-M", baseRef, "HEAD")
	if err != nil {
		return nil, err
	}
	return parseNameStatus(out), nil
}

// parseNameStatus reads `git diff --name-status -M` output. Typechanges
// count as modified, copies as added; unmerged and unknown statuses are
// skipped.
func parseNameStatus(out string) *Changes {
	ch := &Changes{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		switch {
		case strings.HasPrefix(status, "R"):
			if len(fields) >= 3 {
				ch.Renamed = append(ch.Renamed, Rename{From: fields[1], To: fields[2]})
			}
		case strings.HasPrefix(status, "C"):
			if len(fields) >= 3 {
				ch.Added = append(ch.Added, fields[2])
			}
		case status == "A":
			ch.Added = append(ch.Added, fields[1])
		case status == "D":
			ch.Deleted = append(ch.Deleted, fields[1])
		case status == "M", status == "T":
			ch.Modified = append(ch.Modified, fields[1])
		}
	}
	return ch
}
