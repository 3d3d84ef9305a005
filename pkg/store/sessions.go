package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

// sessionRow mirrors the analysis_sessions table.
type sessionRow struct {
	ID            string       `db:"id"`
	Path          string       `db:"path"`
	Mode          string       `db:"mode"`
	Status        string       `db:"status"`
	BaseReference string       `db:"base_reference"`
	CurrentCommit string       `db:"current_commit"`
	CurrentBranch string       `db:"current_branch"`
	FilesAnalyzed string       `db:"files_analyzed"`
	FilesSkipped  string       `db:"files_skipped"`
	ModuleCount   int          `db:"module_count"`
	FunctionCount int          `db:"function_count"`
	CacheHits     int          `db:"cache_hits"`
	CacheMisses   int          `db:"cache_misses"`
	Errors        string       `db:"errors"`
	StartedAt     time.Time    `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

func sessionToRow(sess *models.AnalysisSession) (*sessionRow, error) {
	filesAnalyzed, err := json.Marshal(sess.FilesAnalyzed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode files_analyzed: %w", err)
	}
	filesSkipped, err := json.Marshal(sess.FilesSkipped)
	if err != nil {
		return nil, fmt.Errorf("failed to encode files_skipped: %w", err)
	}
	errs, err := json.Marshal(sess.Errors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode errors: %w", err)
	}
	row := &sessionRow{
		ID:            sess.ID,
		Path:          sess.Path,
		Mode:          string(sess.Mode),
		Status:        string(sess.Status),
		BaseReference: sess.BaseReference,
		CurrentCommit: sess.CurrentCommit,
		CurrentBranch: sess.CurrentBranch,
		FilesAnalyzed: string(filesAnalyzed),
		FilesSkipped:  string(filesSkipped),
		ModuleCount:   sess.ModuleCount,
		FunctionCount: sess.FunctionCount,
		CacheHits:     sess.CacheHits,
		CacheMisses:   sess.CacheMisses,
		Errors:        string(errs),
		StartedAt:     sess.StartedAt,
	}
	if sess.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *sess.CompletedAt, Valid: true}
	}
	return row, nil
}

func (r *sessionRow) toModel() (*models.AnalysisSession, error) {
	sess := &models.AnalysisSession{
		ID:            r.ID,
		Path:          r.Path,
		Mode:          models.AnalysisMode(r.Mode),
		Status:        models.SessionStatus(r.Status),
		BaseReference: r.BaseReference,
		CurrentCommit: r.CurrentCommit,
		CurrentBranch: r.CurrentBranch,
		ModuleCount:   r.ModuleCount,
		FunctionCount: r.FunctionCount,
		CacheHits:     r.CacheHits,
		CacheMisses:   r.CacheMisses,
		StartedAt:     r.StartedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		sess.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(r.FilesAnalyzed), &sess.FilesAnalyzed); err != nil {
		return nil, fmt.Errorf("failed to decode files_analyzed for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.FilesSkipped), &sess.FilesSkipped); err != nil {
		return nil, fmt.Errorf("failed to decode files_skipped for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Errors), &sess.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors for %s: %w", r.ID, err)
	}
	return sess, nil
}

const sessionColumns = `id, path, mode, status, base_reference, current_commit, current_branch,
	files_analyzed, files_skipped, module_count, function_count, cache_hits, cache_misses,
	errors, started_at, completed_at`

const insertSessionSQL = `
INSERT INTO analysis_sessions (id, path, mode, status, base_reference, current_commit,
	current_branch, files_analyzed, files_skipped, module_count, function_count,
	cache_hits, cache_misses, errors, started_at, completed_at)
VALUES (:id, :path, :mode, :status, :base_reference, :current_commit,
	:current_branch, :files_analyzed, :files_skipped, :module_count, :function_count,
	:cache_hits, :cache_misses, :errors, :started_at, :completed_at)`

const updateSessionSQL = `
UPDATE analysis_sessions SET
	status = :status, base_reference = :base_reference, current_commit = :current_commit,
	current_branch = :current_branch, files_analyzed = :files_analyzed,
	files_skipped = :files_skipped, module_count = :module_count,
	function_count = :function_count, cache_hits = :cache_hits,
	cache_misses = :cache_misses, errors = :errors, completed_at = :completed_at
WHERE id = :id`

// CreateSession persists a new running session, assigning its id when the
// caller left it empty.
func (s *Store) CreateSession(ctx context.Context, sess *models.AnalysisSession) error {
	if sess == nil {
		return NewValidationError("session", "session is required")
	}
	if sess.Path == "" {
		return NewValidationError("path", "session path is required")
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusRunning
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row, err := sessionToRow(sess)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertSessionSQL, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("session %s: %w", sess.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	return nil
}

// UpdateSession rewrites the mutable fields of a session row. Completed
// sessions are immutable.
func (s *Store) UpdateSession(ctx context.Context, sess *models.AnalysisSession) error {
	if sess == nil || sess.ID == "" {
		return NewValidationError("id", "session id is required")
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	current, err := s.getSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if current.CompletedAt != nil {
		return NewValidationError("completed_at", "session is already completed")
	}

	row, err := sessionToRow(sess)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, updateSessionSQL, row); err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) getSession(ctx context.Context, id string) (*models.AnalysisSession, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+sessionColumns+" FROM analysis_sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return row.toModel()
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.AnalysisSession, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.getSession(ctx, id)
}

// ListSessions returns sessions matching the filters, newest first.
func (s *Store) ListSessions(ctx context.Context, filters *models.SessionFilters) (*models.SessionListResponse, error) {
	if filters == nil {
		filters = &models.SessionFilters{}
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var where []string
	var args []any
	if filters.Path != "" {
		where = append(where, "path = ?")
		args = append(args, filters.Path)
	}
	if filters.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, filters.Mode)
	}
	if filters.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filters.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM analysis_sessions"+clause, args...); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit, offset := normalizePage(filters.Limit, filters.Offset)
	var rows []sessionRow
	query := "SELECT " + sessionColumns + " FROM analysis_sessions" + clause +
		" ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*models.AnalysisSession, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// LatestCompletedSession returns the most recent completed-ish session for a
// path, used to resolve the incremental base reference. Returns ErrNotFound
// when the path has never completed a run.
func (s *Store) LatestCompletedSession(ctx context.Context, path string) (*models.AnalysisSession, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+sessionColumns+` FROM analysis_sessions
		 WHERE path = ? AND completed_at IS NOT NULL AND current_commit != ''
		 ORDER BY completed_at DESC LIMIT 1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no completed session for %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest session for %s: %w", path, err)
	}
	return row.toModel()
}
