package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheEntry is one row of the content-addressed result cache. Payload is
// opaque JSON owned by pkg/cache.
type CacheEntry struct {
	FileHash        string    `db:"file_hash"`
	Scope           string    `db:"scope"`
	TargetQualifier string    `db:"target_qualifier"`
	SourcePath      string    `db:"source_path"`
	Payload         string    `db:"payload"`
	TokensUsed      int       `db:"tokens_used"`
	CreatedAt       time.Time `db:"created_at"`
	LastAccess      time.Time `db:"last_access"`
	AccessCount     int       `db:"access_count"`
}

// CacheTableStats summarizes the cache_entries table.
type CacheTableStats struct {
	Entries      int64      `db:"entries"`
	PayloadBytes int64      `db:"payload_bytes"`
	TokensSaved  int64      `db:"tokens_saved"`
	OldestEntry  *time.Time `db:"-"`
}

const cacheColumns = `file_hash, scope, target_qualifier, source_path, payload,
	tokens_used, created_at, last_access, access_count`

const upsertCacheSQL = `
INSERT INTO cache_entries (file_hash, scope, target_qualifier, source_path, payload,
	tokens_used, created_at, last_access, access_count)
VALUES (:file_hash, :scope, :target_qualifier, :source_path, :payload,
	:tokens_used, :created_at, :last_access, :access_count)
ON CONFLICT(file_hash, scope, target_qualifier) DO UPDATE SET
	source_path = excluded.source_path, payload = excluded.payload,
	tokens_used = excluded.tokens_used, last_access = excluded.last_access`

// GetCacheEntry fetches one entry by its composite key.
func (s *Store) GetCacheEntry(ctx context.Context, fileHash, scope, qualifier string) (*CacheEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var entry CacheEntry
	err := s.db.GetContext(ctx, &entry,
		"SELECT "+cacheColumns+` FROM cache_entries
		 WHERE file_hash = ? AND scope = ? AND target_qualifier = ?`,
		fileHash, scope, qualifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entry: %w", err)
	}
	return &entry, nil
}

// PutCacheEntry inserts or replaces an entry.
func (s *Store) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	if entry == nil || entry.FileHash == "" {
		return NewValidationError("file_hash", "cache entry hash is required")
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.NamedExecContext(ctx, upsertCacheSQL, entry); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// TouchCacheEntry bumps last_access and access_count after a hit.
func (s *Store) TouchCacheEntry(ctx context.Context, fileHash, scope, qualifier string, at time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_access = ?, access_count = access_count + 1
		 WHERE file_hash = ? AND scope = ? AND target_qualifier = ?`,
		at, fileHash, scope, qualifier)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// ListCacheEntriesByPath returns every entry recorded for a source path,
// newest first. Incremental analysis uses it to find the cards a prior run
// attached to a file before the file's hash changed.
func (s *Store) ListCacheEntriesByPath(ctx context.Context, sourcePath string) ([]*CacheEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rows []CacheEntry
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+cacheColumns+` FROM cache_entries
		 WHERE source_path = ? ORDER BY created_at DESC`, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries for %s: %w", sourcePath, err)
	}
	out := make([]*CacheEntry, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// DeleteCacheEntriesByPath drops every entry recorded for a source path,
// regardless of hash. Used when a file changes or disappears.
func (s *Store) DeleteCacheEntriesByPath(ctx context.Context, sourcePath string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE source_path = ?", sourcePath)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache for %s: %w", sourcePath, err)
	}
	return res.RowsAffected()
}

// PruneCacheEntries removes entries whose last access predates the cutoff.
func (s *Store) PruneCacheEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE last_access < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache entries: %w", err)
	}
	return res.RowsAffected()
}

// CacheStats reports table-level cache statistics.
func (s *Store) CacheStats(ctx context.Context) (*CacheTableStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var stats CacheTableStats
	err := s.db.GetContext(ctx, &stats,
		`SELECT COUNT(*) AS entries,
		        COALESCE(SUM(LENGTH(payload)), 0) AS payload_bytes,
		        COALESCE(SUM(tokens_used * (access_count - 1)), 0) AS tokens_saved
		 FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}

	// Selected directly rather than via MIN() so the driver still sees the
	// column's declared type and converts to time.Time.
	var oldest time.Time
	err = s.db.GetContext(ctx, &oldest,
		"SELECT created_at FROM cache_entries ORDER BY created_at ASC LIMIT 1")
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read oldest cache entry: %w", err)
	default:
		stats.OldestEntry = &oldest
	}
	return &stats, nil
}
