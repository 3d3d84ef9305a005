// Package cache implements the content-addressed analysis cache. Entries are
// keyed by the sha256 of the exact bytes that were analyzed plus the scope
// and target qualifier, so a stale index can never serve results for content
// it has not seen: a changed file simply hashes to a key with no entry.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tessellate-ai/cardinal/pkg/models"
	"github.com/tessellate-ai/cardinal/pkg/store"
)

// Key addresses one cached analysis result.
type Key struct {
	// SourcePath is the project-relative path recorded for invalidation.
	SourcePath string
	// Scope is the agent scope that produced the result.
	Scope models.AgentScope
	// Qualifier narrows the scope to a single target, e.g. a function's
	// qualified name. Empty for whole-file scopes.
	Qualifier string
}

// Payload is what a hit returns: the findings exactly as parsed from the
// provider, the ids of the cards minted for them (so a hit re-attaches
// instead of duplicating), and the token cost the hit avoided.
type Payload struct {
	Findings  []models.Finding `json:"findings"`
	CardIDs   []string         `json:"card_ids,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	TokensIn  int              `json:"tokens_in"`
	TokensOut int              `json:"tokens_out"`
}

// Stats is the snapshot served by the cache stats endpoint. Hit and miss
// counters are process-local; table numbers come from the store.
type Stats struct {
	Enabled      bool       `json:"enabled"`
	Hits         int64      `json:"hits"`
	Misses       int64      `json:"misses"`
	HitRate      float64    `json:"hit_rate"`
	Entries      int64      `json:"entries"`
	PayloadBytes int64      `json:"payload_bytes"`
	PayloadSize  string     `json:"payload_size"`
	TokensSaved  int64      `json:"tokens_saved"`
	OldestEntry  *time.Time `json:"oldest_entry,omitempty"`
}

// Cache wraps the store's cache_entries table with hashing, per-key write
// serialization, and hit accounting.
type Cache struct {
	store   *store.Store
	logger  *slog.Logger
	enabled bool

	hits   atomic.Int64
	misses atomic.Int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a cache. When enabled is false every lookup misses and every
// store is a no-op, which forces fresh provider calls without touching any
// call site.
func New(s *store.Store, enabled bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   s,
		logger:  logger.With("component", "cache"),
		enabled: enabled,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Enabled reports whether the cache participates in lookups.
func (c *Cache) Enabled() bool { return c.enabled }

// HashBytes returns the hex sha256 of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (k Key) lockName(hash string) string {
	return hash + "|" + string(k.Scope) + "|" + k.Qualifier
}

func (c *Cache) keyLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[name]
	if !ok {
		m = &sync.Mutex{}
		c.locks[name] = m
	}
	return m
}

// Lookup hashes the content the caller is about to analyze and returns the
// cached payload for it, if any. Decode failures evict the entry and count
// as misses; lookups never fail the analysis.
func (c *Cache) Lookup(ctx context.Context, key Key, content []byte) (*Payload, bool) {
	if !c.enabled {
		c.misses.Add(1)
		return nil, false
	}
	hash := HashBytes(content)

	entry, err := c.store.GetCacheEntry(ctx, hash, string(key.Scope), key.Qualifier)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	var payload Payload
	if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
		c.logger.Warn("Evicting undecodable cache entry",
			"source_path", key.SourcePath, "scope", key.Scope, "error", err)
		if _, delErr := c.store.DeleteCacheEntriesByPath(ctx, entry.SourcePath); delErr != nil {
			c.logger.Error("Failed to evict cache entry", "error", delErr)
		}
		c.misses.Add(1)
		return nil, false
	}

	if err := c.store.TouchCacheEntry(ctx, hash, string(key.Scope), key.Qualifier, time.Now().UTC()); err != nil {
		c.logger.Warn("Failed to touch cache entry", "error", err)
	}
	c.hits.Add(1)
	return &payload, true
}

// Store records the payload under the hash of the analyzed content. Writers
// for the same key are serialized so concurrent agents cannot interleave a
// partial overwrite.
func (c *Cache) Store(ctx context.Context, key Key, content []byte, payload *Payload) error {
	if !c.enabled {
		return nil
	}
	if payload == nil {
		return fmt.Errorf("cache payload is required")
	}
	hash := HashBytes(content)

	lock := c.keyLock(key.lockName(hash))
	lock.Lock()
	defer lock.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode cache payload: %w", err)
	}
	now := time.Now().UTC()
	return c.store.PutCacheEntry(ctx, &store.CacheEntry{
		FileHash:        hash,
		Scope:           string(key.Scope),
		TargetQualifier: key.Qualifier,
		SourcePath:      key.SourcePath,
		Payload:         string(raw),
		TokensUsed:      payload.TokensIn + payload.TokensOut,
		CreatedAt:       now,
		LastAccess:      now,
		AccessCount:     1,
	})
}

// PayloadsForPath decodes every payload recorded for a source path, newest
// first, regardless of content hash. Incremental analysis reads these before
// invalidating a changed file, to learn which cards earlier runs attached to
// it. Undecodable payloads are skipped.
func (c *Cache) PayloadsForPath(ctx context.Context, sourcePath string) ([]*Payload, error) {
	entries, err := c.store.ListCacheEntriesByPath(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	out := make([]*Payload, 0, len(entries))
	for _, entry := range entries {
		var payload Payload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			c.logger.Warn("Skipping undecodable cache payload",
				"source_path", sourcePath, "scope", entry.Scope, "error", err)
			continue
		}
		out = append(out, &payload)
	}
	return out, nil
}

// InvalidateFile drops every entry recorded for a source path, across all
// hashes and scopes.
func (c *Cache) InvalidateFile(ctx context.Context, sourcePath string) (int64, error) {
	n, err := c.store.DeleteCacheEntriesByPath(ctx, sourcePath)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("Invalidated cache entries", "source_path", sourcePath, "entries", n)
	}
	return n, nil
}

// PruneOlderThan removes entries not accessed within maxAge.
func (c *Cache) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	n, err := c.store.PruneCacheEntries(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("Pruned cache entries", "entries", n, "max_age", maxAge.String())
	}
	return n, nil
}

// Stats assembles the hit counters and table statistics.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	table, err := c.store.CacheStats(ctx)
	if err != nil {
		return nil, err
	}
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := &Stats{
		Enabled:      c.enabled,
		Hits:         hits,
		Misses:       misses,
		Entries:      table.Entries,
		PayloadBytes: table.PayloadBytes,
		PayloadSize:  humanize.Bytes(uint64(table.PayloadBytes)),
		TokensSaved:  table.TokensSaved,
		OldestEntry:  table.OldestEntry,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

// Counters returns the process-local hit and miss totals.
func (c *Cache) Counters() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
