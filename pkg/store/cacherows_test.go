package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheEntryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &CacheEntry{
		FileHash:        "ab12",
		Scope:           "Function",
		TargetQualifier: "Add",
		SourcePath:      "pkg/calc/calc.go",
		Payload:         `{"findings":[]}`,
		TokensUsed:      321,
		CreatedAt:       now,
		LastAccess:      now,
		AccessCount:     1,
	}
	require.NoError(t, s.PutCacheEntry(ctx, entry))

	got, err := s.GetCacheEntry(ctx, "ab12", "Function", "Add")
	require.NoError(t, err)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, 321, got.TokensUsed)
	assert.Equal(t, 1, got.AccessCount)

	_, err = s.GetCacheEntry(ctx, "zz99", "Function", "Add")
	assert.ErrorIs(t, err, ErrNotFound)

	// Same key upserts rather than failing.
	entry.Payload = `{"findings":[{"title":"x"}]}`
	require.NoError(t, s.PutCacheEntry(ctx, entry))
	got, err = s.GetCacheEntry(ctx, "ab12", "Function", "Add")
	require.NoError(t, err)
	assert.Contains(t, got.Payload, `"title":"x"`)
}

func TestTouchCacheEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.PutCacheEntry(ctx, &CacheEntry{
		FileHash: "ab12", Scope: "Function", TargetQualifier: "Add",
		SourcePath: "pkg/calc/calc.go", Payload: "{}",
		CreatedAt: created, LastAccess: created, AccessCount: 1,
	}))

	touch := time.Now().UTC()
	require.NoError(t, s.TouchCacheEntry(ctx, "ab12", "Function", "Add", touch))

	got, err := s.GetCacheEntry(ctx, "ab12", "Function", "Add")
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.WithinDuration(t, touch, got.LastAccess, time.Second)
}

func TestCacheInvalidationAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	put := func(hash, path string, lastAccess time.Time) {
		require.NoError(t, s.PutCacheEntry(ctx, &CacheEntry{
			FileHash: hash, Scope: "Function", TargetQualifier: "F",
			SourcePath: path, Payload: "{}",
			CreatedAt: lastAccess, LastAccess: lastAccess, AccessCount: 1,
		}))
	}
	put("h1", "pkg/a.go", now)
	put("h2", "pkg/a.go", now) // older hash of the same file
	put("h3", "pkg/b.go", now.Add(-48*time.Hour))

	n, err := s.DeleteCacheEntriesByPath(ctx, "pkg/a.go")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.PruneCacheEntries(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := s.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries)
	assert.Nil(t, stats.OldestEntry)
}

func TestCacheStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	oldT := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, s.PutCacheEntry(ctx, &CacheEntry{
		FileHash: "h1", Scope: "Function", TargetQualifier: "F",
		SourcePath: "pkg/a.go", Payload: `{"k":1}`, TokensUsed: 100,
		CreatedAt: oldT, LastAccess: oldT, AccessCount: 3,
	}))
	require.NoError(t, s.PutCacheEntry(ctx, &CacheEntry{
		FileHash: "h2", Scope: "Module", TargetQualifier: "",
		SourcePath: "pkg/a.go", Payload: `{}`, TokensUsed: 50,
		CreatedAt: time.Now().UTC(), LastAccess: time.Now().UTC(), AccessCount: 1,
	}))

	stats, err := s.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(len(`{"k":1}`)+len(`{}`)), stats.PayloadBytes)
	// Tokens saved counts repeat accesses only: 100*(3-1) + 50*(1-1).
	assert.Equal(t, int64(200), stats.TokensSaved)
	require.NotNil(t, stats.OldestEntry)
	assert.WithinDuration(t, oldT, *stats.OldestEntry, time.Second)
}

func TestListCacheEntriesByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	require.NoError(t, s.PutCacheEntry(ctx, &CacheEntry{
		FileHash: "h1", Scope: "Function", TargetQualifier: "Add",
		SourcePath: "pkg/calc/calc.go", Payload: `{"card_ids":["PRJ-2026-REV-0001"]}`,
		CreatedAt: older, LastAccess: older, AccessCount: 1,
	}))
	require.NoError(t, s.PutCacheEntry(ctx, &CacheEntry{
		FileHash: "h2", Scope: "Function", TargetQualifier: "Div",
		SourcePath: "pkg/calc/calc.go", Payload: `{"card_ids":["PRJ-2026-REV-0002"]}`,
		CreatedAt: newer, LastAccess: newer, AccessCount: 1,
	}))
	require.NoError(t, s.PutCacheEntry(ctx, &CacheEntry{
		FileHash: "h3", Scope: "Function", TargetQualifier: "Sum",
		SourcePath: "pkg/other/other.go", Payload: `{}`,
		CreatedAt: newer, LastAccess: newer, AccessCount: 1,
	}))

	entries, err := s.ListCacheEntriesByPath(ctx, "pkg/calc/calc.go")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "h2", entries[0].FileHash)
	assert.Equal(t, "h1", entries[1].FileHash)

	entries, err = s.ListCacheEntriesByPath(ctx, "pkg/missing.go")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
