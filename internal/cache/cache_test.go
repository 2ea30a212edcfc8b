// ABOUTME: Tests for the TTL cache over a store collection
// ABOUTME: Covers freshness windows, stale reads, and sweeping

package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiger900/tripsync/internal/store"
)

func setupTestCache(t *testing.T) *Cache {
	t.Helper()
	s := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	t.Cleanup(func() { s.Close() })
	return New(s, store.CollectionWeather, nil)
}

// advance shifts the cache's clock forward without sleeping.
func advance(c *Cache, d time.Duration) {
	base := c.now()
	c.now = func() time.Time { return base.Add(d) }
}

func TestCache_FreshHit(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	key, err := c.Put(ctx, store.Record(`{"locationDate":"florianopolis-2026-01-20","tempMax":29}`))
	require.NoError(t, err)
	assert.Equal(t, "florianopolis-2026-01-20", key)

	record, ok, err := c.Get(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, record)
}

func TestCache_ExpiredIsMiss(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	key, err := c.Put(ctx, store.Record(`{"locationDate":"urubici-2026-01-22","tempMax":18}`))
	require.NoError(t, err)

	advance(c, 4*time.Hour)

	record, ok, err := c.Get(ctx, key, 3*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, record)
}

func TestCache_MissingIsMiss(t *testing.T) {
	c := setupTestCache(t)

	record, ok, err := c.Get(context.Background(), "nope", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, record)
}

func TestCache_PerReaderFreshness(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	key, err := c.Put(ctx, store.Record(`{"locationDate":"gramado-2026-01-25","tempMax":22}`))
	require.NoError(t, err)

	advance(c, 30*time.Minute)

	// Same entry, different freshness windows
	_, ok, err := c.Get(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = c.Get(ctx, key, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_GetStale(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	key, err := c.Put(ctx, store.Record(`{"locationDate":"bento-2026-01-27","tempMax":26}`))
	require.NoError(t, err)

	advance(c, 6*time.Hour)

	record, age, err := c.GetStale(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.GreaterOrEqual(t, age, 6*time.Hour)
}

func TestCache_ExpiredStaysUntilSwept(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	key, err := c.Put(ctx, store.Record(`{"locationDate":"torres-2026-01-29","tempMax":31}`))
	require.NoError(t, err)

	advance(c, 48*time.Hour)

	// Expired for Get, but still readable via GetStale
	_, ok, err := c.Get(ctx, key, 3*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	record, _, err := c.GetStale(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, record)
}

func TestCache_SweepExpired(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	_, err := c.Put(ctx, store.Record(`{"locationDate":"old-entry"}`))
	require.NoError(t, err)

	advance(c, 48*time.Hour)

	fresh, err := c.Put(ctx, store.Record(`{"locationDate":"fresh-entry"}`))
	require.NoError(t, err)

	removed, err := c.SweepExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The fresh entry survives
	_, ok, err := c.Get(ctx, fresh, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// The old entry is gone even for stale reads
	record, _, err := c.GetStale(ctx, "old-entry")
	require.NoError(t, err)
	assert.Nil(t, record)
}
