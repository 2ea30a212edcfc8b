// ABOUTME: TTL cache layered on a store collection, keyed by record age
// ABOUTME: Freshness is judged per read; staleness policy stays with the caller

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiger900/tripsync/internal/store"
)

// fetchedAtField is stamped into every cached record on Put and read back
// to judge freshness.
const fetchedAtField = "fetchedAt"

// Cache is a TTL layer over one store collection. Expiry is evaluated at
// read time against the caller's max age, so different readers can apply
// different freshness windows to the same data. Expired records are not
// deleted on read; SweepExpired does that explicitly.
type Cache struct {
	store      store.Store
	collection string
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a cache over the given collection. Pass nil logger for default.
func New(s store.Store, collection string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:      s,
		collection: collection,
		logger:     logger.With("component", "cache", "collection", collection),
		now:        time.Now,
	}
}

// Put stamps the record with the current fetch time and stores it,
// returning the record's key.
func (c *Cache) Put(ctx context.Context, record store.Record) (string, error) {
	stamped, err := setField(record, fetchedAtField, c.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("stamping record: %w", err)
	}
	return c.store.Put(ctx, c.collection, stamped)
}

// Get returns the record for key if it was fetched within maxAge.
// A missing or expired record is a miss, not an error.
func (c *Cache) Get(ctx context.Context, key string, maxAge time.Duration) (store.Record, bool, error) {
	record, age, err := c.lookup(ctx, key)
	if err != nil || record == nil {
		return nil, false, err
	}
	if age > maxAge {
		c.logger.Debug("cache entry expired", "key", key, "age", age, "max_age", maxAge)
		return nil, false, nil
	}
	return record, true, nil
}

// GetStale returns the record for key regardless of age, along with how
// old it is. Callers use it to degrade gracefully when a fresh fetch is
// impossible.
func (c *Cache) GetStale(ctx context.Context, key string) (store.Record, time.Duration, error) {
	return c.lookup(ctx, key)
}

// SweepExpired deletes every record older than maxAge and returns how many
// were removed.
func (c *Cache) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	records, err := c.store.GetAll(ctx, c.collection)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, record := range records {
		key, fetchedAt, err := keyAndFetchedAt(record, c.keyPath())
		if err != nil {
			// Unstamped or malformed entries are unusable as cache hits
			c.logger.Warn("removing unreadable cache entry", "error", err)
			if key != "" {
				if err := c.store.Delete(ctx, c.collection, key); err != nil {
					return removed, err
				}
				removed++
			}
			continue
		}

		if c.now().Sub(fetchedAt) > maxAge {
			if err := c.store.Delete(ctx, c.collection, key); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("swept expired cache entries", "removed", removed)
	}
	return removed, nil
}

func (c *Cache) lookup(ctx context.Context, key string) (store.Record, time.Duration, error) {
	record, err := c.store.Get(ctx, c.collection, key)
	if err != nil || record == nil {
		return nil, 0, err
	}

	_, fetchedAt, err := keyAndFetchedAt(record, c.keyPath())
	if err != nil {
		return nil, 0, nil
	}
	return record, c.now().Sub(fetchedAt), nil
}

func (c *Cache) keyPath() string {
	for _, col := range store.Schema() {
		if col.Name == c.collection {
			return col.KeyPath
		}
	}
	return "id"
}

func setField(record store.Record, field, value string) (store.Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields[field] = encoded
	return json.Marshal(fields)
}

func keyAndFetchedAt(record store.Record, keyPath string) (string, time.Time, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return "", time.Time{}, err
	}

	var key string
	if raw, ok := fields[keyPath]; ok {
		_ = json.Unmarshal(raw, &key)
	}

	raw, ok := fields[fetchedAtField]
	if !ok {
		return key, time.Time{}, fmt.Errorf("record has no %s field", fetchedAtField)
	}
	var stamp string
	if err := json.Unmarshal(raw, &stamp); err != nil {
		return key, time.Time{}, err
	}
	fetchedAt, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return key, time.Time{}, fmt.Errorf("parsing %s: %w", fetchedAtField, err)
	}
	return key, fetchedAt, nil
}
