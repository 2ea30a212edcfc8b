// ABOUTME: Typed access to the pending-mutation sync queue collection
// ABOUTME: Entries record action, entity, payload, and retry bookkeeping

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Entry is one queued mutation awaiting delivery to the remote server.
// IDs are assigned on Add and only ever grow; CreatedAt orders the drain.
type Entry struct {
	ID          int64           `json:"id,omitempty"`
	Action      string          `json:"action"`
	Entity      string          `json:"entity"`
	Data        json.RawMessage `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	Attempts    int             `json:"attempts"`
	LastAttempt *time.Time      `json:"lastAttempt,omitempty"`
}

// QueueStore provides typed operations on the syncQueue collection.
type QueueStore struct {
	store Store
}

// NewQueueStore creates a queue store backed by the given store.
func NewQueueStore(s Store) *QueueStore {
	return &QueueStore{store: s}
}

// Add appends a mutation to the queue and returns its assigned ID.
// CreatedAt is stamped here; Attempts starts at zero.
func (q *QueueStore) Add(ctx context.Context, action, entity string, data json.RawMessage) (int64, error) {
	entry := Entry{
		Action:    action,
		Entity:    entity,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	record, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encoding queue entry: %w", err)
	}

	key, err := q.store.Put(ctx, CollectionSyncQueue, record)
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing assigned queue key %q: %w", key, err)
	}
	return id, nil
}

// Pending returns all queued entries in creation order (ID breaks ties).
func (q *QueueStore) Pending(ctx context.Context) ([]*Entry, error) {
	records, err := q.store.GetAll(ctx, CollectionSyncQueue)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(records))
	for _, record := range records {
		var entry Entry
		if err := json.Unmarshal(record, &entry); err != nil {
			return nil, fmt.Errorf("decoding queue entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// MarkAttempted increments the entry's attempt count and stamps the
// attempt time. Marking a missing entry is a no-op.
func (q *QueueStore) MarkAttempted(ctx context.Context, id int64) error {
	key := strconv.FormatInt(id, 10)
	record, err := q.store.Get(ctx, CollectionSyncQueue, key)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(record, &entry); err != nil {
		return fmt.Errorf("decoding queue entry %d: %w", id, err)
	}

	now := time.Now().UTC()
	entry.Attempts++
	entry.LastAttempt = &now

	updated, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding queue entry %d: %w", id, err)
	}
	_, err = q.store.Put(ctx, CollectionSyncQueue, updated)
	return err
}

// Remove deletes a delivered entry from the queue.
func (q *QueueStore) Remove(ctx context.Context, id int64) error {
	return q.store.Delete(ctx, CollectionSyncQueue, strconv.FormatInt(id, 10))
}

// Clear drops every queued entry.
func (q *QueueStore) Clear(ctx context.Context) error {
	return q.store.Clear(ctx, CollectionSyncQueue)
}

// Count returns the number of queued entries.
func (q *QueueStore) Count(ctx context.Context) (int, error) {
	return q.store.Count(ctx, CollectionSyncQueue)
}
