// ABOUTME: Tests for the SQLite collection store
// ABOUTME: Covers CRUD, indexes, auto-increment keys, and reopen behavior

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet_Roundtrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	record := Record(`{"id":"p1","dayId":"day-3","caption":"serra do rio do rastro"}`)
	key, err := s.Put(ctx, CollectionPhotos, record)
	require.NoError(t, err)
	assert.Equal(t, "p1", key)

	got, err := s.Get(ctx, CollectionPhotos, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(got, &fields))
	assert.Equal(t, "day-3", fields["dayId"])
}

func TestGet_Missing(t *testing.T) {
	s := setupTestStore(t)

	got, err := s.Get(context.Background(), CollectionPhotos, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPut_Overwrite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, CollectionPhotos, Record(`{"id":"p1","caption":"before"}`))
	require.NoError(t, err)
	_, err = s.Put(ctx, CollectionPhotos, Record(`{"id":"p1","caption":"after"}`))
	require.NoError(t, err)

	count, err := s.Count(ctx, CollectionPhotos)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := s.Get(ctx, CollectionPhotos, "p1")
	require.NoError(t, err)

	var photo Photo
	require.NoError(t, json.Unmarshal(got, &photo))
	assert.Equal(t, "after", photo.Caption)
}

func TestPut_UnknownCollection(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Put(context.Background(), "nonsense", Record(`{"id":"x"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestPut_MissingKey(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Put(context.Background(), CollectionPhotos, Record(`{"caption":"no id"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestGetAll(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, CollectionRoutes, Record(`{"id":"`+id+`","dayId":"day-1"}`))
		require.NoError(t, err)
	}

	records, err := s.GetAll(ctx, CollectionRoutes)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestGetByIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, CollectionPhotos, Record(`{"id":"p1","dayId":"day-1","synced":false}`))
	require.NoError(t, err)
	_, err = s.Put(ctx, CollectionPhotos, Record(`{"id":"p2","dayId":"day-1","synced":true}`))
	require.NoError(t, err)
	_, err = s.Put(ctx, CollectionPhotos, Record(`{"id":"p3","dayId":"day-2","synced":false}`))
	require.NoError(t, err)

	byDay, err := s.GetByIndex(ctx, CollectionPhotos, "dayId", "day-1")
	require.NoError(t, err)
	assert.Len(t, byDay, 2)

	unsynced, err := s.GetByIndex(ctx, CollectionPhotos, "synced", false)
	require.NoError(t, err)
	assert.Len(t, unsynced, 2)
}

func TestGetByIndex_UnknownIndex(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetByIndex(context.Background(), CollectionPhotos, "caption", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownIndex)
}

func TestDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, CollectionPhotos, Record(`{"id":"p1"}`))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, CollectionPhotos, "p1"))

	got, err := s.Get(ctx, CollectionPhotos, "p1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// deleting again is not an error
	require.NoError(t, s.Delete(ctx, CollectionPhotos, "p1"))
}

func TestClear(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, CollectionPhotos, Record(`{"id":"p1"}`))
	require.NoError(t, err)
	_, err = s.Put(ctx, CollectionPhotos, Record(`{"id":"p2"}`))
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, CollectionPhotos))

	count, err := s.Count(ctx, CollectionPhotos)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAutoIncrement_AssignsGrowingKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	k1, err := s.Put(ctx, CollectionSyncQueue, Record(`{"action":"upload","entity":"photo"}`))
	require.NoError(t, err)
	k2, err := s.Put(ctx, CollectionSyncQueue, Record(`{"action":"delete","entity":"photo"}`))
	require.NoError(t, err)

	assert.Equal(t, "1", k1)
	assert.Equal(t, "2", k2)

	// the assigned key is written back into the stored record
	got, err := s.Get(ctx, CollectionSyncQueue, k2)
	require.NoError(t, err)

	var entry Entry
	require.NoError(t, json.Unmarshal(got, &entry))
	assert.Equal(t, int64(2), entry.ID)
	assert.Equal(t, "delete", entry.Action)
}

func TestAutoIncrement_KeysNotReusedAfterDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	k1, err := s.Put(ctx, CollectionSyncQueue, Record(`{"action":"upload","entity":"photo"}`))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, CollectionSyncQueue, k1))

	k2, err := s.Put(ctx, CollectionSyncQueue, Record(`{"action":"upload","entity":"photo"}`))
	require.NoError(t, err)
	assert.Greater(t, k2, k1)
}

func TestReopen_SchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trip.db")
	ctx := context.Background()

	s1 := NewSQLiteStore(path, nil)
	_, err := s1.Put(ctx, CollectionPhotos, Record(`{"id":"p1","dayId":"day-1"}`))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Opening the same database again re-runs schema init; existing
	// records must survive untouched.
	s2 := NewSQLiteStore(path, nil)
	defer s2.Close()

	got, err := s2.Get(ctx, CollectionPhotos, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)

	count, err := s2.Count(ctx, CollectionPhotos)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReopen_AfterClose(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, CollectionPhotos, Record(`{"id":"p1"}`))
	require.NoError(t, err)

	// Close out from under the store; the next operation reopens lazily.
	require.NoError(t, s.Close())

	got, err := s.Get(ctx, CollectionPhotos, "p1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStorageError_Wrapping(t *testing.T) {
	// Point the store at an unwritable path so the open fails
	s := NewSQLiteStore("/proc/nonexistent/trip.db", nil)

	_, err := s.Put(context.Background(), CollectionPhotos, Record(`{"id":"p1"}`))
	require.Error(t, err)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "put", storageErr.Op)
	assert.Equal(t, CollectionPhotos, storageErr.Collection)
}
