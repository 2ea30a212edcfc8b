// ABOUTME: Store interface, collection schema, and error types for tripsync persistence
// ABOUTME: Defines the photos/routes/weather/syncQueue collections and the generic record API

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownCollection is returned when an operation names a collection
// that is not part of the schema.
var ErrUnknownCollection = errors.New("unknown collection")

// ErrUnknownIndex is returned when GetByIndex names an index that is not
// defined on the collection.
var ErrUnknownIndex = errors.New("unknown index")

// ErrMissingKey is returned when a record put into a non-auto-increment
// collection has no value at the collection's key path.
var ErrMissingKey = errors.New("record has no value at key path")

// StorageError wraps any failure of the underlying storage engine.
// Callers (notably the sync manager) treat it as transient and retryable.
type StorageError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Record is an opaque JSON payload. The store never interprets records
// beyond extracting key and indexed fields.
type Record = json.RawMessage

// Index defines a secondary index on a collection. Field is the JSON
// field path within the record; duplicates are allowed unless Unique is set.
type Index struct {
	Name   string
	Field  string
	Unique bool
}

// Collection defines a named record table. KeyPath names the JSON field
// holding the primary key; when AutoIncrement is set the key is an
// integer assigned on insert and written back into the record.
type Collection struct {
	Name          string
	KeyPath       string
	AutoIncrement bool
	Indexes       []Index
}

// Collection names used by the itinerary companion.
const (
	CollectionPhotos    = "photos"
	CollectionRoutes    = "routes"
	CollectionWeather   = "weather"
	CollectionSyncQueue = "syncQueue"
)

// schemaVersion gates one-time migrations via PRAGMA user_version.
// Only additive migrations are supported; existing records are never dropped.
const schemaVersion = 1

// Schema returns the collection definitions for the itinerary database.
func Schema() []Collection {
	return []Collection{
		{
			Name:    CollectionPhotos,
			KeyPath: "id",
			Indexes: []Index{
				{Name: "dayId", Field: "dayId"},
				{Name: "timestamp", Field: "timestamp"},
				{Name: "synced", Field: "synced"},
			},
		},
		{
			Name:    CollectionRoutes,
			KeyPath: "id",
			Indexes: []Index{
				{Name: "dayId", Field: "dayId"},
			},
		},
		{
			Name:    CollectionWeather,
			KeyPath: "locationDate",
			Indexes: []Index{
				{Name: "fetchedAt", Field: "fetchedAt"},
			},
		},
		{
			Name:          CollectionSyncQueue,
			KeyPath:       "id",
			AutoIncrement: true,
			Indexes: []Index{
				{Name: "createdAt", Field: "createdAt"},
			},
		},
	}
}

// Store defines the generic collection persistence interface.
//
// Keys are strings; auto-increment collections assign decimal integer keys.
// Get returns (nil, nil) when no record exists for the key — absence is not
// an error. GetAll makes no ordering guarantee.
type Store interface {
	Put(ctx context.Context, collection string, record Record) (string, error)
	Get(ctx context.Context, collection, key string) (Record, error)
	GetAll(ctx context.Context, collection string) ([]Record, error)
	GetByIndex(ctx context.Context, collection, indexName string, value any) ([]Record, error)
	Delete(ctx context.Context, collection, key string) error
	Clear(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string) (int, error)

	// Close releases the underlying connection; the store reopens lazily
	// if used again afterwards.
	Close() error
}
