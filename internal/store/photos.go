// ABOUTME: Typed photo access over the generic collection store
// ABOUTME: Tracks per-photo sync state for the upload queue

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GPS is a decimal-degrees coordinate pair.
type GPS struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Photo is a trip photo with its derived image variants. Synced reports
// whether the current state of the photo has reached the remote server;
// any local edit resets it.
type Photo struct {
	ID        string    `json:"id"`
	DayID     string    `json:"dayId"`
	Caption   string    `json:"caption,omitempty"`
	GPS       *GPS      `json:"gps,omitempty"`
	Thumb     string    `json:"thumb,omitempty"`
	Medium    string    `json:"medium,omitempty"`
	Original  string    `json:"original,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced"`
}

// PhotoStore provides typed operations on the photos collection.
type PhotoStore struct {
	store Store
}

// NewPhotoStore creates a photo store backed by the given store.
func NewPhotoStore(s Store) *PhotoStore {
	return &PhotoStore{store: s}
}

// Add saves a photo. A missing ID is assigned, a missing timestamp is set
// to now, and the photo always starts unsynced.
func (p *PhotoStore) Add(ctx context.Context, photo *Photo) error {
	if photo.ID == "" {
		photo.ID = uuid.New().String()
	}
	if photo.Timestamp.IsZero() {
		photo.Timestamp = time.Now().UTC()
	}
	photo.Synced = false

	return p.put(ctx, photo)
}

// Get retrieves a photo by ID. Returns (nil, nil) when it does not exist.
func (p *PhotoStore) Get(ctx context.Context, id string) (*Photo, error) {
	record, err := p.store.Get(ctx, CollectionPhotos, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	var photo Photo
	if err := json.Unmarshal(record, &photo); err != nil {
		return nil, fmt.Errorf("decoding photo %s: %w", id, err)
	}
	return &photo, nil
}

// GetByDay returns all photos taken on the given itinerary day.
func (p *PhotoStore) GetByDay(ctx context.Context, dayID string) ([]*Photo, error) {
	records, err := p.store.GetByIndex(ctx, CollectionPhotos, "dayId", dayID)
	if err != nil {
		return nil, err
	}
	return decodePhotos(records)
}

// GetUnsynced returns all photos whose current state has not reached the
// remote server.
func (p *PhotoStore) GetUnsynced(ctx context.Context) ([]*Photo, error) {
	records, err := p.store.GetByIndex(ctx, CollectionPhotos, "synced", false)
	if err != nil {
		return nil, err
	}
	return decodePhotos(records)
}

// MarkSynced records that the photo's current state reached the server.
// Marking a missing photo is a no-op.
func (p *PhotoStore) MarkSynced(ctx context.Context, id string) error {
	photo, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if photo == nil {
		return nil
	}

	photo.Synced = true
	return p.put(ctx, photo)
}

// UpdateCaption changes a photo's caption. The edit resets the synced flag
// so the change is picked up by the next sync pass.
func (p *PhotoStore) UpdateCaption(ctx context.Context, id, caption string) (*Photo, error) {
	photo, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if photo == nil {
		return nil, nil
	}

	photo.Caption = caption
	photo.Synced = false
	if err := p.put(ctx, photo); err != nil {
		return nil, err
	}
	return photo, nil
}

// Delete removes a photo by ID.
func (p *PhotoStore) Delete(ctx context.Context, id string) error {
	return p.store.Delete(ctx, CollectionPhotos, id)
}

func (p *PhotoStore) put(ctx context.Context, photo *Photo) error {
	record, err := json.Marshal(photo)
	if err != nil {
		return fmt.Errorf("encoding photo %s: %w", photo.ID, err)
	}
	_, err = p.store.Put(ctx, CollectionPhotos, record)
	return err
}

func decodePhotos(records []Record) ([]*Photo, error) {
	photos := make([]*Photo, 0, len(records))
	for _, record := range records {
		var photo Photo
		if err := json.Unmarshal(record, &photo); err != nil {
			return nil, fmt.Errorf("decoding photo: %w", err)
		}
		photos = append(photos, &photo)
	}
	return photos, nil
}
