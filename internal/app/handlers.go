// ABOUTME: Sync handlers that deliver queued photo mutations to the remote endpoint
// ABOUTME: Upload and update mark the photo synced once the server accepts it

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type photoPayload struct {
	PhotoID string `json:"photoId"`
}

var syncHTTPClient = &http.Client{Timeout: 30 * time.Second}

// registerSyncHandlers wires the photo entity handlers. Without a
// configured endpoint nothing is registered: queued actions wait, intact,
// until one exists.
func (a *App) registerSyncHandlers() {
	endpoint := a.cfg.Sync.Endpoint
	if endpoint == "" {
		a.logger.Info("no sync endpoint configured, queued actions will wait")
		return
	}

	a.sync.RegisterHandler("photo", "upload", func(ctx context.Context, data json.RawMessage) error {
		return a.pushPhoto(ctx, http.MethodPost, endpoint+"/photos", data)
	})

	a.sync.RegisterHandler("photo", "update", func(ctx context.Context, data json.RawMessage) error {
		var payload photoPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decoding photo payload: %w", err)
		}
		return a.pushPhoto(ctx, http.MethodPut, endpoint+"/photos/"+payload.PhotoID, data)
	})

	a.sync.RegisterHandler("photo", "delete", func(ctx context.Context, data json.RawMessage) error {
		var payload photoPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decoding photo payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint+"/photos/"+payload.PhotoID, nil)
		if err != nil {
			return err
		}
		resp, err := syncHTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		// Already gone remotely counts as done
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return expectSuccess(resp.StatusCode, "delete")
	})
}

// pushPhoto sends the photo's current state to the server and marks it
// synced on acceptance.
func (a *App) pushPhoto(ctx context.Context, method, url string, data json.RawMessage) error {
	var payload photoPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decoding photo payload: %w", err)
	}

	photo, err := a.photos.Get(ctx, payload.PhotoID)
	if err != nil {
		return err
	}
	if photo == nil {
		// Deleted locally before the upload ran: nothing left to push
		a.logger.Info("queued photo no longer exists, skipping", "photo_id", payload.PhotoID)
		return nil
	}

	body, err := json.Marshal(photo)
	if err != nil {
		return fmt.Errorf("encoding photo %s: %w", photo.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := syncHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := expectSuccess(resp.StatusCode, method); err != nil {
		return err
	}
	return a.photos.MarkSynced(ctx, photo.ID)
}

func expectSuccess(status int, op string) error {
	if status < 200 || status > 299 {
		return fmt.Errorf("sync %s rejected with status %d", op, status)
	}
	return nil
}
