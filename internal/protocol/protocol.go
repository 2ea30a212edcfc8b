// ABOUTME: Wire types for the worker control protocol shared by worker and client
// ABOUTME: Tagged-union JSON envelope with typed payloads per message kind

package protocol

import (
	"encoding/json"
	"fmt"
)

// Message kinds. Requests flow page→worker; VERSION, CACHE_STATUS, and
// ERROR answer correlated requests; the rest are worker broadcasts to
// every connected page.
const (
	// requests
	MsgSkipWaiting    = "SKIP_WAITING"
	MsgGetVersion     = "GET_VERSION"
	MsgCacheURLs      = "CACHE_URLS"
	MsgClearCache     = "CLEAR_CACHE"
	MsgGetCacheStatus = "GET_CACHE_STATUS"

	// responses
	MsgVersion     = "VERSION"
	MsgCacheStatus = "CACHE_STATUS"
	MsgError       = "ERROR"

	// broadcasts
	MsgSWActivated      = "SW_ACTIVATED"
	MsgCacheComplete    = "CACHE_COMPLETE"
	MsgProcessSyncQueue = "PROCESS_SYNC_QUEUE"
)

// Message is the envelope for every control-channel frame. ID correlates
// a response to its request and is empty on broadcasts.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message with the payload marshaled in.
func New(msgType, id string, payload any) (Message, error) {
	msg := Message{Type: msgType, ID: id}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	msg.Payload = data
	return msg, nil
}

// DecodePayload unmarshals the message payload into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// VersionPayload answers GET_VERSION and announces SW_ACTIVATED.
type VersionPayload struct {
	Version string `json:"version"`
}

// CacheURLsPayload asks the worker to fetch and cache the given URLs
// into the runtime bucket.
type CacheURLsPayload struct {
	URLs []string `json:"urls"`
}

// ClearCachePayload asks the worker to drop cached entries. An empty
// bucket clears every generation.
type ClearCachePayload struct {
	Bucket string `json:"bucket,omitempty"`
}

// CacheCompletePayload reports the outcome of a CACHE_URLS request:
// the requested list, delivered regardless of individual failures.
type CacheCompletePayload struct {
	URLs   []string `json:"urls"`
	Cached int      `json:"cached"`
	Failed int      `json:"failed"`
}

// CacheInfo describes one cache generation in a status report.
type CacheInfo struct {
	Count int      `json:"count"`
	URLs  []string `json:"urls"`
}

// StorageEstimate mirrors the storage usage report: bytes used, the
// configured quota, and usage as a percentage.
type StorageEstimate struct {
	Usage   int64   `json:"usage"`
	Quota   int64   `json:"quota"`
	Percent float64 `json:"percent"`
}

// CacheStatusPayload answers GET_CACHE_STATUS.
type CacheStatusPayload struct {
	Version string               `json:"version"`
	Caches  map[string]CacheInfo `json:"caches"`
	Storage *StorageEstimate     `json:"storage,omitempty"`
}

// ErrorPayload answers a request the worker could not serve.
type ErrorPayload struct {
	Message string `json:"message"`
}
