// ABOUTME: Page-side client for the worker control channel
// ABOUTME: Correlates requests by ID and degrades gracefully when no worker is running

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tiger900/tripsync/internal/protocol"
)

// Per-operation deadlines. A worker that does not answer in time is
// treated as absent for that call; the caller moves on.
const (
	versionTimeout  = 1 * time.Second
	statusTimeout   = 2 * time.Second
	downloadTimeout = 30 * time.Second
)

// Client talks to the cache worker over its control socket. All methods
// are safe to call when the worker is unreachable: requests come back
// empty, fire-and-forget sends are dropped, and nothing errors on absence.
type Client struct {
	url    string
	logger *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	available   bool
	pending     map[string]chan protocol.Message
	subscribers map[string]func(protocol.Message)

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates a client for the control socket at url (ws://host:port/ws).
// Pass nil logger for default.
func New(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:         url,
		logger:      logger.With("component", "client"),
		pending:     make(map[string]chan protocol.Message),
		subscribers: make(map[string]func(protocol.Message)),
		done:        make(chan struct{}),
	}
}

// Connect dials the worker. The availability decision is made here, once:
// a failed dial leaves the client in degraded mode rather than erroring
// every later call.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Info("cache worker unavailable, running without it", "url", c.url)
		return fmt.Errorf("dialing worker: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.available = true
	c.mu.Unlock()

	go c.readLoop(conn)
	c.logger.Info("connected to cache worker", "url", c.url)
	return nil
}

// Available reports whether the worker answered the initial dial.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// Close shuts the connection down.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.available = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.available = false
		c.mu.Unlock()
	}()

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("control connection lost", "error", err)
			}
			return
		}

		if msg.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}

		c.dispatchBroadcast(msg)
	}
}

func (c *Client) dispatchBroadcast(msg protocol.Message) {
	c.mu.Lock()
	subs := make([]func(protocol.Message), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// Subscribe registers fn for worker broadcasts (SW_ACTIVATED,
// CACHE_COMPLETE, PROCESS_SYNC_QUEUE).
func (c *Client) Subscribe(fn func(protocol.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	c.subscribers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Client) send(msg protocol.Message) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.Warn("control write failed", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// request sends a correlated request and waits up to timeout for its
// answer. A timeout or an unavailable worker yields (zero, false).
func (c *Client) request(ctx context.Context, msgType string, payload any, timeout time.Duration) (protocol.Message, bool) {
	if !c.Available() {
		return protocol.Message{}, false
	}

	id := uuid.New().String()
	msg, err := protocol.New(msgType, id, payload)
	if err != nil {
		c.logger.Error("encoding control request", "type", msgType, "error", err)
		return protocol.Message{}, false
	}

	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if !c.send(msg) {
		cleanup()
		return protocol.Message{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, true
	case <-timer.C:
		cleanup()
		c.logger.Debug("control request timed out", "type", msgType)
		return protocol.Message{}, false
	case <-ctx.Done():
		cleanup()
		return protocol.Message{}, false
	case <-c.done:
		cleanup()
		return protocol.Message{}, false
	}
}

// Version asks the worker for its cache version. ok is false when no
// worker answered within a second.
func (c *Client) Version(ctx context.Context) (string, bool) {
	resp, ok := c.request(ctx, protocol.MsgGetVersion, nil, versionTimeout)
	if !ok || resp.Type != protocol.MsgVersion {
		return "", false
	}

	var payload protocol.VersionPayload
	if err := resp.DecodePayload(&payload); err != nil {
		return "", false
	}
	return payload.Version, true
}

// CacheStatus fetches the per-bucket cache report.
func (c *Client) CacheStatus(ctx context.Context) (protocol.CacheStatusPayload, bool) {
	resp, ok := c.request(ctx, protocol.MsgGetCacheStatus, nil, statusTimeout)
	if !ok || resp.Type != protocol.MsgCacheStatus {
		return protocol.CacheStatusPayload{}, false
	}

	var payload protocol.CacheStatusPayload
	if err := resp.DecodePayload(&payload); err != nil {
		return protocol.CacheStatusPayload{}, false
	}
	return payload, true
}

// SkipWaiting tells the worker to activate immediately. Fire-and-forget.
func (c *Client) SkipWaiting() {
	if msg, err := protocol.New(protocol.MsgSkipWaiting, "", nil); err == nil {
		c.send(msg)
	}
}

// CacheURLs asks the worker to pull the given paths into its runtime
// cache. Fire-and-forget; completion arrives as a CACHE_COMPLETE broadcast.
func (c *Client) CacheURLs(urls []string) {
	msg, err := protocol.New(protocol.MsgCacheURLs, "", protocol.CacheURLsPayload{URLs: urls})
	if err == nil {
		c.send(msg)
	}
}

// ClearCache drops the named bucket, or everything when bucket is empty.
// Fire-and-forget.
func (c *Client) ClearCache(bucket string) {
	msg, err := protocol.New(protocol.MsgClearCache, "", protocol.ClearCachePayload{Bucket: bucket})
	if err == nil {
		c.send(msg)
	}
}

// DownloadForOffline caches the given paths and waits for the outcome.
// It always resolves: on timeout or an absent worker it reports zero
// counts with done=false instead of failing, because a partial download
// is still a better offline day than an error dialog.
func (c *Client) DownloadForOffline(ctx context.Context, urls []string) (protocol.CacheCompletePayload, bool) {
	if !c.Available() {
		return protocol.CacheCompletePayload{}, false
	}

	complete := make(chan protocol.CacheCompletePayload, 1)
	unsub := c.Subscribe(func(msg protocol.Message) {
		if msg.Type != protocol.MsgCacheComplete {
			return
		}
		var payload protocol.CacheCompletePayload
		if err := msg.DecodePayload(&payload); err != nil {
			return
		}
		select {
		case complete <- payload:
		default:
		}
	})
	defer unsub()

	c.CacheURLs(urls)

	timer := time.NewTimer(downloadTimeout)
	defer timer.Stop()

	select {
	case payload := <-complete:
		return payload, true
	case <-timer.C:
		c.logger.Warn("download for offline timed out", "urls", len(urls))
		return protocol.CacheCompletePayload{}, false
	case <-ctx.Done():
		return protocol.CacheCompletePayload{}, false
	case <-c.done:
		return protocol.CacheCompletePayload{}, false
	}
}
