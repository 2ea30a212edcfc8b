// ABOUTME: Tests for the worker control-channel client
// ABOUTME: Runs a real worker behind httptest and exercises the full round trip

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiger900/tripsync/internal/config"
	"github.com/tiger900/tripsync/internal/netmon"
	"github.com/tiger900/tripsync/internal/protocol"
	"github.com/tiger900/tripsync/internal/worker"
)

// setupWorker runs a worker (with a live upstream) behind httptest and
// returns a connected client plus the worker itself.
func setupWorker(t *testing.T) (*Client, *worker.Worker) {
	t.Helper()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "origin content")
	}))
	t.Cleanup(origin.Close)

	w, err := worker.New(config.WorkerConfig{
		Origin:    origin.URL,
		Version:   "v7",
		CacheDir:  t.TempDir(),
		QuotaMB:   64,
		APIMarker: "/api/",
	}, netmon.NewStatic(true), nil)
	require.NoError(t, err)

	go w.Hub().Run()
	t.Cleanup(w.Hub().Close)

	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)

	c := New("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })

	return c, w
}

func TestClient_Version(t *testing.T) {
	c, _ := setupWorker(t)

	version, ok := c.Version(context.Background())
	require.True(t, ok)
	assert.Equal(t, "v7", version)
	assert.True(t, c.Available())
}

func TestClient_CacheStatus(t *testing.T) {
	c, w := setupWorker(t)

	w.CacheURLs(context.Background(), []string{"/dias/day-1.html"})

	status, ok := c.CacheStatus(context.Background())
	require.True(t, ok)
	assert.Equal(t, "v7", status.Version)
	assert.Equal(t, 1, status.Caches["runtime"].Count)
}

func TestClient_DownloadForOffline(t *testing.T) {
	c, _ := setupWorker(t)

	result, done := c.DownloadForOffline(context.Background(),
		[]string{"/dias/day-1.html", "/dias/day-2.html"})
	require.True(t, done)
	assert.Equal(t, 2, result.Cached)
	assert.Equal(t, 0, result.Failed)
}

func TestClient_SubscribeReceivesBroadcasts(t *testing.T) {
	c, w := setupWorker(t)

	got := make(chan protocol.Message, 1)
	unsub := c.Subscribe(func(msg protocol.Message) {
		if msg.Type == protocol.MsgSWActivated {
			select {
			case got <- msg:
			default:
			}
		}
	})
	defer unsub()

	require.NoError(t, w.Activate(context.Background()))

	select {
	case msg := <-got:
		var payload protocol.VersionPayload
		require.NoError(t, msg.DecodePayload(&payload))
		assert.Equal(t, "v7", payload.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("SW_ACTIVATED broadcast not received")
	}
}

func TestClient_NoWorker(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Available())

	// Degraded mode: everything resolves, nothing errors
	_, ok := c.Version(context.Background())
	assert.False(t, ok)

	_, ok = c.CacheStatus(context.Background())
	assert.False(t, ok)

	result, done := c.DownloadForOffline(context.Background(), []string{"/x"})
	assert.False(t, done)
	assert.Equal(t, protocol.CacheCompletePayload{}, result)

	// Fire-and-forget sends are silently dropped
	c.SkipWaiting()
	c.CacheURLs([]string{"/x"})
	c.ClearCache("")
}

func TestClient_UnknownRequestGetsError(t *testing.T) {
	c, _ := setupWorker(t)

	// An unsupported type must come back as a correlated ERROR, not silence
	resp, ok := c.request(context.Background(), "BOGUS_TYPE", nil, time.Second)
	require.True(t, ok)
	assert.Equal(t, protocol.MsgError, resp.Type)
}
