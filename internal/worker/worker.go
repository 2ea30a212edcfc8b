// ABOUTME: The cache worker: lifecycle, control message dispatch, and the proxy server
// ABOUTME: Install precaches the manifest, activate retires old generations

package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/tiger900/tripsync/internal/config"
	"github.com/tiger900/tripsync/internal/netmon"
	"github.com/tiger900/tripsync/internal/protocol"
)

// defaultOfflinePage is rendered to HTML and served on navigations that
// cannot be satisfied from network or cache.
const defaultOfflinePage = `# You're offline

The road has no signal here. Everything you saved is still on this
device — photos, routes, and notes queue up and sync automatically
when you're back online.
`

// Worker is the offline cache controller: a caching proxy in front of the
// travel site plus a control channel for the pages using it.
type Worker struct {
	version      string
	listenAddr   string
	origin       string
	apiMarker    string
	apiUpstreams map[string]string

	cache     *CacheStore
	manifest  *Manifest
	hub       *Hub
	monitor   netmon.Monitor
	client    *http.Client
	logger    *slog.Logger
	offlineMD []byte
}

// New builds a worker from configuration. Pass nil logger for default.
func New(cfg config.WorkerConfig, monitor netmon.Monitor, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")

	manifest, err := LoadManifest(cfg.PrecacheManifest)
	if err != nil {
		return nil, err
	}

	offlineMD, err := loadOfflineSource(cfg.OfflinePage)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		version:      cfg.Version,
		listenAddr:   cfg.ListenAddr,
		origin:       cfg.Origin,
		apiMarker:    cfg.APIMarker,
		apiUpstreams: cfg.APIUpstreams,
		cache:        NewCacheStore(cfg.CacheDir, cfg.QuotaMB*1024*1024, logger),
		manifest:     manifest,
		monitor:      monitor,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		offlineMD:    offlineMD,
	}
	w.hub = NewHub(w.handleControl, logger)
	return w, nil
}

func loadOfflineSource(path string) ([]byte, error) {
	if path == "" {
		return []byte(defaultOfflinePage), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading offline page: %w", err)
	}

	// Validate once at startup rather than failing on the first outage
	var buf bytes.Buffer
	if err := goldmark.Convert(data, &buf); err != nil {
		return nil, fmt.Errorf("rendering offline page: %w", err)
	}
	return data, nil
}

// renderOfflinePage composes the offline page: the configured Markdown
// plus the cached entry points a reader can still open.
func (w *Worker) renderOfflinePage() []byte {
	source := bytes.Clone(w.offlineMD)

	var pages []string
	for _, bucket := range []string{bucketPrecache, bucketRuntime} {
		urls, err := w.cache.URLs(w.generation(bucket))
		if err != nil {
			continue
		}
		for _, u := range urls {
			if strings.HasSuffix(u, "/") || strings.HasSuffix(u, ".html") {
				pages = append(pages, u)
			}
		}
	}

	if len(pages) > 0 {
		sort.Strings(pages)
		source = append(source, "\n## Disponível offline\n\n"...)
		for _, page := range pages {
			source = append(source, fmt.Sprintf("- [%s](%s)\n", page, page)...)
		}
	}

	var buf bytes.Buffer
	if err := goldmark.Convert(source, &buf); err != nil {
		w.logger.Error("rendering offline page", "error", err)
		return w.offlineMD
	}
	return buf.Bytes()
}

// Install precaches every manifest asset into the precache generation.
// Individual fetch failures are counted, not fatal: install settles with
// whatever it got.
func (w *Worker) Install(ctx context.Context) (cached, failed int) {
	for _, asset := range w.manifest.Assets {
		resp, err := w.fetch(ctx, asset, "", nil)
		if err != nil || resp.Status < 200 || resp.Status > 299 {
			failed++
			w.logger.Warn("precache fetch failed", "asset", asset, "error", err)
			continue
		}
		if err := w.cache.Store(w.generation(bucketPrecache), resp); err != nil {
			failed++
			w.logger.Warn("precache store failed", "asset", asset, "error", err)
			continue
		}
		cached++
	}

	w.logger.Info("install complete", "version", w.version, "cached", cached, "failed", failed)
	return cached, failed
}

// Activate retires every generation from other versions and announces the
// new version to connected pages. Safe to run repeatedly.
func (w *Worker) Activate(ctx context.Context) error {
	generations, err := w.cache.Generations()
	if err != nil {
		return fmt.Errorf("listing generations: %w", err)
	}

	suffix := "-" + w.version
	for _, gen := range generations {
		if !strings.HasPrefix(gen, generationPrefix) || strings.HasSuffix(gen, suffix) {
			continue
		}
		if err := w.cache.DeleteGeneration(gen); err != nil {
			return err
		}
	}

	msg, err := protocol.New(protocol.MsgSWActivated, "", protocol.VersionPayload{Version: w.version})
	if err != nil {
		return err
	}
	w.hub.Broadcast(msg)

	w.logger.Info("activated", "version", w.version)
	return nil
}

// handleControl dispatches one control-channel request. Fire-and-forget
// kinds return nil; anything unrecognized gets an ERROR reply.
func (w *Worker) handleControl(msg protocol.Message) *protocol.Message {
	switch msg.Type {
	case protocol.MsgGetVersion:
		return w.reply(msg.ID, protocol.MsgVersion, protocol.VersionPayload{Version: w.version})

	case protocol.MsgGetCacheStatus:
		status, err := w.Status()
		if err != nil {
			return w.errorReply(msg.ID, err)
		}
		return w.reply(msg.ID, protocol.MsgCacheStatus, status)

	case protocol.MsgSkipWaiting:
		go func() {
			if err := w.Activate(context.Background()); err != nil {
				w.logger.Error("activate failed", "error", err)
			}
		}()
		return nil

	case protocol.MsgCacheURLs:
		var payload protocol.CacheURLsPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return w.errorReply(msg.ID, err)
		}
		go w.CacheURLs(context.Background(), payload.URLs)
		return nil

	case protocol.MsgClearCache:
		var payload protocol.ClearCachePayload
		if len(msg.Payload) > 0 {
			if err := msg.DecodePayload(&payload); err != nil {
				return w.errorReply(msg.ID, err)
			}
		}
		if err := w.ClearCache(payload.Bucket); err != nil {
			return w.errorReply(msg.ID, err)
		}
		return nil

	default:
		w.logger.Warn("unknown control message", "type", msg.Type)
		return w.errorReply(msg.ID, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (w *Worker) reply(id, msgType string, payload any) *protocol.Message {
	msg, err := protocol.New(msgType, id, payload)
	if err != nil {
		w.logger.Error("encoding control reply", "type", msgType, "error", err)
		return nil
	}
	return &msg
}

func (w *Worker) errorReply(id string, err error) *protocol.Message {
	return w.reply(id, protocol.MsgError, protocol.ErrorPayload{Message: err.Error()})
}

// CacheURLs fetches the given site paths into the runtime generation and
// broadcasts the outcome. Failures never abort the batch: partial success
// is the point of downloading for offline.
func (w *Worker) CacheURLs(ctx context.Context, urls []string) protocol.CacheCompletePayload {
	result := protocol.CacheCompletePayload{URLs: urls}
	for _, u := range urls {
		resp, err := w.fetch(ctx, u, "", nil)
		if err != nil || resp.Status < 200 || resp.Status > 299 {
			result.Failed++
			w.logger.Warn("cache url failed", "url", u, "error", err)
			continue
		}
		if err := w.cache.Store(w.generation(bucketRuntime), resp); err != nil {
			result.Failed++
			w.logger.Warn("cache url store failed", "url", u, "error", err)
			continue
		}
		result.Cached++
	}

	if msg, err := protocol.New(protocol.MsgCacheComplete, "", result); err == nil {
		w.hub.Broadcast(msg)
	}
	w.logger.Info("cache urls complete", "cached", result.Cached, "failed", result.Failed)
	return result
}

// ClearCache drops one bucket's generation, or every generation when
// bucket is empty.
func (w *Worker) ClearCache(bucket string) error {
	if bucket != "" {
		return w.cache.DeleteGeneration(w.generation(bucket))
	}

	generations, err := w.cache.Generations()
	if err != nil {
		return err
	}
	for _, gen := range generations {
		if err := w.cache.DeleteGeneration(gen); err != nil {
			return err
		}
	}
	return nil
}

// Status reports per-bucket contents and storage usage.
func (w *Worker) Status() (protocol.CacheStatusPayload, error) {
	status := protocol.CacheStatusPayload{
		Version: w.version,
		Caches:  make(map[string]protocol.CacheInfo),
	}

	for _, bucket := range []string{bucketPrecache, bucketAPI, bucketImages, bucketRuntime} {
		urls, err := w.cache.URLs(w.generation(bucket))
		if err != nil {
			return status, err
		}
		status.Caches[bucket] = protocol.CacheInfo{Count: len(urls), URLs: urls}
	}

	usage, err := w.cache.Usage()
	if err != nil {
		return status, err
	}
	quota := w.cache.Quota()
	estimate := &protocol.StorageEstimate{Usage: usage, Quota: quota}
	if quota > 0 {
		estimate.Percent = float64(usage) / float64(quota) * 100
	}
	status.Storage = estimate
	return status, nil
}

// Hub exposes the control hub for broadcast wiring.
func (w *Worker) Hub() *Hub {
	return w.hub
}

// Handler returns the worker's HTTP handler: the control socket on /ws,
// the caching proxy everywhere else.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", w.hub)
	mux.HandleFunc("/", w.handleRequest)
	return mux
}

// Run installs, activates, and serves until the context is canceled.
// Connectivity restoration is announced to pages so they drain their
// sync queues.
func (w *Worker) Run(ctx context.Context) error {
	go w.hub.Run()
	defer w.hub.Close()

	w.Install(ctx)
	if err := w.Activate(ctx); err != nil {
		return err
	}

	unsub := w.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		if msg, err := protocol.New(protocol.MsgProcessSyncQueue, "", nil); err == nil {
			w.logger.Info("connectivity restored, notifying pages")
			w.hub.Broadcast(msg)
		}
	})
	defer unsub()

	server := &http.Server{
		Addr:    w.listenAddr,
		Handler: w.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("worker listening", "addr", w.listenAddr, "origin", w.origin)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
