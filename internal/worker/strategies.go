// ABOUTME: Request routing strategies for the caching proxy
// ABOUTME: API reads get stale-while-revalidate, images cache-first, pages network-first

package worker

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"
)

// Cache buckets. Each bucket maps to its own generation directory so a
// version bump retires them independently of one another's content.
const (
	bucketPrecache = "precache"
	bucketAPI      = "api"
	bucketImages   = "images"
	bucketRuntime  = "runtime"
)

const generationPrefix = "tripsync-"

type strategy int

const (
	strategyNetworkFirst strategy = iota
	strategyStaleWhileRevalidate
	strategyImageCacheFirst
	strategyPrecache
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".svg":  true,
	".avif": true,
}

// generation names the on-disk directory for a bucket at the current version.
func (w *Worker) generation(bucket string) string {
	return generationPrefix + bucket + "-" + w.version
}

// classify picks the strategy for a request path. Precache wins over the
// API marker so a precached API-shaped asset stays precache-served.
func (w *Worker) classify(reqPath string) strategy {
	if w.manifest.Contains(reqPath) {
		return strategyPrecache
	}
	if strings.Contains(reqPath, w.apiMarker) {
		return strategyStaleWhileRevalidate
	}
	for prefix := range w.apiUpstreams {
		if strings.HasPrefix(reqPath, prefix) {
			return strategyStaleWhileRevalidate
		}
	}
	if imageExtensions[strings.ToLower(path.Ext(reqPath))] {
		return strategyImageCacheFirst
	}
	return strategyNetworkFirst
}

// upstreamURL resolves where a request path is fetched from: a configured
// API upstream when a prefix matches, the site origin otherwise.
func (w *Worker) upstreamURL(reqPath, rawQuery string) string {
	base := w.origin
	for prefix, upstream := range w.apiUpstreams {
		if strings.HasPrefix(reqPath, prefix) {
			base = upstream
			break
		}
	}
	url := strings.TrimSuffix(base, "/") + reqPath
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	return url
}

// fetch performs the upstream GET and reads the full body.
func (w *Worker) fetch(ctx context.Context, reqPath, rawQuery string, header http.Header) (*CachedResponse, error) {
	url := w.upstreamURL(reqPath, rawQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for _, h := range []string{"Accept", "Accept-Language", "If-None-Match", "If-Modified-Since"} {
		if v := header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &CachedResponse{
		URL:    cacheKey(reqPath, rawQuery),
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// cacheKey is the URL identity inside a generation: path plus query.
func cacheKey(reqPath, rawQuery string) string {
	if rawQuery == "" {
		return reqPath
	}
	return reqPath + "?" + rawQuery
}

// maybeCache stores successful responses only; errors and redirects are
// never replayed from cache.
func (w *Worker) maybeCache(bucket string, resp *CachedResponse) {
	if resp.Status < 200 || resp.Status > 299 {
		return
	}
	if err := w.cache.Store(w.generation(bucket), resp); err != nil {
		w.logger.Warn("caching response failed", "url", resp.URL, "error", err)
	}
}

func writeCached(rw http.ResponseWriter, resp *CachedResponse) {
	for key, values := range resp.Header {
		for _, v := range values {
			rw.Header().Add(key, v)
		}
	}
	rw.WriteHeader(resp.Status)
	rw.Write(resp.Body)
}

// handleRequest routes a proxied request through its strategy. Non-GET
// requests pass straight through: mutations are never cached.
func (w *Worker) handleRequest(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.passthrough(rw, r)
		return
	}

	switch w.classify(r.URL.Path) {
	case strategyPrecache:
		w.serveCacheFirst(rw, r, bucketPrecache, false)
	case strategyStaleWhileRevalidate:
		w.serveStaleWhileRevalidate(rw, r)
	case strategyImageCacheFirst:
		w.serveCacheFirst(rw, r, bucketImages, true)
	default:
		w.serveNetworkFirst(rw, r)
	}
}

// serveStaleWhileRevalidate answers from cache when possible, always
// kicking a background refresh, so API data is instant but converges.
func (w *Worker) serveStaleWhileRevalidate(rw http.ResponseWriter, r *http.Request) {
	key := cacheKey(r.URL.Path, r.URL.RawQuery)
	cached, err := w.cache.Load(w.generation(bucketAPI), key)
	if err != nil {
		w.logger.Warn("cache read failed", "url", key, "error", err)
	}

	if cached != nil {
		writeCached(rw, cached)
		go w.refresh(bucketAPI, r.URL.Path, r.URL.RawQuery, r.Header.Clone())
		return
	}

	resp, err := w.fetch(r.Context(), r.URL.Path, r.URL.RawQuery, r.Header)
	if err != nil {
		w.serveOffline(rw, r)
		return
	}
	w.maybeCache(bucketAPI, resp)
	writeCached(rw, resp)
}

// serveCacheFirst answers from cache, fetching only on a miss. With
// backgroundRefresh set, hits also refresh the entry off the request path.
func (w *Worker) serveCacheFirst(rw http.ResponseWriter, r *http.Request, bucket string, backgroundRefresh bool) {
	key := cacheKey(r.URL.Path, r.URL.RawQuery)
	cached, err := w.cache.Load(w.generation(bucket), key)
	if err != nil {
		w.logger.Warn("cache read failed", "url", key, "error", err)
	}

	if cached != nil {
		writeCached(rw, cached)
		if backgroundRefresh {
			go w.refresh(bucket, r.URL.Path, r.URL.RawQuery, r.Header.Clone())
		}
		return
	}

	resp, err := w.fetch(r.Context(), r.URL.Path, r.URL.RawQuery, r.Header)
	if err != nil {
		w.serveOffline(rw, r)
		return
	}
	w.maybeCache(bucket, resp)
	writeCached(rw, resp)
}

// serveNetworkFirst prefers the live response, falling back to the runtime
// cache and then the offline page.
func (w *Worker) serveNetworkFirst(rw http.ResponseWriter, r *http.Request) {
	key := cacheKey(r.URL.Path, r.URL.RawQuery)

	resp, err := w.fetch(r.Context(), r.URL.Path, r.URL.RawQuery, r.Header)
	if err == nil {
		w.maybeCache(bucketRuntime, resp)
		writeCached(rw, resp)
		return
	}

	cached, loadErr := w.cache.Load(w.generation(bucketRuntime), key)
	if loadErr != nil {
		w.logger.Warn("cache read failed", "url", key, "error", loadErr)
	}
	if cached != nil {
		w.logger.Info("serving cached fallback", "url", key)
		writeCached(rw, cached)
		return
	}

	w.serveOffline(rw, r)
}

// refresh re-fetches a URL into its bucket off the request path.
func (w *Worker) refresh(bucket, reqPath, rawQuery string, header http.Header) {
	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	resp, err := w.fetch(ctx, reqPath, rawQuery, header)
	if err != nil {
		w.logger.Debug("background refresh failed", "path", reqPath, "error", err)
		return
	}
	w.maybeCache(bucket, resp)
}

// serveOffline answers a request nothing else could. Navigations get the
// rendered offline page; everything else gets a bare 503.
func (w *Worker) serveOffline(rw http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		rw.WriteHeader(http.StatusServiceUnavailable)
		rw.Write(w.renderOfflinePage())
		return
	}
	rw.WriteHeader(http.StatusServiceUnavailable)
}

// passthrough proxies a non-GET request without touching any cache.
func (w *Worker) passthrough(rw http.ResponseWriter, r *http.Request) {
	url := w.upstreamURL(r.URL.Path, r.URL.RawQuery)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := w.client.Do(req)
	if err != nil {
		w.serveOffline(rw, r)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			rw.Header().Add(key, v)
		}
	}
	rw.WriteHeader(resp.StatusCode)
	io.Copy(rw, resp.Body)
}
