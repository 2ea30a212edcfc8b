// ABOUTME: Disk-backed response cache organized as named generations
// ABOUTME: Each cached URL is a meta JSON plus raw body file under the generation dir

package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrQuotaExceeded is returned when storing a response would push total
// cache usage past the configured quota.
var ErrQuotaExceeded = errors.New("cache quota exceeded")

// CachedResponse is one stored HTTP response, replayed byte-for-byte.
type CachedResponse struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"storedAt"`
}

// CacheStore keeps cached responses on disk, grouped into generation
// directories. Generations are created on first store and removed whole;
// enumeration and garbage collection are directory operations.
type CacheStore struct {
	root   string
	quota  int64
	logger *slog.Logger

	mu sync.Mutex
}

// NewCacheStore creates a cache store rooted at dir with a total quota in
// bytes. Pass nil logger for default.
func NewCacheStore(dir string, quota int64, logger *slog.Logger) *CacheStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheStore{
		root:   dir,
		quota:  quota,
		logger: logger.With("component", "cachestore"),
	}
}

func entryName(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (cs *CacheStore) genDir(generation string) string {
	return filepath.Join(cs.root, generation)
}

// Store writes a response into the generation, replacing any previous
// entry for the same URL. Returns ErrQuotaExceeded when the store would
// exceed the quota.
func (cs *CacheStore) Store(generation string, resp *CachedResponse) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	usage, err := cs.usageLocked()
	if err != nil {
		return fmt.Errorf("computing cache usage: %w", err)
	}
	if usage+int64(len(resp.Body)) > cs.quota {
		return fmt.Errorf("%w: usage %d + %d > quota %d", ErrQuotaExceeded, usage, len(resp.Body), cs.quota)
	}

	dir := cs.genDir(generation)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating generation %s: %w", generation, err)
	}

	name := entryName(resp.URL)
	stored := *resp
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	meta, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding cache meta for %s: %w", resp.URL, err)
	}

	if err := os.WriteFile(filepath.Join(dir, name+".bin"), resp.Body, 0644); err != nil {
		return fmt.Errorf("writing cache body for %s: %w", resp.URL, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), meta, 0644); err != nil {
		return fmt.Errorf("writing cache meta for %s: %w", resp.URL, err)
	}
	return nil
}

// Load reads a cached response by URL. Returns (nil, nil) on a miss.
func (cs *CacheStore) Load(generation, url string) (*CachedResponse, error) {
	name := entryName(url)
	dir := cs.genDir(generation)

	meta, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache meta for %s: %w", url, err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(meta, &resp); err != nil {
		return nil, fmt.Errorf("decoding cache meta for %s: %w", url, err)
	}

	body, err := os.ReadFile(filepath.Join(dir, name+".bin"))
	if err != nil {
		return nil, fmt.Errorf("reading cache body for %s: %w", url, err)
	}
	resp.Body = body
	return &resp, nil
}

// Delete removes one cached URL from the generation. Missing entries are
// not an error.
func (cs *CacheStore) Delete(generation, url string) error {
	name := entryName(url)
	dir := cs.genDir(generation)

	for _, suffix := range []string{".json", ".bin"} {
		if err := os.Remove(filepath.Join(dir, name+suffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing cache entry for %s: %w", url, err)
		}
	}
	return nil
}

// DeleteGeneration removes a whole generation directory.
func (cs *CacheStore) DeleteGeneration(generation string) error {
	if err := os.RemoveAll(cs.genDir(generation)); err != nil {
		return fmt.Errorf("removing generation %s: %w", generation, err)
	}
	cs.logger.Info("cache generation removed", "generation", generation)
	return nil
}

// Generations lists the generation directories currently on disk.
func (cs *CacheStore) Generations() ([]string, error) {
	entries, err := os.ReadDir(cs.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing cache root: %w", err)
	}

	var generations []string
	for _, e := range entries {
		if e.IsDir() {
			generations = append(generations, e.Name())
		}
	}
	return generations, nil
}

// URLs lists the cached URLs in a generation.
func (cs *CacheStore) URLs(generation string) ([]string, error) {
	entries, err := os.ReadDir(cs.genDir(generation))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing generation %s: %w", generation, err)
	}

	var urls []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		meta, err := os.ReadFile(filepath.Join(cs.genDir(generation), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading cache meta %s: %w", e.Name(), err)
		}
		var resp CachedResponse
		if err := json.Unmarshal(meta, &resp); err != nil {
			continue
		}
		urls = append(urls, resp.URL)
	}
	return urls, nil
}

// Count returns the number of cached URLs in a generation.
func (cs *CacheStore) Count(generation string) (int, error) {
	urls, err := cs.URLs(generation)
	if err != nil {
		return 0, err
	}
	return len(urls), nil
}

// Usage returns total bytes on disk across all generations.
func (cs *CacheStore) Usage() (int64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.usageLocked()
}

// Quota returns the configured quota in bytes.
func (cs *CacheStore) Quota() int64 {
	return cs.quota
}

func (cs *CacheStore) usageLocked() (int64, error) {
	var total int64
	err := filepath.WalkDir(cs.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
