// Package cache implements the fleet response cache: a content-addressed
// file-backed store keyed on scope/identifier/endpoint/params, with atomic
// write-temp-then-rename persistence and lazy TTL-expiry eviction.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/99souls/vinbridge/internal/obsmetrics"
)

// TTL tiers by response volatility.
const (
	TTLStatic  = time.Hour
	TTLSlow    = 5 * time.Minute
	TTLDefault = time.Minute
	TTLFast    = 30 * time.Second
)

type entry struct {
	Value      json.RawMessage `json:"value"`
	InsertedAt time.Time       `json:"inserted_at"`
	TTL        time.Duration   `json:"ttl"`
}

// Cache is the file-backed response cache. A single mutex serializes
// filesystem operations; reads/writes are infrequent enough (REST fleet
// API responses) that this is not a contended path.
type Cache struct {
	mu      sync.Mutex
	dir     string
	metrics *obsmetrics.Provider
}

func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// SetMetrics wires the cache hit/miss counters; nil (the default) disables
// metrics emission without changing behavior.
func (c *Cache) SetMetrics(m *obsmetrics.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Key computes the content-addressed cache key.
func Key(scope, identifier, endpoint string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte("|"))
	h.Write([]byte(identifier))
	h.Write([]byte("|"))
	h.Write([]byte(endpoint))
	h.Write([]byte("|"))
	h.Write(canonicalJSON(params))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(params map[string]any) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(params[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String())
}

func (c *Cache) filename(scope, identifier, digest string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s_%s", sanitize(scope), sanitize(identifier), digest))
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(s)
}

// Get reads a cached value, returning ok=false on miss or expiry. An
// expired entry is deleted lazily on this read.
func (c *Cache) Get(scope, identifier, digest string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.filename(scope, identifier, digest)
	raw, err := os.ReadFile(path)
	if err != nil {
		c.recordMiss()
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.recordMiss()
		return nil, false
	}

	if time.Since(e.InsertedAt) >= e.TTL {
		os.Remove(path)
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	return e.Value, true
}

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}

// Put writes value under the given key with the given TTL, atomically
// (write-temp then rename).
func (c *Cache) Put(scope, identifier, digest string, value json.RawMessage, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{Value: value, InsertedAt: time.Now(), TTL: ttl}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}

	path := c.filename(scope, identifier, digest)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: rename: %w", err)
	}
	return nil
}

// InvalidatePrefix deletes every cache file whose name begins with prefix
// (e.g. "vin:5YJ..." sanitized), used after a successful write command to
// drop any now-stale cached reads for that vehicle.
func (c *Cache) InvalidatePrefix(prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("cache: read dir: %w", err)
	}
	sanitized := sanitize(prefix)
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), sanitized) {
			os.Remove(filepath.Join(c.dir, de.Name()))
		}
	}
	return nil
}
