package resilient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache stores encoded responses by fingerprint.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Fingerprint identifies an idempotent read by endpoint and normalized parameters.
// Parameter keys are case-insensitive and order-independent.
func Fingerprint(endpoint string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	norm := make(map[string]string, len(params))
	for k, v := range params {
		nk := strings.ToLower(strings.TrimSpace(k))
		norm[nk] = strings.TrimSpace(v)
		keys = append(keys, nk)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(endpoint))))
	for _, k := range keys {
		h.Write([]byte{'\n'})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(norm[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a process-local Cache with per-entry TTL.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
