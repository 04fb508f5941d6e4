// Package cache implements the layered cache: an in-memory hot tier over the
// structured local store's cache_entries collection, with TTL semantics and
// offline-aware expiry handling. While the device is offline, expiry is
// extended rather than reset and expired entries are never evicted — the
// last-known-good copy keeps serving until connectivity returns.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wayfareapp/wayfare-go/internal/localstore"
)

// DefaultTTL is the online time-to-live for cache entries.
const DefaultTTL = 30 * time.Minute

// DefaultOfflineGrace is added to expiry when the device goes offline.
const DefaultOfflineGrace = 24 * time.Hour

// Entry is a single cached result. ExpiresAt is always set; an entry
// without it is treated as already expired.
type Entry struct {
	CacheKey  string          `json:"cache_key"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"created_at"` // unix milliseconds
	ExpiresAt int64           `json:"expires_at"` // unix milliseconds
}

// Cache is the layered cache. Constructed at startup and torn down on
// logout; passed by injection, never ambient state. Safe for concurrent use.
type Cache struct {
	store  *localstore.Store
	logger *slog.Logger

	ttl          time.Duration
	offlineGrace time.Duration

	online  atomic.Bool
	nowFunc func() time.Time // injectable for deterministic tests

	mu  sync.RWMutex
	hot map[string]*Entry

	loads singleflight.Group
}

// New creates a Cache over the given local store. ttl and grace of zero
// select the defaults. The cache starts in the online state.
func New(store *localstore.Store, ttl, grace time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if grace <= 0 {
		grace = DefaultOfflineGrace
	}

	c := &Cache{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		offlineGrace: grace,
		nowFunc:      time.Now,
		hot:          make(map[string]*Entry),
	}
	c.online.Store(true)

	return c
}

// SetOnline records a connectivity edge. On the transition to offline every
// persisted entry's expiry is extended (not reset) by the grace period, so
// cached data keeps serving the UI for the duration of the outage.
func (c *Cache) SetOnline(ctx context.Context, online bool) {
	wasOnline := c.online.Swap(online)

	if wasOnline && !online {
		c.extendExpiry(ctx)
	}
}

// Online reports the current connectivity state as the cache knows it.
func (c *Cache) Online() bool {
	return c.online.Load()
}

// Get returns the cached data for key, or (nil, false) on a miss. An
// expired entry is a miss while online but is still served while offline —
// stale data beats no data when nothing fresher can be fetched.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	entry := c.lookup(ctx, key)
	if entry == nil {
		return nil, false
	}

	if c.expired(entry) && c.online.Load() {
		return nil, false
	}

	return entry.Data, true
}

// Set stores data under key with the given TTL (zero selects the default).
func (c *Cache) Set(ctx context.Context, key, ownerID string, data any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cache: encoding %s: %w", key, err)
	}

	now := c.nowFunc()
	entry := &Entry{
		CacheKey:  key,
		OwnerID:   ownerID,
		Data:      raw,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	c.mu.Lock()
	c.hot[key] = entry
	c.mu.Unlock()

	if _, putErr := c.store.Put(ctx, localstore.CacheEntries, entryItem(entry)); putErr != nil {
		return fmt.Errorf("cache: persisting %s: %w", key, putErr)
	}

	return nil
}

// GetOrLoad returns the cached data for key, invoking load on a miss and
// caching its result. Concurrent loads for the same key are deduplicated.
func (c *Cache) GetOrLoad(
	ctx context.Context, key, ownerID string, ttl time.Duration,
	load func(context.Context) (any, error),
) (json.RawMessage, error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, nil
	}

	v, err, _ := c.loads.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have filled it.
		if data, ok := c.Get(ctx, key); ok {
			return data, nil
		}

		loaded, loadErr := load(ctx)
		if loadErr != nil {
			return nil, loadErr
		}

		if setErr := c.Set(ctx, key, ownerID, loaded, ttl); setErr != nil {
			return nil, setErr
		}

		data, _ := c.Get(ctx, key)

		return data, nil
	})
	if err != nil {
		return nil, err
	}

	raw, ok := v.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("cache: unexpected load result type for %s", key)
	}

	return raw, nil
}

// Invalidate removes the entry stored under the exact key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.hot, key)
	c.mu.Unlock()

	if _, err := c.store.Delete(ctx, localstore.CacheEntries, key); err != nil {
		return fmt.Errorf("cache: invalidating %s: %w", key, err)
	}

	return nil
}

// InvalidatePrefix removes every entry whose key starts with prefix. Used
// after a mutation to drop all owner-scoped entries for an entity type.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()

	for k := range c.hot {
		if strings.HasPrefix(k, prefix) {
			delete(c.hot, k)
		}
	}
	c.mu.Unlock()

	items, err := c.store.GetAll(ctx, localstore.CacheEntries)
	if err != nil {
		return fmt.Errorf("cache: listing entries for prefix invalidation: %w", err)
	}

	for _, item := range items {
		key, _ := item["cache_key"].(string)
		if key == "" || !strings.HasPrefix(key, prefix) {
			continue
		}

		if _, delErr := c.store.Delete(ctx, localstore.CacheEntries, key); delErr != nil {
			return fmt.Errorf("cache: invalidating %s: %w", key, delErr)
		}
	}

	return nil
}

// SweepExpired deletes up to limit expired entries. Bounded so a large
// backlog cannot starve interactive work; callers re-invoke until it
// returns zero. The sweep is a no-op while offline — eviction is deferred
// until connectivity returns.
func (c *Cache) SweepExpired(ctx context.Context, limit int) (int, error) {
	if !c.online.Load() {
		return 0, nil
	}

	if limit <= 0 {
		limit = 100
	}

	items, err := c.store.GetAll(ctx, localstore.CacheEntries)
	if err != nil {
		return 0, fmt.Errorf("cache: listing entries for sweep: %w", err)
	}

	now := c.nowFunc().UnixMilli()

	var removed int

	for _, item := range items {
		if removed >= limit {
			break
		}

		entry := itemEntry(item)
		if entry == nil || entry.ExpiresAt > now {
			continue
		}

		c.mu.Lock()
		delete(c.hot, entry.CacheKey)
		c.mu.Unlock()

		if _, delErr := c.store.Delete(ctx, localstore.CacheEntries, entry.CacheKey); delErr != nil {
			return removed, fmt.Errorf("cache: sweeping %s: %w", entry.CacheKey, delErr)
		}

		removed++
	}

	if removed > 0 {
		c.logger.Debug("cache: swept expired entries", slog.Int("removed", removed))
	}

	return removed, nil
}

// Count returns the number of persisted entries.
func (c *Cache) Count(ctx context.Context) (int, error) {
	items, err := c.store.GetAll(ctx, localstore.CacheEntries)
	if err != nil {
		return 0, fmt.Errorf("cache: counting entries: %w", err)
	}

	return len(items), nil
}

// lookup finds an entry in the hot tier, then the local store.
func (c *Cache) lookup(ctx context.Context, key string) *Entry {
	c.mu.RLock()
	entry, ok := c.hot[key]
	c.mu.RUnlock()

	if ok {
		return entry
	}

	item, err := c.store.Get(ctx, localstore.CacheEntries, key)
	if err != nil {
		c.logger.Warn("cache: store lookup failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if item == nil {
		return nil
	}

	entry = itemEntry(item)
	if entry == nil {
		return nil
	}

	c.mu.Lock()
	c.hot[key] = entry
	c.mu.Unlock()

	return entry
}

// expired reports whether an entry's TTL has elapsed. A zero ExpiresAt is
// always expired.
func (c *Cache) expired(e *Entry) bool {
	if e.ExpiresAt == 0 {
		return true
	}

	return c.nowFunc().UnixMilli() >= e.ExpiresAt
}

// extendExpiry pushes every entry's expiry out by the offline grace period.
// Runs on the online→offline edge. Extension failures are logged only; a
// failed extension just means that entry reverts to normal expiry.
func (c *Cache) extendExpiry(ctx context.Context) {
	items, err := c.store.GetAll(ctx, localstore.CacheEntries)
	if err != nil {
		c.logger.Warn("cache: expiry extension scan failed",
			slog.String("error", err.Error()),
		)

		return
	}

	graceMillis := c.offlineGrace.Milliseconds()

	var extended int

	for _, item := range items {
		entry := itemEntry(item)
		if entry == nil {
			continue
		}

		entry.ExpiresAt += graceMillis

		if _, putErr := c.store.Put(ctx, localstore.CacheEntries, entryItem(entry)); putErr != nil {
			c.logger.Warn("cache: expiry extension failed",
				slog.String("key", entry.CacheKey),
				slog.String("error", putErr.Error()),
			)

			continue
		}

		extended++
	}

	c.mu.Lock()

	for _, entry := range c.hot {
		entry.ExpiresAt += graceMillis
	}
	c.mu.Unlock()

	c.logger.Info("cache: extended expiry for offline period",
		slog.Int("entries", extended),
		slog.Duration("grace", c.offlineGrace),
	)
}

// entryItem converts an Entry to a localstore Item.
func entryItem(e *Entry) localstore.Item {
	return localstore.Item{
		"cache_key":  e.CacheKey,
		"owner_id":   e.OwnerID,
		"data":       json.RawMessage(e.Data),
		"created_at": e.CreatedAt,
		"expires_at": e.ExpiresAt,
	}
}

// itemEntry converts a localstore Item back to an Entry. Returns nil for
// items missing the key field (corrupt or foreign records).
func itemEntry(item localstore.Item) *Entry {
	key, _ := item["cache_key"].(string)
	if key == "" {
		return nil
	}

	e := &Entry{CacheKey: key}

	if owner, ok := item["owner_id"].(string); ok {
		e.OwnerID = owner
	}

	e.CreatedAt = asMillis(item["created_at"])
	e.ExpiresAt = asMillis(item["expires_at"])

	if data, ok := item["data"]; ok && data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			e.Data = raw
		}
	}

	return e
}

// asMillis converts a JSON-decoded timestamp field to unix milliseconds.
func asMillis(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
