package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wayfareapp/wayfare-go/internal/flatstore"
	"github.com/wayfareapp/wayfare-go/internal/localstore"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()

	dir := t.TempDir()
	logger := testLogger(t)

	fb, err := flatstore.Open(filepath.Join(dir, "fallback.json"), logger)
	if err != nil {
		t.Fatalf("flatstore.Open: %v", err)
	}

	store := localstore.Open(context.Background(), filepath.Join(dir, "test.db"), fb, logger)

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return store
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	return New(newTestStore(t), 0, 0, testLogger(t))
}

func TestCache_SetGet(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	key := KeyFor("saved_places", "u1", nil)
	if err := c.Set(ctx, key, "u1", map[string]bool{"saved": true}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("Get: miss on fresh entry")
	}

	var parsed map[string]bool
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("decoding: %v", err)
	}

	if !parsed["saved"] {
		t.Errorf("data = %v", parsed)
	}
}

func TestCache_ExpiredMissWhileOnline(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	if err := c.Set(ctx, "k", "u1", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Advance past expiry.
	c.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }

	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expired entry should miss while online")
	}
}

func TestCache_OfflineServesStale(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	if err := c.Set(ctx, "k", "u1", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	c.SetOnline(ctx, false)
	c.nowFunc = func() time.Time { return now.Add(48 * time.Hour) }

	// Even far past expiry and grace, an offline Get returns the stale data
	// rather than nothing.
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Error("offline Get should serve stale data")
	}
}

func TestCache_OfflineExtendsExpiry(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	if err := c.Set(ctx, "k", "u1", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	c.SetOnline(ctx, false)
	c.SetOnline(ctx, true)

	// Expiry was extended by the grace period on the offline edge, so after
	// the original TTL the entry is still fresh even online.
	c.nowFunc = func() time.Time { return now.Add(10 * time.Minute) }

	if _, ok := c.Get(ctx, "k"); !ok {
		t.Error("entry should still be fresh after offline extension")
	}
}

func TestCache_SweepSkippedOffline(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	if err := c.Set(ctx, "k", "u1", "v", time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	c.online.Store(false)
	c.nowFunc = func() time.Time { return now.Add(time.Hour) }

	removed, err := c.SweepExpired(ctx, 10)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	if removed != 0 {
		t.Errorf("offline sweep removed %d entries, want 0", removed)
	}

	c.online.Store(true)

	removed, err = c.SweepExpired(ctx, 10)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	if removed != 1 {
		t.Errorf("online sweep removed %d entries, want 1", removed)
	}
}

func TestCache_SweepBounded(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := c.Set(ctx, k, "u1", "v", time.Millisecond); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}

	c.nowFunc = func() time.Time { return now.Add(time.Hour) }

	removed, err := c.SweepExpired(ctx, 2)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	if removed != 2 {
		t.Errorf("bounded sweep removed %d, want 2", removed)
	}

	count, err := c.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	if count != 3 {
		t.Errorf("count after bounded sweep = %d, want 3", count)
	}
}

func TestCache_Invalidate(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	key := KeyFor("saved_places", "u1", map[string]string{"city": "Lisbon"})
	if err := c.Set(ctx, key, "u1", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if _, ok := c.Get(ctx, key); ok {
		t.Error("Get after Invalidate should miss")
	}
}

func TestCache_InvalidatePrefix(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	k1 := KeyFor("saved_places", "u1", nil)
	k2 := KeyFor("saved_places", "u1", map[string]string{"city": "Porto"})
	k3 := KeyFor("saved_places", "u2", nil)

	for _, k := range []string{k1, k2, k3} {
		if err := c.Set(ctx, k, "u", "v", 0); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}

	if err := c.InvalidatePrefix(ctx, OwnerPrefix("saved_places", "u1")); err != nil {
		t.Fatalf("InvalidatePrefix: %v", err)
	}

	if _, ok := c.Get(ctx, k1); ok {
		t.Error("k1 should be invalidated")
	}

	if _, ok := c.Get(ctx, k2); ok {
		t.Error("k2 should be invalidated")
	}

	if _, ok := c.Get(ctx, k3); !ok {
		t.Error("k3 (other owner) should survive")
	}
}

func TestCache_SurvivesHotTierLoss(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", "u1", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Simulate process restart: hot tier empty, persisted tier intact.
	c.mu.Lock()
	c.hot = make(map[string]*Entry)
	c.mu.Unlock()

	if _, ok := c.Get(ctx, "k"); !ok {
		t.Error("Get should repopulate from the persisted tier")
	}
}

func TestCache_GetOrLoad(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	var loads int
	var mu sync.Mutex

	load := func(context.Context) (any, error) {
		mu.Lock()
		loads++
		mu.Unlock()

		return map[string]string{"name": "Alfama"}, nil
	}

	for range 3 {
		data, err := c.GetOrLoad(ctx, "k", "u1", 0, load)
		if err != nil {
			t.Fatalf("GetOrLoad: %v", err)
		}

		if len(data) == 0 {
			t.Fatal("GetOrLoad returned empty data")
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if loads != 1 {
		t.Errorf("loads = %d, want 1", loads)
	}
}

func TestCache_GetOrLoadPropagatesError(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)

	wantErr := errors.New("upstream down")

	_, err := c.GetOrLoad(context.Background(), "k", "u1", 0, func(context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestKeyFor_Deterministic(t *testing.T) {
	t.Parallel()

	a := KeyFor("places", "U1", map[string]string{"b": "2", "a": "1"})
	b := KeyFor("places", "u1", map[string]string{"a": "1", "b": "2"})

	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
}

func TestKeyFor_DistinctInputsDistinctKeys(t *testing.T) {
	t.Parallel()

	base := KeyFor("places", "u1", map[string]string{"city": "porto"})

	if KeyFor("places", "u2", map[string]string{"city": "porto"}) == base {
		t.Error("different owners should not collide")
	}

	if KeyFor("places", "u1", map[string]string{"city": "lisbon"}) == base {
		t.Error("different filters should not collide")
	}
}

func TestKeyFor_UnicodeNormalization(t *testing.T) {
	t.Parallel()

	// "é" precomposed (U+00E9) vs combining sequence (U+0065 U+0301).
	a := KeyFor("places", "u1", map[string]string{"city": "Sé"})
	b := KeyFor("places", "u1", map[string]string{"city": "Sé"})

	if a != b {
		t.Errorf("NFC forms should collide: %q vs %q", a, b)
	}
}

func TestOwnerPrefix_CoversDerivedKeys(t *testing.T) {
	t.Parallel()

	prefix := OwnerPrefix("places", "u1")
	key := KeyFor("places", "u1", map[string]string{"city": "porto"})

	if len(key) < len(prefix) || key[:len(prefix)] != prefix {
		t.Errorf("key %q does not start with prefix %q", key, prefix)
	}
}
