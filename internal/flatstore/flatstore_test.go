package flatstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fallback.json")

	s, err := Open(path, testLogger(t))
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}

	return s
}

func TestStore_SetGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	if err := s.Set("saved_p1", `{"id":"p1"}`); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok := s.Get("saved_p1")
	if !ok {
		t.Fatal("Get: key missing")
	}

	if v != `{"id":"p1"}` {
		t.Errorf("value = %q, want %q", v, `{"id":"p1"}`)
	}

	if _, ok := s.Get("absent"); ok {
		t.Error("Get on absent key should return false")
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fallback.json")
	logger := testLogger(t)

	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if setErr := s.Set("k1", "v1"); setErr != nil {
		t.Fatalf("Set: %v", setErr)
	}

	reopened, err := Open(path, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	v, ok := reopened.Get("k1")
	if !ok || v != "v1" {
		t.Errorf("after reopen: got (%q, %v), want (%q, true)", v, ok, "v1")
	}
}

func TestStore_CorruptFileTreatedAsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fallback.json")
	if err := os.WriteFile(path, []byte("not json{{"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := Open(path, testLogger(t))
	if err != nil {
		t.Fatalf("Open on corrupt file: %v", err)
	}

	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestStore_JSONRoundtrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	type summary struct {
		ID      string `json:"id"`
		OwnerID string `json:"owner_id"`
	}

	if err := s.SetJSON("saved_p2", summary{ID: "p2", OwnerID: "u1"}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var out summary
	if !s.GetJSON("saved_p2", &out) {
		t.Fatal("GetJSON: key missing")
	}

	if out.ID != "p2" || out.OwnerID != "u1" {
		t.Errorf("got %+v, want {p2 u1}", out)
	}
}

func TestStore_GetJSONDeletesUndecodable(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	if err := s.Set("bad", "{{nope"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out map[string]string
	if s.GetJSON("bad", &out) {
		t.Error("GetJSON on undecodable value should return false")
	}

	// The record should have been removed so it does not keep failing.
	if _, ok := s.Get("bad"); ok {
		t.Error("undecodable value should be deleted")
	}
}

func TestStore_ScanPrefix(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	pairs := map[string]string{
		"saved_u1_p1": "a",
		"saved_u1_p2": "b",
		"saved_u2_p1": "c",
		"queue_op1":   "d",
	}

	for k, v := range pairs {
		if err := s.Set(k, v); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}

	got := s.ScanPrefix("saved_u1_")
	if len(got) != 2 {
		t.Fatalf("ScanPrefix returned %d entries, want 2", len(got))
	}

	if got["saved_u1_p1"] != "a" || got["saved_u1_p2"] != "b" {
		t.Errorf("ScanPrefix = %v", got)
	}
}

func TestStore_DeletePrefix(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	for _, k := range []string{"cache_u1_a", "cache_u1_b", "cache_u2_a"} {
		if err := s.Set(k, "x"); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}

	removed := s.DeletePrefix("cache_u1_")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_DeleteAndClear(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if !s.Delete("k") {
		t.Error("Delete of existing key should return true")
	}

	if s.Delete("k") {
		t.Error("Delete of absent key should return false")
	}

	if err := s.Set("k2", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if s.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", s.Len())
	}
}
