package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
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

// newTestClient creates a Client against the test server with sleeps disabled.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c := NewClient(srv.URL, srv.Client(), testLogger(t))
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return c
}

func TestClient_CreateUsesCallerSuppliedID(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	err := c.Create(context.Background(), "saved_places", "op-123", json.RawMessage(`{"id":"op-123"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}

	if gotPath != "/saved_places/op-123" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	if err := c.Update(context.Background(), "reviews", "r1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_DomainRejectionNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	err := c.Update(context.Background(), "reviews", "r1", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on rejection)", calls.Load())
	}

	if !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}

	if !IsDomainRejection(err) {
		t.Error("IsDomainRejection should be true")
	}

	if IsTransient(err) {
		t.Error("IsTransient should be false for a rejection")
	}
}

func TestClient_UnreachableIsTransient(t *testing.T) {
	t.Parallel()

	// Server closed immediately: all connections refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, &http.Client{Timeout: time.Second}, testLogger(t))
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	err := c.Delete(context.Background(), "reviews", "r1")
	if err == nil {
		t.Fatal("expected error")
	}

	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("err = %v, want ErrUnreachable", err)
	}

	if !IsTransient(err) {
		t.Error("IsTransient should be true for unreachable service")
	}
}

func TestClient_DeleteNotFoundIsSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	if err := c.Delete(context.Background(), "saved_places", "gone"); err != nil {
		t.Errorf("Delete of absent document should succeed, got %v", err)
	}
}

func TestClient_Get(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/saved_places/p1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Write([]byte(`{"id":"p1","saved":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	body, err := c.Get(context.Background(), "saved_places", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var parsed struct {
		ID    string `json:"id"`
		Saved bool   `json:"saved"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("decoding: %v", err)
	}

	if parsed.ID != "p1" || !parsed.Saved {
		t.Errorf("got %+v", parsed)
	}

	_, err = c.Get(context.Background(), "saved_places", "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want error
	}{
		{http.StatusOK, nil},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnprocessableEntity, ErrRejected},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusInternalServerError, ErrServerError},
		{http.StatusBadGateway, ErrServerError},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.code); !errors.Is(got, tt.want) {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
