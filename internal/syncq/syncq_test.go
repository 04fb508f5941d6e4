package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wayfareapp/wayfare-go/internal/flatstore"
	"github.com/wayfareapp/wayfare-go/internal/localstore"
	"github.com/wayfareapp/wayfare-go/internal/remote"
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

	store := localstore.Open(context.Background(), filepath.Join(dir, "queue.db"), fb, logger)

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return store
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	q, err := Open(context.Background(), newTestStore(t), testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return q
}

// fakeService records applied operations and serves scripted errors per
// entity, popped one per attempt.
type fakeService struct {
	mu      sync.Mutex
	applied []string           // "op collection/id"
	errs    map[string][]error // entity id → queued attempt errors
}

func newFakeService() *fakeService {
	return &fakeService{errs: make(map[string][]error)}
}

func (f *fakeService) failNext(entityID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[entityID] = append(f.errs[entityID], errs...)
}

func (f *fakeService) attempt(op, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if queued := f.errs[id]; len(queued) > 0 {
		err := queued[0]
		f.errs[id] = queued[1:]

		return err
	}

	f.applied = append(f.applied, fmt.Sprintf("%s %s/%s", op, collection, id))

	return nil
}

func (f *fakeService) appliedOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.applied...)
}

func (f *fakeService) Create(_ context.Context, collection, id string, _ json.RawMessage) error {
	return f.attempt("create", collection, id)
}

func (f *fakeService) Update(_ context.Context, collection, id string, _ json.RawMessage) error {
	return f.attempt("update", collection, id)
}

func (f *fakeService) Delete(_ context.Context, collection, id string) error {
	return f.attempt("delete", collection, id)
}

func (f *fakeService) Get(context.Context, string, string) (json.RawMessage, error) {
	return nil, remote.ErrNotFound
}

func newTestProcessor(t *testing.T, q *Queue, svc remote.Service) *Processor {
	t.Helper()

	p := NewProcessor(q, svc, nil, testLogger(t))
	p.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return p
}

func TestQueue_EnqueueFIFO(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	// Frozen clock: all items share one millisecond, so ordering must come
	// from the sequence counter alone.
	now := time.Now()
	q.nowFunc = func() time.Time { return now }

	var ids []string

	for _, entity := range []string{"p1", "p2", "p3"} {
		id, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", entity, map[string]bool{"saved": true})
		if err != nil {
			t.Fatalf("Enqueue(%s): %v", entity, err)
		}

		ids = append(ids, id)
	}

	pending, err := q.PendingFIFO(ctx, "u1")
	if err != nil {
		t.Fatalf("PendingFIFO: %v", err)
	}

	if len(pending) != 3 {
		t.Fatalf("pending = %d items, want 3", len(pending))
	}

	for i, item := range pending {
		if item.ID != ids[i] {
			t.Errorf("pending[%d] = %s, want %s", i, item.ID, ids[i])
		}
	}
}

func TestQueue_ClaimIsExclusive(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "u1", OpDelete, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ok, err := q.Claim(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first Claim = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = q.Claim(ctx, id)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}

	if ok {
		t.Error("second Claim succeeded; claim must be exclusive")
	}
}

func TestQueue_ReopenRevertsProcessing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	logger := testLogger(t)
	ctx := context.Background()

	q, err := Open(ctx, store, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if ok, claimErr := q.Claim(ctx, id); claimErr != nil || !ok {
		t.Fatalf("Claim = (%v, %v)", ok, claimErr)
	}

	// Simulated crash: reopen over the same store without completing.
	q2, err := Open(ctx, store, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	item, err := q2.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if item.Status != StatusPending {
		t.Errorf("status after reopen = %s, want %s", item.Status, StatusPending)
	}
}

func TestQueue_ReclaimStale(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	now := time.Now()
	q.nowFunc = func() time.Time { return now }

	id, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if ok, claimErr := q.Claim(ctx, id); claimErr != nil || !ok {
		t.Fatalf("Claim = (%v, %v)", ok, claimErr)
	}

	// Claim is fresh: left alone.
	reclaimed, err := q.ReclaimStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}

	if reclaimed != 0 {
		t.Errorf("fresh claim reclaimed %d, want 0", reclaimed)
	}

	q.nowFunc = func() time.Time { return now.Add(time.Hour) }

	reclaimed, err = q.ReclaimStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}

	if reclaimed != 1 {
		t.Fatalf("stale claim reclaimed %d, want 1", reclaimed)
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if item.Status != StatusPending {
		t.Errorf("status after reclaim = %s, want %s", item.Status, StatusPending)
	}
}

func TestQueue_GC(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	now := time.Now()
	q.nowFunc = func() time.Time { return now }

	id, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if ok, claimErr := q.Claim(ctx, id); claimErr != nil || !ok {
		t.Fatalf("Claim = (%v, %v)", ok, claimErr)
	}

	if err := q.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Inside retention: kept.
	removed, err := q.GC(ctx, time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}

	if removed != 0 {
		t.Errorf("GC inside retention removed %d, want 0", removed)
	}

	q.nowFunc = func() time.Time { return now.Add(2 * time.Hour) }

	removed, err = q.GC(ctx, time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}

	if removed != 1 {
		t.Errorf("GC past retention removed %d, want 1", removed)
	}
}

func TestProcessor_DrainAppliesFIFO(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	svc := newFakeService()
	p := newTestProcessor(t, q, svc)
	ctx := context.Background()

	now := time.Now()
	q.nowFunc = func() time.Time { return now }

	for _, entity := range []string{"p1", "p2", "p3"} {
		if _, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", entity, nil); err != nil {
			t.Fatalf("Enqueue(%s): %v", entity, err)
		}
	}

	result, err := p.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if result.Applied != 3 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}

	want := []string{
		"create saved_places/p1",
		"create saved_places/p2",
		"create saved_places/p3",
	}

	got := svc.appliedOps()
	if len(got) != len(want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("applied[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestProcessor_DrainIsIdempotent(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	svc := newFakeService()
	p := newTestProcessor(t, q, svc)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p1", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for range 3 {
		if _, err := p.Drain(ctx, "u1"); err != nil {
			t.Fatalf("Drain: %v", err)
		}
	}

	if got := svc.appliedOps(); len(got) != 1 {
		t.Errorf("mutation applied %d times across repeated drains, want 1", len(got))
	}
}

func TestProcessor_TransientRetryBudget(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	svc := newFakeService()
	p := newTestProcessor(t, q, svc)
	ctx := context.Background()

	transient := &remote.ServiceError{StatusCode: 503, Message: "overloaded", Err: remote.ErrServerError}
	svc.failNext("p1", transient, transient, transient, transient)

	id, err := q.Enqueue(ctx, "u1", OpUpdate, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := p.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if result.Failed != 1 {
		t.Fatalf("result = %+v, want 1 terminal failure", result)
	}

	if result.Outcomes[0].Disposition != Exhausted {
		t.Errorf("disposition = %s, want %s", result.Outcomes[0].Disposition, Exhausted)
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if item.Status != StatusFailed {
		t.Errorf("status = %s, want %s", item.Status, StatusFailed)
	}

	if item.RetryCount != DefaultMaxRetries {
		t.Errorf("retry count = %d, want %d", item.RetryCount, DefaultMaxRetries)
	}
}

func TestProcessor_RetryPolicyOverride(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	svc := newFakeService()
	p := newTestProcessor(t, q, svc)
	p.SetRetryPolicy(1, time.Millisecond, 2*time.Millisecond)
	ctx := context.Background()

	transient := &remote.ServiceError{StatusCode: 503, Message: "overloaded", Err: remote.ErrServerError}
	svc.failNext("p1", transient, transient)

	id, err := q.Enqueue(ctx, "u1", OpUpdate, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := p.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if result.Outcomes[0].Disposition != Exhausted {
		t.Fatalf("disposition = %s, want %s", result.Outcomes[0].Disposition, Exhausted)
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The configured budget of 1, not the default of 3, bounds the attempts.
	if item.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", item.RetryCount)
	}

	if item.Status != StatusFailed {
		t.Errorf("status = %s, want %s", item.Status, StatusFailed)
	}
}

func TestProcessor_DomainRejectionFailsImmediately(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	svc := newFakeService()
	p := newTestProcessor(t, q, svc)
	ctx := context.Background()

	rejection := &remote.ServiceError{StatusCode: 422, Message: "limit reached", Err: remote.ErrRejected}
	svc.failNext("p1", rejection)

	id, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := p.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if result.Outcomes[0].Disposition != Rejected {
		t.Fatalf("disposition = %s, want %s", result.Outcomes[0].Disposition, Rejected)
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if item.Status != StatusFailed {
		t.Errorf("status = %s, want %s", item.Status, StatusFailed)
	}

	// No retries were spent: the rejection was terminal on first attempt.
	if item.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", item.RetryCount)
	}

	if got := svc.appliedOps(); len(got) != 0 {
		t.Errorf("applied = %v, want none", got)
	}
}

func TestProcessor_UnreachableDefersWithoutBurningBudget(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	svc := newFakeService()
	p := newTestProcessor(t, q, svc)
	ctx := context.Background()

	svc.failNext("p1", fmt.Errorf("remote: request failed: %w", remote.ErrUnreachable))

	id, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, err = p.Drain(ctx, "u1")
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Drain err = %v, want ErrOffline", err)
	}

	item, getErr := q.Get(ctx, id)
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}

	if item.Status != StatusPending {
		t.Errorf("status = %s, want %s", item.Status, StatusPending)
	}

	if item.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", item.RetryCount)
	}

	// Connectivity back: the same item drains cleanly.
	if _, err := p.Drain(ctx, "u1"); err != nil {
		t.Fatalf("second Drain: %v", err)
	}

	if got := svc.appliedOps(); len(got) != 1 {
		t.Errorf("applied = %v, want 1 op", got)
	}
}

func TestProcessor_FailureBlocksLaterItemsForEntity(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	svc := newFakeService()
	p := newTestProcessor(t, q, svc)
	ctx := context.Background()

	rejection := &remote.ServiceError{StatusCode: 409, Message: "version conflict", Err: remote.ErrConflict}
	svc.failNext("p1", rejection)

	now := time.Now()
	q.nowFunc = func() time.Time { return now }

	if _, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p1", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deleteID, err := q.Enqueue(ctx, "u1", OpDelete, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p2", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := p.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// p1's delete depends on its create, so it must not run after the create
	// was rejected. p2 is unrelated and proceeds.
	if result.Applied != 1 || result.Failed != 1 || result.Deferred != 1 {
		t.Fatalf("result = %+v", result)
	}

	item, err := q.Get(ctx, deleteID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if item.Status != StatusPending {
		t.Errorf("blocked item status = %s, want %s", item.Status, StatusPending)
	}

	if got := svc.appliedOps(); len(got) != 1 || got[0] != "create saved_places/p2" {
		t.Errorf("applied = %v, want only p2's create", got)
	}
}

func TestProcessor_OfflineRefusesDrain(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	p := NewProcessor(q, newFakeService(), func() bool { return false }, testLogger(t))

	if _, err := p.Drain(context.Background(), "u1"); err != ErrOffline {
		t.Errorf("Drain err = %v, want ErrOffline", err)
	}
}

func TestProcessor_ConcurrentDrainCollapses(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	p := newTestProcessor(t, q, newFakeService())

	p.mu.Lock()
	p.draining["u1"] = true
	p.mu.Unlock()

	if _, err := p.Drain(context.Background(), "u1"); err != ErrDrainInProgress {
		t.Errorf("Drain err = %v, want ErrDrainInProgress", err)
	}
}

func TestProcessor_RetryFailedRequeuesAndUnsuppresses(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	svc := newFakeService()
	p := newTestProcessor(t, q, svc)
	ctx := context.Background()

	rejection := &remote.ServiceError{StatusCode: 422, Message: "rejected", Err: remote.ErrRejected}
	svc.failNext("p1", rejection)

	id, err := q.Enqueue(ctx, "u1", OpCreate, "saved_places", "p1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := p.Drain(ctx, "u1"); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// Saturate the suppression tracker so the entity would be skipped.
	for range suppressThreshold {
		p.suppress.recordFailure("p1", "rejected")
	}

	n, err := p.RetryFailed(ctx, "u1")
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}

	if n != 1 {
		t.Fatalf("RetryFailed requeued %d, want 1", n)
	}

	result, err := p.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("Drain after retry: %v", err)
	}

	if result.Applied != 1 {
		t.Fatalf("result = %+v, want the retried item applied", result)
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if item.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", item.Status, StatusCompleted)
	}
}

func TestFailureTracker_SuppressesAfterThreshold(t *testing.T) {
	t.Parallel()

	ft := newFailureTracker(testLogger(t))

	now := time.Now()
	ft.nowFunc = func() time.Time { return now }

	for range suppressThreshold {
		ft.recordFailure("p1", "boom")
	}

	if !ft.shouldSkip("p1") {
		t.Error("entity should be suppressed at threshold")
	}

	// Cooldown elapses: the record is forgotten.
	ft.nowFunc = func() time.Time { return now.Add(suppressCooldown + time.Minute) }

	if ft.shouldSkip("p1") {
		t.Error("suppression should lapse after cooldown")
	}
}

func TestFailureTracker_SuccessClears(t *testing.T) {
	t.Parallel()

	ft := newFailureTracker(testLogger(t))

	for range suppressThreshold {
		ft.recordFailure("p1", "boom")
	}

	ft.recordSuccess("p1")

	if ft.shouldSkip("p1") {
		t.Error("success should clear suppression")
	}
}
