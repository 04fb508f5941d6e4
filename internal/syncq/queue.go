package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wayfareapp/wayfare-go/internal/localstore"
)

// Queue is the durable mutation log, persisted in the local store's
// sync_queue collection. Status transitions are enforced: claim requires
// pending, release/complete/fail require processing.
type Queue struct {
	store  *localstore.Store
	logger *slog.Logger

	nowFunc func() time.Time // injectable for deterministic tests
	seq     atomic.Int64

	// degradedMu serializes read-modify-write transitions when the local
	// store is running on the flat fallback tier, where no conditional SQL
	// update is available.
	degradedMu sync.Mutex
}

// Open creates a Queue over the given store and recovers crash state: any
// item stuck in "processing" from an interrupted drain reverts to
// "pending". This is the recoverable-crash design — an interrupted item is
// retried, never silently lost.
func Open(ctx context.Context, store *localstore.Store, logger *slog.Logger) (*Queue, error) {
	q := &Queue{
		store:   store,
		logger:  logger,
		nowFunc: time.Now,
	}

	requeued, err := q.requeueProcessing(ctx)
	if err != nil {
		return nil, err
	}

	if requeued > 0 {
		logger.Warn("syncq: requeued interrupted items",
			slog.Int("count", requeued),
		)
	}

	return q, nil
}

// Enqueue appends a mutation to the user's queue and returns its id.
// Creates are applied as PUTs at the entity id, so a retried create after an
// ambiguous failure cannot duplicate server records.
func (q *Queue) Enqueue(
	ctx context.Context, userID string, op OperationType,
	targetCollection, entityID string, payload any,
) (string, error) {
	var raw json.RawMessage

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("syncq: encoding payload for %s: %w", entityID, err)
		}

		raw = b
	}

	now := q.nowFunc().UnixMilli()
	item := &Item{
		ID:               uuid.NewString(),
		UserID:           userID,
		OperationType:    op,
		TargetCollection: targetCollection,
		EntityID:         entityID,
		Payload:          raw,
		Status:           StatusPending,
		CreatedAt:        now,
		Seq:              q.seq.Add(1),
		LastUpdated:      now,
	}

	if err := q.put(ctx, item); err != nil {
		return "", err
	}

	q.logger.Debug("syncq: enqueued",
		slog.String("id", item.ID),
		slog.String("user_id", userID),
		slog.String("op", string(op)),
		slog.String("entity_id", entityID),
	)

	return item.ID, nil
}

// PendingFIFO returns the user's pending items in FIFO creation order.
// Later mutations on an entity may depend on earlier ones having applied,
// so this order is the drain order.
func (q *Queue) PendingFIFO(ctx context.Context, userID string) ([]*Item, error) {
	items, err := q.itemsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var pending []*Item

	for _, it := range items {
		if it.Status == StatusPending {
			pending = append(pending, it)
		}
	}

	sortFIFO(pending)

	return pending, nil
}

// Get returns a single item by id, or nil if absent.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	raw, err := q.store.Get(ctx, localstore.SyncQueue, id)
	if err != nil {
		return nil, fmt.Errorf("syncq: get %s: %w", id, err)
	}

	if raw == nil {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	return itemFromStore(raw)
}

// Claim transitions an item from pending to processing. Returns false if
// the item is no longer pending — another drain already claimed or
// completed it, so concurrent drains never double-apply a mutation.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	return q.transition(ctx, id, StatusPending, StatusProcessing, 0, "")
}

// Complete transitions an item from processing to completed. Completed
// items remain for the retention window, then GC removes them.
func (q *Queue) Complete(ctx context.Context, id string) error {
	ok, err := q.transition(ctx, id, StatusProcessing, StatusCompleted, 0, "")
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("syncq: complete %s: item not %s", id, StatusProcessing)
	}

	return nil
}

// Release returns a processing item to pending without consuming retry
// budget. Used when a drain is interrupted — connectivity lost, context
// cancelled — rather than when the remote actually rejected the item.
func (q *Queue) Release(ctx context.Context, id string, errMsg string) error {
	ok, err := q.transition(ctx, id, StatusProcessing, StatusPending, 0, errMsg)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("syncq: release %s: item not %s", id, StatusProcessing)
	}

	return nil
}

// BumpRetry records a failed attempt on a processing item: the retry count
// increments and the error is stored, but the item stays claimed.
func (q *Queue) BumpRetry(ctx context.Context, id string, errMsg string) error {
	ok, err := q.transition(ctx, id, StatusProcessing, StatusProcessing, 1, errMsg)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("syncq: bump retry %s: item not %s", id, StatusProcessing)
	}

	return nil
}

// Fail transitions a processing item to the terminal failed state. Failed
// items are never retried automatically; RetryFailed requeues them.
func (q *Queue) Fail(ctx context.Context, id string, errMsg string) error {
	ok, err := q.transition(ctx, id, StatusProcessing, StatusFailed, 0, errMsg)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("syncq: fail %s: item not %s", id, StatusProcessing)
	}

	return nil
}

// RetryFailed requeues all of a user's failed items as pending with a fresh
// retry budget. This is the manual "retry failed operations" affordance.
func (q *Queue) RetryFailed(ctx context.Context, userID string) (int, error) {
	items, err := q.itemsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	var requeued int

	for _, it := range items {
		if it.Status != StatusFailed {
			continue
		}

		it.Status = StatusPending
		it.RetryCount = 0
		it.LastUpdated = q.nowFunc().UnixMilli()

		if putErr := q.put(ctx, it); putErr != nil {
			return requeued, putErr
		}

		requeued++
	}

	return requeued, nil
}

// Failed returns the user's terminally failed items in FIFO creation order,
// for diagnostic listings and the manual retry affordance.
func (q *Queue) Failed(ctx context.Context, userID string) ([]*Item, error) {
	items, err := q.itemsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var failed []*Item

	for _, it := range items {
		if it.Status == StatusFailed {
			failed = append(failed, it)
		}
	}

	sortFIFO(failed)

	return failed, nil
}

// Counts returns the number of pending and failed items for a user. The
// pending count backs the "pending changes" diagnostic surface.
func (q *Queue) Counts(ctx context.Context, userID string) (pending, failed int, err error) {
	items, err := q.itemsForUser(ctx, userID)
	if err != nil {
		return 0, 0, err
	}

	for _, it := range items {
		switch it.Status {
		case StatusPending, StatusProcessing:
			pending++
		case StatusFailed:
			failed++
		case StatusCompleted:
		}
	}

	return pending, failed, nil
}

// Users returns the distinct user ids that currently have pending items,
// so a connectivity-regained edge can drain every affected queue.
func (q *Queue) Users(ctx context.Context) ([]string, error) {
	items, err := q.allItems(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)

	var users []string

	for _, it := range items {
		if it.Status != StatusPending || seen[it.UserID] {
			continue
		}

		seen[it.UserID] = true
		users = append(users, it.UserID)
	}

	sort.Strings(users)

	return users, nil
}

// ReclaimStale reverts processing items that have not been touched within
// olderThan back to pending. A claim that old means the drain holding it
// died without releasing; requeueing through the conditional transition is
// safe against the original drain racing back.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	items, err := q.allItems(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := q.nowFunc().Add(-olderThan).UnixMilli()

	var reclaimed int

	for _, it := range items {
		if it.Status != StatusProcessing || it.LastUpdated > cutoff {
			continue
		}

		ok, trErr := q.transition(ctx, it.ID, StatusProcessing, StatusPending, 0, "reclaimed stale claim")
		if trErr != nil {
			return reclaimed, trErr
		}

		if ok {
			reclaimed++
		}
	}

	if reclaimed > 0 {
		q.logger.Warn("syncq: reclaimed stale claims", slog.Int("count", reclaimed))
	}

	return reclaimed, nil
}

// GC removes completed items whose last update is older than retention.
// Returns the number of items removed.
func (q *Queue) GC(ctx context.Context, retention time.Duration) (int, error) {
	items, err := q.allItems(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := q.nowFunc().Add(-retention).UnixMilli()

	var removed int

	for _, it := range items {
		if it.Status != StatusCompleted || it.LastUpdated > cutoff {
			continue
		}

		if _, delErr := q.store.Delete(ctx, localstore.SyncQueue, it.ID); delErr != nil {
			return removed, fmt.Errorf("syncq: gc %s: %w", it.ID, delErr)
		}

		removed++
	}

	if removed > 0 {
		q.logger.Debug("syncq: garbage collected completed items",
			slog.Int("removed", removed),
		)
	}

	return removed, nil
}

// transition performs a conditional status change. When the SQLite tier is
// available the check-and-set runs as a single UPDATE with the expected
// status in the WHERE clause; degraded mode falls back to a mutex-guarded
// read-modify-write.
func (q *Queue) transition(
	ctx context.Context, id string, from, to Status, retryDelta int, errMsg string,
) (bool, error) {
	now := q.nowFunc().UnixMilli()

	if db := q.store.DB(); db != nil {
		result, err := db.ExecContext(ctx,
			`UPDATE sync_queue SET
				status = ?,
				doc = json_set(doc,
					'$.status', ?,
					'$.retry_count', json_extract(doc, '$.retry_count') + ?,
					'$.last_updated', ?,
					'$.last_error', ?)
			 WHERE key = ? AND status = ?`,
			string(to), string(to), retryDelta, now, errMsg, id, string(from))
		if err != nil {
			return false, fmt.Errorf("syncq: transition %s %s→%s: %w", id, from, to, err)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return false, fmt.Errorf("syncq: transition %s rows affected: %w", id, rowsErr)
		}

		return rows > 0, nil
	}

	q.degradedMu.Lock()
	defer q.degradedMu.Unlock()

	item, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}

	if item == nil || item.Status != from {
		return false, nil
	}

	item.Status = to
	item.RetryCount += retryDelta
	item.LastUpdated = now
	item.LastError = errMsg

	if putErr := q.put(ctx, item); putErr != nil {
		return false, putErr
	}

	return true, nil
}

// requeueProcessing reverts processing items to pending at startup.
func (q *Queue) requeueProcessing(ctx context.Context) (int, error) {
	items, err := q.allItems(ctx)
	if err != nil {
		return 0, err
	}

	var requeued int

	for _, it := range items {
		if it.Status != StatusProcessing {
			continue
		}

		it.Status = StatusPending
		it.LastUpdated = q.nowFunc().UnixMilli()

		if putErr := q.put(ctx, it); putErr != nil {
			return requeued, putErr
		}

		requeued++
	}

	return requeued, nil
}

// put persists an item through the local store.
func (q *Queue) put(ctx context.Context, item *Item) error {
	raw, err := itemToStore(item)
	if err != nil {
		return err
	}

	if _, putErr := q.store.Put(ctx, localstore.SyncQueue, raw); putErr != nil {
		return fmt.Errorf("syncq: persisting %s: %w", item.ID, putErr)
	}

	return nil
}

// itemsForUser loads and decodes all of a user's items via the user index.
func (q *Queue) itemsForUser(ctx context.Context, userID string) ([]*Item, error) {
	stored, err := q.store.GetByIndex(ctx, localstore.SyncQueue, "user_id", userID)
	if err != nil {
		return nil, fmt.Errorf("syncq: listing items for %s: %w", userID, err)
	}

	return decodeItems(stored, q.logger)
}

// allItems loads every queue item (startup recovery, GC).
func (q *Queue) allItems(ctx context.Context) ([]*Item, error) {
	stored, err := q.store.GetAll(ctx, localstore.SyncQueue)
	if err != nil {
		return nil, fmt.Errorf("syncq: listing all items: %w", err)
	}

	return decodeItems(stored, q.logger)
}

// decodeItems converts stored items, skipping any that fail to decode.
func decodeItems(stored []localstore.Item, logger *slog.Logger) ([]*Item, error) {
	items := make([]*Item, 0, len(stored))

	for _, raw := range stored {
		item, err := itemFromStore(raw)
		if err != nil {
			logger.Warn("syncq: skipping undecodable queue item",
				slog.String("error", err.Error()),
			)

			continue
		}

		items = append(items, item)
	}

	return items, nil
}

// sortFIFO orders items by creation time, with the per-process sequence
// number breaking ties within one millisecond.
func sortFIFO(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}

		return items[i].Seq < items[j].Seq
	})
}

// itemToStore converts an Item to the localstore representation.
func itemToStore(item *Item) (localstore.Item, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("syncq: encoding item %s: %w", item.ID, err)
	}

	var raw localstore.Item
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("syncq: reshaping item %s: %w", item.ID, err)
	}

	return raw, nil
}

// itemFromStore converts a localstore record back to an Item.
func itemFromStore(raw localstore.Item) (*Item, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("syncq: encoding stored item: %w", err)
	}

	var item Item
	if err := json.Unmarshal(b, &item); err != nil {
		return nil, fmt.Errorf("syncq: decoding stored item: %w", err)
	}

	if item.ID == "" {
		return nil, fmt.Errorf("syncq: stored item missing id")
	}

	return &item, nil
}
