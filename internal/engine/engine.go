// Package engine ties the storage tiers, cache, queue, and connectivity
// watcher together and implements the mutation orchestrator: optimistic
// local writes, queued remote mutations, and the asymmetric failure rule —
// trust the network on ambiguous failures, distrust it on explicit
// rejections.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayfareapp/wayfare-go/internal/cache"
	"github.com/wayfareapp/wayfare-go/internal/config"
	"github.com/wayfareapp/wayfare-go/internal/flatstore"
	"github.com/wayfareapp/wayfare-go/internal/localstore"
	"github.com/wayfareapp/wayfare-go/internal/netwatch"
	"github.com/wayfareapp/wayfare-go/internal/precache"
	"github.com/wayfareapp/wayfare-go/internal/remote"
	"github.com/wayfareapp/wayfare-go/internal/syncq"
)

// dirPerms protects the state directory.
const dirPerms = 0o700

// staleClaimTimeout is how long a processing claim may go untouched before a
// reconnect drain assumes its holder died and requeues the item.
const staleClaimTimeout = 10 * time.Minute

// Deps are the constructed components an Engine coordinates. Tests inject
// fakes here; production wiring comes from Open.
type Deps struct {
	Store    *localstore.Store
	Cache    *cache.Cache
	Queue    *syncq.Queue
	Proc     *syncq.Processor
	Remote   remote.Service
	Watcher  *netwatch.Watcher  // optional
	Notifier *precache.Notifier // optional
	Online   func() bool        // nil = always online
	Logger   *slog.Logger
}

// Engine is the top-level sync engine handle. Constructed at startup and
// torn down on logout; all methods are safe for concurrent use.
type Engine struct {
	store    *localstore.Store
	cache    *cache.Cache
	queue    *syncq.Queue
	proc     *syncq.Processor
	remote   remote.Service
	watcher  *netwatch.Watcher
	notifier *precache.Notifier
	online   func() bool
	logger   *slog.Logger

	gcRetention time.Duration

	nowFunc   func() time.Time
	closeOnce sync.Once
}

// New assembles an Engine from constructed components.
func New(deps Deps) *Engine {
	online := deps.Online
	if online == nil {
		online = func() bool { return true }
	}

	return &Engine{
		store:       deps.Store,
		cache:       deps.Cache,
		queue:       deps.Queue,
		proc:        deps.Proc,
		remote:      deps.Remote,
		watcher:     deps.Watcher,
		notifier:    deps.Notifier,
		online:      online,
		logger:      deps.Logger,
		gcRetention: 7 * 24 * time.Hour,
		nowFunc:     time.Now,
	}
}

// Open builds the full engine from configuration: storage tiers, cache,
// queue, remote client, connectivity watcher, and precache channel. Storage
// problems degrade rather than fail; only an unusable data directory is an
// error.
func Open(ctx context.Context, holder *config.Holder, logger *slog.Logger) (*Engine, error) {
	cfg := holder.Config()

	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, dirPerms); err != nil {
		return nil, fmt.Errorf("engine: creating data dir %s: %w", dataDir, err)
	}

	flat, err := flatstore.Open(filepath.Join(dataDir, "fallback.json"), logger)
	if err != nil {
		return nil, fmt.Errorf("engine: opening fallback store: %w", err)
	}

	store := localstore.Open(ctx, filepath.Join(dataDir, "wayfare.db"), flat, logger)

	queue, err := syncq.Open(ctx, store, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: opening queue: %w", err)
	}

	layered := cache.New(store,
		config.Duration(cfg.Cache.TTL, cache.DefaultTTL),
		config.Duration(cfg.Cache.OfflineGrace, cache.DefaultOfflineGrace),
		logger)

	client := remote.NewClient(cfg.Remote.BaseURL, nil, logger)
	client.SetUserAgent(cfg.Remote.UserAgent)

	watcher := netwatch.New(cfg.Remote.BaseURL+"/healthz", netwatch.Options{
		Interval:     config.Duration(cfg.Network.ProbeInterval, netwatch.DefaultInterval),
		ProbeTimeout: config.Duration(cfg.Network.ProbeTimeout, netwatch.DefaultProbeTimeout),
		Debounce:     config.Duration(cfg.Network.Debounce, netwatch.DefaultDebounce),
	}, logger)

	proc := syncq.NewProcessor(queue, client, watcher.Online, logger)
	proc.SetRetryPolicy(cfg.Sync.MaxRetries,
		config.Duration(cfg.Sync.BackoffBase, syncq.DefaultBackoffBase),
		config.Duration(cfg.Sync.BackoffCap, syncq.DefaultBackoffCap))

	var notifier *precache.Notifier
	if cfg.Precache.WorkerURL != "" {
		notifier = precache.NewNotifier(cfg.Precache.WorkerURL,
			config.Duration(cfg.Precache.SendTimeout, precache.DefaultSendTimeout), logger)
	}

	e := New(Deps{
		Store:    store,
		Cache:    layered,
		Queue:    queue,
		Proc:     proc,
		Remote:   client,
		Watcher:  watcher,
		Notifier: notifier,
		Online:   watcher.Online,
		Logger:   logger,
	})
	e.gcRetention = config.Duration(cfg.Sync.GCRetention, e.gcRetention)

	// Each connectivity edge re-evaluates drain and sweep eligibility
	// exactly once; the watcher's debounce keeps flaps out.
	watcher.Subscribe(func(online bool) {
		edgeCtx := context.Background()
		layered.SetOnline(edgeCtx, online)

		if online {
			go e.drainAll(edgeCtx)
		}
	})
	watcher.Start(ctx)

	return e, nil
}

// ApplyConfig folds reloaded tunables into the running engine. Only settings
// that are safe to change live are applied: the queue retry budget and
// backoff bounds. Storage paths and the remote endpoint require a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.proc.SetRetryPolicy(cfg.Sync.MaxRetries,
		config.Duration(cfg.Sync.BackoffBase, syncq.DefaultBackoffBase),
		config.Duration(cfg.Sync.BackoffCap, syncq.DefaultBackoffCap))
}

// Close releases the engine's resources. Safe to call more than once.
func (e *Engine) Close() error {
	var err error

	e.closeOnce.Do(func() {
		if e.watcher != nil {
			e.watcher.Stop()
		}

		if e.notifier != nil {
			e.notifier.Close()
		}

		err = e.store.Close()
	})

	return err
}

// ToggleSaved flips the saved state of a place for a user: the local record
// and cache change immediately, the remote mutation goes through the queue.
// Returns the new saved state. A domain rejection from an immediate drain
// rolls the flip back and returns the rejection; a transient failure keeps
// the optimistic state and returns nil.
func (e *Engine) ToggleSaved(ctx context.Context, userID, entityID string, payload json.RawMessage) (bool, error) {
	prior, err := e.savedRecord(ctx, entityID)
	if err != nil {
		return false, err
	}

	online := e.online()
	saved := prior == nil

	if prior == nil {
		rec := &SavedEntityRecord{
			ID:           entityID,
			OwnerID:      userID,
			Payload:      payload,
			SavedAt:      e.nowFunc().UnixMilli(),
			OfflineSaved: !online,
		}

		if putErr := e.putRecord(ctx, rec); putErr != nil {
			return false, putErr
		}

		if _, qErr := e.queue.Enqueue(ctx, userID, syncq.OpCreate, CollectionSavedPlaces, entityID, rec); qErr != nil {
			return false, qErr
		}
	} else {
		if _, delErr := e.store.Delete(ctx, localstore.SavedEntities, entityID); delErr != nil {
			return false, fmt.Errorf("engine: removing saved record %s: %w", entityID, delErr)
		}

		// The delete item carries the prior record so a rejected delete can
		// restore it exactly, index membership included.
		if _, qErr := e.queue.Enqueue(ctx, userID, syncq.OpDelete, CollectionSavedPlaces, entityID, prior); qErr != nil {
			return false, qErr
		}
	}

	e.invalidateSaved(ctx, userID)

	if !online {
		return saved, nil
	}

	result, drainErr := e.drainAndReconcile(ctx, userID)
	if drainErr != nil {
		// Offline race or overlapping drain; the optimistic state stands.
		return saved, nil
	}

	for _, outcome := range result.Outcomes {
		if outcome.EntityID == entityID && outcome.Terminal() {
			// drainAndReconcile already rolled the record back; report the
			// restored state and surface why.
			return prior != nil, outcome.Err
		}
	}

	return saved, nil
}

// AddReview submits a review for a place through the queue. The id is
// generated client-side so a retried create cannot duplicate the review.
func (e *Engine) AddReview(ctx context.Context, userID string, review json.RawMessage) (string, error) {
	return e.submitCreate(ctx, userID, CollectionReviews, review)
}

// PlanVisit schedules a visit through the queue, same path as AddReview.
func (e *Engine) PlanVisit(ctx context.Context, userID string, visit json.RawMessage) (string, error) {
	return e.submitCreate(ctx, userID, CollectionVisits, visit)
}

func (e *Engine) submitCreate(ctx context.Context, userID, collection string, payload json.RawMessage) (string, error) {
	id := uuid.NewString()

	if _, err := e.queue.Enqueue(ctx, userID, syncq.OpCreate, collection, id, payload); err != nil {
		return "", err
	}

	if err := e.cache.InvalidatePrefix(ctx, cache.OwnerPrefix(collection, userID)); err != nil {
		e.logger.Warn("engine: cache invalidation failed",
			slog.String("collection", collection),
			slog.String("error", err.Error()),
		)
	}

	if !e.online() {
		return id, nil
	}

	result, err := e.drainAndReconcile(ctx, userID)
	if err != nil {
		return id, nil
	}

	for _, outcome := range result.Outcomes {
		if outcome.EntityID == id && outcome.Terminal() {
			return "", outcome.Err
		}
	}

	return id, nil
}

// IsSaved reports whether a place is currently saved for the user.
func (e *Engine) IsSaved(ctx context.Context, entityID string) (bool, error) {
	rec, err := e.savedRecord(ctx, entityID)
	if err != nil {
		return false, err
	}

	return rec != nil, nil
}

// SavedEntities returns the user's saved places via the owner index.
func (e *Engine) SavedEntities(ctx context.Context, userID string) ([]*SavedEntityRecord, error) {
	items, err := e.store.GetByIndex(ctx, localstore.SavedEntities, "owner_id", userID)
	if err != nil {
		return nil, fmt.Errorf("engine: listing saved entities: %w", err)
	}

	records := make([]*SavedEntityRecord, 0, len(items))

	for _, item := range items {
		rec, recErr := itemRecord(item)
		if recErr != nil {
			e.logger.Warn("engine: skipping undecodable saved record",
				slog.String("error", recErr.Error()),
			)

			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

// CachedQuery serves a read-side query through the layered cache,
// deduplicating concurrent loads of the same key.
func (e *Engine) CachedQuery(
	ctx context.Context, userID, entity string, filters map[string]string,
	load func(context.Context) (any, error),
) (json.RawMessage, error) {
	key := cache.KeyFor(entity, userID, filters)

	return e.cache.GetOrLoad(ctx, key, userID, 0, load)
}

// RequestPrecache forwards warm-up hints to the background worker, fire and
// forget. A nil notifier (precaching disabled) makes this a no-op.
func (e *Engine) RequestPrecache(ctx context.Context, hints ...precache.Hint) {
	if e.notifier == nil {
		return
	}

	for _, hint := range hints {
		e.notifier.Notify(ctx, hint)
	}
}

// PendingChanges returns the user's pending and failed queue counts for
// diagnostic surfaces.
func (e *Engine) PendingChanges(ctx context.Context, userID string) (pending, failed int, err error) {
	return e.queue.Counts(ctx, userID)
}

// FailedChanges lists the user's terminally failed queue items.
func (e *Engine) FailedChanges(ctx context.Context, userID string) ([]*syncq.Item, error) {
	return e.queue.Failed(ctx, userID)
}

// Drain runs one queue drain for the user and reconciles local state with
// the outcomes. ErrOffline and ErrDrainInProgress are reported as-is.
func (e *Engine) Drain(ctx context.Context, userID string) (*syncq.DrainResult, error) {
	return e.drainAndReconcile(ctx, userID)
}

// RetryFailed requeues the user's failed operations for the next drain.
func (e *Engine) RetryFailed(ctx context.Context, userID string) (int, error) {
	return e.proc.RetryFailed(ctx, userID)
}

// Online reports current connectivity as the engine sees it.
func (e *Engine) Online() bool {
	return e.online()
}

// Degraded reports whether the indexed store is unavailable and reads are
// served from the flat fallback tier.
func (e *Engine) Degraded() bool {
	return e.store.Degraded()
}

// CacheEntries returns the number of cache entries currently persisted.
func (e *Engine) CacheEntries(ctx context.Context) (int, error) {
	return e.cache.Count(ctx)
}

// SweepCache removes up to limit expired cache entries; limit 0 means no
// bound. Returns the number removed.
func (e *Engine) SweepCache(ctx context.Context, limit int) (int, error) {
	return e.cache.SweepExpired(ctx, limit)
}

// drainAll drains every user with pending work, then sweeps the cache and
// collects completed queue items. Runs on the online edge.
func (e *Engine) drainAll(ctx context.Context) {
	if _, err := e.queue.ReclaimStale(ctx, staleClaimTimeout); err != nil {
		e.logger.Warn("engine: stale claim reclaim failed", slog.String("error", err.Error()))
	}

	users, err := e.queue.Users(ctx)
	if err != nil {
		e.logger.Warn("engine: listing queued users failed", slog.String("error", err.Error()))
		return
	}

	for _, userID := range users {
		if _, drainErr := e.drainAndReconcile(ctx, userID); drainErr != nil &&
			!errors.Is(drainErr, syncq.ErrDrainInProgress) {
			e.logger.Warn("engine: reconnect drain failed",
				slog.String("user_id", userID),
				slog.String("error", drainErr.Error()),
			)

			if errors.Is(drainErr, syncq.ErrOffline) {
				return
			}
		}
	}

	for {
		removed, sweepErr := e.cache.SweepExpired(ctx, 0)
		if sweepErr != nil || removed == 0 {
			break
		}
	}

	if _, gcErr := e.queue.GC(ctx, e.gcRetention); gcErr != nil {
		e.logger.Warn("engine: queue gc failed", slog.String("error", gcErr.Error()))
	}
}

// drainAndReconcile drains the user's queue and folds the outcomes back
// into local state: confirmed creates lose their offline flag and are
// reconciled to server truth, terminal failures roll back.
func (e *Engine) drainAndReconcile(ctx context.Context, userID string) (*syncq.DrainResult, error) {
	result, err := e.proc.Drain(ctx, userID)
	if result == nil {
		return nil, err
	}

	for _, outcome := range result.Outcomes {
		switch {
		case outcome.Disposition == syncq.Applied:
			e.reconcileApplied(ctx, userID, outcome)
		case outcome.Terminal():
			e.rollback(ctx, userID, outcome)
		}
	}

	return result, err
}

// reconcileApplied folds a confirmed mutation into local state. For saved
// places the server copy is authoritative: the record is refreshed from it
// and the offline flag cleared.
func (e *Engine) reconcileApplied(ctx context.Context, userID string, outcome syncq.Outcome) {
	if outcome.OperationType != syncq.OpCreate {
		return
	}

	item, err := e.queue.Get(ctx, outcome.ItemID)
	if err != nil || item == nil || item.TargetCollection != CollectionSavedPlaces {
		return
	}

	rec, err := e.savedRecord(ctx, outcome.EntityID)
	if err != nil || rec == nil {
		return
	}

	serverCopy, getErr := e.remote.Get(ctx, CollectionSavedPlaces, outcome.EntityID)

	switch {
	case getErr == nil:
		var serverRec SavedEntityRecord
		if json.Unmarshal(serverCopy, &serverRec) == nil && serverRec.ID == rec.ID {
			rec.Payload = serverRec.Payload
			rec.SavedAt = serverRec.SavedAt
		}
	case errors.Is(getErr, remote.ErrNotFound):
		// Another device unsaved it in the meantime. Server truth wins.
		if _, delErr := e.store.Delete(ctx, localstore.SavedEntities, rec.ID); delErr == nil {
			e.invalidateSaved(ctx, userID)
		}

		return
	default:
		// Transient; keep the local copy, just clear the offline flag.
	}

	rec.OfflineSaved = false

	if err := e.putRecord(ctx, rec); err != nil {
		e.logger.Warn("engine: reconcile write failed",
			slog.String("entity_id", rec.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	e.invalidateSaved(ctx, userID)
}

// rollback undoes the optimistic local effect of a terminally failed
// mutation, restoring the exact prior state.
func (e *Engine) rollback(ctx context.Context, userID string, outcome syncq.Outcome) {
	switch outcome.OperationType {
	case syncq.OpCreate:
		item, err := e.queue.Get(ctx, outcome.ItemID)
		if err != nil || item == nil {
			return
		}

		if item.TargetCollection == CollectionSavedPlaces {
			if _, delErr := e.store.Delete(ctx, localstore.SavedEntities, outcome.EntityID); delErr != nil {
				e.logger.Warn("engine: create rollback failed",
					slog.String("entity_id", outcome.EntityID),
					slog.String("error", delErr.Error()),
				)

				return
			}
		}

	case syncq.OpDelete:
		item, err := e.queue.Get(ctx, outcome.ItemID)
		if err != nil || item == nil || len(item.Payload) == 0 {
			return
		}

		var prior SavedEntityRecord
		if json.Unmarshal(item.Payload, &prior) != nil || prior.ID == "" {
			return
		}

		if putErr := e.putRecord(ctx, &prior); putErr != nil {
			e.logger.Warn("engine: delete rollback failed",
				slog.String("entity_id", prior.ID),
				slog.String("error", putErr.Error()),
			)

			return
		}

	case syncq.OpUpdate:
		// Updates carry full payloads; the next successful drain or fetch
		// restores server truth.
	}

	e.invalidateSaved(ctx, userID)
}

func (e *Engine) savedRecord(ctx context.Context, entityID string) (*SavedEntityRecord, error) {
	item, err := e.store.Get(ctx, localstore.SavedEntities, entityID)
	if err != nil {
		return nil, fmt.Errorf("engine: reading saved record %s: %w", entityID, err)
	}

	if item == nil {
		return nil, nil //nolint:nilnil // sentinel for "not saved"
	}

	rec, err := itemRecord(item)
	if err != nil {
		// Corrupt record: treat as absent.
		e.logger.Warn("engine: dropping undecodable saved record",
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()),
		)

		_, _ = e.store.Delete(ctx, localstore.SavedEntities, entityID)

		return nil, nil //nolint:nilnil // corrupt record treated as absent
	}

	return rec, nil
}

func (e *Engine) putRecord(ctx context.Context, rec *SavedEntityRecord) error {
	if _, err := e.store.Put(ctx, localstore.SavedEntities, recordItem(rec)); err != nil {
		return fmt.Errorf("engine: persisting saved record %s: %w", rec.ID, err)
	}

	return nil
}

func (e *Engine) invalidateSaved(ctx context.Context, userID string) {
	if err := e.cache.InvalidatePrefix(ctx, cache.OwnerPrefix(CollectionSavedPlaces, userID)); err != nil {
		e.logger.Warn("engine: cache invalidation failed", slog.String("error", err.Error()))
	}
}
