package syncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/wayfareapp/wayfare-go/internal/remote"
)

// Processor defaults.
const (
	// DefaultMaxRetries is the total attempt budget per item. An item that
	// fails transiently this many times transitions to the terminal failed
	// state instead of retrying forever.
	DefaultMaxRetries = 3

	// DefaultBackoffBase seeds the fibonacci wait between attempts.
	DefaultBackoffBase = 500 * time.Millisecond

	// DefaultBackoffCap bounds a single wait between attempts.
	DefaultBackoffCap = 10 * time.Second
)

// Failure suppression constants for repeatedly failing entities.
const (
	suppressThreshold = 3
	suppressCooldown  = 30 * time.Minute
)

// Drain sentinels.
var (
	// ErrOffline means the drain was refused or aborted because the device
	// has no connectivity. Queued items are untouched.
	ErrOffline = errors.New("syncq: offline")

	// ErrDrainInProgress means another drain for the same user is already
	// running. The caller's work is already being done; this is not a failure.
	ErrDrainInProgress = errors.New("syncq: drain already in progress")
)

// Disposition describes what happened to one item during a drain.
type Disposition string

// Item dispositions.
const (
	Applied    Disposition = "applied"    // remote accepted the mutation
	Rejected   Disposition = "rejected"   // remote rejected it; terminal, roll back
	Exhausted  Disposition = "exhausted"  // retry budget spent; terminal
	Deferred   Disposition = "deferred"   // left pending for a later drain
	Suppressed Disposition = "suppressed" // skipped by the failure tracker
)

// Outcome is the per-item result of a drain. Terminal dispositions carry
// the error that caused them so the orchestrator can surface and roll back.
type Outcome struct {
	ItemID        string
	EntityID      string
	OperationType OperationType
	Disposition   Disposition
	Err           error
}

// Terminal reports whether the item will never be retried automatically.
func (o Outcome) Terminal() bool {
	return o.Disposition == Rejected || o.Disposition == Exhausted
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Outcomes []Outcome
	Applied  int
	Failed   int // terminal outcomes
	Deferred int
}

// Processor drains a user's pending queue against the remote service. It is
// the only component that moves items out of pending. Safe for concurrent
// use; concurrent drains for the same user collapse to one.
type Processor struct {
	queue  *Queue
	remote remote.Service
	logger *slog.Logger

	online func() bool // connectivity probe

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	sleepFunc func(ctx context.Context, d time.Duration) error

	suppress *failureTracker

	mu       sync.Mutex
	draining map[string]bool // userID → drain in flight
}

// NewProcessor creates a Processor. online reports current connectivity;
// a nil probe is treated as always online.
func NewProcessor(queue *Queue, svc remote.Service, online func() bool, logger *slog.Logger) *Processor {
	if online == nil {
		online = func() bool { return true }
	}

	return &Processor{
		queue:       queue,
		remote:      svc,
		logger:      logger,
		online:      online,
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		sleepFunc:   sleepContext,
		suppress:    newFailureTracker(logger),
		draining:    make(map[string]bool),
	}
}

// SetSleepFunc replaces the wait between retry attempts. Tests inject a
// no-op to avoid real delays.
func (p *Processor) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	p.sleepFunc = fn
}

// SetRetryPolicy overrides the per-item retry budget and backoff bounds,
// typically from the sync section of the config file. Non-positive values
// keep the current setting. Safe to call while drains are running; in-flight
// items pick up the new policy on their next attempt loop.
func (p *Processor) SetRetryPolicy(maxRetries int, base, limit time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxRetries > 0 {
		p.maxRetries = maxRetries
	}

	if base > 0 {
		p.backoffBase = base
	}

	if limit > 0 {
		p.backoffCap = limit
	}
}

// Drain applies the user's pending items in FIFO order. It refuses to start
// offline (ErrOffline) and collapses concurrent invocations for the same
// user (ErrDrainInProgress). Once an item for an entity fails within a
// drain, later items for that entity are deferred — applying them out of
// order could violate a dependency on the failed mutation.
func (p *Processor) Drain(ctx context.Context, userID string) (*DrainResult, error) {
	if !p.online() {
		return nil, ErrOffline
	}

	p.mu.Lock()

	if p.draining[userID] {
		p.mu.Unlock()
		return nil, ErrDrainInProgress
	}

	p.draining[userID] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.draining, userID)
		p.mu.Unlock()
	}()

	items, err := p.queue.PendingFIFO(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	blocked := make(map[string]bool) // entities with a failure this drain

	for _, item := range items {
		if ctx.Err() != nil {
			p.defer_(result, item, ctx.Err())
			continue
		}

		if blocked[item.EntityID] {
			p.defer_(result, item, nil)
			continue
		}

		if p.suppress.shouldSkip(item.EntityID) {
			result.Outcomes = append(result.Outcomes, Outcome{
				ItemID:        item.ID,
				EntityID:      item.EntityID,
				OperationType: item.OperationType,
				Disposition:   Suppressed,
			})
			result.Deferred++
			blocked[item.EntityID] = true

			continue
		}

		outcome := p.process(ctx, item)
		result.Outcomes = append(result.Outcomes, outcome)

		switch outcome.Disposition {
		case Applied:
			result.Applied++
			p.suppress.recordSuccess(item.EntityID)
		case Rejected, Exhausted:
			result.Failed++
			blocked[item.EntityID] = true
			p.suppress.recordFailure(item.EntityID, outcome.Err.Error())
		case Deferred, Suppressed:
			result.Deferred++
			blocked[item.EntityID] = true
		}

		// Connectivity loss mid-drain: stop, the rest stays pending.
		if outcome.Disposition == Deferred && errors.Is(outcome.Err, ErrOffline) {
			for _, rest := range items[len(result.Outcomes):] {
				p.defer_(result, rest, nil)
			}

			p.logger.Info("syncq: drain interrupted by connectivity loss",
				slog.String("user_id", userID),
				slog.Int("applied", result.Applied),
			)

			return result, ErrOffline
		}
	}

	p.logger.Debug("syncq: drain complete",
		slog.String("user_id", userID),
		slog.Int("applied", result.Applied),
		slog.Int("failed", result.Failed),
		slog.Int("deferred", result.Deferred),
	)

	return result, nil
}

// RetryFailed requeues the user's failed items and clears their failure
// suppression so the next drain actually attempts them.
func (p *Processor) RetryFailed(ctx context.Context, userID string) (int, error) {
	n, err := p.queue.RetryFailed(ctx, userID)
	if err != nil {
		return 0, err
	}

	p.suppress.reset()

	return n, nil
}

// process claims one item and runs its bounded attempt loop.
func (p *Processor) process(ctx context.Context, item *Item) Outcome {
	outcome := Outcome{
		ItemID:        item.ID,
		EntityID:      item.EntityID,
		OperationType: item.OperationType,
	}

	claimed, err := p.queue.Claim(ctx, item.ID)
	if err != nil {
		outcome.Disposition = Deferred
		outcome.Err = err

		return outcome
	}

	if !claimed {
		// Another drain got here first; its outcome is authoritative.
		outcome.Disposition = Deferred

		return outcome
	}

	p.mu.Lock()
	maxRetries := p.maxRetries
	backoff := retry.WithCappedDuration(p.backoffCap, retry.NewFibonacci(p.backoffBase))
	p.mu.Unlock()

	retries := item.RetryCount

	for {
		execErr := p.execute(ctx, item)
		if execErr == nil {
			if completeErr := p.queue.Complete(ctx, item.ID); completeErr != nil {
				p.logger.Error("syncq: applied item could not be marked completed",
					slog.String("id", item.ID),
					slog.String("error", completeErr.Error()),
				)
			}

			outcome.Disposition = Applied

			return outcome
		}

		if remote.IsDomainRejection(execErr) {
			// The service understood the request and said no. Retrying the
			// identical payload cannot succeed; surface it for rollback.
			p.release(ctx, item.ID, execErr, StatusFailed)

			outcome.Disposition = Rejected
			outcome.Err = execErr

			return outcome
		}

		if errors.Is(execErr, remote.ErrUnreachable) || ctx.Err() != nil {
			// The service never saw the request, or we are shutting down.
			// Return the item untouched; no retry budget is spent on being
			// offline.
			p.release(ctx, item.ID, execErr, StatusPending)

			outcome.Disposition = Deferred
			outcome.Err = fmt.Errorf("%w: %w", ErrOffline, execErr)

			return outcome
		}

		retries++

		if bumpErr := p.queue.BumpRetry(ctx, item.ID, execErr.Error()); bumpErr != nil {
			p.logger.Warn("syncq: retry bump failed",
				slog.String("id", item.ID),
				slog.String("error", bumpErr.Error()),
			)
		}

		if retries >= maxRetries {
			p.release(ctx, item.ID, execErr, StatusFailed)

			outcome.Disposition = Exhausted
			outcome.Err = fmt.Errorf("syncq: retries exhausted after %d attempts: %w", retries, execErr)

			p.logger.Warn("syncq: item failed permanently",
				slog.String("id", item.ID),
				slog.String("entity_id", item.EntityID),
				slog.Int("attempts", retries),
				slog.String("error", execErr.Error()),
			)

			return outcome
		}

		wait, _ := backoff.Next()

		if sleepErr := p.sleepFunc(ctx, wait); sleepErr != nil {
			p.release(ctx, item.ID, execErr, StatusPending)

			outcome.Disposition = Deferred
			outcome.Err = sleepErr

			return outcome
		}
	}
}

// execute performs one remote attempt for an item.
func (p *Processor) execute(ctx context.Context, item *Item) error {
	switch item.OperationType {
	case OpCreate:
		return p.remote.Create(ctx, item.TargetCollection, item.EntityID, item.Payload)
	case OpUpdate:
		return p.remote.Update(ctx, item.TargetCollection, item.EntityID, item.Payload)
	case OpDelete:
		return p.remote.Delete(ctx, item.TargetCollection, item.EntityID)
	default:
		return fmt.Errorf("syncq: unknown operation type %q", item.OperationType)
	}
}

// release moves a processing item to its post-attempt status, logging
// rather than failing the drain if the transition itself cannot persist.
func (p *Processor) release(ctx context.Context, id string, cause error, to Status) {
	var err error

	switch to {
	case StatusPending:
		err = p.queue.Release(ctx, id, cause.Error())
	case StatusFailed:
		err = p.queue.Fail(ctx, id, cause.Error())
	case StatusProcessing, StatusCompleted:
		err = fmt.Errorf("syncq: invalid release target %s", to)
	}

	if err != nil {
		p.logger.Error("syncq: status transition failed",
			slog.String("id", id),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
}

// defer_ records a deferred outcome for an item that was never claimed.
func (p *Processor) defer_(result *DrainResult, item *Item, err error) {
	result.Outcomes = append(result.Outcomes, Outcome{
		ItemID:        item.ID,
		EntityID:      item.EntityID,
		OperationType: item.OperationType,
		Disposition:   Deferred,
		Err:           err,
	})
	result.Deferred++
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
