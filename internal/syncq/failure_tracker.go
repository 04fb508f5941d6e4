package syncq

import (
	"log/slog"
	"sync"
	"time"
)

// failureRecord tracks drain failures for a single entity.
type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// failureTracker suppresses entities whose mutations fail repeatedly across
// drains. Thread-safe. Entities that fail >= suppressThreshold times within
// suppressCooldown are skipped with a Warn log so one poisoned record cannot
// burn the retry budget of every drain. Success clears the record.
type failureTracker struct {
	mu      sync.Mutex
	records map[string]*failureRecord
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing
}

func newFailureTracker(logger *slog.Logger) *failureTracker {
	return &failureTracker{
		records: make(map[string]*failureRecord),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// shouldSkip returns true if the entity has failed enough times within the
// cooldown window that it should be suppressed.
func (ft *failureTracker) shouldSkip(entityID string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[entityID]
	if !ok {
		return false
	}

	// Forget stale failures.
	if ft.nowFunc().Sub(rec.lastAt) > suppressCooldown {
		delete(ft.records, entityID)
		return false
	}

	return rec.count >= suppressThreshold
}

// recordFailure increments the failure counter for an entity.
func (ft *failureTracker) recordFailure(entityID, errMsg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[entityID]
	if !ok {
		rec = &failureRecord{}
		ft.records[entityID] = rec
	}

	// Reset if the previous failure is older than the cooldown.
	if ft.nowFunc().Sub(rec.lastAt) > suppressCooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastErr = errMsg
	rec.lastAt = ft.nowFunc()

	if rec.count == suppressThreshold {
		ft.logger.Warn("entity suppressed after repeated failures",
			slog.String("entity_id", entityID),
			slog.Int("failures", rec.count),
			slog.String("last_error", errMsg),
			slog.Duration("cooldown", suppressCooldown),
		)
	}
}

// recordSuccess clears the failure record for an entity.
func (ft *failureTracker) recordSuccess(entityID string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, entityID)
}

// reset forgets all failure records. Invoked when the user explicitly
// retries failed operations.
func (ft *failureTracker) reset() {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.records = make(map[string]*failureRecord)
}
