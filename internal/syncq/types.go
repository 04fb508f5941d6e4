// Package syncq implements the durable sync queue and its processor: an
// ordered log of pending mutations drained against the remote service when
// connectivity allows. The queue is the single source of truth for "what
// must still happen"; only the processor mutates item status, and only the
// mutation orchestrator creates new items.
package syncq

import (
	"encoding/json"
	"fmt"
)

// OperationType identifies the kind of remote mutation an item carries.
type OperationType string

// Operation types.
const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Status is the queue item state machine position.
//
//	pending → processing → completed            happy path
//	pending → processing → pending              retryable failure
//	pending → processing → failed               retry budget exhausted
//
// "processing" is transient and must not survive a restart: Open reverts
// any processing item to pending, so an interrupted drain is recovered, not
// silently lost.
type Status string

// Item statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is a single queued mutation. Zero-or-more items may reference the
// same entity; the most recent item for an (entity, user) pair is the
// authoritative pending intent, but all items remain queued until drained
// so FIFO application order is preserved.
type Item struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	OperationType    OperationType   `json:"operation_type"`
	TargetCollection string          `json:"target_collection"`
	EntityID         string          `json:"entity_id"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           Status          `json:"status"`
	RetryCount       int             `json:"retry_count"`
	CreatedAt        int64           `json:"created_at"`   // unix milliseconds
	Seq              int64           `json:"seq"`          // FIFO tie-break within one millisecond
	LastUpdated      int64           `json:"last_updated"` // unix milliseconds
	LastError        string          `json:"last_error,omitempty"`
}

// ParseOperationType converts a stored string to an OperationType.
func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OpCreate, OpUpdate, OpDelete:
		return OperationType(s), nil
	default:
		return "", fmt.Errorf("syncq: unknown operation type %q", s)
	}
}
