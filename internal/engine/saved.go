package engine

import (
	"encoding/json"
	"fmt"

	"github.com/wayfareapp/wayfare-go/internal/localstore"
)

// Remote collections the orchestrator writes to.
const (
	CollectionSavedPlaces = "saved_places"
	CollectionReviews     = "reviews"
	CollectionVisits      = "visits"
)

// SavedEntityRecord is the UI-facing record for a saved place. OfflineSaved
// marks a save made without connectivity; it clears once the create has been
// confirmed by the remote service.
type SavedEntityRecord struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SavedAt      int64           `json:"saved_at"` // unix milliseconds
	OfflineSaved bool            `json:"offline_saved"`
}

// recordItem converts a record to the localstore representation.
func recordItem(r *SavedEntityRecord) localstore.Item {
	item := localstore.Item{
		"id":            r.ID,
		"owner_id":      r.OwnerID,
		"saved_at":      r.SavedAt,
		"offline_saved": r.OfflineSaved,
	}

	if len(r.Payload) > 0 {
		item["payload"] = json.RawMessage(r.Payload)
	}

	return item
}

// itemRecord converts a localstore record back to a SavedEntityRecord.
func itemRecord(item localstore.Item) (*SavedEntityRecord, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("engine: encoding stored record: %w", err)
	}

	var r SavedEntityRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("engine: decoding stored record: %w", err)
	}

	if r.ID == "" {
		return nil, fmt.Errorf("engine: stored record missing id")
	}

	return &r, nil
}
