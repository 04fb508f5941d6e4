package localstore

// Collection names. Each collection maps to a table created by the embedded
// migrations; the set of secondary indices is part of the versioned schema.
const (
	SavedEntities = "saved_entities"
	SyncQueue     = "sync_queue"
	CacheEntries  = "cache_entries"
)

// collectionSchema declares a collection's primary key field, its indexed
// fields (each backed by a dedicated column plus a SQL index), and the subset
// of fields mirrored to the fallback flat store.
type collectionSchema struct {
	// KeyPath is the item field holding the primary key.
	KeyPath string

	// Indices maps item field names to their table columns. Declarations are
	// additive only — removing or renaming one requires a schema version bump.
	Indices []string

	// EssentialFields is the reduced projection mirrored to the flat store.
	// Kept small to bound fallback storage size.
	EssentialFields []string
}

// schemas is the registry of declared collections. Put/GetByIndex reject
// collections and index fields not declared here.
var schemas = map[string]collectionSchema{
	SavedEntities: {
		KeyPath:         "id",
		Indices:         []string{"owner_id", "saved_at"},
		EssentialFields: []string{"id", "owner_id", "saved_at", "offline_saved"},
	},
	SyncQueue: {
		KeyPath:         "id",
		Indices:         []string{"user_id", "status", "created_at"},
		EssentialFields: []string{"id", "user_id", "operation_type", "entity_id", "status"},
	},
	CacheEntries: {
		KeyPath:         "cache_key",
		Indices:         []string{"owner_id", "expires_at"},
		EssentialFields: []string{"cache_key", "owner_id", "expires_at"},
	},
}

// hasIndex reports whether field is a declared index of the collection.
// For sync_queue the (user_id, status) pair shares one composite index, but
// each field is still its own queryable column.
func (cs collectionSchema) hasIndex(field string) bool {
	for _, idx := range cs.Indices {
		if idx == field {
			return true
		}
	}

	return false
}
