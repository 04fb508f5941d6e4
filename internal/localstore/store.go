// Package localstore provides the structured on-device database: named
// collections with a primary key and declared secondary indices, backed by
// SQLite. Same-collection writes serialize through the database's native
// transaction mechanism (sole-writer connection), not ad-hoc locks.
//
// On initialization failure (driver unavailable, corruption, quota), every
// operation degrades to the fallback flat store instead of returning an
// error — callers never branch on which tier served them.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/wayfareapp/wayfare-go/internal/flatstore"
)

// Item is a single collection record. The primary key and any indexed fields
// are plain item fields; the whole item round-trips through the doc column.
type Item map[string]any

// Store is the structured local database. All methods are safe for
// concurrent use; writes serialize through the single SQLite connection.
type Store struct {
	db       *sql.DB // nil when degraded to the flat store
	fallback *flatstore.Store
	logger   *slog.Logger
}

// Open opens the SQLite database at dbPath, runs migrations, and returns a
// ready-to-use store. The database uses WAL mode with synchronous=FULL for
// crash-safe durability. If the database cannot be opened or migrated, the
// store silently degrades: every operation is served by the fallback tier.
func Open(ctx context.Context, dbPath string, fallback *flatstore.Store, logger *slog.Logger) *Store {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Warn("localstore: open failed, degrading to flat store",
			slog.String("db_path", dbPath),
			slog.String("error", err.Error()),
		)

		return &Store{fallback: fallback, logger: logger}
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		logger.Warn("localstore: migration failed, degrading to flat store",
			slog.String("db_path", dbPath),
			slog.String("error", err.Error()),
		)

		return &Store{fallback: fallback, logger: logger}
	}

	logger.Info("localstore initialized", slog.String("db_path", dbPath))

	return &Store{db: db, fallback: fallback, logger: logger}
}

// Degraded reports whether the store is serving from the fallback tier only.
func (s *Store) Degraded() bool {
	return s.db == nil
}

// DB exposes the underlying connection for components that need atomic
// conditional updates on their own collection (the sync queue's status
// transitions). Returns nil when degraded.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Fallback returns the flat store tier.
func (s *Store) Fallback() *flatstore.Store {
	return s.fallback
}

// Close closes the underlying database. The fallback tier has no resources
// to release.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("localstore: closing database: %w", err)
	}

	return nil
}

// Put inserts or replaces an item in a collection and returns its key.
// The write is mirrored to the fallback flat store in reduced form.
func (s *Store) Put(ctx context.Context, collection string, item Item) (string, error) {
	cs, ok := schemas[collection]
	if !ok {
		return "", fmt.Errorf("localstore: unknown collection %q", collection)
	}

	key, ok := item[cs.KeyPath].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("localstore: item in %s missing key field %q", collection, cs.KeyPath)
	}

	doc, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("localstore: encoding item %s/%s: %w", collection, key, err)
	}

	if s.db == nil {
		if setErr := s.fallback.Set(flatKey(collection, key), string(doc)); setErr != nil {
			return "", fmt.Errorf("localstore: fallback put %s/%s: %w", collection, key, setErr)
		}

		return key, nil
	}

	cols := []string{"key", "doc"}
	args := []any{key, string(doc)}
	updates := []string{"doc = excluded.doc"}

	for _, field := range cs.Indices {
		cols = append(cols, field)
		args = append(args, indexValue(item[field]))
		updates = append(updates, field+" = excluded."+field)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	//nolint:gosec // collection and column names come from the compile-time schema registry
	query := `INSERT INTO ` + collection + ` (` + strings.Join(cols, ", ") + `)
		VALUES (` + placeholders + `)
		ON CONFLICT(key) DO UPDATE SET ` + strings.Join(updates, ", ")

	if _, execErr := s.db.ExecContext(ctx, query, args...); execErr != nil {
		return "", fmt.Errorf("localstore: put %s/%s: %w", collection, key, execErr)
	}

	s.mirrorEssential(collection, key, item, cs)

	return key, nil
}

// Get returns the item stored under key, or nil if absent. A row whose doc
// fails to decode is deleted and treated as absent. On a primary-tier miss
// the fallback tier is consulted before reporting absence.
func (s *Store) Get(ctx context.Context, collection, key string) (Item, error) {
	if _, ok := schemas[collection]; !ok {
		return nil, fmt.Errorf("localstore: unknown collection %q", collection)
	}

	if s.db != nil {
		var doc string

		//nolint:gosec // collection names come from the compile-time schema registry
		err := s.db.QueryRowContext(ctx,
			`SELECT doc FROM `+collection+` WHERE key = ?`, key).Scan(&doc)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			// fall through to the fallback tier
		case err != nil:
			return nil, fmt.Errorf("localstore: get %s/%s: %w", collection, key, err)
		default:
			item, decodeErr := decodeItem(doc)
			if decodeErr == nil {
				return item, nil
			}

			// Corrupt record: delete so it does not keep failing, treat absent.
			s.logger.Warn("localstore: deleting undecodable record",
				slog.String("collection", collection),
				slog.String("key", key),
				slog.String("error", decodeErr.Error()),
			)

			if _, delErr := s.Delete(ctx, collection, key); delErr != nil {
				s.logger.Warn("localstore: cleanup of corrupt record failed",
					slog.String("key", key),
					slog.String("error", delErr.Error()),
				)
			}
		}
	}

	var item Item
	if s.fallback.GetJSON(flatKey(collection, key), &item) {
		return item, nil
	}

	return nil, nil
}

// GetByIndex returns all items whose indexed field equals value. The field
// must be a declared secondary index for the collection.
func (s *Store) GetByIndex(ctx context.Context, collection, field string, value any) ([]Item, error) {
	cs, ok := schemas[collection]
	if !ok {
		return nil, fmt.Errorf("localstore: unknown collection %q", collection)
	}

	if !cs.hasIndex(field) {
		return nil, fmt.Errorf("localstore: %s has no index on %q", collection, field)
	}

	if s.db == nil {
		return s.scanFallback(collection, func(item Item) bool {
			return indexValue(item[field]) == indexValue(value)
		}), nil
	}

	//nolint:gosec // collection and column names come from the compile-time schema registry
	query := `SELECT key, doc FROM ` + collection + ` WHERE ` + field + ` = ? ORDER BY key`

	return s.queryItems(ctx, collection, query, indexValue(value))
}

// GetAll returns every item in a collection.
func (s *Store) GetAll(ctx context.Context, collection string) ([]Item, error) {
	if _, ok := schemas[collection]; !ok {
		return nil, fmt.Errorf("localstore: unknown collection %q", collection)
	}

	if s.db == nil {
		return s.scanFallback(collection, func(Item) bool { return true }), nil
	}

	//nolint:gosec // collection names come from the compile-time schema registry
	return s.queryItems(ctx, collection, `SELECT key, doc FROM `+collection+` ORDER BY key`)
}

// Delete removes the item stored under key from both tiers. Returns true if
// the primary tier (or, when degraded, the fallback) held the item.
func (s *Store) Delete(ctx context.Context, collection, key string) (bool, error) {
	if _, ok := schemas[collection]; !ok {
		return false, fmt.Errorf("localstore: unknown collection %q", collection)
	}

	if s.db == nil {
		return s.fallback.Delete(flatKey(collection, key)), nil
	}

	//nolint:gosec // collection names come from the compile-time schema registry
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+collection+` WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("localstore: delete %s/%s: %w", collection, key, err)
	}

	s.fallback.Delete(flatKey(collection, key))

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return false, fmt.Errorf("localstore: delete %s/%s rows affected: %w", collection, key, rowsErr)
	}

	return rows > 0, nil
}

// Clear removes every item in a collection from both tiers.
func (s *Store) Clear(ctx context.Context, collection string) (bool, error) {
	if _, ok := schemas[collection]; !ok {
		return false, fmt.Errorf("localstore: unknown collection %q", collection)
	}

	if s.db != nil {
		//nolint:gosec // collection names come from the compile-time schema registry
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+collection); err != nil {
			return false, fmt.Errorf("localstore: clear %s: %w", collection, err)
		}
	}

	s.fallback.DeletePrefix(collection + "_")

	return true, nil
}

// queryItems executes a key+doc query and decodes the rows. Rows that fail
// to decode are skipped (and logged), not fatal.
func (s *Store) queryItems(ctx context.Context, collection, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: querying %s: %w", collection, err)
	}
	defer rows.Close()

	var items []Item

	for rows.Next() {
		var key, doc string
		if scanErr := rows.Scan(&key, &doc); scanErr != nil {
			return nil, fmt.Errorf("localstore: scanning %s row: %w", collection, scanErr)
		}

		item, decodeErr := decodeItem(doc)
		if decodeErr != nil {
			s.logger.Warn("localstore: skipping undecodable record",
				slog.String("collection", collection),
				slog.String("key", key),
				slog.String("error", decodeErr.Error()),
			)

			continue
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating %s rows: %w", collection, err)
	}

	return items, nil
}

// scanFallback is the O(n) prefix scan over the flat store, used only when
// the primary tier is unavailable.
func (s *Store) scanFallback(collection string, match func(Item) bool) []Item {
	var items []Item

	for key, raw := range s.fallback.ScanPrefix(collection + "_") {
		item, err := decodeItem(raw)
		if err != nil {
			s.logger.Warn("localstore: skipping undecodable fallback record",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)

			continue
		}

		if match(item) {
			items = append(items, item)
		}
	}

	return items
}

// mirrorEssential writes the reduced projection of an item to the fallback
// tier. Mirror failures are logged, never propagated — the fallback is a
// best-effort redundant backup while the primary tier is healthy.
func (s *Store) mirrorEssential(collection, key string, item Item, cs collectionSchema) {
	reduced := make(Item, len(cs.EssentialFields))

	for _, field := range cs.EssentialFields {
		if v, ok := item[field]; ok {
			reduced[field] = v
		}
	}

	if err := s.fallback.SetJSON(flatKey(collection, key), reduced); err != nil {
		s.logger.Warn("localstore: fallback mirror failed",
			slog.String("collection", collection),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// flatKey builds the namespaced fallback key for a collection record.
func flatKey(collection, key string) string {
	return collection + "_" + key
}

// decodeItem parses a doc column value.
func decodeItem(doc string) (Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return nil, fmt.Errorf("decoding doc: %w", err)
	}

	return item, nil
}

// indexValue normalizes an item field value for use as a SQL parameter.
// JSON round-trips turn numbers into float64; integral floats are narrowed
// back so index columns keep INTEGER affinity.
func indexValue(v any) any {
	switch n := v.(type) {
	case nil:
		return ""
	case bool:
		if n {
			return int64(1)
		}

		return int64(0)
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}

		return n
	default:
		return v
	}
}
