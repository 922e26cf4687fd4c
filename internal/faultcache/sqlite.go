package faultcache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/HerbHall/fruwatch/pkg/plugin"
)

// Compile-time interface guard.
var _ Store = (*SQLiteStore)(nil)

// migrationOwner scopes this package's migrations in the shared database.
const migrationOwner = "faultcache"

var migrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create fault record tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE fault_caches (
					cache      TEXT     PRIMARY KEY,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE fault_records (
					cache      TEXT NOT NULL REFERENCES fault_caches(cache) ON DELETE CASCADE,
					durable_id TEXT NOT NULL,
					health     TEXT NOT NULL,
					alert_type TEXT NOT NULL,
					PRIMARY KEY (cache, durable_id)
				)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// SQLiteStore keeps one sensor kind's fault map in the shared database.
type SQLiteStore struct {
	db    plugin.Store
	cache string
}

// NewSQLiteStore applies the fault record migrations and returns a store
// for the named cache.
func NewSQLiteStore(ctx context.Context, db plugin.Store, cache string) (*SQLiteStore, error) {
	if err := db.Migrate(ctx, migrationOwner, migrations); err != nil {
		return nil, fmt.Errorf("migrate fault cache tables: %w", err)
	}
	return &SQLiteStore{db: db, cache: cache}, nil
}

// Load reads the map. It returns ErrNotFound when the cache was never saved.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]Record, error) {
	var n int
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fault_caches WHERE cache = ?", s.cache,
	).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("query fault cache %s: %w", s.cache, err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT durable_id, health, alert_type FROM fault_records WHERE cache = ?", s.cache,
	)
	if err != nil {
		return nil, fmt.Errorf("query fault records %s: %w", s.cache, err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var id string
		var r Record
		if err := rows.Scan(&id, &r.Health, &r.AlertType); err != nil {
			return nil, fmt.Errorf("scan fault record: %w", err)
		}
		records[id] = r
	}
	return records, rows.Err()
}

// Save replaces the stored map in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, records map[string]Record) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fault_caches (cache, updated_at) VALUES (?, CURRENT_TIMESTAMP)
			ON CONFLICT(cache) DO UPDATE SET updated_at = CURRENT_TIMESTAMP`, s.cache)
		if err != nil {
			return fmt.Errorf("touch fault cache: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM fault_records WHERE cache = ?", s.cache); err != nil {
			return fmt.Errorf("clear fault records: %w", err)
		}
		for id, r := range records {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO fault_records (cache, durable_id, health, alert_type) VALUES (?, ?, ?, ?)",
				s.cache, id, string(r.Health), string(r.AlertType),
			)
			if err != nil {
				return fmt.Errorf("insert fault record %s: %w", id, err)
			}
		}
		return nil
	})
}
