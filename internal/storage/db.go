package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database holding source location records
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode lets searches read while imports write
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	storage := New(db)

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return storage, nil
}

// New wraps an already opened database handle. The schema is assumed to exist.
func New(db *sql.DB) *DB {
	return &DB{db: db}
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// initSchema creates tables if they don't exist
func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locations (
		id INTEGER PRIMARY KEY,
		organization_id INTEGER REFERENCES organizations(id) ON DELETE SET NULL,
		name TEXT,
		description TEXT,
		covid19 INTEGER NOT NULL DEFAULT 0,
		featured_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS addresses (
		id INTEGER PRIMARY KEY,
		location_id INTEGER NOT NULL UNIQUE REFERENCES locations(id) ON DELETE CASCADE,
		postal_code TEXT
	);

	CREATE TABLE IF NOT EXISTS services (
		id INTEGER PRIMARY KEY,
		location_id INTEGER NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		keywords TEXT
	);

	CREATE TABLE IF NOT EXISTS categories (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS categories_services (
		category_id INTEGER NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
		service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		PRIMARY KEY (category_id, service_id)
	);

	CREATE TABLE IF NOT EXISTS regular_schedules (
		id INTEGER PRIMARY KEY,
		service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		weekday INTEGER NOT NULL,
		opens_at TEXT,
		closes_at TEXT
	);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS taggings (
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		location_id INTEGER NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tag_id, location_id)
	);

	CREATE TABLE IF NOT EXISTS service_taggings (
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tag_id, service_id)
	);

	CREATE INDEX IF NOT EXISTS idx_locations_org ON locations(organization_id);
	CREATE INDEX IF NOT EXISTS idx_services_location ON services(location_id);
	CREATE INDEX IF NOT EXISTS idx_categories_services_service ON categories_services(service_id);
	CREATE INDEX IF NOT EXISTS idx_schedules_service ON regular_schedules(service_id);
	CREATE INDEX IF NOT EXISTS idx_taggings_location ON taggings(location_id);
	CREATE INDEX IF NOT EXISTS idx_service_taggings_service ON service_taggings(service_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Count returns the total number of locations
func (d *DB) Count(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM locations").Scan(&count)
	return count, err
}

// LocationIDs returns the ids of every location in ascending order
func (d *DB) LocationIDs(ctx context.Context) ([]int64, error) {
	return d.queryIDs(ctx, "SELECT id FROM locations ORDER BY id")
}

func (d *DB) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
