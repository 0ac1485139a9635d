// Package store provides the durable local store for field records, the
// sync queue rows, and small key-value state.
//
// The store is a single embedded SQLite database opened in WAL mode for
// concurrent access between the capture layer (producer) and the sync
// engine (consumer). It is pure CRUD: it knows nothing about sync policy,
// and never enqueues work on its own.
//
// Layout:
//   - records:     domain entities keyed by (entity_type, id)
//   - sync_queue:  pending transfers keyed by (entity_type, entity_id, direction)
//   - kv:          settings blob, last_sync_time, and similar scalar state
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tmcgann/fieldsync/internal/record"
)

// ErrNotFound is returned when a record or key does not exist.
var ErrNotFound = fmt.Errorf("not found")

// DB wraps the SQLite connection with fieldsync-specific functionality.
type DB struct {
	conn *sql.DB
	path string

	// now is replaceable for tests.
	now func() time.Time
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
		now:  time.Now,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection for packages that layer
// their own queries on the same database, such as the sync queue.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetNowFunc overrides the clock used for updated_at stamps. Tests only.
func (db *DB) SetNowFunc(now func() time.Time) {
	db.now = now
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT,
		synced INTEGER NOT NULL DEFAULT 0,
		revision INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, id)
	);

	-- One row per (entity, direction); re-enqueue replaces, never appends.
	CREATE TABLE IF NOT EXISTS sync_queue (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		payload_ref TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		enqueued_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id, direction)
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_synced ON records(entity_type, synced);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);

	-- Composite index for the dequeue hot path
	CREATE INDEX IF NOT EXISTS idx_queue_due
	    ON sync_queue(direction, status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// UpsertRecord inserts or updates a record.
//
// Every upsert stamps updated_at with the current time and bumps the
// revision counter; the caller's UpdatedAt and Revision are ignored and
// overwritten with the stored values. Upserting does NOT enqueue sync
// work - that is an explicit, separate call made by the capture layer or
// the engine.
func (db *DB) UpsertRecord(rec *record.Record) error {
	return db.UpsertRecordContext(context.Background(), rec)
}

// UpsertRecordContext inserts or updates a record with context support.
func (db *DB) UpsertRecordContext(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	now := db.now().UTC()

	// The revision bump lets readers detect a concurrent write: two
	// upserts under an injected clock share a timestamp, but never a
	// revision.
	query := `
	INSERT INTO records (entity_type, id, payload, synced, revision, updated_at)
	VALUES (?, ?, ?, ?, 1, ?)
	ON CONFLICT(entity_type, id) DO UPDATE SET
		payload = excluded.payload,
		synced = excluded.synced,
		revision = records.revision + 1,
		updated_at = excluded.updated_at
	RETURNING revision
	`

	var revision int64
	err := db.conn.QueryRowContext(ctx, query,
		string(rec.Type),
		rec.ID,
		string(rec.Payload),
		boolToInt(rec.Synced),
		now.Format(time.RFC3339Nano),
	).Scan(&revision)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Type, rec.ID, err)
	}

	rec.Revision = revision
	rec.UpdatedAt = now
	return nil
}

// GetRecord retrieves a single record.
// Returns ErrNotFound if the record does not exist.
func (db *DB) GetRecord(typ record.EntityType, id string) (*record.Record, error) {
	return db.GetRecordContext(context.Background(), typ, id)
}

// GetRecordContext retrieves a single record with context support.
func (db *DB) GetRecordContext(ctx context.Context, typ record.EntityType, id string) (*record.Record, error) {
	query := `
	SELECT entity_type, id, payload, synced, revision, updated_at
	FROM records
	WHERE entity_type = ? AND id = ?
	`

	row := db.conn.QueryRowContext(ctx, query, string(typ), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", typ, id, err)
	}
	return rec, nil
}

// ListRecords retrieves all records of a type, ordered by updated_at.
func (db *DB) ListRecords(typ record.EntityType) ([]*record.Record, error) {
	return db.ListRecordsContext(context.Background(), typ)
}

// ListRecordsContext retrieves records with context support.
func (db *DB) ListRecordsContext(ctx context.Context, typ record.EntityType) ([]*record.Record, error) {
	query := `
	SELECT entity_type, id, payload, synced, revision, updated_at
	FROM records
	WHERE entity_type = ?
	ORDER BY updated_at ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, string(typ))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListUnsynced retrieves all records of a type with synced=false.
func (db *DB) ListUnsynced(typ record.EntityType) ([]*record.Record, error) {
	return db.ListUnsyncedContext(context.Background(), typ)
}

// ListUnsyncedContext retrieves unsynced records with context support.
func (db *DB) ListUnsyncedContext(ctx context.Context, typ record.EntityType) ([]*record.Record, error) {
	query := `
	SELECT entity_type, id, payload, synced, revision, updated_at
	FROM records
	WHERE entity_type = ? AND synced = 0
	ORDER BY updated_at ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, string(typ))
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// DeleteRecord removes a record. Idempotent: deleting a missing record
// returns nil.
func (db *DB) DeleteRecord(typ record.EntityType, id string) error {
	return db.DeleteRecordContext(context.Background(), typ, id)
}

// DeleteRecordContext removes a record with context support.
func (db *DB) DeleteRecordContext(ctx context.Context, typ record.EntityType, id string) error {
	query := `DELETE FROM records WHERE entity_type = ? AND id = ?`
	_, err := db.conn.ExecContext(ctx, query, string(typ), id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", typ, id, err)
	}
	return nil
}

// MarkSynced flips the synced flag on a record without touching its payload.
// Used by the engine strictly after the remote transport confirms receipt.
func (db *DB) MarkSynced(typ record.EntityType, id string, synced bool) error {
	return db.MarkSyncedContext(context.Background(), typ, id, synced)
}

// MarkSyncedContext flips the synced flag with context support.
func (db *DB) MarkSyncedContext(ctx context.Context, typ record.EntityType, id string, synced bool) error {
	query := `UPDATE records SET synced = ?, updated_at = ? WHERE entity_type = ? AND id = ?`
	res, err := db.conn.ExecContext(ctx, query,
		boolToInt(synced),
		db.now().UTC().Format(time.RFC3339Nano),
		string(typ),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark record %s/%s synced=%v: %w", typ, id, synced, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSyncedIfCurrentContext flips synced=true only if the record's
// revision still matches the one the caller read. Returns false when the
// record was rewritten in the meantime: the stored payload is newer than
// the one the remote confirmed, so it must stay unsynced. A missing record
// also returns false.
//
// The synced flag itself is not a content change, so the flip does not
// bump the revision.
func (db *DB) MarkSyncedIfCurrentContext(ctx context.Context, typ record.EntityType, id string, revision int64) (bool, error) {
	query := `
	UPDATE records SET synced = 1, updated_at = ?
	WHERE entity_type = ? AND id = ? AND revision = ?`
	res, err := db.conn.ExecContext(ctx, query,
		db.now().UTC().Format(time.RFC3339Nano),
		string(typ),
		id,
		revision,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark record %s/%s synced: %w", typ, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark record %s/%s synced: %w", typ, id, err)
	}
	return n > 0, nil
}

// RecordCount returns the total number of records in the store.
func (db *DB) RecordCount() (int, error) {
	return db.RecordCountContext(context.Background())
}

// RecordCountContext returns the record count with context support.
func (db *DB) RecordCountContext(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// UnsyncedCount returns the number of records with synced=false.
func (db *DB) UnsyncedCount() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM records WHERE synced = 0").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced records: %w", err)
	}
	return count, nil
}

func scanRecords(rows *sql.Rows) ([]*record.Record, error) {
	var recs []*record.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var rec record.Record
	var typ, payload, updatedAt string
	var synced int

	if err := row.Scan(&typ, &rec.ID, &payload, &synced, &rec.Revision, &updatedAt); err != nil {
		return nil, err
	}

	rec.Type = record.EntityType(typ)
	if payload != "" {
		rec.Payload = []byte(payload)
	}
	rec.Synced = synced != 0
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
