package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Well-known kv keys owned by the sync layer.
const (
	// KeySettings holds the persisted SyncSettings JSON blob.
	KeySettings = "settings"
	// KeyLastSyncTime holds the RFC3339 timestamp of the last completed cycle.
	KeyLastSyncTime = "last_sync_time"
)

// GetValue retrieves a kv entry. Returns ErrNotFound for a missing key.
func (db *DB) GetValue(key string) (string, error) {
	return db.GetValueContext(context.Background(), key)
}

// GetValueContext retrieves a kv entry with context support.
func (db *DB) GetValueContext(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get kv %q: %w", key, err)
	}
	return value, nil
}

// SetValue stores a kv entry, replacing any existing value.
func (db *DB) SetValue(key, value string) error {
	return db.SetValueContext(context.Background(), key, value)
}

// SetValueContext stores a kv entry with context support.
func (db *DB) SetValueContext(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set kv %q: %w", key, err)
	}
	return nil
}

// DeleteValue removes a kv entry. Idempotent.
func (db *DB) DeleteValue(key string) error {
	if _, err := db.conn.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete kv %q: %w", key, err)
	}
	return nil
}

// LastSyncTime returns the timestamp of the last completed sync cycle,
// or the zero time if no cycle has completed yet.
func (db *DB) LastSyncTime() (time.Time, error) {
	value, err := db.GetValue(KeyLastSyncTime)
	if err == ErrNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time %q: %w", value, err)
	}
	return t, nil
}

// SetLastSyncTime records the completion time of a sync cycle.
func (db *DB) SetLastSyncTime(t time.Time) error {
	return db.SetValue(KeyLastSyncTime, t.UTC().Format(time.RFC3339Nano))
}
