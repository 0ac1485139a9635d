// Package queue implements the durable sync queue: one ordered, deduplicated
// row per pending transfer, surviving process restarts with no loss.
//
// The queue is shared between the capture layer (producer) and the sync
// engine (consumer). Dequeue returns a snapshot batch: items enqueued while
// a cycle is running become visible to the next dequeue, not the in-flight
// batch.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tmcgann/fieldsync/internal/record"
	"github.com/tmcgann/fieldsync/internal/retry"
	"github.com/tmcgann/fieldsync/internal/store"
)

// ErrBusy is returned when Enqueue would replace an item that is currently
// in flight. The caller should retry after the cycle settles the item.
var ErrBusy = fmt.Errorf("queue item is in flight")

// ErrNotFound is returned when an operation targets a missing queue row.
var ErrNotFound = fmt.Errorf("queue item not found")

// Direction is the transfer direction of a queue item.
type Direction string

const (
	// DirectionUpload pushes a local record to the remote authority.
	DirectionUpload Direction = "upload"
	// DirectionDownload fetches remote content (media) to the local store.
	DirectionDownload Direction = "download"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending means the item is waiting to be transferred.
	StatusPending Status = "pending"
	// StatusInFlight means a cycle is currently transferring the item.
	StatusInFlight Status = "in_flight"
	// StatusFailed means the item failed and is waiting out its backoff.
	StatusFailed Status = "failed"
	// StatusDead means the item exhausted its retry budget and needs
	// manual retry or discard.
	StatusDead Status = "dead"
)

// Item is a single pending transfer. Unique per (EntityType, EntityID,
// Direction): re-enqueueing replaces the existing row, never appends.
type Item struct {
	EntityType    record.EntityType
	EntityID      string
	Direction     Direction
	PayloadRef    string
	Status        Status
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	EnqueuedAt    time.Time
}

// Key returns a human-readable identity for logs and errors.
func (it *Item) Key() string {
	return fmt.Sprintf("%s/%s/%s", it.EntityType, it.EntityID, it.Direction)
}

// Queue provides sync-queue semantics over the shared store database.
type Queue struct {
	conn   *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// New creates a queue layered on the given store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		conn:   db.RawDB(),
		logger: logger,
		now:    time.Now,
	}
}

// SetNowFunc overrides the queue clock. Tests only.
func (q *Queue) SetNowFunc(now func() time.Time) {
	q.now = now
}

// Enqueue adds or replaces a pending transfer. Idempotent: an existing
// pending, failed, or dead row for the same key is replaced with a fresh
// pending row. An in_flight row is never replaced; Enqueue returns ErrBusy
// so the producer can retry after the cycle settles it.
func (q *Queue) Enqueue(item Item) error {
	return q.EnqueueContext(context.Background(), item)
}

// EnqueueContext adds or replaces a pending transfer with context support.
func (q *Queue) EnqueueContext(ctx context.Context, item Item) error {
	if !item.EntityType.Valid() {
		return fmt.Errorf("invalid entity type %q", item.EntityType)
	}
	if item.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if item.Direction != DirectionUpload && item.Direction != DirectionDownload {
		return fmt.Errorf("invalid direction %q", item.Direction)
	}

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND direction = ?`,
		string(item.EntityType), item.EntityID, string(item.Direction),
	).Scan(&status)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing queue item: %w", err)
	}
	if err == nil && Status(status) == StatusInFlight {
		return ErrBusy
	}

	now := q.now().UTC()

	// ON CONFLICT DO UPDATE preserves the rowid, so a replaced item keeps
	// its original insertion order.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (
			entity_type, entity_id, direction, payload_ref,
			status, attempt_count, next_attempt_at, last_error, enqueued_at
		) VALUES (?, ?, ?, ?, 'pending', 0, ?, '', ?)
		ON CONFLICT(entity_type, entity_id, direction) DO UPDATE SET
			payload_ref = excluded.payload_ref,
			status = 'pending',
			attempt_count = 0,
			next_attempt_at = excluded.next_attempt_at,
			last_error = ''`,
		string(item.EntityType), item.EntityID, string(item.Direction),
		item.PayloadRef,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", item.Key(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return nil
}

// DequeueBatch returns due items for a direction: pending rows, and failed
// rows whose backoff window has elapsed, ordered by next_attempt_at then
// insertion order. limit <= 0 means no limit.
//
// The returned slice is a snapshot; rows are not locked. Callers mark items
// in flight before transferring them.
func (q *Queue) DequeueBatch(direction Direction, limit int) ([]Item, error) {
	return q.DequeueBatchContext(context.Background(), direction, limit)
}

// DequeueBatchContext returns due items with context support.
func (q *Queue) DequeueBatchContext(ctx context.Context, direction Direction, limit int) ([]Item, error) {
	query := `
	SELECT entity_type, entity_id, direction, payload_ref,
	       status, attempt_count, next_attempt_at, last_error, enqueued_at
	FROM sync_queue
	WHERE direction = ?
	  AND status IN ('pending', 'failed')
	  AND next_attempt_at <= ?
	ORDER BY next_attempt_at ASC, rowid ASC
	`
	args := []any{string(direction), q.now().UTC().Format(time.RFC3339Nano)}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue %s batch: %w", direction, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// List returns every unsettled item for a direction, including items still
// inside their backoff window. Inspection only; cycles use DequeueBatch.
func (q *Queue) List(direction Direction) ([]Item, error) {
	rows, err := q.conn.Query(`
		SELECT entity_type, entity_id, direction, payload_ref,
		       status, attempt_count, next_attempt_at, last_error, enqueued_at
		FROM sync_queue
		WHERE direction = ? AND status != 'dead'
		ORDER BY enqueued_at ASC, rowid ASC`,
		string(direction),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s queue: %w", direction, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// MarkInFlight transitions a due item to in_flight so that concurrent
// producers cannot replace it mid-transfer.
func (q *Queue) MarkInFlight(ctx context.Context, item Item) error {
	res, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'in_flight'
		WHERE entity_type = ? AND entity_id = ? AND direction = ?
		  AND status IN ('pending', 'failed')`,
		string(item.EntityType), item.EntityID, string(item.Direction),
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s in flight: %w", item.Key(), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSucceeded settles a completed transfer. recRevision is the record
// revision the transfer actually carried, as read by the caller before the
// remote call; zero means no revision check (downloads).
//
// The row is deleted only if the record's revision is still the one that
// was transferred. A producer that re-captured the record mid-flight got
// ErrBusy from Enqueue and relied on the queue to carry the new payload,
// so a moved revision puts the row back to pending with a fresh retry
// budget instead of deleting it. The compare and the settle are one
// transaction; a concurrent upsert lands either before (requeue) or after
// (fresh Enqueue succeeds against the deleted row).
func (q *Queue) MarkSucceeded(ctx context.Context, item Item, recRevision int64) error {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settle: %w", err)
	}
	defer tx.Rollback()

	stale := false
	if recRevision > 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `
			SELECT revision FROM records WHERE entity_type = ? AND id = ?`,
			string(item.EntityType), item.EntityID,
		).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to settle %s: %w", item.Key(), err)
		}
		// A deleted record has nothing left to carry; settle normally.
		stale = err == nil && current != recRevision
	}

	if stale {
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = ''
			WHERE entity_type = ? AND entity_id = ? AND direction = ?
			  AND status = 'in_flight'`,
			q.now().UTC().Format(time.RFC3339Nano),
			string(item.EntityType), item.EntityID, string(item.Direction),
		)
		if err == nil {
			q.logger.Printf("Requeued %s: record rewritten during transfer", item.Key())
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM sync_queue
			WHERE entity_type = ? AND entity_id = ? AND direction = ?`,
			string(item.EntityType), item.EntityID, string(item.Direction),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to settle %s: %w", item.Key(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settle: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. The retry policy decides the outcome:
// a future retry (status failed, next_attempt_at pushed out by backoff) or
// the dead-letter set once the budget is exhausted. Items are never silently
// dropped.
func (q *Queue) MarkFailed(ctx context.Context, item Item, cause error, policy retry.Policy) error {
	attempt := item.AttemptCount + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if policy.IsDead(attempt) {
		_, err := q.conn.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'dead', attempt_count = ?, last_error = ?
			WHERE entity_type = ? AND entity_id = ? AND direction = ?`,
			attempt, msg,
			string(item.EntityType), item.EntityID, string(item.Direction),
		)
		if err != nil {
			return fmt.Errorf("failed to dead-letter %s: %w", item.Key(), err)
		}
		q.logger.Printf("Dead-lettered %s after %d attempts: %s", item.Key(), attempt, msg)
		return nil
	}

	nextAt := policy.NextAttemptAt(q.now().UTC(), attempt)
	_, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'failed', attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE entity_type = ? AND entity_id = ? AND direction = ?`,
		attempt, nextAt.Format(time.RFC3339Nano), msg,
		string(item.EntityType), item.EntityID, string(item.Direction),
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule %s: %w", item.Key(), err)
	}
	q.logger.Printf("Rescheduled %s (attempt %d, next %s): %s",
		item.Key(), attempt, nextAt.Format(time.RFC3339), msg)
	return nil
}

// Release returns an in_flight item to pending without spending retry
// budget. Used when a cycle aborts fatally: the queue must be left exactly
// as it was.
func (q *Queue) Release(ctx context.Context, item Item) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending'
		WHERE entity_type = ? AND entity_id = ? AND direction = ?
		  AND status = 'in_flight'`,
		string(item.EntityType), item.EntityID, string(item.Direction),
	)
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", item.Key(), err)
	}
	return nil
}

// MarkDead moves an item straight to the dead-letter set, bypassing the
// retry budget. Used for rejections the server will never accept unchanged.
func (q *Queue) MarkDead(ctx context.Context, item Item, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'dead', attempt_count = attempt_count + 1, last_error = ?
		WHERE entity_type = ? AND entity_id = ? AND direction = ?`,
		msg,
		string(item.EntityType), item.EntityID, string(item.Direction),
	)
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", item.Key(), err)
	}
	q.logger.Printf("Dead-lettered %s (rejected): %s", item.Key(), msg)
	return nil
}

// RecoverInFlight flips all in_flight rows back to pending. Called once at
// startup: an in_flight row found after a restart means the process crashed
// mid-transfer, and the crash-recovery rule assumes the operation did not
// complete. Uploads are safe to repeat because the server deduplicates by
// record ID.
func (q *Queue) RecoverInFlight() (int, error) {
	return q.RecoverInFlightContext(context.Background())
}

// RecoverInFlightContext recovers crashed transfers with context support.
func (q *Queue) RecoverInFlightContext(ctx context.Context) (int, error) {
	res, err := q.conn.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered items: %w", err)
	}
	if n > 0 {
		q.logger.Printf("Recovered %d in-flight item(s) from previous run", n)
	}
	return int(n), nil
}

// DeadLetters returns all dead-lettered items in insertion order.
func (q *Queue) DeadLetters() ([]Item, error) {
	rows, err := q.conn.Query(`
		SELECT entity_type, entity_id, direction, payload_ref,
		       status, attempt_count, next_attempt_at, last_error, enqueued_at
		FROM sync_queue
		WHERE status = 'dead'
		ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// RetryDead returns a dead-lettered item to the pending set with a fresh
// retry budget. Manual intervention path.
func (q *Queue) RetryDead(typ record.EntityType, id string, direction Direction) error {
	res, err := q.conn.Exec(`
		UPDATE sync_queue
		SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = ''
		WHERE entity_type = ? AND entity_id = ? AND direction = ? AND status = 'dead'`,
		q.now().UTC().Format(time.RFC3339Nano),
		string(typ), id, string(direction),
	)
	if err != nil {
		return fmt.Errorf("failed to retry dead item %s/%s/%s: %w", typ, id, direction, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardDead permanently removes a dead-lettered item.
func (q *Queue) DiscardDead(typ record.EntityType, id string, direction Direction) error {
	res, err := q.conn.Exec(`
		DELETE FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND direction = ? AND status = 'dead'`,
		string(typ), id, string(direction),
	)
	if err != nil {
		return fmt.Errorf("failed to discard dead item %s/%s/%s: %w", typ, id, direction, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Counts summarizes queue contents for the status surface.
type Counts struct {
	PendingUploads   int `json:"pending_uploads"`
	PendingDownloads int `json:"pending_downloads"`
	Dead             int `json:"dead"`
}

// Total returns the number of unsettled items across all buckets.
func (c Counts) Total() int {
	return c.PendingUploads + c.PendingDownloads + c.Dead
}

// PendingCounts tallies unsettled items per bucket. Pending, failed, and
// in_flight rows all count as pending work; only dead rows are separate.
func (q *Queue) PendingCounts() (Counts, error) {
	return q.PendingCountsContext(context.Background())
}

// PendingCountsContext tallies unsettled items with context support.
func (q *Queue) PendingCountsContext(ctx context.Context) (Counts, error) {
	rows, err := q.conn.QueryContext(ctx, `
		SELECT direction, status, COUNT(*)
		FROM sync_queue
		GROUP BY direction, status`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var direction, status string
		var n int
		if err := rows.Scan(&direction, &status, &n); err != nil {
			return Counts{}, fmt.Errorf("failed to scan queue counts: %w", err)
		}
		if Status(status) == StatusDead {
			c.Dead += n
			continue
		}
		switch Direction(direction) {
		case DirectionUpload:
			c.PendingUploads += n
		case DirectionDownload:
			c.PendingDownloads += n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("error iterating queue counts: %w", err)
	}

	return c, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item

	for rows.Next() {
		var it Item
		var typ, direction, status, nextAt, enqueuedAt string

		err := rows.Scan(&typ, &it.EntityID, &direction, &it.PayloadRef,
			&status, &it.AttemptCount, &nextAt, &it.LastError, &enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		it.EntityType = record.EntityType(typ)
		it.Direction = Direction(direction)
		it.Status = Status(status)
		if t, err := time.Parse(time.RFC3339Nano, nextAt); err == nil {
			it.NextAttemptAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			it.EnqueuedAt = t
		}

		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}
