package queue

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/tmcgann/fieldsync/internal/record"
	"github.com/tmcgann/fieldsync/internal/retry"
	"github.com/tmcgann/fieldsync/internal/store"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestQueue(t *testing.T) (*Queue, *store.DB, *time.Time) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	now := testStart
	clock := func() time.Time { return now }
	db.SetNowFunc(clock)

	q := New(db, log.New(io.Discard, "", 0))
	q.SetNowFunc(clock)
	return q, db, &now
}

func testPolicy() retry.Policy {
	return retry.Policy{
		Base:       2 * time.Second,
		Max:        5 * time.Minute,
		MaxRetries: 3,
		Rand:       func() float64 { return 0 },
	}
}

func uploadItem(id string) Item {
	return Item{
		EntityType: record.TypeSubmission,
		EntityID:   id,
		Direction:  DirectionUpload,
	}
}

func TestEnqueueDequeue(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	if err := q.Enqueue(uploadItem("a")); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := q.Enqueue(uploadItem("b")); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	items, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].EntityID != "a" || items[1].EntityID != "b" {
		t.Errorf("Order = %s, %s; want a, b", items[0].EntityID, items[1].EntityID)
	}
	for _, it := range items {
		if it.Status != StatusPending {
			t.Errorf("Status = %s, want %s", it.Status, StatusPending)
		}
	}
}

func TestEnqueueSameKeyReplaces(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	item := uploadItem("a")
	item.PayloadRef = "v1"
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	item.PayloadRef = "v2"
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Re-enqueue should replace, got: %v", err)
	}

	items, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1 (no duplicates)", len(items))
	}
	if items[0].PayloadRef != "v2" {
		t.Errorf("PayloadRef = %s, want v2", items[0].PayloadRef)
	}
}

func TestEnqueueReplaceResetsRetryState(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)
	if err := q.MarkFailed(context.Background(), item, fmt.Errorf("boom"), testPolicy()); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}

	// Replacing a failed item starts its retry budget over.
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to re-enqueue: %v", err)
	}

	items, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0 after replace", items[0].AttemptCount)
	}
	if items[0].LastError != "" {
		t.Errorf("LastError = %q, want empty after replace", items[0].LastError)
	}
}

func TestEnqueueBusyWhileInFlight(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)

	if err := q.Enqueue(item); err != ErrBusy {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func mustMarkInFlight(t *testing.T, q *Queue, item Item) {
	t.Helper()
	if err := q.MarkInFlight(context.Background(), item); err != nil {
		t.Fatalf("Failed to mark in flight: %v", err)
	}
}

func TestDequeueSkipsInFlightAndDead(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	flying := uploadItem("flying")
	dead := uploadItem("dead")
	ready := uploadItem("ready")
	for _, it := range []Item{flying, dead, ready} {
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}
	mustMarkInFlight(t, q, flying)
	if err := q.MarkDead(context.Background(), dead, fmt.Errorf("rejected")); err != nil {
		t.Fatalf("Failed to mark dead: %v", err)
	}

	items, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 1 || items[0].EntityID != "ready" {
		t.Errorf("Dequeued %+v, want just ready", items)
	}
}

func TestDequeueRespectsBackoffWindow(t *testing.T) {
	q, _, now := setupTestQueue(t)

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)
	if err := q.MarkFailed(context.Background(), item, fmt.Errorf("boom"), testPolicy()); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}

	// Backoff for attempt 1 is 2s; not due yet.
	items, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("Item dequeued inside its backoff window: %+v", items)
	}

	*now = now.Add(3 * time.Second)
	items, err = q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1 after backoff elapsed", len(items))
	}
	if items[0].AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", items[0].AttemptCount)
	}
}

func TestMarkSucceededRemovesItem(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)
	if err := q.MarkSucceeded(context.Background(), item, 0); err != nil {
		t.Fatalf("Failed to mark succeeded: %v", err)
	}

	counts, err := q.PendingCounts()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if counts.Total() != 0 {
		t.Errorf("Counts = %+v, want empty", counts)
	}
}

func TestMarkSucceededDeletesWhenRevisionCurrent(t *testing.T) {
	q, db, _ := setupTestQueue(t)

	rec := record.Record{ID: "a", Type: record.TypeSubmission, Payload: []byte(`{"f":1}`)}
	if err := db.UpsertRecord(&rec); err != nil {
		t.Fatalf("Failed to upsert record: %v", err)
	}

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)

	if err := q.MarkSucceeded(context.Background(), item, rec.Revision); err != nil {
		t.Fatalf("Failed to mark succeeded: %v", err)
	}

	items, err := q.List(DirectionUpload)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0 after settle", len(items))
	}
}

func TestMarkSucceededRequeuesWhenRecordRewritten(t *testing.T) {
	q, db, _ := setupTestQueue(t)

	rec := record.Record{ID: "a", Type: record.TypeSubmission, Payload: []byte(`{"f":1}`)}
	if err := db.UpsertRecord(&rec); err != nil {
		t.Fatalf("Failed to upsert record: %v", err)
	}
	sent := rec.Revision

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)

	// Producer rewrites the record mid-flight; Enqueue refuses to touch
	// the in_flight row and the settle below must carry the new payload.
	rec.Payload = []byte(`{"f":2}`)
	if err := db.UpsertRecord(&rec); err != nil {
		t.Fatalf("Failed to rewrite record: %v", err)
	}
	if err := q.Enqueue(item); err != ErrBusy {
		t.Fatalf("Enqueue during flight = %v, want ErrBusy", err)
	}

	if err := q.MarkSucceeded(context.Background(), item, sent); err != nil {
		t.Fatalf("Failed to settle: %v", err)
	}

	items, err := q.List(DirectionUpload)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1 requeued item", len(items))
	}
	got := items[0]
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want %s", got.Status, StatusPending)
	}
	if got.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0 after requeue", got.AttemptCount)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want empty", got.LastError)
	}
}

func TestMarkSucceededSettlesWhenRecordDeleted(t *testing.T) {
	q, db, _ := setupTestQueue(t)

	rec := record.Record{ID: "a", Type: record.TypeSubmission, Payload: []byte(`{"f":1}`)}
	if err := db.UpsertRecord(&rec); err != nil {
		t.Fatalf("Failed to upsert record: %v", err)
	}

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)

	if err := db.DeleteRecord(record.TypeSubmission, "a"); err != nil {
		t.Fatalf("Failed to delete record: %v", err)
	}
	if err := q.MarkSucceeded(context.Background(), item, rec.Revision); err != nil {
		t.Fatalf("Failed to settle: %v", err)
	}

	items, err := q.List(DirectionUpload)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0 for a deleted record", len(items))
	}
}

func TestMarkFailedDeadLettersAtBudget(t *testing.T) {
	q, _, now := setupTestQueue(t)
	policy := testPolicy()

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		*now = now.Add(10 * time.Minute)
		items, err := q.DequeueBatch(DirectionUpload, 0)
		if err != nil {
			t.Fatalf("Failed to dequeue: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("Attempt %d: len(items) = %d, want 1", attempt, len(items))
		}
		mustMarkInFlight(t, q, items[0])
		if err := q.MarkFailed(context.Background(), items[0], fmt.Errorf("boom %d", attempt), policy); err != nil {
			t.Fatalf("Failed to mark failed: %v", err)
		}
	}

	dead, err := q.DeadLetters()
	if err != nil {
		t.Fatalf("Failed to list dead: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("len(dead) = %d, want 1", len(dead))
	}
	if dead[0].AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", dead[0].AttemptCount)
	}
	if dead[0].LastError != "boom 3" {
		t.Errorf("LastError = %q, want the final cause", dead[0].LastError)
	}
}

func TestReleaseReturnsItemUntouched(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)
	if err := q.Release(context.Background(), item); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}

	items, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].Status != StatusPending || items[0].AttemptCount != 0 {
		t.Errorf("Released item = %+v, want pristine pending", items[0])
	}
}

func TestRecoverInFlight(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	for _, id := range []string{"a", "b"} {
		item := uploadItem(id)
		if err := q.Enqueue(item); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
		mustMarkInFlight(t, q, item)
	}

	n, err := q.RecoverInFlight()
	if err != nil {
		t.Fatalf("Failed to recover: %v", err)
	}
	if n != 2 {
		t.Errorf("Recovered %d, want 2", n)
	}

	items, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len(items) = %d, want 2", len(items))
	}
}

func TestRetryDeadResetsBudget(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := q.MarkDead(context.Background(), item, fmt.Errorf("rejected")); err != nil {
		t.Fatalf("Failed to mark dead: %v", err)
	}

	if err := q.RetryDead(record.TypeSubmission, "a", DirectionUpload); err != nil {
		t.Fatalf("Failed to retry dead: %v", err)
	}

	items, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0 after manual retry", items[0].AttemptCount)
	}

	dead, _ := q.DeadLetters()
	if len(dead) != 0 {
		t.Errorf("Dead letters = %+v, want none", dead)
	}
}

func TestDiscardDead(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := q.MarkDead(context.Background(), item, fmt.Errorf("rejected")); err != nil {
		t.Fatalf("Failed to mark dead: %v", err)
	}

	if err := q.DiscardDead(record.TypeSubmission, "a", DirectionUpload); err != nil {
		t.Fatalf("Failed to discard: %v", err)
	}

	counts, err := q.PendingCounts()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if counts.Total() != 0 {
		t.Errorf("Counts = %+v, want empty", counts)
	}
}

func TestPendingCountsByDirection(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	for _, id := range []string{"u1", "u2"} {
		if err := q.Enqueue(uploadItem(id)); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}
	dl := Item{EntityType: record.TypeMedia, EntityID: "m1", Direction: DirectionDownload}
	if err := q.Enqueue(dl); err != nil {
		t.Fatalf("Failed to enqueue download: %v", err)
	}
	deadItem := uploadItem("dead")
	if err := q.Enqueue(deadItem); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := q.MarkDead(context.Background(), deadItem, fmt.Errorf("rejected")); err != nil {
		t.Fatalf("Failed to mark dead: %v", err)
	}

	counts, err := q.PendingCounts()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if counts.PendingUploads != 2 {
		t.Errorf("PendingUploads = %d, want 2", counts.PendingUploads)
	}
	if counts.PendingDownloads != 1 {
		t.Errorf("PendingDownloads = %d, want 1", counts.PendingDownloads)
	}
	if counts.Dead != 1 {
		t.Errorf("Dead = %d, want 1", counts.Dead)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.db")

	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	q := New(db, log.New(io.Discard, "", 0))
	if err := q.Enqueue(uploadItem("a")); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	db2, err := store.Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer db2.Close()
	q2 := New(db2, log.New(io.Discard, "", 0))

	items, err := q2.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(items) != 1 || items[0].EntityID != "a" {
		t.Errorf("Queue lost across reopen: %+v", items)
	}
}

func TestListIncludesBackoffItems(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	item := uploadItem("a")
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	mustMarkInFlight(t, q, item)
	if err := q.MarkFailed(context.Background(), item, fmt.Errorf("boom"), testPolicy()); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}

	// DequeueBatch hides the item until its backoff elapses; List does not.
	due, err := q.DequeueBatch(DirectionUpload, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("Item should be in backoff: %+v", due)
	}

	all, err := q.List(DirectionUpload)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len(all) = %d, want 1", len(all))
	}
}
