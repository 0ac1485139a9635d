package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tmcgann/fieldsync/internal/netmon"
	"github.com/tmcgann/fieldsync/internal/queue"
	"github.com/tmcgann/fieldsync/internal/record"
	"github.com/tmcgann/fieldsync/internal/retry"
	"github.com/tmcgann/fieldsync/internal/settings"
	"github.com/tmcgann/fieldsync/internal/store"
	"github.com/tmcgann/fieldsync/internal/transport"
)

// Status is the engine state exposed on the status surface.
type Status string

const (
	// StatusIdle means no cycle is running and the last one (if any)
	// was a no-op or skip.
	StatusIdle Status = "idle"
	// StatusSyncing means a cycle is in progress.
	StatusSyncing Status = "syncing"
	// StatusSuccess means the last cycle completed with no failures.
	StatusSuccess Status = "success"
	// StatusError means the last cycle completed with failures or aborted.
	StatusError Status = "error"
)

// maxWorkers bounds in-phase parallelism regardless of configuration.
const maxWorkers = 4

// Config holds engine tuning knobs.
type Config struct {
	// Workers is the number of concurrent transport calls within a phase.
	// Clamped to [1, 4]; default 4.
	Workers int

	// CallTimeout bounds each transport call. Default 30s. A timeout is
	// an ordinary per-item failure feeding the retry policy.
	CallTimeout time.Duration

	// BatchLimit caps how many items one cycle dequeues per direction.
	// Zero means no limit.
	BatchLimit int

	// Policy is the base retry policy. Its MaxRetries is replaced by the
	// persisted settings at every cycle start.
	Policy retry.Policy

	// Logger for engine activity. Nil means a default stderr logger.
	Logger *log.Logger
}

// StatusReport is the status surface consumed by the UI and CLI.
type StatusReport struct {
	SyncStatus   Status       `json:"sync_status"`
	Progress     int          `json:"progress"`
	Phase        Phase        `json:"phase,omitempty"`
	LastSyncTime time.Time    `json:"last_sync_time"`
	Pending      queue.Counts `json:"pending"`
}

// Engine is the sync orchestrator. All collaborators are injected; see the
// package documentation for the cycle algorithm.
type Engine struct {
	store   *store.DB
	queue   *queue.Queue
	remote  transport.Client
	monitor *netmon.Monitor
	sink    Sink
	cfg     Config
	logger  *log.Logger

	// syncMu is the single-flight guard. TryLock keeps a second sync
	// request from blocking or resetting progress.
	syncMu sync.Mutex

	mu      sync.RWMutex
	syncing bool
	session *session
	lastRes *Result

	// progressMu orders sink progress deliveries; without it two workers
	// finishing together could report 33 after 41.
	progressMu sync.Mutex

	now func() time.Time
}

// New creates an engine and performs crash recovery: any queue item left
// in_flight by a previous process is returned to pending.
func New(db *store.DB, q *queue.Queue, remote transport.Client, monitor *netmon.Monitor, sink Sink, cfg Config) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("connectivity monitor cannot be nil")
	}
	if sink == nil {
		sink = nopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.Workers < 1 {
		cfg.Workers = maxWorkers
	}
	if cfg.Workers > maxWorkers {
		cfg.Workers = maxWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Policy.Base == 0 && cfg.Policy.MaxRetries == 0 {
		cfg.Policy = retry.Default()
	}

	if _, err := q.RecoverInFlight(); err != nil {
		return nil, fmt.Errorf("crash recovery failed: %w", err)
	}

	return &Engine{
		store:   db,
		queue:   q,
		remote:  remote,
		monitor: monitor,
		sink:    sink,
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// SetNowFunc overrides the engine clock. Tests only.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// ForceSync runs one sync cycle. Returns (result, true) when the cycle ran,
// or (zero, false) when another cycle was already in flight - a silent
// no-op per the single-flight rule.
func (e *Engine) ForceSync(ctx context.Context) (Result, bool) {
	return e.sync(ctx, false)
}

// FullSync runs one cycle without the empty-queue shortcut, so the
// authoritative metadata phases run even when no local work is pending.
// Used for first-run hydration and explicit refreshes.
func (e *Engine) FullSync(ctx context.Context) (Result, bool) {
	return e.sync(ctx, true)
}

func (e *Engine) sync(ctx context.Context, full bool) (Result, bool) {
	if !e.syncMu.TryLock() {
		return Result{}, false
	}
	defer e.syncMu.Unlock()

	return e.runCycle(ctx, full), true
}

// Status returns the current status surface snapshot.
func (e *Engine) Status() StatusReport {
	e.mu.RLock()
	syncing := e.syncing
	sess := e.session
	last := e.lastRes
	e.mu.RUnlock()

	rep := StatusReport{SyncStatus: StatusIdle}

	if syncing && sess != nil {
		phase, progress := sess.snapshot()
		rep.SyncStatus = StatusSyncing
		rep.Phase = phase
		rep.Progress = progress
	} else if last != nil {
		switch last.Outcome {
		case OutcomeSuccess:
			rep.SyncStatus = StatusSuccess
			rep.Progress = 100
		case OutcomePartialFailure, OutcomeFatal:
			rep.SyncStatus = StatusError
		}
	}

	if t, err := e.store.LastSyncTime(); err == nil {
		rep.LastSyncTime = t
	}
	if c, err := e.queue.PendingCounts(); err == nil {
		rep.Pending = c
	}

	return rep
}

// LastResult returns the outcome of the most recent cycle, or nil.
func (e *Engine) LastResult() *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRes
}

func (e *Engine) runCycle(ctx context.Context, full bool) Result {
	started := e.now()
	sess := newSession(started)

	// Settings are read once here; changes made mid-cycle apply next time.
	sett, err := settings.Load(e.store)
	if err != nil {
		e.logger.Printf("Warning: failed to load settings, using defaults: %v", err)
		sett = settings.Default()
	}
	policy := e.cfg.Policy.WithMaxRetries(sett.MaxRetries)

	// Phase: eligibility. Declining is a silent return to idle, never an
	// error.
	state := e.monitor.Current()
	if !state.Reachable {
		e.logger.Printf("Sync skipped: offline")
		return e.finish(sess, OutcomeSkipped, nil)
	}
	if sett.SyncOnWifiOnly && state.Kind != netmon.KindWifi {
		e.logger.Printf("Sync skipped: wifi-only policy, link is %s", state.Kind)
		return e.finish(sess, OutcomeSkipped, nil)
	}

	if !full {
		if noop, err := e.nothingToDo(ctx); err == nil && noop {
			return e.finish(sess, OutcomeNoop, nil)
		}
	}

	e.begin(sess)
	e.sink.SyncStarted(started)

	// Phase: uploads.
	sess.setPhase(PhaseUploads)
	if fatal := e.runUploads(ctx, sess, policy); fatal != nil {
		return e.finish(sess, OutcomeFatal, fatal)
	}
	e.reportProgress(sess, 50)

	// Phase boundary: no new phase-work once reachability is gone.
	// In-flight calls were already allowed to fail naturally above.
	if !e.monitor.Current().Reachable {
		e.logger.Printf("Connectivity lost; finalizing early")
		return e.finalize(ctx, sess)
	}

	// Phase: authoritative metadata.
	sess.setPhase(PhaseMetadata)
	if fatal := e.runMetadata(ctx, sess); fatal != nil {
		return e.finish(sess, OutcomeFatal, fatal)
	}
	e.reportProgress(sess, 75)

	if !e.monitor.Current().Reachable {
		e.logger.Printf("Connectivity lost; finalizing early")
		return e.finalize(ctx, sess)
	}

	// Phase: media downloads.
	sess.setPhase(PhaseMedia)
	if fatal := e.runMedia(ctx, sess, policy); fatal != nil {
		return e.finish(sess, OutcomeFatal, fatal)
	}
	e.reportProgress(sess, 100)

	return e.finalize(ctx, sess)
}

// nothingToDo reports whether a cycle would make zero transport calls:
// both queue directions empty and every record already synced.
func (e *Engine) nothingToDo(ctx context.Context) (bool, error) {
	counts, err := e.queue.PendingCountsContext(ctx)
	if err != nil {
		return false, err
	}
	if counts.PendingUploads > 0 || counts.PendingDownloads > 0 {
		return false, nil
	}
	unsynced, err := e.store.UnsyncedCount()
	if err != nil {
		return false, err
	}
	return unsynced == 0, nil
}

func (e *Engine) begin(sess *session) {
	e.mu.Lock()
	e.syncing = true
	e.session = sess
	e.mu.Unlock()
}

// finish ends a cycle without touching lastSyncTime. Used for skips,
// no-ops, and fatal aborts.
func (e *Engine) finish(sess *session, outcome Outcome, err error) Result {
	res := sess.result(outcome, err, e.now())

	e.mu.Lock()
	wasSyncing := e.syncing
	e.syncing = false
	e.session = nil
	e.lastRes = &res
	e.mu.Unlock()

	if outcome == OutcomeFatal {
		e.logger.Printf("Sync aborted: %v", err)
	}
	if wasSyncing {
		e.sink.SyncCompleted(res)
	}
	return res
}

// finalize ends a completed (possibly partially failed) cycle.
func (e *Engine) finalize(ctx context.Context, sess *session) Result {
	sess.setPhase(PhaseFinalize)

	if err := e.store.SetLastSyncTime(e.now()); err != nil {
		e.logger.Printf("Warning: failed to record last sync time: %v", err)
		sess.addPhaseErr(err)
	}

	outcome := OutcomeSuccess
	if sess.failed() {
		outcome = OutcomePartialFailure
	}
	return e.finish(sess, outcome, nil)
}

func (e *Engine) reportProgress(sess *session, p int) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	phase, _ := sess.snapshot()
	e.sink.SyncProgress(phase, sess.setProgress(p))
}

// runUploads drains the upload queue with a bounded worker pool. A single
// item's failure never aborts the phase; only an authentication rejection
// or a storage failure on dequeue is fatal.
func (e *Engine) runUploads(ctx context.Context, sess *session, policy retry.Policy) error {
	items, err := e.queue.DequeueBatchContext(ctx, queue.DirectionUpload, e.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}

	if len(items) == 0 {
		// Empty upload set jumps straight to 50.
		sess.setProgress(50)
		return nil
	}

	return e.processBatch(ctx, sess, policy, items, 0, 50, func(ctx context.Context, item queue.Item) (int64, error) {
		rec, err := e.store.GetRecordContext(ctx, item.EntityType, item.EntityID)
		if err == store.ErrNotFound {
			// Orphaned queue row; nothing to upload, never retryable.
			return 0, &transport.Error{Kind: transport.KindRejected, Op: "upload",
				Err: fmt.Errorf("record %s vanished from store", item.Key())}
		}
		if err != nil {
			return 0, fmt.Errorf("read record %s: %w", item.Key(), err)
		}

		switch item.EntityType {
		case record.TypeMedia:
			err = e.remote.UploadMedia(ctx, rec)
		default:
			err = e.remote.UploadSubmission(ctx, rec)
		}
		if err != nil {
			return 0, err
		}

		// Flip synced strictly after the remote confirms receipt, and
		// only for the revision that was actually sent. A record
		// rewritten during the call stays unsynced; the settle path
		// requeues its item for the next cycle.
		current, err := e.store.MarkSyncedIfCurrentContext(ctx, item.EntityType, item.EntityID, rec.Revision)
		if err != nil {
			return 0, fmt.Errorf("mark %s synced: %w", item.Key(), err)
		}
		if !current {
			e.logger.Printf("Record %s rewritten during upload; keeping it unsynced", item.Key())
		}
		sess.addUploaded()
		return rec.Revision, nil
	})
}

// runMetadata fetches new and updated forms and projects and merges them
// into the local store. Media references discovered in the merged payloads
// are enqueued for the media phase. Fetch failures are phase-level: logged,
// counted against the cycle outcome, but only auth errors abort.
func (e *Engine) runMetadata(ctx context.Context, sess *session) error {
	since, err := e.store.LastSyncTime()
	if err != nil {
		e.logger.Printf("Warning: failed to read last sync time: %v", err)
	}

	fetches := []struct {
		name string
		typ  record.EntityType
		call func(context.Context, time.Time) ([]*record.Record, error)
	}{
		{"new forms", record.TypeForm, e.remote.FetchNewForms},
		{"form updates", record.TypeForm, e.remote.FetchFormUpdates},
		{"projects", record.TypeProject, e.remote.FetchProjects},
	}

	for _, f := range fetches {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		recs, err := f.call(callCtx, since)
		cancel()
		if err != nil {
			if transport.IsAuth(err) {
				return fmt.Errorf("authentication rejected fetching %s: %w", f.name, err)
			}
			e.logger.Printf("Warning: failed to fetch %s: %v", f.name, err)
			sess.addPhaseErr(err)
			continue
		}

		merged := 0
		for _, rec := range recs {
			if rec.Type == "" {
				rec.Type = f.typ
			}
			// Inbound content is the server's truth; it arrives synced.
			rec.Synced = true
			if err := e.store.UpsertRecordContext(ctx, rec); err != nil {
				// Storage failure is fatal to this record only.
				e.logger.Printf("Warning: failed to merge %s %s: %v", f.name, rec.ID, err)
				sess.addPhaseErr(err)
				continue
			}
			merged++
			e.enqueueAttachments(ctx, rec)
		}
		if merged > 0 {
			sess.addDownloaded(merged)
			e.logger.Printf("Merged %d %s", merged, f.name)
		}
	}

	return nil
}

// enqueueAttachments queues download items for media refs the store does
// not hold yet. This is the engine's inbound-merge enqueue path; the store
// itself never enqueues.
func (e *Engine) enqueueAttachments(ctx context.Context, rec *record.Record) {
	for _, ref := range rec.Attachments() {
		if _, err := e.store.GetRecordContext(ctx, record.TypeMedia, ref); err == nil {
			continue
		}
		err := e.queue.EnqueueContext(ctx, queue.Item{
			EntityType: record.TypeMedia,
			EntityID:   ref,
			Direction:  queue.DirectionDownload,
			PayloadRef: ref,
		})
		if err != nil && err != queue.ErrBusy {
			e.logger.Printf("Warning: failed to enqueue media %s: %v", ref, err)
		}
	}
}

// mediaPayload is the stored shape of a fetched media record. Data is
// base64 in JSON.
type mediaPayload struct {
	Ref  string `json:"ref"`
	Size int    `json:"size"`
	Data []byte `json:"data"`
}

// runMedia drains the download queue exactly like uploads: bulkhead per
// item, bounded pool, progress 75 to 100.
func (e *Engine) runMedia(ctx context.Context, sess *session, policy retry.Policy) error {
	items, err := e.queue.DequeueBatchContext(ctx, queue.DirectionDownload, e.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}

	if len(items) == 0 {
		sess.setProgress(100)
		return nil
	}

	return e.processBatch(ctx, sess, policy, items, 75, 100, func(ctx context.Context, item queue.Item) (int64, error) {
		data, err := e.remote.FetchMedia(ctx, item.PayloadRef)
		if err != nil {
			return 0, err
		}

		payload, err := json.Marshal(mediaPayload{Ref: item.PayloadRef, Size: len(data), Data: data})
		if err != nil {
			return 0, fmt.Errorf("encode media %s: %w", item.Key(), err)
		}

		rec := &record.Record{
			ID:      item.EntityID,
			Type:    record.TypeMedia,
			Payload: payload,
			Synced:  true,
		}
		if err := e.store.UpsertRecordContext(ctx, rec); err != nil {
			return 0, fmt.Errorf("store media %s: %w", item.Key(), err)
		}
		sess.addDownloaded(1)
		// Downloads settle unconditionally; the store row the engine
		// just wrote is the transfer's result, not its input.
		return 0, nil
	})
}

// processBatch runs one phase's items through the worker pool, mapping
// progress onto [from, to]. transfer runs with a per-call timeout already
// applied and returns the record revision it carried, for the conditional
// settle. Returns a non-nil error only for fatal conditions.
func (e *Engine) processBatch(ctx context.Context, sess *session, policy retry.Policy, items []queue.Item, from, to int, transfer func(context.Context, queue.Item) (int64, error)) error {
	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, e.cfg.Workers)
		mu        sync.Mutex
		processed int
		fatal     error
	)

	total := len(items)

	setFatal := func(err error) {
		mu.Lock()
		if fatal == nil {
			fatal = err
		}
		mu.Unlock()
	}
	isFatal := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatal != nil
	}

	for _, item := range items {
		// Once the cycle is doomed, stop starting new items; their
		// queue rows are untouched and remain pending.
		if isFatal() {
			break
		}

		if err := e.queue.MarkInFlight(ctx, item); err != nil {
			if err == queue.ErrNotFound {
				// Replaced or settled since the snapshot; skip.
				continue
			}
			setFatal(fmt.Errorf("storage unavailable: %w", err))
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(item queue.Item) {
			defer wg.Done()
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			rev, err := transfer(callCtx, item)
			cancel()

			if err == nil {
				if serr := e.queue.MarkSucceeded(ctx, item, rev); serr != nil {
					e.logger.Printf("Warning: failed to settle %s: %v", item.Key(), serr)
				}
			} else {
				e.handleItemFailure(ctx, sess, policy, item, err, setFatal)
			}

			mu.Lock()
			processed++
			p := from + (to-from)*processed/total
			mu.Unlock()
			e.reportProgress(sess, p)
		}(item)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return fatal
}

// handleItemFailure applies the error taxonomy to one failed transfer.
func (e *Engine) handleItemFailure(ctx context.Context, sess *session, policy retry.Policy, item queue.Item, err error, setFatal func(error)) {
	switch transport.Classify(err) {
	case transport.KindAuth:
		// Fatal to the cycle; the queue must be left untouched, so the
		// item goes back to pending with no attempt charged.
		if rerr := e.queue.Release(ctx, item); rerr != nil {
			e.logger.Printf("Warning: failed to release %s: %v", item.Key(), rerr)
		}
		setFatal(fmt.Errorf("authentication rejected: %w", err))

	case transport.KindRejected:
		// The server will never take this payload unchanged; surface it
		// for manual correction instead of retrying forever.
		if derr := e.queue.MarkDead(ctx, item, err); derr != nil {
			e.logger.Printf("Warning: failed to dead-letter %s: %v", item.Key(), derr)
		}
		sess.addFailure(item)
		e.sink.ItemFailed(item, err)

	default:
		if ferr := e.queue.MarkFailed(ctx, item, err, policy); ferr != nil {
			e.logger.Printf("Warning: failed to reschedule %s: %v", item.Key(), ferr)
		}
		sess.addFailure(item)
		e.sink.ItemFailed(item, err)
	}
}
