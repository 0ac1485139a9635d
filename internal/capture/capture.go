// Package capture ingests field data dropped into the inbox directories.
//
// The watcher:
// 1. Watches for record files in inbox/submissions/ and inbox/media/
// 2. Stores each record locally and queues it for upload
// 3. Removes the inbox file once the handoff is durable
// 4. Handles graceful shutdown
//
// Capture never talks to the network. A record is accepted the moment it
// is in the store and the queue; syncing it is the engine's job.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tmcgann/fieldsync/internal/queue"
	"github.com/tmcgann/fieldsync/internal/record"
	"github.com/tmcgann/fieldsync/internal/store"
)

// Config holds configuration for the inbox watcher.
type Config struct {
	// DebounceInterval is how long to wait before ingesting a changed
	// file. This batches rapid writes from slow producers.
	DebounceInterval time.Duration

	// Logger for capture activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[capture] ", log.LstdFlags),
	}
}

// Watcher ingests inbox files into the local store and upload queue.
type Watcher struct {
	db     *store.DB
	queue  *queue.Queue
	inbox  string
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// submissionsDir and mediaDir are the two watched subdirectories of the
// inbox root. The directory decides the record type when the file itself
// does not carry one.
const (
	submissionsDir = "submissions"
	mediaDir       = "media"
)

// New creates an inbox watcher rooted at inboxDir. Use Start() to begin
// watching.
func New(db *store.DB, q *queue.Queue, inboxDir string, config *Config) (*Watcher, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if inboxDir == "" {
		return nil, fmt.Errorf("inboxDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		db:          db,
		queue:       q,
		inbox:       inboxDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins watching. It creates the inbox directories if needed,
// drains any files already present, then processes new arrivals with
// debouncing. Blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.config.Logger.Println("Starting inbox watcher")

	dirs := []string{
		filepath.Join(w.inbox, submissionsDir),
		filepath.Join(w.inbox, mediaDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create inbox directory %s: %w", dir, err)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	// Files dropped while we were not running are still owed ingestion.
	if err := w.drainExisting(dirs); err != nil {
		return fmt.Errorf("initial inbox drain failed: %w", err)
	}

	w.config.Logger.Printf("Watching: %s, %s", dirs[0], dirs[1])

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	select {
	case <-ctx.Done():
		w.config.Logger.Println("Shutdown signal received")
		return w.Stop()
	case <-w.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	w.cancel()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}

	w.wg.Wait()

	w.config.Logger.Println("Inbox watcher stopped")
	return nil
}

// drainExisting ingests files already sitting in the inbox.
func (w *Watcher) drainExisting(dirs []string) error {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := w.ingest(path); err != nil {
				w.config.Logger.Printf("Warning: failed to ingest %s: %v", path, err)
			}
		}
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; removes are us.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = time.Now()
}

// processChangeQueue ingests queued files once they have been quiet for
// the debounce interval.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processReadyChanges()
		}
	}
}

func (w *Watcher) processReadyChanges() {
	now := time.Now()
	var ready []string

	w.changeQueueMu.Lock()
	for path, queued := range w.changeQueue {
		if now.Sub(queued) >= w.config.DebounceInterval {
			ready = append(ready, path)
			delete(w.changeQueue, path)
		}
	}
	w.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := w.ingest(path); err != nil {
			w.config.Logger.Printf("Warning: failed to ingest %s: %v", path, err)
		}
	}
}

// ingest moves one inbox file into durable custody: store the record
// unsynced, enqueue its upload, then delete the source file. The file is
// only removed after both writes succeed, so a crash mid-ingest re-runs
// harmlessly on the next drain.
func (w *Watcher) ingest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already ingested by the initial drain.
			return nil
		}
		return fmt.Errorf("failed to read record file: %w", err)
	}

	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to parse record file: %w", err)
	}

	// The inbox contract is lenient: the directory implies the type and
	// a missing id gets minted, so producers can drop bare payloads.
	if rec.Type == "" {
		rec.Type = typeForDir(filepath.Dir(path))
	}
	if rec.ID == "" {
		rec.ID = record.NewID()
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	rec.Synced = false
	if err := w.db.UpsertRecord(&rec); err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}

	err = w.queue.Enqueue(queue.Item{
		EntityType: rec.Type,
		EntityID:   rec.ID,
		Direction:  queue.DirectionUpload,
	})
	if err == queue.ErrBusy {
		// Mid-upload re-capture. The upsert above bumped the record's
		// revision, so when the in-flight transfer settles the queue
		// requeues the item instead of deleting it; the new payload
		// rides the next cycle.
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to queue upload for %s: %w", rec.ID, err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.config.Logger.Printf("Warning: failed to remove ingested file %s: %v", path, err)
	}

	w.config.Logger.Printf("Captured %s %s", rec.Type, rec.ID)
	return nil
}

func typeForDir(dir string) record.EntityType {
	if filepath.Base(dir) == mediaDir {
		return record.TypeMedia
	}
	return record.TypeSubmission
}
