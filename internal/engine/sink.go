package engine

import (
	"log"
	"time"

	"github.com/tmcgann/fieldsync/internal/queue"
)

// Sink receives terminal status events from the engine. It is consumed, not
// owned: implementations forward to the UI, an OS notification surface, or
// the dashboard broadcast server.
//
// Callbacks are invoked synchronously from the sync cycle; implementations
// must not block.
type Sink interface {
	// SyncStarted fires when a cycle passes the eligibility check.
	SyncStarted(startedAt time.Time)

	// SyncProgress fires on phase transitions and item completions.
	SyncProgress(phase Phase, progress int)

	// ItemFailed fires for each per-item failure. The item remains queued
	// (rescheduled or dead-lettered); this is informational.
	ItemFailed(item queue.Item, err error)

	// SyncCompleted fires exactly once per started cycle with the outcome.
	SyncCompleted(res Result)
}

// LogSink writes sync events to a logger. The default sink when nothing
// richer is wired in.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a logging sink. A nil logger defaults to stderr.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(log.Writer(), "[sync] ", log.LstdFlags)
	}
	return &LogSink{logger: logger}
}

// SyncStarted implements Sink.
func (s *LogSink) SyncStarted(startedAt time.Time) {
	s.logger.Printf("Sync started at %s", startedAt.Format(time.RFC3339))
}

// SyncProgress implements Sink.
func (s *LogSink) SyncProgress(phase Phase, progress int) {
	s.logger.Printf("Sync progress: %s %d%%", phase, progress)
}

// ItemFailed implements Sink.
func (s *LogSink) ItemFailed(item queue.Item, err error) {
	s.logger.Printf("Item failed: %s: %v", item.Key(), err)
}

// SyncCompleted implements Sink.
func (s *LogSink) SyncCompleted(res Result) {
	if len(res.Failures) > 0 {
		s.logger.Printf("Sync completed with %d issue(s): %s (uploaded=%d downloaded=%d in %v)",
			len(res.Failures), res.Outcome, res.Uploaded, res.Downloaded, res.Duration.Round(time.Millisecond))
		return
	}
	s.logger.Printf("Sync completed: %s (uploaded=%d downloaded=%d in %v)",
		res.Outcome, res.Uploaded, res.Downloaded, res.Duration.Round(time.Millisecond))
}

// nopSink swallows all events.
type nopSink struct{}

func (nopSink) SyncStarted(time.Time)        {}
func (nopSink) SyncProgress(Phase, int)      {}
func (nopSink) ItemFailed(queue.Item, error) {}
func (nopSink) SyncCompleted(Result)         {}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

// SyncStarted implements Sink.
func (m MultiSink) SyncStarted(t time.Time) {
	for _, s := range m {
		s.SyncStarted(t)
	}
}

// SyncProgress implements Sink.
func (m MultiSink) SyncProgress(phase Phase, progress int) {
	for _, s := range m {
		s.SyncProgress(phase, progress)
	}
}

// ItemFailed implements Sink.
func (m MultiSink) ItemFailed(item queue.Item, err error) {
	for _, s := range m {
		s.ItemFailed(item, err)
	}
}

// SyncCompleted implements Sink.
func (m MultiSink) SyncCompleted(res Result) {
	for _, s := range m {
		s.SyncCompleted(res)
	}
}
