package engine

import (
	"sync"
	"time"

	"github.com/tmcgann/fieldsync/internal/queue"
)

// Phase identifies where a cycle currently is.
type Phase string

const (
	// PhaseEligibility is the pre-flight connectivity and policy check.
	PhaseEligibility Phase = "eligibility"
	// PhaseUploads drains the upload queue.
	PhaseUploads Phase = "uploads"
	// PhaseMetadata fetches and merges authoritative forms and projects.
	PhaseMetadata Phase = "metadata"
	// PhaseMedia drains the download queue of large media.
	PhaseMedia Phase = "media"
	// PhaseFinalize records the outcome and notifies the sink.
	PhaseFinalize Phase = "finalize"
)

// Outcome is the terminal classification of a cycle.
type Outcome string

const (
	// OutcomeSkipped means the eligibility check declined the cycle.
	// Not an error; the engine simply returns to idle.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeNoop means there was no work at all, so no transport calls
	// were made.
	OutcomeNoop Outcome = "noop"
	// OutcomeSuccess means every item settled and no failures remain.
	OutcomeSuccess Outcome = "success"
	// OutcomePartialFailure means the cycle completed but some items
	// failed and remain queued (or dead-lettered). A completed cycle,
	// not an error state.
	OutcomePartialFailure Outcome = "partial_failure"
	// OutcomeFatal means the cycle aborted (auth rejected, storage gone).
	OutcomeFatal Outcome = "fatal_error"
)

// Result is the summary handed to the sink when a cycle ends.
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	Uploaded   int           `json:"uploaded"`
	Downloaded int           `json:"downloaded"`
	Failures   []queue.Item  `json:"failures,omitempty"`
	Err        error         `json:"-"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// session is the ephemeral per-cycle bookkeeping. Created at cycle start,
// discarded at cycle end, never persisted.
type session struct {
	mu         sync.Mutex
	startedAt  time.Time
	phase      Phase
	progress   int
	uploaded   int
	downloaded int
	failures   []queue.Item
	phaseErrs  []error
}

func newSession(startedAt time.Time) *session {
	return &session{
		startedAt: startedAt,
		phase:     PhaseEligibility,
	}
}

func (s *session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// setProgress clamps to [0,100] and never moves backwards: late completions
// from a worker pool must not make the bar regress.
func (s *session) setProgress(p int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if p > s.progress {
		s.progress = p
	}
	return s.progress
}

func (s *session) snapshot() (Phase, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.progress
}

func (s *session) addUploaded() {
	s.mu.Lock()
	s.uploaded++
	s.mu.Unlock()
}

func (s *session) addDownloaded(n int) {
	s.mu.Lock()
	s.downloaded += n
	s.mu.Unlock()
}

func (s *session) addFailure(item queue.Item) {
	s.mu.Lock()
	s.failures = append(s.failures, item)
	s.mu.Unlock()
}

func (s *session) addPhaseErr(err error) {
	s.mu.Lock()
	s.phaseErrs = append(s.phaseErrs, err)
	s.mu.Unlock()
}

func (s *session) result(outcome Outcome, err error, ended time.Time) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		Outcome:    outcome,
		Uploaded:   s.uploaded,
		Downloaded: s.downloaded,
		Failures:   s.failures,
		Err:        err,
		StartedAt:  s.startedAt,
		Duration:   ended.Sub(s.startedAt),
	}
}

func (s *session) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures) > 0 || len(s.phaseErrs) > 0
}
