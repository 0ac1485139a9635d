// Package record defines the domain entities captured in the field and
// reconciled with the remote authority: submissions, media files, forms,
// and projects.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies the kind of record being stored or synced.
type EntityType string

const (
	// TypeSubmission is a completed form submission captured in the field.
	TypeSubmission EntityType = "submission"
	// TypeMedia is a photo, audio clip, or other binary attachment.
	TypeMedia EntityType = "media"
	// TypeForm is a form definition pulled from the remote authority.
	TypeForm EntityType = "form"
	// TypeProject is a project definition pulled from the remote authority.
	TypeProject EntityType = "project"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case TypeSubmission, TypeMedia, TypeForm, TypeProject:
		return true
	default:
		return false
	}
}

// String returns the entity type as a plain string.
func (t EntityType) String() string {
	return string(t)
}

// Record is a single domain entity. The ID is client-generated and globally
// unique so that uploads are safe to repeat; the server deduplicates by ID.
//
// Records are owned by the local store. The sync engine only reads them and
// flips the Synced flag after the remote authority confirms receipt.
type Record struct {
	ID        string          `json:"id"`
	Type      EntityType      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Synced    bool            `json:"synced"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Revision is the store's write counter for this record, bumped on
	// every upsert. The engine compares it at settle time to detect an
	// edit made while an upload was in flight. Local bookkeeping, never
	// serialized.
	Revision int64 `json:"-"`
}

// NewID returns a fresh globally unique record ID.
func NewID() string {
	return uuid.New().String()
}

// Validate checks that the record has the fields required for storage.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", r.Type)
	}
	return nil
}

// Filename returns the canonical inbox filename for this record: {id}.json
func (r *Record) Filename() string {
	return fmt.Sprintf("%s.json", r.ID)
}

// Attachments extracts media references embedded in the record payload.
// Forms and submissions may carry an "attachments" array of media refs that
// need to be fetched separately.
func (r *Record) Attachments() []string {
	if len(r.Payload) == 0 {
		return nil
	}
	var body struct {
		Attachments []string `json:"attachments"`
	}
	if err := json.Unmarshal(r.Payload, &body); err != nil {
		return nil
	}
	return body.Attachments
}

// ReadFile reads and parses a record JSON file from the given path.
func ReadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteFile writes a record to dir as pretty-printed JSON named {id}.json.
func WriteFile(dir string, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	path := filepath.Join(dir, rec.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file %s: %w", path, err)
	}

	return nil
}

// ReadAll reads all record files from the given directory.
// Invalid files are skipped with a warning to stderr.
func ReadAll(dir string) ([]*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	var recs []*Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		rec, err := ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid record file %s: %v\n", entry.Name(), err)
			continue
		}

		recs = append(recs, rec)
	}

	return recs, nil
}

// Touch sets UpdatedAt to the current time.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now()
}
