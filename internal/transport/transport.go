// Package transport defines the remote authority interface consumed by the
// sync engine, and an HTTP implementation of it.
//
// Every call must be safely retryable: the server deduplicates uploads by
// record ID, so repeating a transfer after a crash or timeout never creates
// a duplicate. The engine relies on this explicitly for crash recovery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmcgann/fieldsync/internal/record"
)

// ErrorKind buckets transport failures for the retry taxonomy.
type ErrorKind int

const (
	// KindTransient covers timeouts, connection loss, and 5xx responses.
	// Retried per the retry policy.
	KindTransient ErrorKind = iota
	// KindRejected covers validation failures (4xx other than auth). The
	// server will never accept the payload unchanged, so the item is
	// dead-lettered immediately for manual correction.
	KindRejected
	// KindAuth covers authentication rejections. Fatal to the whole cycle;
	// the queue is left untouched until the user re-authenticates.
	KindAuth
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the error kind for any error. Unclassified errors
// (network failures, timeouts, context deadlines) are transient.
func Classify(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool {
	return Classify(err) == KindAuth
}

// IsRejected reports whether err is a permanent server rejection.
func IsRejected(err error) bool {
	return Classify(err) == KindRejected
}

// Client is the remote authority consumed by the sync engine.
type Client interface {
	// UploadSubmission pushes a captured submission. Idempotent by record ID.
	UploadSubmission(ctx context.Context, rec *record.Record) error

	// UploadMedia pushes a captured media record. Idempotent by record ID.
	UploadMedia(ctx context.Context, rec *record.Record) error

	// FetchNewForms returns form definitions created since the given time.
	FetchNewForms(ctx context.Context, since time.Time) ([]*record.Record, error)

	// FetchFormUpdates returns form definitions updated since the given time.
	FetchFormUpdates(ctx context.Context, since time.Time) ([]*record.Record, error)

	// FetchProjects returns project definitions changed since the given time.
	FetchProjects(ctx context.Context, since time.Time) ([]*record.Record, error)

	// FetchMedia downloads the bytes behind a media reference.
	FetchMedia(ctx context.Context, ref string) ([]byte, error)
}
