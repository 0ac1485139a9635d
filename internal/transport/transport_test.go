package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tmcgann/fieldsync/internal/record"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"auth error", &Error{Kind: KindAuth}, KindAuth},
		{"rejected error", &Error{Kind: KindRejected}, KindRejected},
		{"transient error", &Error{Kind: KindTransient}, KindTransient},
		{"wrapped auth", fmt.Errorf("cycle: %w", &Error{Kind: KindAuth}), KindAuth},
		{"plain error", errors.New("dial tcp: timeout"), KindTransient},
		{"nil-ish unknown", fmt.Errorf("whatever"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &Error{Kind: KindRejected, Op: "upload", StatusCode: 422, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("Error should unwrap to its cause")
	}
	if !IsRejected(err) {
		t.Error("IsRejected should see the kind")
	}
	if IsAuth(err) {
		t.Error("IsAuth should not match a rejection")
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(Config{
		BaseURL: srv.URL,
		Token: func(ctx context.Context) (string, error) {
			return "test-token", nil
		},
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestUploadSubmissionPutsByID(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})

	rec := &record.Record{ID: "sub-1", Type: record.TypeSubmission, Payload: []byte(`{}`)}
	if err := c.UploadSubmission(context.Background(), rec); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("Method = %s, want PUT", gotMethod)
	}
	if gotPath != "/v1/submissions/sub-1" {
		t.Errorf("Path = %s, want /v1/submissions/sub-1", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusUnprocessableEntity, KindRejected},
		{http.StatusBadRequest, KindRejected},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			rec := &record.Record{ID: "sub-1", Type: record.TypeSubmission}
			err := c.UploadSubmission(context.Background(), rec)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
			var terr *Error
			if !errors.As(err, &terr) || terr.StatusCode != tt.status {
				t.Errorf("StatusCode not carried: %v", err)
			}
		})
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening anymore

	c, err := NewHTTPClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	rec := &record.Record{ID: "sub-1", Type: record.TypeSubmission}
	uploadErr := c.UploadSubmission(context.Background(), rec)
	if uploadErr == nil {
		t.Fatal("Expected a connection error")
	}
	if Classify(uploadErr) != KindTransient {
		t.Errorf("Classify = %s, want %s", Classify(uploadErr), KindTransient)
	}
}

func TestFetchNewFormsSinceParam(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]*record.Record{
			{ID: "form-1", Type: record.TypeForm},
		})
	})

	since := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	recs, err := c.FetchNewForms(context.Background(), since)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "form-1" {
		t.Errorf("Got %+v", recs)
	}
	if gotQuery != "created_since=2025-06-01T12%3A00%3A00Z" {
		t.Errorf("Query = %q", gotQuery)
	}
}

func TestFetchNewFormsZeroSinceOmitsParam(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]*record.Record{})
	})

	if _, err := c.FetchNewForms(context.Background(), time.Time{}); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if gotQuery != "" {
		t.Errorf("Query = %q, want empty for first sync", gotQuery)
	}
}

func TestFetchMedia(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/media/img-1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("binary-bytes"))
	})

	data, err := c.FetchMedia(context.Background(), "img-1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != "binary-bytes" {
		t.Errorf("Data = %q", data)
	}
}

func TestTokenFailureIsAuth(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(Config{
		BaseURL: srv.URL,
		Token: func(ctx context.Context) (string, error) {
			return "", errors.New("keychain locked")
		},
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	rec := &record.Record{ID: "sub-1", Type: record.TypeSubmission}
	uploadErr := c.UploadSubmission(context.Background(), rec)
	if Classify(uploadErr) != KindAuth {
		t.Errorf("Classify = %s, want %s", Classify(uploadErr), KindAuth)
	}
}
