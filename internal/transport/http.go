package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tmcgann/fieldsync/internal/record"
)

// Config holds configuration for the HTTP transport.
type Config struct {
	// BaseURL is the root of the remote authority's API, without a
	// trailing slash.
	BaseURL string

	// Token returns the bearer token for a request. Nil means
	// unauthenticated requests.
	Token func(ctx context.Context) (string, error)

	// Timeout bounds every call. Zero means 30 seconds. No transport call
	// may block indefinitely; a timeout surfaces as a transient error.
	Timeout time.Duration

	// HTTP is the underlying client. Nil means a default client using
	// Timeout.
	HTTP *http.Client
}

// HTTPClient implements Client against a REST remote authority.
type HTTPClient struct {
	baseURL string
	token   func(ctx context.Context) (string, error)
	http    *http.Client
}

// NewHTTPClient creates an HTTP transport from the given configuration.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
	}, nil
}

// UploadSubmission implements Client.
func (c *HTTPClient) UploadSubmission(ctx context.Context, rec *record.Record) error {
	return c.upload(ctx, "upload submission", "/v1/submissions", rec)
}

// UploadMedia implements Client.
func (c *HTTPClient) UploadMedia(ctx context.Context, rec *record.Record) error {
	return c.upload(ctx, "upload media", "/v1/media", rec)
}

func (c *HTTPClient) upload(ctx context.Context, op, path string, rec *record.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return &Error{Kind: KindRejected, Op: op, Err: fmt.Errorf("marshal record %s: %w", rec.ID, err)}
	}

	// PUT keyed by record ID keeps re-submission idempotent server-side.
	resp, err := c.do(ctx, op, http.MethodPut, path+"/"+url.PathEscape(rec.ID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.checkStatus(op, resp)
}

// FetchNewForms implements Client.
func (c *HTTPClient) FetchNewForms(ctx context.Context, since time.Time) ([]*record.Record, error) {
	return c.fetchList(ctx, "fetch new forms", "/v1/forms", "created_since", since)
}

// FetchFormUpdates implements Client.
func (c *HTTPClient) FetchFormUpdates(ctx context.Context, since time.Time) ([]*record.Record, error) {
	return c.fetchList(ctx, "fetch form updates", "/v1/forms", "updated_since", since)
}

// FetchProjects implements Client.
func (c *HTTPClient) FetchProjects(ctx context.Context, since time.Time) ([]*record.Record, error) {
	return c.fetchList(ctx, "fetch projects", "/v1/projects", "updated_since", since)
}

func (c *HTTPClient) fetchList(ctx context.Context, op, path, param string, since time.Time) ([]*record.Record, error) {
	q := ""
	if !since.IsZero() {
		q = fmt.Sprintf("?%s=%s", param, url.QueryEscape(since.UTC().Format(time.RFC3339)))
	}

	resp, err := c.do(ctx, op, http.MethodGet, path+q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(op, resp); err != nil {
		return nil, err
	}

	var recs []*record.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return recs, nil
}

// FetchMedia implements Client.
func (c *HTTPClient) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	const op = "fetch media"

	resp, err := c.do(ctx, op, http.MethodGet, "/v1/media/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(op, resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	return data, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("obtain token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, connection resets, DNS failures: all transient.
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return resp, nil
}

// checkStatus maps an HTTP response to the error taxonomy. The body is
// drained so the connection can be reused.
func (c *HTTPClient) checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	kind := KindTransient
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = KindAuth
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = KindRejected
	}

	return &Error{
		Kind:       kind,
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("server said: %s", strings.TrimSpace(string(msg))),
	}
}
