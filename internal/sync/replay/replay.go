// Package replay is the network layer used to send captured requests to the backend.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/offlinekit/internal/errors"
	"github.com/kimhsiao/offlinekit/internal/models"
)

const defaultTimeout = 30 * time.Second

// maxBodyBytes bounds how much of a response body is kept.
const maxBodyBytes = 4 << 20

// Request is a fetch-style request.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// FromMutation builds the exact request captured in m.
func FromMutation(m *models.QueuedMutation) *Request {
	return &Request{
		URL:    m.URL,
		Method: m.Method,
		Header: m.Headers.Clone(),
		Body:   []byte(m.Body),
	}
}

// Response is the status and body returned by the backend.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher sends a request and returns the response.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher sends requests with net/http, resolving relative URLs against a base URL.
type HTTPFetcher struct {
	client  *http.Client
	baseURL *url.URL
	timeout time.Duration
}

// NewHTTPFetcher creates a fetcher. baseURL may be empty when every request carries an absolute URL.
func NewHTTPFetcher(baseURL string, client *http.Client, timeout time.Duration) (*HTTPFetcher, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	f := &HTTPFetcher{client: client, timeout: timeout}
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
		}
		f.baseURL = u
	}
	return f, nil
}

// Resolve turns a possibly relative request URL into an absolute one.
func (f *HTTPFetcher) Resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request URL %q: %w", raw, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if f.baseURL == nil {
		return "", fmt.Errorf("relative URL %q without base URL", raw)
	}
	return f.baseURL.ResolveReference(u).String(), nil
}

// Fetch performs the request. Transport failures are returned as errors; any
// HTTP status, including non-2xx, is returned as a Response.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target, err := f.Resolve(req.URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Check converts a fetch outcome into nil (2xx) or a coded replay error.
func Check(resp *Response, err error) error {
	if err != nil {
		return apperrors.Wrap(apperrors.ErrReplayNetwork, "request failed", err)
	}
	if resp == nil {
		return apperrors.New(apperrors.ErrReplayNetwork, "no response")
	}
	if !resp.OK() {
		return apperrors.New(apperrors.ErrReplayStatus,
			fmt.Sprintf("unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}
	return nil
}
