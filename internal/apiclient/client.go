// Package apiclient is the backend client used by the UI. Mutating requests that
// fail for lack of connectivity are queued for replay; GET responses are cached
// and served from the cache while offline.
package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/offlinekit/internal/cache"
	"github.com/kimhsiao/offlinekit/internal/cache/bucket"
	apperrors "github.com/kimhsiao/offlinekit/internal/errors"
	"github.com/kimhsiao/offlinekit/internal/logging"
	"github.com/kimhsiao/offlinekit/internal/models"
	"github.com/kimhsiao/offlinekit/internal/sync/replay"
)

// Queue accepts mutations for later replay.
type Queue interface {
	Enqueue(ctx context.Context, url, method string, headers http.Header, body string) (*models.QueuedMutation, error)
}

// Cache stores GET responses.
type Cache interface {
	Match(ctx context.Context, bucketName, key string) (*bucket.Entry, bool, error)
	Put(ctx context.Context, bucketName, key string, entry *bucket.Entry) error
	EvictIfNeeded(ctx context.Context) (cache.EvictionResult, error)
}

// OfflineError carries the queued mutation of a request deferred while offline.
type OfflineError struct {
	Mutation *models.QueuedMutation
	Cause    error
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("offline, %s %s queued as mutation %d: %v", e.Mutation.Method, e.Mutation.URL, e.Mutation.ID, e.Cause)
}

func (e *OfflineError) Unwrap() error { return e.Cause }

// Response is a backend or cached response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// Client sends requests through a replay.Fetcher.
type Client struct {
	fetcher replay.Fetcher
	queue   Queue
	cache   Cache
	now     func() time.Time
	log     *logging.Logger
}

// New creates a Client. cache may be nil to disable GET caching.
func New(fetcher replay.Fetcher, q Queue, c Cache) *Client {
	return &Client{
		fetcher: fetcher,
		queue:   q,
		cache:   c,
		now:     time.Now,
		log:     logging.Get().With("apiclient"),
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Do sends the request. Any HTTP status is returned as a Response; only
// transport failures are handled here:
//   - a mutating request is queued and an ErrQueuedOffline error wrapping
//     *OfflineError is returned;
//   - a GET is answered from the api-responses bucket when possible.
func (c *Client) Do(ctx context.Context, method, path string, headers http.Header, body []byte) (*Response, error) {
	method = strings.ToUpper(method)
	req := &replay.Request{URL: path, Method: method, Header: headers.Clone(), Body: body}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err == nil {
		if method == http.MethodGet && resp.OK() {
			c.store(ctx, path, resp)
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	switch {
	case isMutating(method):
		return nil, c.queueOffline(ctx, req, err)
	case method == http.MethodGet:
		if cached := c.cached(ctx, path); cached != nil {
			return cached, nil
		}
	}
	return nil, apperrors.Wrap(apperrors.ErrReplayNetwork, method+" "+path+" failed", err)
}

// queueOffline queues the request. A store failure is returned as-is so the caller can report it.
func (c *Client) queueOffline(ctx context.Context, req *replay.Request, cause error) error {
	mutation, err := c.queue.Enqueue(ctx, req.URL, req.Method, req.Header, string(req.Body))
	if err != nil {
		return err
	}
	c.log.Info("Request queued while offline", map[string]interface{}{
		"id":     mutation.ID,
		"method": mutation.Method,
		"url":    mutation.URL,
	})
	return apperrors.Wrap(apperrors.ErrQueuedOffline, "request queued for sync", &OfflineError{Mutation: mutation, Cause: cause})
}

func (c *Client) store(ctx context.Context, path string, resp *replay.Response) {
	if c.cache == nil {
		return
	}
	entry := &bucket.Entry{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Status:      resp.StatusCode,
		Header:      resp.Header.Clone(),
		StoredAt:    c.now(),
	}
	if err := c.cache.Put(ctx, cache.BucketAPIResponses, path, entry); err != nil {
		c.log.Warn("Failed to cache API response", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	if _, err := c.cache.EvictIfNeeded(ctx); err != nil {
		c.log.Error("Eviction after caching API response failed", err, map[string]interface{}{"path": path})
	}
}

func (c *Client) cached(ctx context.Context, path string) *Response {
	if c.cache == nil {
		return nil
	}
	entry, ok, err := c.cache.Match(ctx, cache.BucketAPIResponses, path)
	if err != nil || !ok {
		return nil
	}

	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Cache-Stored-At", strconv.FormatInt(entry.StoredAt.UnixMilli(), 10))
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{StatusCode: status, Header: header, Body: entry.Body, FromCache: true}
}
