package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinekit/internal/apiclient"
	"github.com/kimhsiao/offlinekit/internal/cache"
	"github.com/kimhsiao/offlinekit/internal/cache/bucket"
	"github.com/kimhsiao/offlinekit/internal/db"
	"github.com/kimhsiao/offlinekit/internal/preview"
	"github.com/kimhsiao/offlinekit/internal/sync/queue"
	"github.com/kimhsiao/offlinekit/internal/sync/replay"
)

type consumerHarness struct {
	srv     *httptest.Server
	backend *httptest.Server
	queue   *queue.Manager
}

func newConsumerHarness(t *testing.T) *consumerHarness {
	t.Helper()
	h := &consumerHarness{}

	h.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(h.backend.Close)

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	repo := db.NewRepository(database.DB)

	fetcher, err := replay.NewHTTPFetcher(h.backend.URL, h.backend.Client(), 5*time.Second)
	require.NoError(t, err)

	h.queue = queue.NewManager(repo, fetcher,
		queue.WithTrigger(noTrigger{}),
		queue.WithAfterFunc(func(time.Duration, func()) func() bool { return func() bool { return true } }),
	)
	c := cache.NewManager(repo, bucket.NewMemoryStorage(0))

	s := New(Deps{
		Queue:    h.queue,
		Cache:    c,
		Proxy:    apiclient.New(fetcher, h.queue, c),
		Previews: preview.NewService(c, preview.Config{Width: 32, Height: 32}),
	})
	h.srv = httptest.NewServer(s)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *consumerHarness) request(t *testing.T, method, path string, body []byte, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

// TestProxy_online verifies requests are forwarded to the backend while it is reachable.
func TestProxy_online(t *testing.T) {
	h := newConsumerHarness(t)

	resp := h.request(t, http.MethodGet, "/api/proxy/api/v1/knowledge/5", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"path":"/api/v1/knowledge/5"}`, readAll(t, resp))
	assert.Empty(t, resp.Header.Get("X-From-Cache"))
}

// TestProxy_offlineMutationIsQueued verifies a write made while the backend is down is queued and answered with 202.
func TestProxy_offlineMutationIsQueued(t *testing.T) {
	h := newConsumerHarness(t)
	h.backend.Close()

	resp := h.request(t, http.MethodPut, "/api/proxy/api/v1/knowledge/5", []byte(`{"title":"x"}`), "application/json")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), `"queued":true`)

	n, err := h.queue.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestProxy_offlineGetServedFromCache verifies a GET falls back to the cached response once the backend is gone.
func TestProxy_offlineGetServedFromCache(t *testing.T) {
	h := newConsumerHarness(t)

	resp := h.request(t, http.MethodGet, "/api/proxy/api/v1/knowledge", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h.backend.Close()
	resp = h.request(t, http.MethodGet, "/api/proxy/api/v1/knowledge", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-From-Cache"))
	assert.NotEmpty(t, resp.Header.Get("X-Cache-Stored-At"))
	assert.JSONEq(t, `{"path":"/api/v1/knowledge"}`, readAll(t, resp))

	resp = h.request(t, http.MethodGet, "/api/proxy/api/v1/other", nil, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// TestPreviews verifies thumbnail generation and preview storage through the HTTP routes.
func TestPreviews(t *testing.T) {
	h := newConsumerHarness(t)

	img := image.NewRGBA(image.Rect(0, 0, 128, 64))
	for x := 0; x < 128; x++ {
		img.Set(x, x%64, color.RGBA{R: 200, A: 255})
	}
	var src bytes.Buffer
	require.NoError(t, png.Encode(&src, img))

	resp := h.request(t, http.MethodPost, "/api/previews/photo/thumbnail", src.Bytes(), "image/png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, readAll(t, resp))

	resp = h.request(t, http.MethodPost, "/api/previews/bad/thumbnail", []byte("not an image"), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.request(t, http.MethodGet, "/api/previews/doc", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.request(t, http.MethodPut, "/api/previews/doc", []byte("<p>hi</p>"), "text/html")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.request(t, http.MethodGet, "/api/previews/doc", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Equal(t, "<p>hi</p>", readAll(t, resp))

	resp = h.request(t, http.MethodGet, "/api/previews/stats", nil, "")
	assert.Contains(t, readAll(t, resp), `"success_count":1`)
}
