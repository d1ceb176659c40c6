package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinekit/internal/cache"
	"github.com/kimhsiao/offlinekit/internal/cache/bucket"
	"github.com/kimhsiao/offlinekit/internal/db"
	"github.com/kimhsiao/offlinekit/internal/metrics"
	"github.com/kimhsiao/offlinekit/internal/sync/queue"
	"github.com/kimhsiao/offlinekit/internal/sync/replay"
)

type noTrigger struct{}

func (noTrigger) Register(context.Context, string) error { return nil }

type harness struct {
	srv   *httptest.Server
	queue *queue.Manager
	cache *cache.Manager
	hub   *Hub
}

func newHarness(t *testing.T, fetcher replay.Fetcher) *harness {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	repo := db.NewRepository(database.DB)

	m, err := metrics.New()
	require.NoError(t, err)
	hub := NewHub()
	t.Cleanup(hub.Close)

	q := queue.NewManager(repo, fetcher,
		queue.WithTrigger(noTrigger{}),
		queue.WithExhaustedPolicy(queue.ExhaustedDeadLetter),
		queue.WithAfterFunc(func(time.Duration, func()) func() bool { return func() bool { return true } }),
		queue.WithListener(hub.QueueListener()),
		queue.WithListener(m.QueueListener()),
	)
	c := cache.NewManager(repo, bucket.NewMemoryStorage(0), cache.WithEvictionListener(hub.EvictionListener()))

	s := New(Deps{Queue: q, Cache: c, Hub: hub, Registry: m.Registry()})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	return &harness{srv: srv, queue: q, cache: c, hub: hub}
}

var okFetcher = replay.FetcherFunc(func(context.Context, *replay.Request) (*replay.Response, error) {
	return &replay.Response{StatusCode: http.StatusOK}, nil
})

func (h *harness) do(t *testing.T, method, path string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return resp.StatusCode, body
}

// TestHealth verifies the health endpoint.
func TestHealth(t *testing.T) {
	h := newHarness(t, okFetcher)
	status, body := h.do(t, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

// TestSyncEndpoints verifies pending count, manual drain and queue clearing.
func TestSyncEndpoints(t *testing.T) {
	h := newHarness(t, okFetcher)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, "/api/v1/knowledge/5", http.MethodPut, nil, "{}")
	require.NoError(t, err)

	status, body := h.do(t, http.MethodGet, "/api/sync/pending")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["pending"])

	status, body = h.do(t, http.MethodPost, "/api/sync/drain")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["succeeded"])

	_, body = h.do(t, http.MethodGet, "/api/sync/pending")
	assert.Equal(t, 0.0, body["pending"])

	_, err = h.queue.Enqueue(ctx, "/a", http.MethodPost, nil, "")
	require.NoError(t, err)
	status, _ = h.do(t, http.MethodDelete, "/api/sync/queue")
	assert.Equal(t, http.StatusNoContent, status)
	_, body = h.do(t, http.MethodGet, "/api/sync/pending")
	assert.Equal(t, 0.0, body["pending"])

	status, _ = h.do(t, http.MethodGet, "/api/sync/drain")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

// TestDeadLetterEndpoints verifies listing and requeueing dead letters, including bad and unknown ids.
func TestDeadLetterEndpoints(t *testing.T) {
	failing := replay.FetcherFunc(func(context.Context, *replay.Request) (*replay.Response, error) {
		return nil, errors.New("connection refused")
	})
	h := newHarness(t, failing)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, "/a", http.MethodDelete, nil, "")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := h.queue.DrainQueue(ctx)
		require.NoError(t, err)
	}

	status, body := h.do(t, http.MethodGet, "/api/sync/dead-letters")
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1.0, body["count"])
	item := body["items"].([]interface{})[0].(map[string]interface{})

	status, _ = h.do(t, http.MethodPost, "/api/sync/dead-letters/abc/requeue")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodPost, "/api/sync/dead-letters/999/requeue")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]interface{})["code"])

	id := int64(item["id"].(float64))
	status, body = h.do(t, http.MethodPost, "/api/sync/dead-letters/"+jsonInt(id)+"/requeue")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, body["retries"])
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// TestCacheEndpoints verifies cache size reporting, manual eviction and preview clearing.
func TestCacheEndpoints(t *testing.T) {
	h := newHarness(t, okFetcher)
	ctx := context.Background()

	require.NoError(t, h.cache.Put(ctx, cache.BucketPreviews, "p", &bucket.Entry{Body: []byte("abc")}))

	status, body := h.do(t, http.MethodGet, "/api/cache/size")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3.0, body["total_size"])
	assert.Equal(t, 1.0, body["tracked_keys"])

	status, body = h.do(t, http.MethodPost, "/api/cache/evict")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, body["evicted"])

	status, _ = h.do(t, http.MethodDelete, "/api/cache/previews")
	assert.Equal(t, http.StatusNoContent, status)
	_, body = h.do(t, http.MethodGet, "/api/cache/size")
	assert.Equal(t, 0.0, body["total_size"])
}

// TestMetricsEndpoint verifies queue activity shows up on /metrics.
func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, okFetcher)
	_, err := h.queue.Enqueue(context.Background(), "/a", http.MethodPost, nil, "")
	require.NoError(t, err)

	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "offline_sync_enqueued_total 1")
}

// TestWebsocket_receivesSubscribedEvents verifies a subscribed client only receives the events it asked for.
func TestWebsocket_receivesSubscribedEvents(t *testing.T) {
	h := newHarness(t, okFetcher)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{"sync.completed"}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	_, err = h.queue.Enqueue(context.Background(), "/a", http.MethodPost, nil, "")
	require.NoError(t, err)
	_, err = h.queue.DrainQueue(context.Background())
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "sync.completed", env.Type, "unsubscribed events are filtered")
	assert.Equal(t, 1.0, env.Data["succeeded"])
}

// TestLocalOrigin verifies only local pages may open the websocket.
func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8091", true},
		{"http://[::1]:8091", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), tt.origin)
	}
}

// TestWebsocket_pingAndClose verifies ping replies and that closing the hub disconnects clients.
func TestWebsocket_pingAndClose(t *testing.T) {
	h := newHarness(t, okFetcher)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var pong map[string]interface{}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["action"])
	assert.Equal(t, 1, h.hub.ClientCount())

	h.hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "closing the hub disconnects clients")
}
