package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinekit/internal/cache"
	"github.com/kimhsiao/offlinekit/internal/cache/bucket"
	"github.com/kimhsiao/offlinekit/internal/db"
	apperrors "github.com/kimhsiao/offlinekit/internal/errors"
	"github.com/kimhsiao/offlinekit/internal/sync/queue"
	"github.com/kimhsiao/offlinekit/internal/sync/replay"
)

type noTrigger struct{}

func (noTrigger) Register(context.Context, string) error { return nil }

type fixture struct {
	client *Client
	queue  *queue.Manager
	cache  *cache.Manager
	online *atomic.Bool
	hits   *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	repo := db.NewRepository(database.DB)

	online := &atomic.Bool{}
	online.Store(true)
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"id":5,"title":"server"}`))
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	httpFetcher, err := replay.NewHTTPFetcher(srv.URL, srv.Client(), time.Second)
	require.NoError(t, err)
	fetcher := replay.FetcherFunc(func(ctx context.Context, req *replay.Request) (*replay.Response, error) {
		if !online.Load() {
			return nil, errors.New("dial tcp: connect: network is unreachable")
		}
		return httpFetcher.Fetch(ctx, req)
	})

	q := queue.NewManager(repo, fetcher, queue.WithTrigger(noTrigger{}))
	c := cache.NewManager(repo, bucket.NewMemoryStorage(0))
	return &fixture{client: New(fetcher, q, c), queue: q, cache: c, online: online, hits: hits}
}

// TestDo_onlinePassesThrough verifies requests go straight to the backend while online.
func TestDo_onlinePassesThrough(t *testing.T) {
	f := newFixture(t)

	resp, err := f.client.Do(context.Background(), "post", "/api/v1/knowledge", nil, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"a":1}`, string(resp.Body))
	assert.False(t, resp.FromCache)

	n, err := f.queue.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestDo_offlineMutationQueued verifies an offline write is queued and replayed later.
func TestDo_offlineMutationQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online.Store(false)

	headers := http.Header{"Content-Type": {"application/json"}}
	_, err := f.client.Do(ctx, http.MethodPut, "/api/v1/knowledge/5", headers, []byte(`{"title":"edit"}`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueuedOffline))

	var offline *OfflineError
	require.True(t, errors.As(err, &offline))
	assert.Equal(t, int64(1), offline.Mutation.ID)
	assert.Equal(t, http.MethodPut, offline.Mutation.Method)

	n, err := f.queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.online.Store(true)
	result, err := f.queue.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, int32(1), f.hits.Load())
}

// TestDo_offlineGetServedFromCache verifies an offline GET is answered from the cache.
func TestDo_offlineGetServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh, err := f.client.Do(ctx, http.MethodGet, "/api/v1/knowledge/5", nil, nil)
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)

	f.online.Store(false)
	cached, err := f.client.Do(ctx, http.MethodGet, "/api/v1/knowledge/5", nil, nil)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, fresh.Body, cached.Body)
	assert.Equal(t, "application/json", cached.Header.Get("Content-Type"))
	assert.NotEmpty(t, cached.Header.Get("X-Cache-Stored-At"))

	_, err = f.client.Do(ctx, http.MethodGet, "/api/v1/never-fetched", nil, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrReplayNetwork))

	// Cache reads are tracked for eviction.
	entries, err := f.cache.GetLRUEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].AccessCount)
}

// TestDo_cachedResponsesStayUnderCeiling verifies caching GET responses sweeps the
// cache so it never grows past its ceiling between scheduled sweeps.
func TestDo_cachedResponsesStayUnderCeiling(t *testing.T) {
	ctx := context.Background()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(ctx))
	repo := db.NewRepository(database.DB)

	body := make([]byte, 2*cache.MiB)
	fetcher := replay.FetcherFunc(func(context.Context, *replay.Request) (*replay.Response, error) {
		return &replay.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}, nil
	})

	var tick int64
	clock := func() time.Time {
		tick++
		return time.UnixMilli(tick * 1000)
	}
	cfg := cache.DefaultConfig()
	cfg.EstimatedEntrySize = 2 * cache.MiB
	c := cache.NewManager(repo, bucket.NewMemoryStorage(0), cache.WithConfig(cfg), cache.WithClock(clock))
	client := New(fetcher, nil, c)

	for i := 0; i < 30; i++ {
		_, err := client.Do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/files/%02d", i), nil, nil)
		require.NoError(t, err)
	}

	size, err := c.GetTotalCacheSize(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, size, cfg.MaxCacheSize)

	_, ok, err := c.Match(ctx, cache.BucketAPIResponses, "/api/v1/files/00")
	require.NoError(t, err)
	assert.False(t, ok, "least recently used response is evicted")
	_, ok, err = c.Match(ctx, cache.BucketAPIResponses, "/api/v1/files/29")
	require.NoError(t, err)
	assert.True(t, ok)
}
