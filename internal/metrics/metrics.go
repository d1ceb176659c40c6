// Package metrics exposes Prometheus collectors for the sync queue and the cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kimhsiao/offlinekit/internal/cache"
	"github.com/kimhsiao/offlinekit/internal/sync/queue"
)

const namespace = "offline"

// Replay outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// Metrics holds every collector. Each instance owns its registry so several can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	enqueued       prometheus.Counter
	drains         prometheus.Counter
	replays        *prometheus.CounterVec
	retryDelay     prometheus.Histogram
	cleared        prometheus.Counter
	evictionRuns   prometheus.Counter
	evictedKeys    prometheus.Counter
	evictionFailed prometheus.Counter
	cacheSize      prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "enqueued_total",
			Help:      "Mutations persisted while offline.",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drains_total",
			Help:      "Drain passes that found pending mutations.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replays_total",
			Help:      "Replay attempts by outcome.",
		}, []string{"outcome", "method"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retry_delay_seconds",
			Help:      "Backoff delays scheduled after failed replays.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 7),
		}),
		cleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_cleared_total",
			Help:      "Administrative queue clears.",
		}),
		evictionRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "eviction_runs_total",
			Help:      "Eviction sweeps that removed at least one key.",
		}),
		evictedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evicted_keys_total",
			Help:      "Cache keys removed by eviction.",
		}),
		evictionFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "eviction_failures_total",
			Help:      "Cache keys whose deletion failed during eviction.",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "size_bytes",
			Help:      "Last measured total cache size.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.enqueued, m.drains, m.replays, m.retryDelay, m.cleared,
		m.evictionRuns, m.evictedKeys, m.evictionFailed, m.cacheSize,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry to serve on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterQueueDepth exposes the queue depth, read on every scrape.
func (m *Metrics) RegisterQueueDepth(depth func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "queue_depth",
		Help:      "Mutations waiting to be replayed.",
	}, depth))
}

// QueueListener returns a listener that records queue events.
func (m *Metrics) QueueListener() queue.Listener {
	return func(e queue.Event) {
		switch e.Type {
		case queue.EventEnqueued:
			m.enqueued.Inc()
		case queue.EventDrainStarted:
			m.drains.Inc()
		case queue.EventReplayed:
			m.replays.WithLabelValues(OutcomeSucceeded, method(e)).Inc()
		case queue.EventRetryScheduled:
			m.replays.WithLabelValues(OutcomeRetried, method(e)).Inc()
			m.retryDelay.Observe(e.Delay.Seconds())
		case queue.EventDropped:
			m.replays.WithLabelValues(OutcomeDropped, method(e)).Inc()
		case queue.EventCleared:
			m.cleared.Inc()
		}
	}
}

func method(e queue.Event) string {
	if e.Mutation == nil {
		return ""
	}
	return e.Mutation.Method
}

// ObserveEviction records a sweep result.
func (m *Metrics) ObserveEviction(r cache.EvictionResult) {
	m.evictionRuns.Inc()
	m.evictedKeys.Add(float64(r.Evicted))
	m.evictionFailed.Add(float64(r.Failed))
	m.cacheSize.Set(float64(r.EstimatedAfter))
}

// SetCacheSize records a measured cache size.
func (m *Metrics) SetCacheSize(bytes int64) {
	m.cacheSize.Set(float64(bytes))
}
