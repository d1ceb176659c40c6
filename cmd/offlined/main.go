// Package main runs the offline daemon: it persists mutations made while the
// backend is unreachable, replays them when connectivity returns and keeps the
// local cache under its size ceiling.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kimhsiao/offlinekit/internal/apiclient"
	"github.com/kimhsiao/offlinekit/internal/backoff"
	"github.com/kimhsiao/offlinekit/internal/cache"
	"github.com/kimhsiao/offlinekit/internal/cache/bucket"
	"github.com/kimhsiao/offlinekit/internal/config"
	"github.com/kimhsiao/offlinekit/internal/db"
	"github.com/kimhsiao/offlinekit/internal/logging"
	"github.com/kimhsiao/offlinekit/internal/metrics"
	"github.com/kimhsiao/offlinekit/internal/preview"
	"github.com/kimhsiao/offlinekit/internal/server"
	"github.com/kimhsiao/offlinekit/internal/sync/queue"
	"github.com/kimhsiao/offlinekit/internal/sync/replay"
	"github.com/kimhsiao/offlinekit/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

// cacheTag is the scheduler tag of the periodic cache sweep.
const cacheTag = "cache-maintenance"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "offlined: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := config.LoadEnvFiles(".env", ".env.local"); err != nil {
		return err
	}

	v := config.NewViper()
	fs := pflag.NewFlagSet("offlined", pflag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := config.BindFlags(v, fs); err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("offlined v%s\n", Version)
		return nil
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	log := logging.Get().With("offlined")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}
	repo := db.NewRepository(database.DB)
	defer repo.Close()

	m, err := metrics.New()
	if err != nil {
		return err
	}
	hub := server.NewHub()
	defer hub.Close()

	fetcher, err := replay.NewHTTPFetcher(cfg.BackendURL, nil, cfg.ReplayTimeout)
	if err != nil {
		return err
	}

	trigger := scheduler.New(&scheduler.Config{
		QueueInterval: cfg.QueueInterval,
		ProbeInterval: cfg.ProbeInterval,
		ProbeURL:      strings.TrimRight(cfg.BackendURL, "/") + cfg.ProbePath,
	})

	q := queue.NewManager(repo, fetcher,
		queue.WithTrigger(trigger),
		queue.WithPolicy(backoff.Policy{MaxRetries: cfg.MaxRetries, Base: cfg.BaseDelay}),
		queue.WithExhaustedPolicy(queue.ParseExhaustedPolicy(cfg.ExhaustedPolicy)),
		queue.WithListener(m.QueueListener()),
		queue.WithListener(hub.QueueListener()),
	)
	defer q.Close()
	trigger.OnTrigger(queue.SyncTag, q.HandleTrigger)

	if err := m.RegisterQueueDepth(func() float64 {
		n, err := q.PendingCount(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	}); err != nil {
		return err
	}

	storage, err := bucket.NewDiskStorage(cfg.CacheDir, bucket.WithQuota(cfg.DiskQuota))
	if err != nil {
		return err
	}
	cacheMgr := cache.NewManager(repo, storage,
		cache.WithConfig(cache.Config{
			EvictionThreshold:  cfg.EvictionThreshold,
			MaxCacheSize:       cfg.MaxCacheSize,
			BatchSize:          cfg.EvictionBatchSize,
			EstimatedEntrySize: cfg.EstimatedEntrySize,
		}),
		cache.WithEvictionListener(m.ObserveEviction),
		cache.WithEvictionListener(hub.EvictionListener()),
	)
	trigger.OnLocalTrigger(cacheTag, func(ctx context.Context) {
		size, err := cacheMgr.GetTotalCacheSize(ctx)
		if err != nil {
			log.Warn("Failed to measure cache", map[string]interface{}{"error": err.Error()})
			return
		}
		m.SetCacheSize(size)
		if _, err := cacheMgr.EvictIfNeeded(ctx); err != nil {
			log.Error("Scheduled eviction failed", err)
		}
	})

	previews := preview.NewService(cacheMgr, preview.Config{
		Width:   cfg.ThumbnailWidth,
		Height:  cfg.ThumbnailHeight,
		Workers: cfg.ThumbnailWorkers,
	})
	previews.Start(ctx)
	defer previews.Stop()

	q.Start(ctx)
	trigger.Start(ctx)
	defer trigger.Stop()

	// Mutations left over from the previous run.
	q.RequestDrain()

	deps := server.Deps{
		Queue:    q,
		Cache:    cacheMgr,
		Trigger:  trigger,
		Proxy:    apiclient.New(fetcher, q, cacheMgr),
		Previews: previews,
		Hub:      hub,
	}
	if cfg.MetricsEnabled {
		deps.Registry = m.Registry()
	}

	log.Info("Offline daemon starting", map[string]interface{}{
		"version":     Version,
		"listen":      cfg.ListenAddr,
		"backend":     cfg.BackendURL,
		"data_dir":    cfg.DataDir,
		"cache_dir":   cfg.CacheDir,
		"max_retries": cfg.MaxRetries,
	})
	if err := server.New(deps).ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		return err
	}
	log.Info("Offline daemon stopped")
	return nil
}
