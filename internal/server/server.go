// Package server exposes the local status surface: JSON endpoints for the sync
// queue and cache, a websocket feed of their events and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/offlinekit/internal/cache"
	apperrors "github.com/kimhsiao/offlinekit/internal/errors"
	"github.com/kimhsiao/offlinekit/internal/logging"
	"github.com/kimhsiao/offlinekit/internal/models"
	"github.com/kimhsiao/offlinekit/internal/sync/queue"
	"github.com/kimhsiao/offlinekit/internal/sync/scheduler"
)

// SyncQueue is the queue surface the handlers use.
type SyncQueue interface {
	PendingCount(ctx context.Context) (int, error)
	DrainQueue(ctx context.Context) (queue.DrainResult, error)
	ClearQueue(ctx context.Context) error
	DeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id int64) (*models.QueuedMutation, error)
}

// CacheManager is the cache surface the handlers use.
type CacheManager interface {
	Stats(ctx context.Context) (cache.Stats, error)
	EvictIfNeeded(ctx context.Context) (cache.EvictionResult, error)
	ClearPreviewCache(ctx context.Context) error
}

// TriggerStatus reports the background trigger state.
type TriggerStatus interface {
	GetStatus() scheduler.Status
}

// Deps are the components served. Everything but Queue and Cache is optional.
type Deps struct {
	Queue    SyncQueue
	Cache    CacheManager
	Trigger  TriggerStatus
	Proxy    Proxy
	Previews Previews
	Hub      *Hub
	Registry *prometheus.Registry
}

// Server handles the status endpoints.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	log  *logging.Logger
}

// New creates a Server and registers its routes.
func New(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux(), log: logging.Get().With("server")}

	s.mux.HandleFunc("GET /api/health", s.health)
	s.mux.HandleFunc("GET /api/sync/pending", s.pending)
	s.mux.HandleFunc("GET /api/sync/status", s.syncStatus)
	s.mux.HandleFunc("POST /api/sync/drain", s.drain)
	s.mux.HandleFunc("DELETE /api/sync/queue", s.clearQueue)
	s.mux.HandleFunc("GET /api/sync/dead-letters", s.deadLetters)
	s.mux.HandleFunc("POST /api/sync/dead-letters/{id}/requeue", s.requeue)
	s.mux.HandleFunc("GET /api/cache/size", s.cacheSize)
	s.mux.HandleFunc("POST /api/cache/evict", s.evict)
	s.mux.HandleFunc("DELETE /api/cache/previews", s.clearPreviews)
	s.registerConsumers()
	if deps.Hub != nil {
		s.mux.Handle("GET /ws", deps.Hub)
	}
	if deps.Registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Status server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.CodeOf(err)
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrUnavailable, apperrors.ErrTriggerUnavailable:
		status = http.StatusServiceUnavailable
	case apperrors.ErrReplayNetwork:
		status = http.StatusBadGateway
	case apperrors.ErrCacheQuotaExceeded:
		status = http.StatusInsufficientStorage
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", err)
	}

	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": err.Error(),
		},
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok", "service": "offlined"}
	if s.deps.Trigger != nil {
		body["online"] = s.deps.Trigger.GetStatus().IsOnline
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) pending(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.PendingCount(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.PendingCount(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]interface{}{"pending": n}
	if s.deps.Trigger != nil {
		body["trigger"] = s.deps.Trigger.GetStatus()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Queue.DrainQueue(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"drain_id":  result.DrainID,
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"retried":   result.Retried,
		"dropped":   result.Dropped,
	})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.ClearQueue(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deps.Queue.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if letters == nil {
		letters = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": letters, "count": len(letters)})
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, apperrors.New(apperrors.ErrValidation, "invalid dead letter id"))
		return
	}
	mutation, err := s.deps.Queue.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutation)
}

func (s *Server) cacheSize(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) evict(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Cache.EvictIfNeeded(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) clearPreviews(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Cache.ClearPreviewCache(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
