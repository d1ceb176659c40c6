package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/kimhsiao/offlinekit/internal/apiclient"
	"github.com/kimhsiao/offlinekit/internal/cache/bucket"
	apperrors "github.com/kimhsiao/offlinekit/internal/errors"
	"github.com/kimhsiao/offlinekit/internal/preview"
)

const maxUploadBytes = 32 << 20

// Proxy forwards requests to the backend.
type Proxy interface {
	Do(ctx context.Context, method, path string, headers http.Header, body []byte) (*apiclient.Response, error)
}

// Previews generates and serves cached previews.
type Previews interface {
	Thumbnail(ctx context.Context, key string, src []byte) ([]byte, error)
	Preview(ctx context.Context, key string, data []byte, contentType string) error
	CachedPreview(ctx context.Context, key string) (*bucket.Entry, bool, error)
	GetStats() preview.Stats
}

// hop-by-hop and transport headers that are not forwarded.
var skipHeaders = map[string]bool{
	"Accept-Encoding":   true,
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Host":              true,
}

func (s *Server) registerConsumers() {
	if s.deps.Proxy != nil {
		s.mux.HandleFunc("/api/proxy/{path...}", s.proxy)
	}
	if s.deps.Previews != nil {
		s.mux.HandleFunc("GET /api/previews/stats", s.previewStats)
		s.mux.HandleFunc("GET /api/previews/{key}", s.getPreview)
		s.mux.HandleFunc("PUT /api/previews/{key}", s.putPreview)
		s.mux.HandleFunc("POST /api/previews/{key}/thumbnail", s.thumbnail)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to read request body", err)
	}
	return body, nil
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	path := "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	headers := http.Header{}
	for k, v := range r.Header {
		if !skipHeaders[k] {
			headers[k] = v
		}
	}

	resp, err := s.deps.Proxy.Do(r.Context(), r.Method, path, headers, body)
	if err != nil {
		var offline *apiclient.OfflineError
		if errors.As(err, &offline) {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"queued": true,
				"id":     offline.Mutation.ID,
			})
			return
		}
		s.writeError(w, err)
		return
	}

	for k, v := range resp.Header {
		if !skipHeaders[k] {
			w.Header()[k] = v
		}
	}
	if resp.FromCache {
		w.Header().Set("X-From-Cache", "1")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (s *Server) thumbnail(w http.ResponseWriter, r *http.Request) {
	src, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	thumb, err := s.deps.Previews.Thumbnail(r.Context(), r.PathValue("key"), src)
	if err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to generate thumbnail", err))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(thumb)
}

func (s *Server) putPreview(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Previews.Preview(r.Context(), r.PathValue("key"), data, r.Header.Get("Content-Type")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPreview(w http.ResponseWriter, r *http.Request) {
	entry, ok, err := s.deps.Previews.CachedPreview(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, apperrors.New(apperrors.ErrNotFound, "preview not cached"))
		return
	}
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	_, _ = w.Write(entry.Body)
}

func (s *Server) previewStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Previews.GetStats())
}
