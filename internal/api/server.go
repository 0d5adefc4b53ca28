// Package api exposes the HTTP interface for the pipeline service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// RunTrigger starts an on-demand crawl run over pending pages.
type RunTrigger interface {
	RunNow(ctx context.Context) (int, error)
}

// ReadyChecker reports whether downstream dependencies are reachable.
type ReadyChecker func(ctx context.Context) error

// Server wires HTTP handlers to the record store and scheduler.
type Server struct {
	router  chi.Router
	store   pipeline.RecordStore
	trigger RunTrigger
	ready   ReadyChecker
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready and
// gatherer may be nil.
func NewServer(
	store pipeline.RecordStore,
	trigger RunTrigger,
	ready ReadyChecker,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   store,
		trigger: trigger,
		ready:   ready,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawl/run", s.triggerRun)
		r.Route("/pages", func(r chi.Router) {
			r.Post("/", s.createPage)
			r.Route("/{page_id}", func(r chi.Router) {
				r.Get("/", s.getPage)
				r.Get("/assets", s.listPageAssets)
				r.Post("/requeue", s.requeuePage)
			})
		})
		r.Get("/assets/{asset_id}/results", s.listAssetResults)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	claimed, err := s.trigger.RunNow(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"pages_selected": claimed, "started": true})
}

type createPageRequest struct {
	URL string `json:"url"`
}

func (s *Server) createPage(w http.ResponseWriter, r *http.Request) {
	var req createPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validatePageURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.store.CreatePage(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, page)
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	page, err := s.store.GetPage(r.Context(), chi.URLParam(r, "page_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) listPageAssets(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")
	if _, err := s.store.GetPage(r.Context(), pageID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	assets, err := s.store.ListAssetsByPage(r.Context(), pageID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if assets == nil {
		assets = []pipeline.Asset{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"assets": assets})
}

func (s *Server) requeuePage(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")
	if err := s.store.RequeuePage(r.Context(), pageID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"page_id": pageID,
		"status":  string(pipeline.PageStatusPending),
	})
}

func (s *Server) listAssetResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListResultsByAsset(r.Context(), chi.URLParam(r, "asset_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if results == nil {
		results = []pipeline.OCRResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func validatePageURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("url is not valid")
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return errors.New("url must be absolute http or https")
	}
	return nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, pipeline.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}
