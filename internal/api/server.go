package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/config"
	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/id/uuid"
	"github.com/JakeFAU/crawlsearch/internal/metrics"
	"github.com/JakeFAU/crawlsearch/internal/search"
)

const requestTimeout = 60 * time.Second

// Crawls is the job surface served under /v1/crawl.
type Crawls interface {
	SubmitCrawl(ctx context.Context, callerID string, params crawler.CrawlParams) (string, error)
	GetStatus(ctx context.Context, jobID string) (crawler.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// Searcher answers ranked queries.
type Searcher interface {
	Search(ctx context.Context, query, pageToken string, pageSize int) (search.Page, error)
}

// ReadinessFunc reports whether the service can take work, plus a detail
// payload for the probe body.
type ReadinessFunc func() (bool, any)

// Server wires HTTP handlers to the orchestrator and the query planner.
type Server struct {
	router   chi.Router
	crawls   Crawls
	searcher Searcher
	ready    ReadinessFunc
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	crawls Crawls,
	searcher Searcher,
	ready ReadinessFunc,
	auth config.AuthConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		crawls:   crawls,
		searcher: searcher,
		ready:    ready,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	crawlAuth := authMiddleware(auth.Enabled, auth.CrawlSecret)
	searchAuth := authMiddleware(auth.Enabled, auth.SearchSecret)
	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Route("/crawl", func(r chi.Router) {
			r.Use(crawlAuth)
			r.Post("/", s.submitCrawl)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getCrawlStatus)
				r.Post("/cancel", s.cancelCrawl)
			})
		})
		r.With(searchAuth).Get("/search", s.search)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ok, detail := s.ready()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "detail": detail})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "detail": detail})
}

type crawlRequest struct {
	Domains  []string        `json:"domains"`
	Region   *crawler.Region `json:"region"`
	Seeds    []string        `json:"seeds"`
	MaxDepth int             `json:"max_depth"`
	MaxPages int             `json:"max_pages"`
}

func (req crawlRequest) params() crawler.CrawlParams {
	domains := make([]crawler.Domain, 0, len(req.Domains))
	for _, d := range req.Domains {
		domains = append(domains, crawler.Domain(d))
	}
	return crawler.CrawlParams{
		Domains:  domains,
		Region:   req.Region,
		Seeds:    req.Seeds,
		MaxDepth: req.MaxDepth,
		MaxPages: req.MaxPages,
	}
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.crawls.SubmitCrawl(r.Context(), callerID(r.Context()), req.params())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getCrawlStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.crawls.GetStatus(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := s.crawls.Cancel(r.Context(), jobID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	job, err := s.crawls.GetStatus(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size := 0
	if raw := q.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "size must be an integer")
			return
		}
		size = n
	}
	page, err := s.searcher.Search(r.Context(), q.Get("q"), q.Get("page_token"), size)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "job_id must be a UUID")
		return "", false
	}
	return jobID, true
}

// writeDomainError maps sentinel errors to HTTP statuses. Unknown errors are
// logged and reported as 500 without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, crawler.ErrInvalidScope),
		errors.Is(err, crawler.ErrInvalidQuery),
		errors.Is(err, crawler.ErrInvalidPageToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
