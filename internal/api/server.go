package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/config"
	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/metrics"
	"github.com/JakeFAU/ecfr-mirror/internal/query"
	"github.com/JakeFAU/ecfr-mirror/internal/reload"
	"github.com/JakeFAU/ecfr-mirror/internal/store"
)

// Querier answers reads against the loaded snapshot.
type Querier interface {
	Ready() bool
	Metrics() (ecfr.Metrics, error)
	Search(q string, offset, limit int) (query.SearchPage, error)
	Section(title, id string) (*ecfr.Section, error)
}

// Reloader starts background snapshot refreshes.
type Reloader interface {
	Trigger() (string, error)
	Running() (string, bool)
}

// Server wires HTTP handlers to the query service and run history.
type Server struct {
	router   chi.Router
	query    Querier
	reloader Reloader
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil
// when run history is not configured.
func NewServer(
	q Querier,
	reloader Reloader,
	runs store.RunRepository,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		query:    q,
		reloader: reloader,
		validate: validator.New(),
		logger:   logger,
	}
	timeout := cfg.Server.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	runsHandler := NewRunsHandler(runs, logger)
	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/metrics", s.getMetrics)
		r.Get("/search", s.search)
		r.Get("/sections/{title}/{section_id}", s.getSection)
		r.Post("/reload", s.triggerReload)
		r.Get("/reload", s.reloadStatus)
		r.Get("/runs", runsHandler.ListRuns)
		r.Get("/runs/{run_id}", runsHandler.GetRun)
		r.Get("/runs/{run_id}/titles", runsHandler.ListRunTitles)
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
	if !s.query.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getMetrics(w http.ResponseWriter, _ *http.Request) {
	m, err := s.query.Metrics()
	if err != nil {
		if errors.Is(err, query.ErrNotReady) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type searchRequest struct {
	Query  string `validate:"min=3,max=60"`
	Offset int    `validate:"gte=0"`
	Limit  int    `validate:"gte=1,lte=100"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	req := searchRequest{Query: params.Get("q"), Limit: query.DefaultLimit}
	var err error
	if raw := params.Get("offset"); raw != "" {
		if req.Offset, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	if raw := params.Get("limit"); raw != "" {
		if req.Limit, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	page, err := s.query.Search(req.Query, req.Offset, req.Limit)
	if err != nil {
		if errors.Is(err, query.ErrInvalidQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid search parameters"
	}
	switch verrs[0].Field() {
	case "Query":
		return fmt.Sprintf("q must be between %d and %d characters", query.MinQueryLength, query.MaxQueryLength)
	case "Offset":
		return "offset must be >= 0"
	default:
		return fmt.Sprintf("limit must be between 1 and %d", query.MaxLimit)
	}
}

func (s *Server) getSection(w http.ResponseWriter, r *http.Request) {
	title := chi.URLParam(r, "title")
	sectionID := chi.URLParam(r, "section_id")
	section, err := s.query.Section(title, sectionID)
	if err != nil {
		if errors.Is(err, ecfr.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("section lookup failed", zap.String("title", title), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "section lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (s *Server) triggerReload(w http.ResponseWriter, _ *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "reload is not configured")
		return
	}
	runID, err := s.reloader.Trigger()
	switch {
	case errors.Is(err, reload.ErrInProgress):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "in_progress", "run_id": runID})
	case err != nil:
		s.logger.Error("reload trigger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start reload")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "run_id": runID})
	}
}

func (s *Server) reloadStatus(w http.ResponseWriter, _ *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "reload is not configured")
		return
	}
	if runID, ok := s.reloader.Running(); ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "in_progress", "run_id": runID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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
