// Package httpapi exposes the funnel engine over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/id"
)

// Server is the funnel HTTP API.
type Server struct {
	engine  *funnel.Funnel
	logger  *slog.Logger
	metrics prometheus.Gatherer
	timeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.metrics = g }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a Server for engine.
func New(engine *funnel.Funnel, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		logger:  slog.Default(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)

	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Get("/by-external/{externalID}", s.handleGetByExternal)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Get("/transactions", s.handleTransactions)
			r.Get("/history", s.handleHistory)
			r.Get("/overlays", s.handleOverlays)
			r.Post("/overlays/{type}", s.handleActivateOverlay)
			r.Delete("/overlays/{type}", s.handleDeactivateOverlay)
			r.Post("/events", s.handleEvent)
			r.Post("/payments/failed", s.handlePaymentFailed)
			r.Post("/credits/{op}", s.handleCredits)
		})
	})

	r.Post("/cost/estimate", s.handleEstimate)
	r.Post("/sweeps/{sweep}", s.handleSweep)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    http.StatusText(status),
		},
	})
}

// fail maps engine errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *funnel.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": map[string]any{
				"message":   err.Error(),
				"type":      http.StatusText(http.StatusPaymentRequired),
				"required":  insufficient.Required,
				"available": insufficient.Available,
			},
		})
	case errors.Is(err, funnel.ErrInvalidInput), errors.Is(err, funnel.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case funnel.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, funnel.ErrAlreadyExists), funnel.IsRetryable(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decode reads a JSON body into v. An empty body leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func userID(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	uid, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return id.Nil, false
	}
	return uid, true
}

// page reads limit and offset query parameters.
func page(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
