package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"smart-report-generator/internal/config"
	"smart-report-generator/internal/models"
	"smart-report-generator/internal/queue"
	"smart-report-generator/internal/ratelimit"
	"smart-report-generator/internal/store"
	"smart-report-generator/internal/telemetry"
)

const dlqPeekLimit = 100

// Server wires HTTP handlers for the report API.
type Server struct {
	cfg      *config.Config
	store    store.Store
	queue    *queue.RedisQueue
	limiter  *ratelimit.TokenBucket
	logger   *slog.Logger
	validate *validator.Validate
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(cfg *config.Config, st store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		logger:   logger.With("component", "api"),
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)
	r.Use(s.corsMiddleware())

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/reports", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type createReportRequest struct {
	Title string `json:"title" validate:"required,max=255"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.cfg.AppName})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "queue": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		checks["queue"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	status := "ok"
	if code != http.StatusOK {
		status = "unavailable"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid json body"})
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: validationDetail(err)})
		return
	}

	d, err := s.limiter.Allow(ctx, clientIP(r))
	if err != nil {
		s.logger.ErrorContext(ctx, "rate limiter unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "rate limiter unavailable"})
		return
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Detail: "rate limit exceeded"})
		return
	}

	report, err := s.store.Create(ctx, req.Title)
	if err != nil {
		s.logger.ErrorContext(ctx, "create report", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to create report"})
		return
	}

	if err := s.queue.Enqueue(ctx, report.ID); err != nil {
		telemetry.EnqueueFailures.Inc()
		s.logger.ErrorContext(ctx, "enqueue report, rolling back", "report_id", report.ID, "error", err)
		if derr := s.store.Delete(context.WithoutCancel(ctx), report.ID); derr != nil {
			s.logger.ErrorContext(ctx, "roll back report", "report_id", report.ID, "error", derr)
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "report queue unavailable"})
		return
	}

	telemetry.ReportsCreated.Inc()
	s.logger.InfoContext(ctx, "report enqueued", "report_id", report.ID)
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.List(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list reports", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to list reports"})
		return
	}
	if reports == nil {
		reports = []models.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(r)
	if !ok {
		writeNotFound(w)
		return
	}
	report, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "get report", "report_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to load report"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleDelete removes the record only. A job already in the queue finds the
// report gone and is discarded by the worker.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(r)
	if !ok {
		writeNotFound(w)
		return
	}
	err := s.store.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "delete report", "report_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to delete report"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDLQ returns the ids of reports that exhausted their retries.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), dlqPeekLimit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "read dlq", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to read dlq"})
		return
	}
	if items == nil {
		items = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// reportID parses the {id} path segment. Anything that is not a positive
// integer cannot name a report.
func reportID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "title must not be empty"
	case "max":
		return "title must be at most " + fe.Param() + " characters"
	default:
		return "invalid title"
	}
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Report not found"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
