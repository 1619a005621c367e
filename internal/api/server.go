package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"jobqueue/internal/admin"
	"jobqueue/internal/models"
	"jobqueue/internal/queue"
	"jobqueue/internal/ratelimit"
	"jobqueue/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Server wires HTTP handlers for the producer API and the admin surface.
type Server struct {
	producer   *queue.Producer
	admin      *admin.Service
	limiter    *ratelimit.Window
	adminToken string
	logger     *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(producer *queue.Producer, svc *admin.Service, limiter *ratelimit.Window, adminToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		producer:   producer,
		admin:      svc,
		limiter:    limiter,
		adminToken: adminToken,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/email", handleEnqueue(s, s.producer.AddEmailJob))
		r.Post("/webhook-retry", handleEnqueue(s, s.producer.AddWebhookRetryJob))
		r.Post("/report", handleEnqueue(s, s.producer.AddReportJob))
	})

	r.Route("/admin/queue", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/health", s.handleHealth)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/audit", s.handleAudit)
		r.Put("/jobs/{id}/payload", s.handleUpdatePayload)
		r.Post("/", s.handleAction)
	})
	return r
}

type enqueueResponse struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

func handleEnqueue[P models.Payload](s *Server, add func(ctx context.Context, payload P) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload P
		if !s.bind(w, r, &payload) {
			return
		}
		id, err := add(r.Context(), payload)
		if err != nil {
			s.logger.Error("enqueue job", slog.String("kind", string(payload.Kind())), slog.Any("error", err))
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Queued: id != ""})
	}
}

// bind decodes a JSON body into dest and validates it.
func (s *Server) bind(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := models.Validate(dest); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationFields(err),
		})
		return false
	}
	return true
}

func validationFields(err error) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			fields[e.Field()] = "failed " + e.Tag()
		}
	}
	return fields
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.admin.Metrics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.Health(r.Context()))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status == "" {
		status = string(models.StatusFailed)
	}
	start, err := queryInt(q.Get("start"), 0)
	if err != nil {
		http.Error(w, "start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := queryInt(q.Get("end"), start+49)
	if err != nil {
		http.Error(w, "end: "+err.Error(), http.StatusBadRequest)
		return
	}
	jobs, err := s.admin.ListJobs(r.Context(), status, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "start": start, "end": end})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.admin.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.admin.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleUpdatePayload(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(raw) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.admin.UpdatePayload(r.Context(), id, raw); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleAction accepts action and jobId as query or form values.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	action := r.FormValue("action")
	jobID := r.FormValue("jobId")

	needsJob := action == "retry" || action == "remove"
	if needsJob && jobID == "" {
		http.Error(w, "jobId is required", http.StatusBadRequest)
		return
	}

	switch action {
	case "retry":
		ok, err := s.admin.Retry(ctx, jobID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			http.Error(w, "job is not failed", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"retried": jobID})
	case "clear-failed":
		n, err := s.admin.ClearFailed(ctx)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
	case "remove":
		if err := s.admin.Remove(ctx, jobID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": jobID})
	case "pause":
		if err := s.admin.Pause(ctx); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	case "resume":
		if err := s.admin.Resume(ctx); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusBadRequest)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, admin.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, queue.ErrQueueUnavailable), errors.Is(err, admin.ErrAuditDisabled):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("admin request", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// requireAdmin checks the bearer token. With no token configured every admin
// request is refused.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.Error(w, "admin access not configured", http.StatusForbidden)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter, err := s.limiter.Allow(r.Context(), "tenant:"+tenantFromRequest(r))
		if err != nil {
			// fail open
			s.logger.Warn("rate limiter unavailable", slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			telemetry.APIRateLimited.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
