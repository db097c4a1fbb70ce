// Package api exposes scoring jobs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/jobs"
	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/store"
)

// maxBodyBytes caps request bodies. A 5000-lead upload fits comfortably.
const maxBodyBytes = 8 << 20

// JobService is the job surface the handlers need. jobs.Manager implements it.
type JobService interface {
	Enqueue(ctx context.Context, leads []model.Lead, opts model.JobOptions) (string, error)
	GetStatus(ctx context.Context, jobID string) (*model.JobSnapshot, error)
	Cancel(ctx context.Context, jobID, reason string) (*model.JobSnapshot, error)
	List(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
}

// Pinger reports backing-store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the job API.
type Handler struct {
	svc       JobService
	ping      Pinger
	validator *validator.Validate
}

// NewHandler creates a Handler. ping may be nil.
func NewHandler(svc JobService, ping Pinger) *Handler {
	return &Handler{
		svc:       svc,
		ping:      ping,
		validator: validator.New(),
	}
}

// NewRouter builds the routed, CORS-wrapped API.
func NewRouter(h *Handler, corsOrigins []string) http.Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Get("/{id}", h.getJob)
		r.Post("/{id}/cancel", h.cancelJob)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a service error onto a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrNoLeads):
		writeError(w, http.StatusBadRequest, "leads must not be empty")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// validationMessage renders the first field failure.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return fmt.Sprintf("validation error: %s - %s", ve[0].Namespace(), ve[0].Tag())
	}
	return "validation error: " + err.Error()
}
