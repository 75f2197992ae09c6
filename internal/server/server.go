// Package server exposes the engine to a UI over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stembrain/trailer/internal/api"
	"github.com/stembrain/trailer/internal/db"
	"github.com/stembrain/trailer/internal/models"
	"github.com/stembrain/trailer/internal/notify"
	"github.com/stembrain/trailer/internal/registry"
	"github.com/stembrain/trailer/internal/sync"
	"github.com/stembrain/trailer/internal/telemetry"
)

const requestTimeout = 30 * time.Second

// Engine is the part of the engine the HTTP adapter drives
type Engine interface {
	Projects(ctx context.Context) ([]models.Project, error)
	AddProject(ctx context.Context, p models.Project) error
	RemoveProject(ctx context.Context, id string) error
	SetProjectEnabled(id string, enabled bool) error
	SetProjectVisible(id string, visible bool) error
	Items(ctx context.Context, projectID string) ([]models.Item, error)

	RefreshNow()
	RefreshProject(ctx context.Context, id string) error

	Acknowledge(ctx context.Context, projectID, remoteID string) error
	AcknowledgeProject(ctx context.Context, projectID string) (int64, error)
	AcknowledgeAll(ctx context.Context) (int64, error)
	ClearTerminal(ctx context.Context, projectID string) (int64, error)

	SetCredential(token string)

	UnreadCounts(ctx context.Context) (models.UnreadCounts, error)
	RecentNotifications() []notify.Notification
	ActivityCount() int
	ProjectStatuses(ctx context.Context) ([]sync.ProjectStatus, error)
	LastSuccess() time.Time
	Metrics(ctx context.Context) ([]telemetry.Point, error)
}

// New creates the router serving the UI adapter
func New(engine Engine) *chi.Mux {
	routes := &Routes{engine: engine}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(LoggingMiddleware)

	r.Get("/health", routes.health)
	r.Get("/status", routes.status)
	r.Get("/unread", routes.unread)
	r.Get("/notifications", routes.notifications)
	r.Get("/metrics", routes.metrics)

	r.Post("/refresh", routes.refreshAll)
	r.Post("/acknowledge", routes.acknowledgeAll)
	r.Post("/clear-terminal", routes.clearTerminal)
	r.Put("/credential", routes.setCredential)

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", routes.listProjects)
		r.Post("/", routes.addProject)
		r.Route("/{owner}/{name}", func(r chi.Router) {
			r.Delete("/", routes.removeProject)
			r.Put("/enabled", routes.setEnabled)
			r.Put("/visible", routes.setVisible)
			r.Get("/items", routes.listItems)
			r.Post("/refresh", routes.refreshProject)
			r.Post("/acknowledge", routes.acknowledgeProject)
			r.Post("/items/{remoteID}/acknowledge", routes.acknowledgeItem)
		})
	})

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// WriteErrorResponse writes a standardized error response
func WriteErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	WriteJSONResponse(w, map[string]string{"error": message}, statusCode)
}

// writeEngineError maps engine errors onto HTTP statuses
func writeEngineError(w http.ResponseWriter, err error) {
	var authErr *api.AuthError
	var limitErr *api.RateLimitedError
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, registry.ErrNotFound), errors.Is(err, sync.ErrUnknownProject):
		WriteErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrExists), errors.Is(err, sync.ErrBusy):
		WriteErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.As(err, &authErr):
		WriteErrorResponse(w, err.Error(), http.StatusUnauthorized)
	case errors.As(err, &limitErr):
		w.Header().Set("Retry-After", limitErr.ResetAt.UTC().Format(http.TimeFormat))
		WriteErrorResponse(w, err.Error(), http.StatusTooManyRequests)
	default:
		slog.Error("Request failed", "error", err)
		WriteErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}
