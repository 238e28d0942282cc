package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"buildrelay/internal/api/handlers"
	"buildrelay/internal/api/middleware"
	"buildrelay/internal/config"
	"buildrelay/internal/engine"
	"buildrelay/internal/logger"
	"buildrelay/internal/storage"
)

// Store is the persistence the API reads and writes
type Store interface {
	handlers.AuditStore
	handlers.RecordStore
	Ping(ctx context.Context) error
}

var _ Store = storage.Store(nil)

// Dependencies are the services the API routes delegate to
type Dependencies struct {
	Engine  engine.CIEngine
	Store   Store
	Tracker handlers.LifecycleRegistry
	Events  handlers.EventSource
}

// Router represents the API router
type Router struct {
	mux            chi.Router
	allowedOrigins []string
	maxBodySize    int64
}

// NewRouter creates a new Router instance
func NewRouter(cfg config.Config, deps Dependencies) *Router {
	rt := &Router{
		mux:            chi.NewRouter(),
		allowedOrigins: cfg.Server.AllowedOrigins,
		maxBodySize:    cfg.Server.MaxBodySize,
	}

	triggerHandler := handlers.NewTriggerHandler(deps.Engine, deps.Store, cfg.Jenkins.DefaultJob)
	buildsHandler := handlers.NewBuildsHandler(deps.Store, deps.Engine)
	lifecycleHandler := handlers.NewLifecycleHandler(deps.Tracker)
	eventsHandler := handlers.NewEventsHandler(deps.Events, cfg.Server.AllowedOrigins)
	auditHandler := handlers.NewAuditHandler(deps.Store)

	authMiddleware := middleware.NewAuthMiddleware(cfg.API)

	r := rt.mux
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.LimitBodySize(rt.maxBodySize))
	r.Use(rt.corsMiddleware)

	// Public routes
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "BuildRelay API",
			"version": "1.0.0",
			"endpoints": []string{
				"/health - Health check",
				"/api/v1/trigger - Trigger a build",
				"/api/v1/webhook/github - GitHub push webhook",
				"/api/v1/builds - List build records",
				"/api/v1/builds/stats - Build statistics",
				"/api/v1/jobs/{job}/builds/{number} - Live build status",
				"/api/v1/lifecycles - Tracked build lifecycles",
				"/api/v1/events - Lifecycle event stream (websocket)",
				"/api/v1/audit - Get audit logs",
			},
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			logger.Error("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
		})
	})

	// Webhooks authenticate with their payload signature instead of an API key
	if cfg.Webhook.GitHubSecret != "" {
		webhookHandler := handlers.NewWebhookHandler(triggerHandler, cfg.Webhook.GitHubSecret)
		r.Post("/api/v1/webhook/github", webhookHandler.GitHub)
	}

	// Protected routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware.Middleware)

		r.Post("/trigger", triggerHandler.TriggerBuild)

		r.Get("/builds", buildsHandler.ListBuilds)
		r.Get("/builds/stats", buildsHandler.Stats)
		r.Get("/jobs/{job}/builds/{number}", buildsHandler.BuildStatus)

		r.Route("/lifecycles", func(r chi.Router) {
			r.Get("/", lifecycleHandler.List)
			r.Get("/{id}", lifecycleHandler.Get)
			r.Delete("/{id}", lifecycleHandler.Cancel)
		})

		r.Get("/events", eventsHandler.Stream)
		r.Get("/audit", auditHandler.GetAuditLogs)
	})

	return rt
}

// ServeHTTP implements the http.Handler interface
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// corsMiddleware handles CORS headers and preflight requests
func (r *Router) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")

		if len(r.allowedOrigins) == 0 {
			// Empty allowed origins means allow all
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			if !r.isValidOrigin(origin) {
				// Don't set CORS headers; same-origin requests carry no Origin header
				logger.Warn("Invalid origin format", "origin", origin, "request_id", middleware.GetRequestID(req))
			} else if r.isOriginAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			} else {
				logger.Warn("Origin not allowed", "origin", origin, "request_id", middleware.GetRequestID(req))
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		// Handle OPTIONS requests for CORS preflight
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, req)
	})
}

// isValidOrigin validates the origin format (must be http:// or https://)
func (r *Router) isValidOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
}

// isOriginAllowed checks if the given origin is in the allowed list
func (r *Router) isOriginAllowed(origin string) bool {
	for _, allowed := range r.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}
