package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/pnp-hooks/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Webhooks called by the provisioning service and Event Grid.
	r.Group(func(r chi.Router) {
		r.Use(s.functionKeyMiddleware)

		r.Post("/api/dps_processor", s.handleAllocate)
		r.Get("/api/dps_processor", s.handleAllocate)
		r.Post("/api/eventgrid_processor", s.handleLifecycleEvents)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDevicesRead)).Get("/", s.handleListDevices)
				r.With(s.requirePermission(auth.PermDevicesRead)).Get("/{id}", s.handleGetDevice)
				r.With(s.requirePermission(auth.PermDevicesWrite)).Delete("/{id}", s.handleDeleteDevice)
			})

			r.Route("/models", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermModelsRead)).Get("/stats", s.handleModelStats)
				r.With(s.requirePermission(auth.PermModelsManage)).Delete("/cache", s.handlePurgeModels)
				r.With(s.requirePermission(auth.PermModelsRead)).Get("/{dtmi}", s.handleGetModel)
			})

			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
		})
	})

	// WebSocket event feed, /api/v1/ws unless configured otherwise.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requirePermission(auth.PermEventsStream)).Get(s.wsPath(), s.handleWebSocket)
	})

	return r
}

// defaultWSPath is used when websocket.path is empty.
const defaultWSPath = "/api/v1/ws"

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return defaultWSPath
	}
	return s.wsCfg.Path
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"twins":          s.registry.Count(),
		"ws_clients":     clients,
	})
}
