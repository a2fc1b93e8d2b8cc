package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ovms-bridge/internal/bridges/ovms"
)

// healthCheckTimeout bounds each dependency check on /health.
const healthCheckTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// WebSocket auth is by ticket, checked in the handler.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/system", s.handleSystem)
			r.Get("/entities", s.handleListEntities)
			r.Get("/entities/{id}", s.handleGetEntity)
			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{id}", s.handleGetDevice)
			r.Get("/commands/history", s.handleCommandHistory)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Group(func(r chi.Router) {
				r.Use(s.rateLimitMiddleware)

				r.Post("/commands", s.handleSendCommand)
				r.Post("/discovery", s.handleDiscovery)
				r.Post("/discovery/test", s.handleTopicTest)
				r.Post("/platforms-loaded", s.handlePlatformsLoaded)
			})
		})
	})

	return r
}

// handleHealth reports the session and every dependency. The status is "ok"
// only while the session is connected and every check passes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	resp := map[string]any{
		"version":           s.version,
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"entities":          s.entities.Len(),
		"websocket_clients": s.hub.ClientCount(),
	}

	if s.session != nil {
		h := s.session.Health()
		resp["session"] = h
		if h.State != ovms.StateConnected {
			status = "degraded"
		}
	} else {
		status = "degraded"
	}

	if len(s.checks) > 0 {
		names := make([]string, 0, len(s.checks))
		for name := range s.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		results := make(map[string]string, len(names))
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := s.checks[name].HealthCheck(ctx)
			cancel()
			if err != nil {
				results[name] = err.Error()
				status = "degraded"
				continue
			}
			results[name] = "ok"
		}
		resp["checks"] = results
	}

	resp["status"] = status
	writeJSON(w, http.StatusOK, resp)
}
