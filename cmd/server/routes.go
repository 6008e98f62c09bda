package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velro/authcore/internal/config"
)

// newMux wires the HTTP surface. Authorization and warming-event routes
// carry request bodies cached by the gate; admin routes are expected to
// sit behind a network boundary.
func newMux(h *handler, cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health/live", h.healthLive)
	mux.HandleFunc("GET /health/ready", h.healthReady)

	// Authorization endpoints
	mux.HandleFunc("POST /v1/authorize", h.authorize)
	mux.HandleFunc("POST /v1/media/grants", h.mediaGrant)

	// Warming event hooks
	mux.HandleFunc("POST /v1/events/login", h.eventLogin)
	mux.HandleFunc("POST /v1/events/generation", h.eventGeneration)

	// Admin endpoints
	mux.HandleFunc("GET /admin/cache/stats", h.cacheStats)
	mux.HandleFunc("POST /admin/cache/invalidate", h.cacheInvalidate)
	mux.HandleFunc("GET /admin/audit/events", h.auditEvents)
	mux.HandleFunc("GET /admin/audit/recent", h.auditRecent)
	mux.HandleFunc("GET /admin/audit/alerts", h.auditAlerts)
	mux.HandleFunc("POST /admin/audit/alerts/{id}/ack", h.ackAlert)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	return mux
}
