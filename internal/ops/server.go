// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package ops exposes Castellan's operational HTTP surface: health,
// Prometheus metrics, and the JSON admin API for inspecting and tuning the
// engine at runtime.
package ops

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castellanhq/castellan/internal/config"
	"github.com/castellanhq/castellan/internal/engine"
)

// Server owns the router and the engine it administers.
type Server struct {
	engine *engine.Engine
	cfg    config.ServerConfig
	now    func() time.Time
}

// NewServer creates the operational server. nowFn may be nil, defaulting
// to time.Now; tests inject a fixed clock.
func NewServer(e *engine.Engine, cfg config.ServerConfig, nowFn func() time.Time) *Server {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Server{engine: e, cfg: cfg, now: nowFn}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.Timeout > 0 {
		r.Use(middleware.Timeout(s.cfg.Timeout))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.AdminRateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.AdminRateLimit, time.Minute))
		}

		r.Post("/inspect", s.handleInspect)

		r.Get("/events", s.handleListEvents)
		r.Post("/events/{id}/resolve", s.handleResolveEvent)

		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/{id}/ack", s.handleAcknowledgeAlert)

		r.Get("/metrics/summary", s.handleMetricsSummary)

		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleAddRule)
		r.Put("/rules/{id}", s.handleUpdateRule)

		r.Get("/patterns", s.handleListPatterns)
		r.Post("/patterns", s.handleAddPattern)
		r.Put("/patterns/{id}", s.handleUpdatePattern)

		r.Get("/lockouts", s.handleListLockouts)
		r.Post("/lockouts", s.handleLock)
		r.Post("/lockouts/{user}/unlock", s.handleUnlock)

		r.Get("/challenges", s.handleListChallenges)
		r.Post("/challenges", s.handleIssueChallenge)
		r.Post("/challenges/{id}/verify", s.handleVerifyChallenge)

		r.Post("/spam/score", s.handleScoreSpam)
	})

	return r
}

// HTTPServer wraps the router in an http.Server bound per the config.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
