// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package ops serves the local operations surface: liveness/readiness,
// Prometheus metrics and read-only JSON views of the supervised fleet. It
// binds to loopback by default and carries no authentication; it is an
// operator tool, not a public API.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/reconcile"
)

// FleetSource is the reconciler surface the ops server reads.
type FleetSource interface {
	Streams() []*models.StreamRecord
	TerminalFailures() []reconcile.TerminalFailure
	Plan() models.ReconciliationPlan
}

// AlertSource is the monitor surface the ops server reads.
type AlertSource interface {
	Alerts() []models.ResourceAlert
}

// Server is the operations HTTP server.
type Server struct {
	cfg    config.OpsConfig
	fleet  FleetSource
	alerts AlertSource
	ready  func() bool
	logger zerolog.Logger
}

// New creates the ops server. ready gates the readiness endpoint; it should
// report true once the boot classification and the first reconciliation
// pass have completed.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(cfg config.OpsConfig, fleet FleetSource, alerts AlertSource, ready func() bool, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, fleet: fleet, alerts: alerts, ready: ready, logger: logger}
}

// Serve runs the HTTP server until ctx is canceled, then shuts down within
// the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("Ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return ctx.Err()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/streams", s.handleStreams)
		r.Get("/failures", s.handleFailures)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/plan", s.handlePlan)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.fleet.Streams()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(streams),
		"streams": streams,
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, _ *http.Request) {
	failures := s.fleet.TerminalFailures()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(failures),
		"failures": failures,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := s.alerts.Alerts()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

// handlePlan exposes a dry-run reconciliation diff. A converged system
// returns an empty plan.
func (s *Server) handlePlan(w http.ResponseWriter, _ *http.Request) {
	plan := s.fleet.Plan()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"empty": plan.Empty(),
		"plan":  plan,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
