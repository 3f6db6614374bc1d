// Copyright 2025 Lucia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the orchestrator over HTTP: the A2A JSON-RPC
// endpoint, the agent registry API, the live-activity stream, and the
// internal diagnostics surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucia-home/lucia/pkg/agent"
	"github.com/lucia-home/lucia/pkg/auth"
	"github.com/lucia-home/lucia/pkg/config"
	"github.com/lucia-home/lucia/pkg/observability"
	"github.com/lucia-home/lucia/pkg/orchestrator"
)

// OrchestratorAgentID is the id the orchestrator itself answers under
// on the A2A endpoint.
const OrchestratorAgentID = "lucia-orchestrator"

// Server is the Lucia HTTP server.
type Server struct {
	cfg       *config.Config
	registry  *agent.Registry
	orch      *orchestrator.Orchestrator
	hub       *observability.Hub
	validator *auth.JWTValidator
	version   string

	card        agent.Card
	cardHandler http.Handler
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAuthValidator gates the internal diagnostics endpoints behind
// bearer-token auth.
func WithAuthValidator(validator *auth.JWTValidator) Option {
	return func(s *Server) { s.validator = validator }
}

// New assembles the server over its collaborators.
func New(cfg *config.Config, registry *agent.Registry, orch *orchestrator.Orchestrator,
	hub *observability.Hub, version string, opts ...Option) *Server {

	s := &Server{
		cfg:      cfg,
		registry: registry,
		orch:     orch,
		hub:      hub,
		version:  version,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.card = agent.Card{
		ID:          OrchestratorAgentID,
		Name:        "Lucia Orchestrator",
		Description: "Routes smart-home requests across the registered agents and aggregates their replies.",
		URL:         fmt.Sprintf("http://%s/a2a/%s/v1", cfg.Server.Address(), OrchestratorAgentID),
		Version:     version,
	}
	s.cardHandler = a2asrv.NewStaticAgentCardHandler(s.card.ToA2A())

	return s
}

// Card returns the orchestrator's registry card.
func (s *Server) Card() agent.Card {
	return s.card
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.cfg.Observability.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// A2A discovery: serve the card at both the canonical well-known
	// path and the legacy agent.json alias clients still probe.
	r.Get(a2asrv.WellKnownAgentCardPath, s.cardHandler.ServeHTTP)
	r.Get("/.well-known/agent.json", s.cardHandler.ServeHTTP)

	r.Post("/a2a/{agentId}/v1", s.handleA2A)

	r.Route("/api/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/", s.handleRegisterAgent)
		r.Put("/{agentId}", s.handleUpsertAgent)
		r.Delete("/{agentId}", s.handleUnregisterAgent)
	})

	r.Get("/api/activity/live", s.handleLiveActivity)

	r.Route("/internal/orchestration", func(r chi.Router) {
		if s.validator != nil {
			r.Use(s.validator.HTTPMiddleware)
		}
		r.Get("/health", s.handleDiagnosticsHealth)
		r.Get("/routing-log", s.handleRoutingLog)
		r.Get("/tasks/{taskId}", s.handleGetTaskRecord)
		r.Post("/tasks/{taskId}/rehydrate", s.handleRehydrateTask)
	})

	return s.loggingMiddleware(s.corsMiddleware(r))
}

// Start runs the server until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.Server.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests without wrapping the ResponseWriter;
// wrapping breaks http.Flusher for the SSE stream.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
