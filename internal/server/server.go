// Package server exposes the agent's operational HTTP endpoints: liveness,
// readiness, module status and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/HerbHall/fruwatch/internal/version"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ModuleSource lists the active modules. Implemented by the registry.
type ModuleSource interface {
	All() []plugin.Plugin
}

// ReadinessChecker reports nil when the agent can do its job.
type ReadinessChecker func(ctx context.Context) error

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	modules    ModuleSource
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New creates the server. ready may be nil, in which case readiness is
// decided by module health alone.
func New(cfg Config, modules ModuleSource, logger *zap.Logger, ready ReadinessChecker) *Server {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}

	s := &Server{
		modules: modules,
		logger:  logger,
		mux:     http.NewServeMux(),
		ready:   ready,
	}
	s.registerRoutes()

	handler := instrument(s.mux, logger, "/healthz", "/readyz", "/metrics")

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/modules", s.handleModules)
	s.mux.HandleFunc("GET /api/v1/modules/{name}", s.handleModule)
}

// Handler returns the full handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz fails when the readiness check fails or any module reports
// itself unhealthy.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	var problems []string
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			problems = append(problems, err.Error())
		}
	}
	for _, m := range s.moduleStatuses(r.Context()) {
		if m.Health != nil && m.Health.Status == "unhealthy" {
			problems = append(problems, fmt.Sprintf("%s: %s", m.Name, m.Health.Message))
		}
	}

	if len(problems) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  strings.Join(problems, "; "),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
}

// ModuleResponse describes one active module.
type ModuleResponse struct {
	Name        string               `json:"name"`
	Version     string               `json:"version"`
	Description string               `json:"description"`
	Roles       []string             `json:"roles,omitempty"`
	Required    bool                 `json:"required"`
	State       string               `json:"state,omitempty"`
	Health      *plugin.HealthStatus `json:"health,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "fruwatch",
		Version: version.Map(),
	})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.moduleStatuses(r.Context()))
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, m := range s.moduleStatuses(r.Context()) {
		if m.Name == name {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	NotFound(w, fmt.Sprintf("module %q is not active", name), r.URL.Path)
}

func (s *Server) moduleStatuses(ctx context.Context) []ModuleResponse {
	modules := s.modules.All()
	out := make([]ModuleResponse, 0, len(modules))
	for _, p := range modules {
		info := p.Info()
		resp := ModuleResponse{
			Name:        info.Name,
			Version:     info.Version,
			Description: info.Description,
			Roles:       info.Roles,
			Required:    info.Required,
		}
		if c, ok := p.(plugin.Controllable); ok {
			resp.State = c.State().String()
		}
		if hc, ok := p.(plugin.HealthChecker); ok {
			h := hc.Health(ctx)
			resp.Health = &h
		}
		out = append(out, resp)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
