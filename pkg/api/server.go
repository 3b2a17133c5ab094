// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the management REST API of the gateway. It is served
// on a separate port from the MCP endpoint and is intended for operators:
// backend status, the aggregated catalog, the audit tail, reload, and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/gateway/reload"
	"github.com/stacklok/mcpgate/pkg/logger"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Backends exposes the connection manager state. Reconnect coalesces
// concurrent calls for the same backend into one cycle.
type Backends interface {
	Snapshot() []gateway.BackendStatus
	Reconnect(ctx context.Context, name string) error
	Phase(name string) (gateway.Phase, bool)
}

// Catalog exposes the published capability catalog.
type Catalog interface {
	Current() *gateway.RouteMap
	Catalog() []gateway.Capability
	List(kind gateway.CapabilityKind, backend, nameContains string) []gateway.Capability
}

// Reloader applies a configuration reload from disk.
type Reloader interface {
	ReloadFile(ctx context.Context, path string) (*reload.Report, error)
	Current() *config.Config
}

// Events exposes the audit recorder's recent history.
type Events interface {
	Tail(max int) []*audit.Event
	Dropped() uint64
}

// Config holds the management listener settings.
type Config struct {
	Host string
	Port int

	// Name and Version are reported by GET /api/v1/status.
	Name    string
	Version string

	// ConfigPath is the file reread by POST /api/v1/reload.
	ConfigPath string
}

// Server is the management API server.
type Server struct {
	cfg      Config
	backends Backends
	catalog  Catalog
	reloader Reloader
	events   Events
	metrics  http.Handler

	httpServer *http.Server
}

// New assembles the management server. events, metrics, and reloader may be
// nil; the corresponding endpoints then report that the feature is disabled.
func New(cfg Config, backends Backends, catalog Catalog, reloader Reloader, events Events, metrics http.Handler) *Server {
	return &Server{
		cfg:      cfg,
		backends: backends,
		catalog:  catalog,
		reloader: reloader,
		events:   events,
		metrics:  metrics,
	}
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.Recoverer,
		chimw.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/capabilities", s.getCapabilities)
		r.Get("/events", s.getEvents)
		r.Post("/reload", s.postReload)
		r.Post("/backends/{name}/reconnect", s.postReconnect)
	})
	return r
}

// Start serves the management API until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	logger.Infow("starting management API", "address", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("management API failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
