// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package server exposes the project engine over a local JSON API.

The facade exists for the desktop shell: it binds the same operations
the CLI offers to HTTP endpoints on a loopback listener, with a polling
model for progress (the shell re-reads project records; long operations
persist their progress there). It adds nothing to the engine beyond
transport, validation, and metrics.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/mooring/internal/catalog"
	"github.com/AleutianAI/mooring/internal/lifecycle"
	"github.com/AleutianAI/mooring/internal/project"
	"github.com/AleutianAI/mooring/internal/reconcile"
	"github.com/AleutianAI/mooring/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrNilDependency indicates the server was built without a
	// required collaborator.
	ErrNilDependency = errors.New("server dependency is nil")
)

// =============================================================================
// Supporting Types
// =============================================================================

// Reconciler is the slice of the state reconciler the facade needs.
type Reconciler interface {
	Reconcile(ctx context.Context, force bool) (reconcile.Summary, error)
	Trigger()
}

// Config wires a Server.
type Config struct {
	// Addr is the listen address. Default: "127.0.0.1:7740".
	Addr string

	// Store reads project records for list/get. Required.
	Store project.Store

	// Orchestrator runs lifecycle operations. Required.
	Orchestrator lifecycle.Orchestrator

	// Reconciler runs state reconciliation. Required.
	Reconciler Reconciler

	// Catalog lists supported versions. Required.
	Catalog *catalog.Catalog

	// Logger for request-adjacent events. Nil uses the package default.
	Logger *logging.Logger

	// Registry receives the facade's metrics. Nil uses the default
	// Prometheus registry.
	Registry *prometheus.Registry

	// Tracing enables OTLP tracing middleware. The exporter endpoint
	// comes from OTEL_EXPORTER_OTLP_ENDPOINT.
	Tracing bool
}

// defaultAddr keeps the facade loopback-only; it carries no auth.
const defaultAddr = "127.0.0.1:7740"

// shutdownGrace bounds how long in-flight requests get on shutdown.
const shutdownGrace = 10 * time.Second

// =============================================================================
// Server
// =============================================================================

// Server is the local HTTP facade over the project engine.
type Server struct {
	addr    string
	store   project.Store
	orch    lifecycle.Orchestrator
	rec     Reconciler
	catalog *catalog.Catalog
	log     *logging.Logger
	metrics *Metrics
	tracing bool

	gatherer prometheus.Gatherer
}

// NewServer creates the facade.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrNilDependency)
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("%w: orchestrator", ErrNilDependency)
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("%w: reconciler", ErrNilDependency)
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog", ErrNilDependency)
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		registerer = cfg.Registry
		gatherer = cfg.Registry
	}

	return &Server{
		addr:     cfg.Addr,
		store:    cfg.Store,
		orch:     cfg.Orchestrator,
		rec:      cfg.Reconciler,
		catalog:  cfg.Catalog,
		log:      cfg.Logger,
		metrics:  NewMetrics(registerer),
		tracing:  cfg.Tracing,
		gatherer: gatherer,
	}, nil
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if s.tracing {
		router.Use(otelgin.Middleware("mooring"))
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.GET("/versions", s.handleVersions)
		v1.GET("/runtime", s.handleRuntime)
		v1.POST("/reconcile", s.handleReconcile)

		projects := v1.Group("/projects")
		{
			projects.POST("", s.handleCreate)
			projects.GET("", s.handleList)
			projects.GET("/:id", s.handleGet)
			projects.PATCH("/:id", s.handleUpdate)
			projects.DELETE("/:id", s.handleDelete)
			projects.POST("/:id/start", s.handleStart)
			projects.POST("/:id/stop", s.handleStop)
			projects.POST("/:id/duplicate", s.handleDuplicate)
			projects.GET("/:id/logs", s.handleLogs)
		}
	}
	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var shutdownTracing func(context.Context)
	if s.tracing {
		var err error
		shutdownTracing, err = setupTracing(ctx, "mooring")
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
	}

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("facade listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if shutdownTracing != nil {
		shutdownTracing(shutdownCtx)
	}
	s.log.Info("facade stopped")
	return nil
}
