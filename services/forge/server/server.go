// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes Forge runs over HTTP.
//
// Runs are started with POST /v1/forge/runs and streamed back as
// Server-Sent Events, or over the WebSocket at /v1/forge/runs/ws. Both
// transports send the same frames: start, progress (one per stage), then
// exactly one of done or error.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/events"
	"github.com/AleutianAI/AleutianForge/services/forge/checkpoint"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
)

// ServiceName is the otelgin service name.
const ServiceName = "forge-server"

// RunStore reads persisted runs.
type RunStore interface {
	Load(ctx context.Context, runID string) (*agent.Snapshot, error)
	List(ctx context.Context) ([]checkpoint.Summary, error)
}

// Config configures the HTTP server.
type Config struct {
	// Port is the TCP port to listen on.
	// Default: 12220
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// MaxConcurrentRuns caps runs in flight. Extra requests get 429.
	// Default: 4
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" validate:"min=1"`

	// KeepAliveInterval is the ping period on idle streams. Zero disables pings.
	// Default: 15s
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Port:              12220,
		MaxConcurrentRuns: 4,
		KeepAliveInterval: 15 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Dependencies are the collaborators the server drives.
type Dependencies struct {
	// Orchestrator runs and resumes pipelines. Required.
	Orchestrator *agent.Orchestrator

	// Store lists and loads checkpoints. Required.
	Store RunStore

	// Emitter receives run lifecycle events. Optional; a private emitter
	// is created when nil.
	Emitter *events.Emitter

	// Metrics records run outcomes. Optional.
	Metrics *telemetry.Metrics

	// MetricsHandler serves /metrics. Optional.
	MetricsHandler http.Handler
}

// Server is the Forge HTTP service.
//
// Description:
//
//	Wraps a gin engine with otelgin tracing. Each started run executes on
//	the request goroutine and is canceled when the client goes away. The
//	run's checkpoints stay in the store so it can be resumed later.
//
// Thread Safety:
//
//	Safe for concurrent use. At most MaxConcurrentRuns run at once.
type Server struct {
	config  Config
	deps    Dependencies
	router  *gin.Engine
	slots   chan struct{}
	emitter *events.Emitter
}

// New builds a server and registers its routes.
//
// Outputs:
//
//	*Server - The configured server
//	error - Non-nil if a required dependency is missing
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	if deps.Store == nil {
		return nil, errors.New("server: run store is required")
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultConfig().MaxConcurrentRuns
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	s := &Server{
		config:  cfg,
		deps:    deps,
		slots:   make(chan struct{}, cfg.MaxConcurrentRuns),
		emitter: emitter,
	}
	s.initRouter()
	return s, nil
}

// Router returns the gin engine. Used by tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Emitter returns the emitter receiving run lifecycle events.
func (s *Server) Emitter() *events.Emitter {
	return s.emitter
}

func (s *Server) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger())
	s.router.Use(otelgin.Middleware(ServiceName))

	if s.deps.MetricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))
	}

	v1 := s.router.Group("/v1/forge")
	v1.GET("/health", s.handleHealth)
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/ws", s.handleWebSocket)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/events", s.handleRunEvents)
	v1.POST("/runs/:id/resume", s.handleResumeRun)
}

// requestLogger logs each request with slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

// Serve listens on the configured port until ctx is canceled.
//
// Description:
//
//	The listener and the shutdown watcher run in one errgroup. Canceling
//	ctx shuts the server down gracefully within ShutdownTimeout.
//
// Outputs:
//
//	error - Non-nil if the listener fails. nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting forge server", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().ShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		slog.Info("Shutting down forge server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// acquire reserves a run slot without blocking.
func (s *Server) acquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	<-s.slots
}
