// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package skewguard assembles the version and asset skew-protection server.
//
// A build registers its output as a version in the manifest, deduplicates
// fingerprinted assets against older versions, evicts versions past their
// retention and records the deployment id. At request time the router
// serves stale clients the assets of the version they were loaded from,
// or redirects them to the current one. Connected clients learn about new
// versions over WebSocket or SSE.
//
// # Usage
//
//	cfg, err := config.Load("skewguard.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := skewguard.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package skewguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/skewguard/services/skewguard/config"
	"github.com/AleutianAI/skewguard/services/skewguard/realtime"
	"github.com/AleutianAI/skewguard/services/skewguard/retention"
	"github.com/AleutianAI/skewguard/services/skewguard/router"
	"github.com/AleutianAI/skewguard/services/skewguard/routes"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the long-running skewguard server.
//
// # Thread Safety
//
// Run is called once. Shutdown may be called from any goroutine, any
// number of times.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails, then
	// shuts down.
	Run(ctx context.Context) error

	// Shutdown stops the HTTP server and every background worker and
	// releases storage and the tracer.
	Shutdown(ctx context.Context) error

	// Router returns the gin engine. Used by tests.
	Router() *gin.Engine

	// Components returns the shared storage-backed components.
	Components() *Components
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config     config.Config
	registry   *prometheus.Registry
	components *Components

	router      *router.Router
	broadcaster *realtime.Broadcaster
	watcher     *realtime.Watcher
	scheduler   *retention.Scheduler

	engine        *gin.Engine
	server        *http.Server
	tracerCleanup func(context.Context)

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the server and every component it serves from.
//
// # Description
//
//  1. Initializes tracing for the configured exporter.
//  2. Opens storage and wires manifest, dedup, retention and mapping.
//  3. Creates the router for the configured platform.
//  4. On the generic platform with realtime enabled, creates the
//     broadcaster and the manifest watcher.
//  5. Registers routes.
//
// Background workers start in Run, not here.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Any initialization failure. Partially created resources are
//     released.
func New(ctx context.Context, cfg config.Config) (Service, error) {
	s := &service{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cleanup, err := s.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.components, err = NewComponents(ctx, cfg, s.registry)
	if err != nil {
		s.cleanup()
		return nil, err
	}

	s.router, err = router.New(cfg.RouterSettings(), s.components.Cache, s.components.Store, s.components.Metrics)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	s.initRealtime()
	s.initScheduler()
	s.initRouter()

	return s, nil
}

// Run starts background workers and serves HTTP until ctx ends.
func (s *service) Run(ctx context.Context) error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start retention scheduler: %w", err)
		}
	}
	if s.watcher != nil {
		s.watcher.Start(ctx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting skewguard server",
			"port", s.config.Server.Port,
			"platform", s.config.Platform,
			"storage", s.components.Store.Backend())
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops everything in dependency order: HTTP first so no new
// sessions arrive, then the workers, then the realtime sessions, then
// storage and the tracer.
func (s *service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if s.server != nil {
			if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.shutdownErr = fmt.Errorf("http shutdown: %w", err)
			}
		}
		s.cleanup()
		slog.Info("Skewguard server stopped")
	})
	return s.shutdownErr
}

func (s *service) Router() *gin.Engine { return s.engine }

func (s *service) Components() *Components { return s.components }

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer installs the configured span exporter. "none" leaves the
// global no-op provider in place.
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch s.config.Telemetry.TraceExporter {
	case "", "none":
		return func(context.Context) {}, nil
	case "otlp":
		conn, connErr := grpc.NewClient(s.config.Telemetry.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if connErr != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", connErr)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", s.config.Telemetry.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.Telemetry.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

// initRealtime creates the broadcaster and watcher where the platform can
// hold connections. Elsewhere clients poll /_skew/version and the watcher
// is not needed because every instance reads the manifest through the
// short-TTL cache.
func (s *service) initRealtime() {
	platform := router.Platform(s.config.Platform)
	if !platform.HoldsConnections() || !s.config.Realtime.Enabled {
		slog.Info("Realtime updates disabled", "platform", s.config.Platform)
		return
	}

	cache := s.components.Cache
	s.broadcaster = realtime.NewBroadcaster(func(ctx context.Context) string {
		return cache.Snapshot(ctx).Current
	}, s.components.Metrics)

	manifestPath, _ := storage.LocalPath(s.components.Store, s.components.Manifests.Key())
	s.watcher = realtime.NewWatcher(cache, s.broadcaster, realtime.WatcherConfig{
		PollInterval: s.config.Realtime.PollInterval,
		ManifestPath: manifestPath,
	})
}

// initScheduler creates the periodic retention sweep when configured. The
// cache is refreshed after each sweep so the router stops probing evicted
// versions.
func (s *service) initScheduler() {
	if s.config.Retention.SweepInterval <= 0 {
		return
	}
	cache := s.components.Cache
	s.scheduler = retention.NewScheduler(
		s.components.Sweeper,
		s.components.Manifests,
		s.config.Retention.SweepInterval,
		func(*retention.Result) { cache.Invalidate() },
	)
}

func (s *service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	routes.SetupRoutes(s.engine, routes.Deps{
		Router:      s.router,
		Manifests:   s.components.Cache,
		Broadcaster: s.broadcaster,
		Transport: realtime.TransportConfig{
			HeartbeatInterval:   s.config.Realtime.HeartbeatInterval,
			MaxInboundPerSecond: s.config.Realtime.MaxInboundPerSecond,
		},
		AdminToken: s.config.Admin.Token,
		Gatherer:   s.registry,
	})
}

// cleanup releases everything New and Run started. Safe on a partially
// initialized service.
func (s *service) cleanup() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.broadcaster != nil {
		s.broadcaster.Close()
	}
	if s.components != nil {
		if err := s.components.Close(); err != nil {
			slog.Warn("Storage close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
