// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registrar wires the registration pilot service: the stage
// ledger, the session pool, the job orchestrator and the HTTP API.
//
// # Usage
//
//	cfg, err := registrar.LoadConfig("regpilot.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := registrar.New(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
//
// On start the service recovers jobs left unfinished by a previous process
// before it accepts requests.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/regpilot/pkg/extensions"
	"github.com/AleutianAI/regpilot/pkg/logging"
	"github.com/AleutianAI/regpilot/services/registrar/checkpoint"
	"github.com/AleutianAI/regpilot/services/registrar/driver"
	"github.com/AleutianAI/regpilot/services/registrar/driver/simdriver"
	"github.com/AleutianAI/regpilot/services/registrar/engine"
	"github.com/AleutianAI/regpilot/services/registrar/events"
	"github.com/AleutianAI/regpilot/services/registrar/ledger"
	"github.com/AleutianAI/regpilot/services/registrar/middleware"
	"github.com/AleutianAI/regpilot/services/registrar/observability"
	"github.com/AleutianAI/regpilot/services/registrar/routes"
	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Service is the running registrar.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the server fails, then
	// shuts everything down. It blocks.
	Run(ctx context.Context) error

	// Router exposes the gin engine, mainly for tests.
	Router() *gin.Engine

	// Orchestrator exposes the job orchestrator.
	Orchestrator() *engine.Orchestrator

	// Close releases every resource without serving. Run calls it.
	Close(ctx context.Context) error
}

type service struct {
	config   Config
	opts     extensions.ServiceOptions
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store   *ledger.Store
	events  *events.Broker
	pool    *sessionpool.Pool
	orch    *engine.Orchestrator
	reaper  *engine.Reaper
	keys    *extensions.APIKeyProvider
	gateway *checkpoint.Gateway
	router  *gin.Engine

	tracerCleanup func(context.Context)
	closed        bool
}

// New builds the service from cfg. cfg should come from LoadConfig; New
// applies defaults again so that hand-built configs work too. opts may be
// nil, in which case API keys (if configured) and the slog audit logger
// are used.
func New(ctx context.Context, cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{
		config: cfg,
		logger: logging.New(cfg.Logging),
	}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}
	log := s.logger.Slog()

	if err := s.init(ctx, log); err != nil {
		s.cleanup(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context, log *slog.Logger) error {
	cfg := s.config

	if cfg.OTelEndpoint != "" {
		cleanup, err := s.initTracer(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = observability.NewMetrics(s.registry)

	ledgerCfg := cfg.Ledger
	ledgerCfg.Logger = log.With("component", "ledger")
	store, err := ledger.Open(ledgerCfg)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	s.store = store

	factory, err := newFactory(cfg.Driver)
	if err != nil {
		return err
	}

	poolCfg := cfg.Pool
	poolCfg.Logger = log.With("component", "sessionpool")
	poolCfg.Observer = s.metrics
	s.pool, err = sessionpool.New(ctx, poolCfg, factory)
	if err != nil {
		return fmt.Errorf("failed to open session pool: %w", err)
	}

	engCfg := cfg.Engine
	engCfg.Logger = log.With("component", "engine")
	engCfg.Metrics = s.metrics
	engCfg.Tracer = otel.Tracer("github.com/AleutianAI/regpilot/services/registrar/engine")
	s.events = events.NewBroker(events.DefaultBuffer)
	s.orch, err = engine.New(engCfg, ledger.Notify(s.store, s.events.Publish), s.pool)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	report, err := s.orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	log.Info("recovered unfinished jobs",
		"redriven", report.Redriven,
		"failed", report.Failed,
		"expired", report.Expired,
	)
	s.reaper = engine.NewReaper(s.orch)

	if opts := s.opts; opts.AuthProvider == nil || isNop(opts.AuthProvider) {
		if cfg.APIKeysFile != "" {
			s.keys, err = extensions.NewAPIKeyProvider(cfg.APIKeysFile, log.With("component", "apikeys"))
			if err != nil {
				return fmt.Errorf("failed to load api keys: %w", err)
			}
			if err := s.keys.Watch(context.Background()); err != nil {
				log.Warn("api key hot reload disabled", "error", err)
			}
			s.opts = s.opts.WithAuth(s.keys)
		} else {
			log.Warn("no api_keys_file configured, serving every request as the local tenant")
		}
	}
	if cfg.AuditLog && (s.opts.AuditLogger == nil || isNopAudit(s.opts.AuditLogger)) {
		s.opts = s.opts.WithAudit(extensions.NewSlogAuditLogger(log))
	}

	s.gateway = checkpoint.New(s.orch, log.With("component", "checkpoint"))
	s.initRouter()
	return nil
}

func isNop(p extensions.AuthProvider) bool {
	_, ok := p.(*extensions.NopAuthProvider)
	return ok
}

func isNopAudit(l extensions.AuditLogger) bool {
	_, ok := l.(*extensions.NopAuditLogger)
	return ok
}

func newFactory(cfg DriverConfig) (driver.Factory, error) {
	switch cfg.Kind {
	case DriverHTTP:
		f, err := driver.NewHTTPFactory(cfg.HTTP)
		if err != nil {
			return nil, fmt.Errorf("failed to create http driver: %w", err)
		}
		return f, nil
	case DriverSim:
		return simdriver.New(cfg.Sim), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver kind %q", ErrInvalidConfig, cfg.Kind)
	}
}

func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.ServiceName))

	routes.SetupRoutes(s.router, routes.Dependencies{
		Jobs:        s.orch,
		Checkpoints: s.gateway,
		Options:     s.opts,
		Feed:        s.events,
		Limiter:     middleware.NewTenantLimiter(s.config.RateLimit),
		Gatherer:    s.registry,
	})
}

func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

// Run serves until ctx ends.
func (s *service) Run(ctx context.Context) error {
	log := s.logger.Slog()

	if err := s.reaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting registrar server", "port", s.config.Port, "pool_size", s.config.Pool.Size, "driver", s.config.Driver.Kind)
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown incomplete", "error", err)
	}
	return errors.Join(runErr, s.Close(shutdownCtx))
}

func (s *service) Router() *gin.Engine { return s.router }

func (s *service) Orchestrator() *engine.Orchestrator { return s.orch }

// Close stops background work, waits for workers and closes the pool and
// the ledger, in that order.
func (s *service) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cleanup(ctx)
}

func (s *service) cleanup(ctx context.Context) error {
	var errs []error
	if s.reaper != nil {
		s.reaper.Stop()
	}
	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.events != nil {
		s.events.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ledger close: %w", err))
		}
	}
	if s.keys != nil {
		_ = s.keys.Close()
	}
	if s.opts.AuditLogger != nil {
		if err := s.opts.AuditLogger.Flush(ctx); err != nil {
			s.logger.Warn("audit flush failed", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if err := s.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ Service = (*service)(nil)
