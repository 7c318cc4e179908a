// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the AleutianChat HTTP service.
//
// This package wires every component of the service: the AI response
// gateway and its providers, the conversation thread store, the guest
// tracker, the chat and file services, HTTP routing, metrics and tracing.
//
// # Extension Points
//
// The orchestrator accepts extensions.ServiceOptions so deployments can
// supply their own:
//   - AuthProvider: Bearer token validation (JWT, API keys)
//   - AuditLogger: Compliance audit logging
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("./aleutian-chat.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/guest"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/janitor"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	badgerstore "github.com/AleutianAI/AleutianChat/services/orchestrator/storage/badger"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/threads"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run should only be
// called once per instance.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
	//
	// # Outputs
	//
	//   - error: Non-nil if the listener fails or shutdown times out.
	//     A cancelled ctx is a clean exit and returns nil.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, primarily for tests.
	Router() *gin.Engine

	// Close releases the store and flushes traces. Safe to call more
	// than once.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - config: Service configuration with defaults applied
//   - opts: Extension options
//   - gateway: AI response gateway shared by chat and file analysis
//   - store: Conversation thread store
//   - metrics: Prometheus collectors, nil when metrics are disabled
//   - router: Gin engine with every route registered
//   - janitor: Periodic sweeper of guest sessions and rate limiters
//   - tracerCleanup: Flushes the OTLP exporter
type service struct {
	config        Config
	opts          extensions.ServiceOptions
	logger        *slog.Logger
	gateway       *llm.Gateway
	store         *threads.ThreadStore
	metrics       *observability.Metrics
	router        *gin.Engine
	janitor       *janitor.Janitor
	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the orchestrator Service.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies defaults and validates cfg
//  2. Resolves extension options (static tokens from cfg when configured)
//  3. Initializes OpenTelemetry tracing when an endpoint is set
//  4. Registers Prometheus metrics on a private registry
//  5. Builds providers, the model registry and the gateway
//  6. Opens the thread store backend
//  7. Builds the chat and file services and the HTTP router
//
// If opts is nil, DefaultOptions() is used with a slog audit logger.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run service. Call Close when done.
//   - error: Non-nil if any component fails to initialize.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{
		config: cfg,
		logger: slog.Default().With("service", cfg.ServiceName),
	}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(s.logger))
	}
	if err := s.initAuth(); err != nil {
		return nil, err
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metricsHandler http.Handler
	if !cfg.DisableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.metrics = observability.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	if err := s.initGateway(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open thread store: %w", err)
	}

	s.initRouter(metricsHandler)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run listens on the configured port and serves until ctx is done.
func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
	}
	return s.serve(ctx, ln)
}

// serve runs the HTTP server on ln under an errgroup. One goroutine
// serves, one runs the janitor, and one waits for cancellation and drains
// connections.
func (s *service) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting orchestrator server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.janitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down orchestrator server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Router returns the underlying gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases the store and flushes the tracer.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initAuth switches to static token auth when tokens are configured and
// the caller did not supply a provider.
func (s *service) initAuth() error {
	if s.opts.AuditLogger == nil {
		s.opts.AuditLogger = &extensions.NopAuditLogger{}
	}
	if len(s.config.Auth.Tokens) > 0 {
		if _, isNop := s.opts.AuthProvider.(*extensions.NopAuthProvider); isNop || s.opts.AuthProvider == nil {
			provider, err := extensions.NewStaticTokenAuthProvider(s.config.Auth.Tokens)
			if err != nil {
				return fmt.Errorf("configure auth tokens: %w", err)
			}
			s.opts.AuthProvider = provider
			s.logger.Info("Static token authentication enabled", "users", len(s.config.Auth.Tokens))
		}
	}
	if s.opts.AuthProvider == nil {
		s.opts.AuthProvider = &extensions.NopAuthProvider{}
	}
	return nil
}

// initTracer sets up OTLP trace export over gRPC.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks)
//   - An empty endpoint installs no exporter; spans stay no-op
func (s *service) initTracer() (func(context.Context), error) {
	if s.config.OTelEndpoint == "" {
		s.logger.Info("OTEL endpoint not configured, trace export disabled")
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

// buildProviders creates one client per provider. Keys come from the
// environment or /run/secrets.
func buildProviders(cfg ProvidersConfig) []llm.Provider {
	return []llm.Provider{
		llm.NewGroqClient(llm.LoadCredential("GROQ_API_KEY", "groq_api_key"),
			llm.WithGroqBaseURL(cfg.GroqBaseURL),
			llm.WithGroqTimeout(cfg.Timeout)),
		llm.NewGeminiClient(llm.LoadCredential("GEMINI_API_KEY", "gemini_api_key"), cfg.GeminiBaseURL, cfg.Timeout),
		llm.NewAnthropicClient(llm.LoadCredential("ANTHROPIC_API_KEY", "anthropic_api_key"), cfg.AnthropicURL, cfg.Timeout),
		llm.NewOllamaClient(cfg.OllamaBaseURL, cfg.Timeout),
	}
}

// initGateway builds the model registry and the gateway.
func (s *service) initGateway() error {
	registry, err := llm.NewRegistry(s.config.Models, s.config.DefaultMode)
	if err != nil {
		return err
	}

	gwOpts := []llm.GatewayOption{llm.WithLogger(s.logger)}
	if s.metrics != nil {
		gwOpts = append(gwOpts, llm.WithObserver(s.metrics))
	}
	s.gateway, err = llm.NewGateway(registry, buildProviders(s.config.Providers), llm.GatewayConfig{
		HistoryWindow: s.config.Chat.HistoryWindow,
		SystemPrompt:  s.config.Chat.SystemPrompt,
		Retry: llm.RetryPolicy{
			MaxRetries: s.config.Providers.MaxRetries,
			BaseDelay:  s.config.Providers.RetryBaseDelay,
		},
		AttemptTimeout: s.config.Providers.Timeout,
	}, gwOpts...)
	if err != nil {
		return err
	}

	available := s.gateway.Available()
	modes := make([]string, 0, len(available))
	for _, m := range available {
		modes = append(modes, m.Mode)
	}
	if len(modes) == 0 {
		s.logger.Warn("No AI provider is configured; every reply will be the unavailable fallback")
	}
	s.logger.Info("AI gateway ready", "modes", modes, "default", s.gateway.ResolveMode(""))
	return nil
}

// openBackend opens the configured thread store backend.
func openBackend(cfg StorageConfig, logger *slog.Logger) (threads.Backend, error) {
	switch cfg.Backend {
	case StorageMemory:
		return threads.OpenBadgerBackend(badgerstore.InMemoryConfig())
	case StorageSQLite:
		return threads.OpenSQLiteBackend(cfg.Path)
	case StorageBadger:
		bcfg := badgerstore.DefaultConfig(cfg.Path)
		bcfg.Logger = logger
		return threads.OpenBadgerBackend(bcfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// initStore opens the thread store.
func (s *service) initStore() error {
	backend, err := openBackend(s.config.Storage, s.logger)
	if err != nil {
		return err
	}
	s.store = threads.NewStore(backend, threads.WithLogger(s.logger))
	s.logger.Info("Thread store opened", "backend", s.config.Storage.Backend, "path", s.config.Storage.Path)
	return nil
}

// initRouter builds the services and registers every route.
func (s *service) initRouter(metricsHandler http.Handler) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	chatOpts := []services.ChatOption{
		services.WithChatLogger(s.logger),
		services.WithAuditLogger(s.opts.AuditLogger),
		services.WithSystemPrompt(s.config.Chat.SystemPrompt),
	}
	fileOpts := []services.FileOption{services.WithFileLogger(s.logger)}
	var streamObserver handlers.StreamObserver
	if s.metrics != nil {
		chatOpts = append(chatOpts, services.WithChatObserver(s.metrics))
		fileOpts = append(fileOpts, services.WithFileObserver(s.metrics))
		streamObserver = s.metrics
	}

	tracker := guest.NewTracker(s.config.Guest.Limit, s.config.Guest.TTL)
	chat := services.NewChatService(s.gateway, s.store, tracker, chatOpts...)
	files := services.NewFileService(s.gateway, services.FileConfig{
		MaxFileSize: s.config.Files.MaxFileSize,
		MaxContent:  s.config.Files.MaxContent,
	}, fileOpts...)

	tasks := []janitor.Task{{Name: "guest_sessions", Sweep: tracker.Sweep}}
	var limiter *middleware.RateLimiter
	if !s.config.RateLimit.Disabled {
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Requests: s.config.RateLimit.Requests,
			Window:   s.config.RateLimit.Window,
			Burst:    s.config.RateLimit.Burst,
		})
		tasks = append(tasks, janitor.Task{Name: "rate_limiters", Sweep: limiter.Sweep})
	}
	s.janitor = janitor.New(s.config.SweepInterval, s.logger, tasks...)

	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		otelgin.Middleware(s.config.ServiceName),
		middleware.RequestLogger(s.logger),
	)

	routes.SetupRoutes(s.router, routes.Dependencies{
		Chat:           chat,
		Threads:        chat,
		Models:         s.gateway,
		Files:          files,
		Auth:           s.opts.AuthProvider,
		Audit:          s.opts.AuditLogger,
		Limiter:        limiter,
		Stream:         handlers.StreamConfig{KeepAliveInterval: s.config.Stream.KeepAliveInterval, ChunkDelay: s.config.Stream.ChunkDelay},
		StreamObserver: streamObserver,
		Metrics:        metricsHandler,
	})
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() error {
	var err error
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			err = fmt.Errorf("close thread store: %w", cerr)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	return err
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
