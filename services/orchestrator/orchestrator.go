// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the relay service together.
//
// New builds every process-wide resource once (logger, Redis client, token
// counter, upstream streamer, metrics, tracer) and hands them explicitly to
// the handlers; Serve runs the HTTP server until its context ends and then
// tears the same resources down in reverse order.
//
// # Usage
//
//	cfg, err := config.Load(config.New(), "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	log.Fatal(svc.Run(ctx))
//
// # Extension
//
// A custom extensions.AuthProvider may be passed in ServiceOptions. When it
// is nil, APP_API_KEY selects the shared-secret provider (or no auth when
// the key is empty).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/budget"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/config"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// ServiceName is attached to logs, traces and the otelgin middleware.
const ServiceName = "aleutian-relay"

// startupPingTimeout bounds the store reachability probe in New.
const startupPingTimeout = 2 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay process lifecycle.
//
// # Thread Safety
//
// Run and Serve block and must be called at most once per instance. Router
// may be called at any time.
type Service interface {
	// Run listens on the configured port and serves until ctx ends.
	//
	// # Outputs
	//
	//   - error: Listen failure, serve failure, or shutdown failure. A
	//     clean shutdown after ctx ends returns nil.
	Run(ctx context.Context) error

	// Serve is Run on an existing listener.
	Serve(ctx context.Context, ln net.Listener) error

	// Router returns the configured engine for in-process tests.
	Router() *gin.Engine
}

// Option customizes New. Production callers pass none.
type Option func(*service)

// WithRegistry registers metrics on reg and serves them from /metrics
// instead of the default Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *service) {
		s.registerer = reg
		s.gatherer = reg
	}
}

// WithRedisClient uses client instead of dialing config.RedisURL. The
// service still closes it on shutdown.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(s *service) { s.redis = client }
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *logging.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// WithHTTPClient overrides the upstream transport.
func WithHTTPClient(client *http.Client) Option {
	return func(s *service) { s.httpClient = client }
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config config.Config
	opts   extensions.ServiceOptions

	logger     *logging.Logger
	redis      redis.UniversalClient
	store      *session.RedisStore
	socket     *handlers.ChatSocket
	router     *gin.Engine
	httpClient *http.Client

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	tracerShutdown observability.ShutdownFunc
}

// New creates the relay service.
//
// # Description
//
// Initialization order:
//  1. Logger (unless WithLogger)
//  2. OpenTelemetry tracer (noop when OTelEndpoint is empty)
//  3. Redis client and session store; an unreachable store is logged, not
//     fatal, so the process can start before Redis
//  4. Token counter and budgeter
//  5. Upstream streamer
//  6. Metrics, auth provider, websocket handler and routes
//
// # Inputs
//
//   - cfg: A validated configuration (see config.Load).
//   - opts: Extension points. May be nil.
//   - options: Test overrides.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Tracer or store client construction failure.
func New(cfg config.Config, opts *extensions.ServiceOptions, options ...Option) (Service, error) {
	s := &service{
		config:     cfg,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	if opts != nil {
		s.opts = *opts
	}
	for _, o := range options {
		o(s)
	}

	if s.logger == nil {
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log level: %w", err)
		}
		s.logger = logging.New(logging.Config{
			Level:   level,
			Service: ServiceName,
			JSON:    cfg.LogJSON,
			LogDir:  cfg.LogDir,
		})
	}
	log := s.logger.Slog()

	for _, w := range cfg.Warnings() {
		log.Warn("Configuration warning", "detail", w)
	}
	log.Info("Configuration loaded", "config", cfg)

	shutdown, err := observability.InitTracer(context.Background(), cfg.OTelEndpoint, ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerShutdown = shutdown

	if s.redis == nil {
		client, err := session.NewClient(cfg.RedisURL)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		s.redis = client
	}
	s.store = session.NewRedisStore(s.redis, session.Config{
		KeyPrefix:    cfg.RedisPrefix,
		TTL:          cfg.SessionTTL(),
		SystemPrompt: cfg.SystemPrompt,
	}, log)

	pingCtx, cancel := context.WithTimeout(context.Background(), startupPingTimeout)
	if err := s.store.Ping(pingCtx); err != nil {
		log.Warn("Session store unreachable at startup", "error", err)
	}
	cancel()

	counter := budget.NewCounter(cfg.TokenizerEncoding, log)
	budgeter := budget.New(counter, budget.Config{
		MaxContextTokens:     cfg.MaxContextTokens,
		ReserveForGeneration: cfg.ReserveForGeneration,
		MinKeepMessages:      cfg.MinKeepMessages,
	})

	relay := llm.NewOpenAIStreamer(llm.StreamerConfig{
		BaseURL:      cfg.VLLMBase,
		APIKey:       cfg.VLLMKey,
		Model:        cfg.Model,
		MaxLineBytes: cfg.UpstreamMaxLineBytes,
		HTTPClient:   s.httpClient,
	}, log)

	if s.opts.AuthProvider == nil {
		s.opts = s.opts.WithAuth(defaultAuth(cfg.AppAPIKey))
	}

	metrics := observability.NewRelayMetrics(s.registerer)

	s.socket = handlers.NewChatSocket(handlers.ChatSocketDeps{
		Store:    s.store,
		Relay:    relay,
		Budgeter: budgeter,
		Auth:     s.opts.AuthProvider,
		Metrics:  metrics,
		Logger:   log,
	}, handlers.ChatSocketConfig{
		MaxFrameBytes: cfg.WSMaxFrameBytes,
		FrameRate:     cfg.WSFrameRate,
		FrameBurst:    cfg.WSFrameBurst,
	})

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))
	s.router.Use(middleware.CORS(cfg.CORSOrigin))

	routes.SetupRoutes(s.router, routes.Deps{
		ChatSocket:     s.socket,
		Store:          s.store,
		Health:         s.store,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}),
		Options:        s.opts,
		StaticDir:      cfg.StaticDir,
		Logger:         log,
	})

	return s, nil
}

// defaultAuth selects the provider for the configured shared secret.
func defaultAuth(secret string) extensions.AuthProvider {
	if secret == "" {
		return &extensions.NopAuthProvider{}
	}
	return extensions.NewSharedSecretProvider(secret)
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		s.cleanup()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln.
//
// # Description
//
// One goroutine serves; the other waits for ctx (or a serve failure) and
// shuts down: the HTTP server first so no new connections arrive, then the
// websocket handler, which http.Server.Shutdown does not track because the
// connections are hijacked. The tracer, Redis client and log file are
// released after both goroutines return.
func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.cleanup()
	log := s.logger.Slog()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting relay server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down relay server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout())
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.socket.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if err == nil {
		log.Info("Relay server stopped")
	}
	return err
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// cleanup releases the process-wide resources. Safe to call on a partially
// constructed service.
func (s *service) cleanup() {
	if s.tracerShutdown != nil {
		s.tracerShutdown(context.Background())
		s.tracerShutdown = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("Redis client close error", "error", err)
		}
		s.redis = nil
	}
	if err := s.logger.Close(); err != nil {
		slog.Warn("Log file close error", "error", err)
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
