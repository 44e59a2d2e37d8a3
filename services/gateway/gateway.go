// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway provides the Polychat gateway service.
//
// This package contains the main service type that coordinates all
// components: HTTP routing, the model registry, the conversation store,
// snapshot persistence, and observability infrastructure.
//
// # Extension Points
//
// The gateway supports dependency injection via extensions.ServiceOptions,
// enabling deployments to provide custom implementations of:
//   - AuthProvider: request authentication (JWT, API keys)
//   - UpstreamCredentials: provider token storage and rotation
//
// # Usage
//
// Local use (no-op auth, env-backed upstream tokens):
//
//	cfg := gateway.DefaultConfig()
//	svc, err := gateway.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/polychat-dev/polychat/pkg/extensions"
	"github.com/polychat-dev/polychat/services/gateway/conversation"
	"github.com/polychat-dev/polychat/services/gateway/handlers"
	"github.com/polychat-dev/polychat/services/gateway/middleware"
	"github.com/polychat-dev/polychat/services/gateway/observability"
	"github.com/polychat-dev/polychat/services/gateway/routes"
	"github.com/polychat-dev/polychat/services/gateway/storage"
	"github.com/polychat-dev/polychat/services/llm"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the gateway service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Close releases resources: registry watcher, snapshot store, tracer.
	Close()
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds gateway configuration options.
//
// Values can be populated from environment variables via env.Parse, from
// flags, or programmatically for testing. All fields have usable defaults
// for local development.
type Config struct {
	// Port is the HTTP server port.
	Port int `env:"POLYCHAT_PORT" envDefault:"8090"`

	// ModelsPath is the YAML model registry file, hot-reloaded on change.
	ModelsPath string `env:"POLYCHAT_MODELS" envDefault:"models.yaml"`

	// DataDir is the Badger directory for conversation snapshots.
	// Empty disables persistence.
	DataDir string `env:"POLYCHAT_DATA_DIR" envDefault:"polychat-data"`

	// SystemPrompt is prepended to every model's history.
	SystemPrompt string `env:"POLYCHAT_SYSTEM_PROMPT" envDefault:"You are a helpful assistant."`

	// FirstByteTimeout is the per-attempt watchdog for the first
	// meaningful upstream byte.
	FirstByteTimeout time.Duration `env:"POLYCHAT_FIRST_BYTE_TIMEOUT" envDefault:"10s"`

	// MaxConcurrentStreams caps concurrently streaming model sessions
	// per send. Zero means no cap.
	MaxConcurrentStreams int64 `env:"POLYCHAT_MAX_CONCURRENT" envDefault:"0"`

	// TitleBaseURL is the OpenAI-compatible endpoint for title
	// summarization. Empty disables summarization; titles fall back to
	// truncation.
	TitleBaseURL string `env:"POLYCHAT_TITLE_BASE_URL"`

	// TitleModel is the model used for title summarization.
	TitleModel string `env:"POLYCHAT_TITLE_MODEL" envDefault:"llama3.2:1b"`

	// RateLimitRPS is the per-client request rate. Zero disables
	// rate limiting.
	RateLimitRPS float64 `env:"POLYCHAT_RATE_LIMIT_RPS" envDefault:"0"`

	// RateLimitBurst is the per-client burst size.
	RateLimitBurst int `env:"POLYCHAT_RATE_LIMIT_BURST" envDefault:"20"`

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty
	// disables tracing export.
	OTelEndpoint string `env:"POLYCHAT_OTEL_ENDPOINT"`

	// EnableMetrics enables the Prometheus metrics endpoint.
	EnableMetrics bool `env:"POLYCHAT_ENABLE_METRICS" envDefault:"true"`

	// GinMode sets the Gin framework mode: "debug", "release", "test".
	GinMode string `env:"GIN_MODE" envDefault:"release"`
}

// DefaultConfig returns a Config suitable for local development.
func DefaultConfig() Config {
	return Config{
		Port:             8090,
		ModelsPath:       "models.yaml",
		DataDir:          "polychat-data",
		SystemPrompt:     "You are a helpful assistant.",
		FirstByteTimeout: llm.DefaultFirstByteTimeout,
		TitleModel:       "llama3.2:1b",
		RateLimitBurst:   20,
		EnableMetrics:    true,
		GinMode:          "release",
	}
}

// =============================================================================
// Service Implementation
// =============================================================================

type service struct {
	config Config
	opts   extensions.ServiceOptions

	registry      *llm.Registry
	store         *conversation.Store
	snapshots     *storage.SnapshotStore
	router        *gin.Engine
	tracerCleanup func(context.Context)
	autosaveStop  context.CancelFunc
}

// New creates a fully wired gateway service.
//
// # Description
//
// Initialization order: tracing, metrics, model registry, conversation
// store, snapshot restore, autosaver, HTTP router. A missing snapshot is
// not an error; a corrupt one is logged and skipped so the gateway still
// starts.
//
// # Inputs
//
//   - cfg: Service configuration.
//   - opts: Extension implementations. Nil uses no-op auth plus
//     environment-variable upstream credentials.
//
// # Outputs
//
//   - Service: Ready to Run().
//   - error: Non-nil when the registry cannot load or persistence cannot open.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: cfg}

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
		s.opts.Credentials = extensions.NewEnvCredentials()
	}
	s.opts = s.opts.Normalize()

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	if cfg.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if cfg.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	registry, err := llm.NewRegistry(cfg.ModelsPath)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to load model registry: %w", err)
	}
	s.registry = registry

	s.store = conversation.NewStore(cfg.SystemPrompt)

	if cfg.DataDir != "" {
		if err := s.initPersistence(); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
	}

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting gateway server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases resources without running the server.
func (s *service) Close() {
	s.cleanup()
}

// =============================================================================
// Initialization
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// Sets up the OTLP trace exporter to send spans to the configured
// collector over an insecure gRPC connection (appropriate for internal
// networks).
func (s *service) initTracer() (func(context.Context), error) {
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
		resource.WithAttributes(semconv.ServiceNameKey.String("polychat-gateway")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initPersistence opens the Badger snapshot store, restores the previous
// conversation state, and starts the debounced autosaver.
func (s *service) initPersistence() error {
	if err := os.MkdirAll(s.config.DataDir, 0o755); err != nil {
		return err
	}

	snapshots, err := storage.Open(s.config.DataDir)
	if err != nil {
		return err
	}
	s.snapshots = snapshots

	data, err := snapshots.Load()
	if err != nil {
		slog.Warn("Snapshot load failed, starting empty", "error", err)
	} else if data != nil {
		if err := s.store.Restore(data); err != nil {
			slog.Warn("Snapshot restore failed, starting empty", "error", err)
		} else {
			slog.Info("Restored conversation state", "bytes", len(data))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.autosaveStop = cancel
	saver := storage.NewAutosaver(s.store, snapshots, storage.DefaultAutosaveDebounce)
	go saver.Run(ctx)

	return nil
}

// initRouter builds the Gin engine and installs the route table.
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("polychat-gateway"))

	titler := s.newTitler()

	sessionCfg := llm.SessionConfig{
		FirstByteTimeout: s.config.FirstByteTimeout,
		Credentials:      s.opts.Credentials,
		OnAttempt: func(modelID string, tier int) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordAttempt(modelID, fmt.Sprintf("%d", tier))
			}
		},
	}

	var limiter *middleware.RateLimiter
	if s.config.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Store:         s.store,
		StreamHandler: handlers.NewStreamHandler(s.store, s.registry, titler, sessionCfg, s.config.MaxConcurrentStreams),
		ChatHandler:   handlers.NewChatHandler(s.store),
		ModelsHandler: handlers.NewModelsHandler(s.registry),
		AuthProvider:  s.opts.AuthProvider,
		RateLimiter:   limiter,
	})
}

// newTitler builds the title summarizer, or nil when no endpoint is
// configured.
func (s *service) newTitler() *llm.Titler {
	if s.config.TitleBaseURL == "" {
		return nil
	}
	token, err := s.opts.Credentials.Token(context.Background(), "title")
	if err != nil {
		token = ""
	}
	return llm.NewTitler(llm.TitlerConfig{
		BaseURL: s.config.TitleBaseURL,
		Token:   token,
		Model:   s.config.TitleModel,
	})
}

// =============================================================================
// Cleanup
// =============================================================================

func (s *service) cleanup() {
	if s.autosaveStop != nil {
		s.autosaveStop()
		s.autosaveStop = nil
	}

	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			slog.Warn("Registry close error", "error", err)
		}
		s.registry = nil
	}

	if s.snapshots != nil {
		// Final synchronous save so a clean shutdown never loses state.
		if data, err := s.store.Snapshot(); err == nil {
			if err := s.snapshots.Save(data); err != nil {
				slog.Warn("Final snapshot save failed", "error", err)
			}
		}
		if err := s.snapshots.Close(); err != nil {
			slog.Warn("Snapshot store close error", "error", err)
		}
		s.snapshots = nil
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Service = (*service)(nil)
