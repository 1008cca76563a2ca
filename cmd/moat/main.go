package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guillermoBallester/moat/internal/adapter/mcp"
	"github.com/guillermoBallester/moat/internal/adapter/mongodb"
	"github.com/guillermoBallester/moat/internal/adapter/policy"
	"github.com/guillermoBallester/moat/internal/audit"
	"github.com/guillermoBallester/moat/internal/cache"
	"github.com/guillermoBallester/moat/internal/config"
	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
	"github.com/guillermoBallester/moat/internal/core/service"
	"github.com/guillermoBallester/moat/internal/logging"
	"github.com/guillermoBallester/moat/internal/performance"
	"github.com/guillermoBallester/moat/internal/ratelimit"
	"github.com/guillermoBallester/moat/internal/telemetry"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "moat",
		Short: "Read-only MongoDB access for MCP clients",
		Long: `moat exposes a MongoDB deployment to MCP clients through a fixed set of
read-only tools. Filters and pipelines are sanitized, results are masked by
policy, cached, rate limited and audited.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return run(ctx, overridesFrom(cmd.Flags()))
		},
	}
	bindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, overrides config.Overrides) error {
	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout is reserved for the MCP stdio transport.
	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	// Deferred first so it runs after every other shutdown step has logged.
	defer func() { _ = logCloser.Close() }()

	logger.Info("starting moat",
		slog.String("version", version),
		slog.String("uri", redactURI(cfg.MongoURI)),
		slog.String("database", cfg.Database),
		slog.String("transport", cfg.Transport),
		slog.String("log_level", cfg.LogLevel.String()),
		slog.Bool("cache", cfg.CacheEnabled),
		slog.Bool("rate_limit", cfg.RateLimitEnabled),
		slog.String("timeout", cfg.DefaultTimeout.String()),
	)

	tracer, inst, metrics, shutdownTelemetry, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	var (
		collections port.CollectionPolicy = port.NoPolicy{}
		denied      []string
	)
	if cfg.PolicyFile != "" {
		pol, err := policy.LoadFromFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}
		collections = pol
		denied = pol.DeniedDatabases
		logger.Info("policy loaded",
			slog.String("file", cfg.PolicyFile),
			slog.Int("masked_fields", pol.MaskedFieldCount()),
			slog.Int("denied_databases", len(denied)),
		)
	}

	var sink port.AuditSink = audit.NoopSink{}
	if cfg.AuditLog != "" {
		fileSink, err := audit.NewFileSink(cfg.AuditLog)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		sink = fileSink
		logger.Info("audit log enabled", slog.String("file", cfg.AuditLog))
	}

	manager := service.NewConnectionManager(managerConfig(cfg), mongodb.NewDialer(),
		service.WithLogger(logger),
		service.WithTracer(tracer),
		service.WithInstrumentation(inst),
		service.WithAuditSink(sink),
	)
	defer shutdown(ctx, manager, logger)

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to MongoDB: %w", err)
	}
	logger.Info("connected", slog.String("db.system", "mongodb"))

	read := service.NewReadService(manager, domain.NewSanitizer(denied...), collections)
	diag := service.NewDiagnosticsService(manager)
	mcpServer := mcp.NewServer(version, read, diag, logger, tracer, inst)

	if cfg.Transport == config.TransportHTTP {
		return serveHTTP(ctx, mcpServer, cfg.HTTPAddr, cfg.HTTPBearerToken, manager, metrics, logger)
	}
	return serveStdio(ctx, mcpServer, logger)
}

type disconnecter interface {
	Disconnect(ctx context.Context) error
}

// shutdown disconnects within shutdownTimeout, even when ctx is already
// cancelled.
func shutdown(ctx context.Context, d disconnecter, logger *slog.Logger) {
	disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := d.Disconnect(disconnectCtx); err != nil {
		logger.Warn("disconnecting", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}

func serveStdio(ctx context.Context, s *mcpserver.MCPServer, logger *slog.Logger) error {
	stdio := mcpserver.NewStdioServer(s)
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))

	logger.Info("serving MCP over stdio")
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

// setupTelemetry returns no-op tracing and instruments unless OTel is on.
// The Prometheus reader is only added when there is an HTTP listener to
// serve it from.
func setupTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (trace.Tracer, port.Instrumentation, http.Handler, func(), error) {
	if !cfg.OTelEnabled {
		return telemetry.NoopTracer(), telemetry.NoopInstruments(), nil, func() {}, nil
	}

	provider, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: "moat",
		Version:     version,
		OTLP:        true,
		Prometheus:  cfg.Transport == config.TransportHTTP,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	logger.Info("opentelemetry enabled")

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}
	return telemetry.Tracer(), telemetry.NewInstruments(), provider.MetricsHandler(), shutdown, nil
}

func managerConfig(cfg *config.Config) service.ManagerConfig {
	return service.ManagerConfig{
		Dial: port.DialOptions{
			URI:         cfg.MongoURI,
			AppName:     "moat",
			MaxPoolSize: cfg.PoolMaxConns,
			MinPoolSize: cfg.PoolMinConns,
		},
		Database:            cfg.Database,
		OperationTimeout:    cfg.DefaultTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		Cache: cache.Config{
			Enabled:     cfg.CacheEnabled,
			TTL:         cfg.CacheTTL,
			MaxKeys:     cfg.CacheMaxKeys,
			CheckPeriod: cfg.CacheCheckPeriod,
		},
		RateLimit: ratelimit.Config{
			Enabled:           cfg.RateLimitEnabled,
			TokensPerInterval: cfg.RateLimitTokens,
			Interval:          cfg.RateLimitInterval,
			FireImmediately:   cfg.RateLimitFireImmediately,
		},
		Performance: performance.Config{
			Enabled:       cfg.MetricsEnabled,
			SlowThreshold: cfg.SlowQueryThreshold,
		},
		Audit: audit.Config{
			AuditEnabled:       cfg.AuditEnabled,
			PerformanceLogging: cfg.PerformanceLogging,
		},
	}
}
