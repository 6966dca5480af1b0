package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"gateway/internal/gateway/bus"
	"gateway/internal/gateway/engine"
	"gateway/internal/gateway/metrics"
	"gateway/internal/gateway/server"
	"gateway/internal/gateway/tracing"
	"gateway/internal/graphql"
	"gateway/internal/resolvers"
)

var (
	version   = "dev"
	buildTime = ""
)

type Config struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	Server       server.Config
	Subscription graphql.SubscriptionConfig
	Metrics      metrics.ServerConfig
	Tracing      tracing.Config
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if buildTime == "" {
		buildTime = time.Now().Format(time.RFC3339)
	}
	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo(version, buildTime)

	var ready atomic.Bool
	metricsServer := metrics.NewServer(cfg.Metrics, metricsRegistry, logger, ready.Load)

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	logger.Info("tracing initialized",
		zap.Bool("enabled", cfg.Tracing.Enabled),
		zap.String("service", cfg.Tracing.ServiceName),
		zap.String("otlp_endpoint", cfg.Tracing.Endpoint),
		zap.Float64("sample_rate", cfg.Tracing.SampleRate),
	)

	baseBus, err := bus.NewBus(logger)
	if err != nil {
		logger.Fatal("failed to create bus", zap.Error(err))
	}
	notifications := bus.NewTracedBus(bus.NewMetricsBus(baseBus, metricsRegistry), tracer)

	baseEngine, err := engine.NewEngine(logger)
	if err != nil {
		logger.Fatal("failed to create engine", zap.Error(err))
	}
	eng := engine.NewTracedEngine(engine.NewMetricsEngine(baseEngine, metricsRegistry), tracer)

	rs, err := resolvers.New(notifications, logger)
	if err != nil {
		logger.Fatal("failed to create resolvers", zap.Error(err))
	}
	// configuration errors end the process before anything is served
	schema, err := rs.Bind(eng)
	if err != nil {
		logger.Fatal("failed to bind schema", zap.Error(err))
	}
	baseEngine.Seal()
	logger.Info("schema bound", zap.Strings("operations", baseEngine.Operations()))

	executor, err := graphql.NewExecutor(schema, eng, logger)
	if err != nil {
		logger.Fatal("failed to create executor", zap.Error(err))
	}
	subscriptions, err := graphql.NewSubscriptionHandler(executor, metricsRegistry, logger, cfg.Subscription)
	if err != nil {
		logger.Fatal("failed to create subscription handler", zap.Error(err))
	}
	handler, err := graphql.NewHandler(executor, subscriptions, metricsRegistry, logger)
	if err != nil {
		logger.Fatal("failed to create graphql handler", zap.Error(err))
	}
	httpServer, err := server.New(cfg.Server, handler, tracer, logger)
	if err != nil {
		logger.Fatal("failed to create graphql server", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metricsServer.Start(gctx)
	})
	g.Go(func() error {
		return httpServer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		subscriptions.CloseAll("server shutting down")
		return nil
	})

	ready.Store(true)
	logger.Info("gateway ready",
		zap.String("graphql", fmt.Sprintf("http://localhost:%d%s", cfg.Server.Port, cfg.Server.Path)),
		zap.String("metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server group failed", zap.Error(err))
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := notifications.Close(closeCtx); err != nil {
		logger.Error("failed to close bus", zap.Error(err))
	}

	logger.Info("gateway stopped")
}
