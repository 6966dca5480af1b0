package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"gateway/internal/gateway/bus"
	"gateway/internal/gateway/engine"
	"gateway/internal/gateway/metrics"
	"gateway/internal/gateway/tracing"
	"gateway/internal/graphql"
	"gateway/internal/resolvers"
)

type Config struct {
	Subscribers           int           `env:"SUBSCRIBERS" envDefault:"9"`
	EventCount            int           `env:"EVENT_COUNT" envDefault:"100"`
	PublishRounds         int           `env:"PUBLISH_ROUNDS" envDefault:"1"`
	PublishMessagesPerSec int           `env:"PUBLISH_MESSAGES_PER_SEC" envDefault:"0"`
	ReceiveTimeout        time.Duration `env:"RECEIVE_TIMEOUT" envDefault:"10s"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
	Profile               bool          `env:"PROFILE" envDefault:"true"`
	Metrics               metrics.ServerConfig
	Tracing               tracing.Config
}

const subscription = `subscription { newItem { task } }`

const mutation = `mutation($task: String!) { createItem(task: $task) { task } }`

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	if cfg.Profile {
		cpuProfile, err := os.Create("cpu.pprof")
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer cpuProfile.Close()
		if err := pprof.StartCPUProfile(cpuProfile); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()

		// Memory Profile
		defer func() {
			memProfile, err := os.Create("mem.pprof")
			if err != nil {
				log.Fatal("could not create memory profile: ", err)
			}
			defer memProfile.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(memProfile); err != nil {
				log.Fatal("could not write memory profile: ", err)
			}
		}()
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

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo("e2e-test", time.Now().Format(time.RFC3339))

	metricsServer := metrics.NewServer(cfg.Metrics, metricsRegistry, logger, nil)
	go func() {
		if err := metricsServer.Start(context.Background()); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("metrics server started",
		zap.String("endpoint", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port)),
	)

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	baseBus, err := bus.NewBus(logger)
	if err != nil {
		log.Fatalf("failed to create bus: %v", err)
	}
	notifications := bus.NewTracedBus(bus.NewMetricsBus(baseBus, metricsRegistry), tracer)

	baseEngine, err := engine.NewEngine(logger)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	eng := engine.NewTracedEngine(engine.NewMetricsEngine(baseEngine, metricsRegistry), tracer)

	rs, err := resolvers.New(notifications, logger)
	if err != nil {
		log.Fatalf("failed to create resolvers: %v", err)
	}
	schema, err := rs.Bind(eng)
	if err != nil {
		log.Fatalf("failed to bind schema: %v", err)
	}
	baseEngine.Seal()

	executor, err := graphql.NewExecutor(schema, eng, logger)
	if err != nil {
		log.Fatalf("failed to create executor: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	expected := cfg.EventCount * cfg.PublishRounds

	// every stream is open before the first publish so each sees all items
	streams := make([]*graphql.Stream, 0, cfg.Subscribers)
	for range cfg.Subscribers {
		stream, err := subscribe(ctx, executor)
		if err != nil {
			log.Fatalf("failed to subscribe: %v", err)
		}
		defer stream.Close()
		streams = append(streams, stream)
	}

	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// default rate of 0 means no rate limiting
		ticker := time.NewTicker(time.Second * max(time.Duration(cfg.PublishMessagesPerSec), 1))
		defer ticker.Stop()
		rounds := 0

		for {
			if err := publish(gctx, executor, rounds, cfg.EventCount); err != nil {
				logger.Error("failed to publish items", zap.Error(err))
				return err
			}
			logger.Info(fmt.Sprintf("published %d items", cfg.EventCount))
			rounds++
			if rounds >= cfg.PublishRounds {
				logger.Info("publish rounds complete, stopping producer")
				return nil
			}

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	for i, stream := range streams {
		g.Go(func() error {
			return consume(gctx, logger.With(zap.Int("subscriber", i)), stream, expected, cfg.ReceiveTimeout)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("error in goroutine", zap.Error(err))
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := notifications.Close(closeCtx); err != nil {
		logger.Error("failed to close bus", zap.Error(err))
	}
	if err := metricsServer.Stop(closeCtx); err != nil {
		logger.Error("failed to stop metrics server", zap.Error(err))
	}

	fmt.Printf("\n\n TEST COMPLETE IN %.2f seconds", time.Since(now).Seconds())
}

func subscribe(ctx context.Context, executor *graphql.Executor) (*graphql.Stream, error) {
	op, resp := executor.Prepare(&graphql.Request{Query: subscription})
	if resp != nil {
		return nil, fmt.Errorf("failed to prepare subscription: %s", resp.Errors[0].Message)
	}
	stream, resp := executor.Subscribe(ctx, op)
	if resp != nil {
		return nil, fmt.Errorf("failed to start subscription: %s", resp.Errors[0].Message)
	}
	return stream, nil
}

func publish(ctx context.Context, executor *graphql.Executor, round, count int) error {
	for i := range count {
		resp := executor.Do(ctx, &graphql.Request{
			Query:     mutation,
			Variables: map[string]any{"task": task(round*count + i)},
		})
		if resp.HasErrors() {
			return fmt.Errorf("createItem failed: %s", resp.Errors[0].Message)
		}
	}
	return nil
}

// consume reads expected items and checks they arrive in publish order.
func consume(ctx context.Context, logger *zap.Logger, stream *graphql.Stream, expected int, timeout time.Duration) error {
	for seq := range expected {
		nextCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := stream.Next(nextCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("subscriber stopped after %d of %d items: %w", seq, expected, err)
		}

		data, _ := resp.Data.(map[string]any)
		item, _ := data["newItem"].(map[string]any)
		if got, want := item["task"], task(seq); got != want {
			return fmt.Errorf("item %d out of order: got %v, want %s", seq, got, want)
		}
	}

	logger.Info("subscriber received every item", zap.Int("items", expected))
	return nil
}

func task(n int) string {
	return fmt.Sprintf("TASK-%04d", n+1)
}
