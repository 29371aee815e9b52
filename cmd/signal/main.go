package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"rtcsession/internal/infrastructure/analytics"
	"rtcsession/internal/infrastructure/monitoring"
	"rtcsession/internal/infrastructure/signal"
	"rtcsession/pkg/config"
	"rtcsession/pkg/logger"
	"rtcsession/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "rtcsession-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := monitoring.NewHealthChecker()
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = analytics.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			log.Warnw("Redis unreachable at startup", "address", cfg.Redis.Address, "error", err)
		}
		if redisClient != nil {
			health.AddRedisCheck(redisClient, 10*time.Second, 2*time.Second)
		}
	}
	health.StartBackgroundChecks(ctx, func(name string, err error) {
		log.Warnw("Health check failed", "check", name, "error", err)
	})

	srv := signal.NewServer(signal.ServerOptions{
		Config:   cfg,
		Registry: registry,
		Health:   health,
		Logger:   zapLogger,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	timeout := cfg.Signal.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
	} else {
		log.Info("Server shutdown gracefully")
	}
	cancel()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}
	log.Info("Signalling server stopped")
}
