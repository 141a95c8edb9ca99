// Package main is the entrypoint for the billing web frontend.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/apimbilling/apimbilling/internal/cache"
	"github.com/apimbilling/apimbilling/internal/config"
	"github.com/apimbilling/apimbilling/internal/gateway"
	"github.com/apimbilling/apimbilling/internal/handler"
	"github.com/apimbilling/apimbilling/internal/logging"
	"github.com/apimbilling/apimbilling/internal/metrics"
	"github.com/apimbilling/apimbilling/internal/server"
	"github.com/apimbilling/apimbilling/internal/web"
)

func main() {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.LoadWeb()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	instances, err := cfg.Instances()
	if err != nil {
		logger.Error("invalid APIM_INSTANCES", "error", err)
		os.Exit(1)
	}

	// Initialize cache
	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", logging.SanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", logging.RedactURL(cfg.RedisURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	api := gateway.NewClient(gateway.Options{
		BaseURL:         cfg.BillingAPIBaseURL,
		Timeout:         cfg.GatewayTimeout,
		BreakerEnabled:  cfg.GatewayBreakerEnabled,
		BreakerFailures: cfg.GatewayBreakerFailures,
		BreakerTimeout:  cfg.GatewayBreakerTimeout,
		Logger:          logger,
	})

	sessions := web.NewSessions(cacheClient.Sessions(cfg.SessionTTL), !cfg.IsDevelopment(), logger)
	h, err := web.NewHandler(api, sessions, instances, logger)
	if err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	var recorder metrics.Recorder = metrics.NewNoop()
	var prom *metrics.PrometheusRecorder
	if cfg.MetricsPort > 0 {
		prom = metrics.NewPrometheus("apimbilling_web")
		recorder = prom
	}

	r := web.NewRouter(web.RouterConfig{
		Handler:       h,
		Sessions:      sessions,
		Health:        handler.NewHealthHandler(map[string]handler.HealthChecker{"redis": cacheClient}),
		Logger:        logger,
		Metrics:       recorder,
		IsDevelopment: cfg.IsDevelopment(),
		MaxBodySize:   cfg.MaxRequestBodySize,
	})

	srv := server.New(r, server.Options{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})
	if prom != nil {
		srv.AddListener("metrics", cfg.MetricsPort, prom.Handler())
	}
	srv.OnShutdown("redis", func(context.Context) error {
		return cacheClient.Close()
	})

	logger.Info("starting billing web",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"billing_api", cfg.BillingAPIBaseURL,
		"instances", len(instances),
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
