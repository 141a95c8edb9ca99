// Package main is the entrypoint for the Billing API server.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	"github.com/apimbilling/apimbilling/internal/apim"
	"github.com/apimbilling/apimbilling/internal/auth"
	"github.com/apimbilling/apimbilling/internal/config"
	"github.com/apimbilling/apimbilling/internal/handler"
	"github.com/apimbilling/apimbilling/internal/logging"
	"github.com/apimbilling/apimbilling/internal/metrics"
	"github.com/apimbilling/apimbilling/internal/middleware"
	"github.com/apimbilling/apimbilling/internal/server"
	"github.com/apimbilling/apimbilling/internal/service"
	"github.com/apimbilling/apimbilling/internal/target"
)

func main() {
	// Load configuration
	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if cfg.TelemetryConnectionString != "" {
		logger.Info("telemetry connection string configured; no exporter is wired in this build")
	}

	// Azure credential and ARM client
	cred, err := auth.NewCredential(cfg.CredentialMode, cfg.AzureClientID)
	if err != nil {
		logger.Error("failed to create azure credential", "error", err)
		os.Exit(1)
	}

	var recorder metrics.Recorder = metrics.NewNoop()
	var prom *metrics.PrometheusRecorder
	if cfg.MetricsPort > 0 {
		prom = metrics.NewPrometheus("apimbilling")
		recorder = prom
	}

	armClient, err := apim.NewClient(cred, apim.Options{
		Endpoint:   cfg.ARMEndpoint,
		Audience:   cfg.ARMAudience,
		APIVersion: cfg.ARMAPIVersion,
		Timeout:    cfg.ARMRequestTimeout,
		PerCallPolicies: []policy.Policy{
			apim.ContextHeaderPolicy("x-ms-correlation-request-id", middleware.GetRequestID),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to create ARM client", "error", err)
		os.Exit(1)
	}

	billingService := service.NewBillingService(armClient, service.BillingOptions{
		FailurePolicy: service.PurchasePolicy(cfg.PurchaseFailurePolicy),
		Logger:        logger,
		Metrics:       recorder,
	})

	// Setup router
	r := handler.NewRouter(handler.RouterConfig{
		Service:        billingService,
		Resolver:       newResolver(cfg),
		Logger:         logger,
		Metrics:        recorder,
		IsDevelopment:  cfg.IsDevelopment(),
		AllowedOrigins: cfg.GetCORSAllowedOrigins(),
		MaxBodySize:    cfg.MaxRequestBodySize,
	})

	// Create and run server
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

	logger.Info("starting billing api",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"target_mode", cfg.TargetMode,
		"arm_endpoint", cfg.ARMEndpoint,
		"purchase_failure_policy", cfg.PurchaseFailurePolicy,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newResolver picks how each request's APIM instance is determined.
func newResolver(cfg *config.APIConfig) target.Resolver {
	fallback := target.Target{
		SubscriptionID: cfg.AzureSubscriptionID,
		ResourceGroup:  cfg.APIMResourceGroup,
		ServiceName:    cfg.APIMName,
	}
	if cfg.TargetMode == config.TargetModeStatic {
		return target.StaticResolver{Target: fallback}
	}

	resolver := target.HeaderResolver{SubscriptionID: cfg.AzureSubscriptionID}
	if cfg.HasDefaultTarget() {
		resolver.Default = fallback
	}
	return resolver
}
