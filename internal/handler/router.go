package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/apimbilling/apimbilling/internal/metrics"
	"github.com/apimbilling/apimbilling/internal/middleware"
	"github.com/apimbilling/apimbilling/internal/service"
	"github.com/apimbilling/apimbilling/internal/target"
)

// RouterConfig holds everything the Billing API router needs.
type RouterConfig struct {
	Service        *service.BillingService
	Resolver       target.Resolver
	Logger         *slog.Logger
	Metrics        metrics.Recorder
	IsDevelopment  bool
	AllowedOrigins []string
	MaxBodySize    int64
}

// NewRouter builds the Billing API routes. Target resolution applies to
// /api only, so /health answers without APIM coordinates.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}

	h := New()
	healthHandler := NewHealthHandler(nil)
	billing := NewBillingHandler(cfg.Service, cfg.Logger)

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.AllowedOrigins

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(middleware.Security(middleware.SecurityConfig{IsDevelopment: cfg.IsDevelopment}))
	r.Use(middleware.CORS(corsCfg))
	r.Use(middleware.MaxBodySize(cfg.MaxBodySize))

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	r.Get("/health", healthHandler.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Target(cfg.Resolver, cfg.Logger))

		r.Get("/products", billing.ListProducts)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", billing.ListSubscriptions)
			r.Post("/purchase", billing.Purchase)

			r.Route("/{"+SubscriptionIDParam+"}", func(r chi.Router) {
				r.Use(middleware.SubscriptionIDParam(SubscriptionIDParam))
				r.Get("/", billing.GetSubscription)
				r.Delete("/", billing.Delete)
				r.Patch("/state", billing.UpdateState)
				r.Post("/rotate-key", billing.RotateKey)
			})
		})
	})

	return r
}
