package web

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/apimbilling/apimbilling/internal/handler"
	"github.com/apimbilling/apimbilling/internal/metrics"
	"github.com/apimbilling/apimbilling/internal/middleware"
)

// RouterConfig holds dependencies for the site router.
type RouterConfig struct {
	Handler  *Handler
	Sessions *Sessions
	Health   *handler.HealthHandler
	Logger   *slog.Logger
	Metrics  metrics.Recorder

	IsDevelopment bool
	MaxBodySize   int64
}

// NewRouter creates the site's HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 64 << 10
	}
	h := cfg.Handler

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(middleware.Security(middleware.SecurityConfig{
		IsDevelopment:         cfg.IsDevelopment,
		ContentSecurityPolicy: middleware.HTMLContentSecurityPolicy,
	}))
	r.Use(middleware.MaxBodySize(cfg.MaxBodySize))

	r.NotFound(h.NotFound)

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Sessions.Middleware)
		r.Use(h.WithTarget)

		r.Get("/", h.Home)
		r.Post("/user", h.SetUser)
		r.Post("/logout", h.Logout)
		r.Post("/instance", h.SelectInstance)
		r.Get("/products", h.Products)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Use(h.requireUser)

			r.Get("/", h.Subscriptions)
			r.Post("/purchase", h.Purchase)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(middleware.SubscriptionIDParam("id"))

				r.Get("/", h.Subscription)
				r.Post("/suspend", h.Suspend)
				r.Post("/activate", h.Activate)
				r.Post("/delete", h.Delete)
				r.Post("/rotate-key", h.RotateKey)
			})
		})
	})

	return r
}
