package http

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oakmist/storefront/pkg/health"
	"github.com/oakmist/storefront/pkg/middleware"
)

// RouterConfig holds everything the router needs.
type RouterConfig struct {
	ServiceName    string
	Logger         *slog.Logger
	Health         *health.Handler
	Cart           *CartHandler
	Checkout       *CheckoutHandler
	RateLimitRPS   int
	RateLimitBurst int
}

// NewRouter builds the HTTP routing tree with the standard middleware stack.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Compress(5))
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(middleware.RequestLogging(cfg.Logger))
	r.Use(middleware.PrometheusMetrics(cfg.ServiceName))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.Logger))
		}
		r.Route("/cart", cfg.Cart.Routes)
		r.Route("/checkout", cfg.Checkout.Routes)
	})

	return r
}
