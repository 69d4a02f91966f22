package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"

	"github.com/redis/go-redis/v9"

	"github.com/oakmist/storefront/internal/cart"
	"github.com/oakmist/storefront/internal/checkout"
	"github.com/oakmist/storefront/internal/checkout/mock"
	"github.com/oakmist/storefront/internal/config"
	"github.com/oakmist/storefront/internal/event"
	"github.com/oakmist/storefront/internal/gateway"
	httphandler "github.com/oakmist/storefront/internal/handler/http"
	redisstore "github.com/oakmist/storefront/internal/storage/redis"
	"github.com/oakmist/storefront/pkg/health"
	"github.com/oakmist/storefront/pkg/httpclient"
	"github.com/oakmist/storefront/pkg/kafka"
)

// App wires the storefront together and owns its lifecycle.
type App struct {
	cfg    *config.Config
	log    *slog.Logger
	server *http.Server

	redisClient *redis.Client
	producer    *kafka.Producer
	orch        *checkout.Orchestrator
}

// New builds the application from configuration. No network traffic happens
// until Run.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	kv := redisstore.NewStore(redisClient, cfg.Redis.KeyPrefix, 0)

	var producer *kafka.Producer
	var events event.Publisher = event.NoopPublisher{}
	if cfg.Kafka.Enabled() {
		producer = kafka.NewProducer(kafka.DefaultProducerConfig(cfg.Kafka.Brokers), log)
		events = event.NewKafkaPublisher(producer)
	}

	// The jar carries the backend's session cookies, so a credential refresh
	// automatically applies to every later request.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	// Retrying is the auth layer's job here: the base client issues each
	// request exactly once so non-auth failures surface unchanged.
	baseClient := httpclient.New(httpclient.Config{
		Timeout:         cfg.Backend.Timeout,
		MaxRetries:      0,
		MaxConnsPerHost: 100,
		Jar:             jar,
	})

	authClient := gateway.NewClient(baseClient, gateway.NewStoredCredentials(kv), gateway.Config{
		RefreshURL: cfg.Backend.RefreshURL(),
		OnAuthExpired: func() {
			log.Warn("session expired, shopper must sign in again")
		},
	}, log)

	backend := httpclient.NewCircuitBreakerClient(authClient,
		httpclient.DefaultCircuitBreakerConfig("backend"), log)

	ctx := context.Background()
	cartStore := cart.NewStore(ctx, kv, events, log, cart.WithOnOpen(func() {
		log.Debug("cart updated, surfacing to shopper")
	}))

	orch := checkout.NewOrchestrator(backend,
		mock.NewConfirmer(cfg.Checkout.MockLatency, log),
		kv, cartStore, events, checkout.Config{
			BackendBaseURL: cfg.Backend.BaseURL,
			SessionTTL:     cfg.Checkout.SessionTTL,
			PollInterval:   cfg.Checkout.PollInterval,
			PollTimeout:    cfg.Checkout.PollTimeout,
			OnPaid: func(orderNumber string) {
				log.Info("order paid", slog.String("order_number", orderNumber))
			},
		}, log)

	healthHandler := health.NewHandler()
	healthHandler.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	if producer != nil {
		healthHandler.Register("kafka", producer.Ping)
	}

	router := httphandler.NewRouter(httphandler.RouterConfig{
		ServiceName:    cfg.ServiceName,
		Logger:         log,
		Health:         healthHandler,
		Cart:           httphandler.NewCartHandler(cartStore, log),
		Checkout:       httphandler.NewCheckoutHandler(orch, log),
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})

	app := &App{
		cfg: cfg,
		log: log,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:      router,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
		redisClient: redisClient,
		producer:    producer,
		orch:        orch,
	}

	// Restore any persisted checkout before accepting traffic.
	outcome := orch.Resume(ctx)
	log.Info("checkout session resume", slog.String("outcome", string(outcome)))

	return app, nil
}

// Run starts the HTTP server and blocks until ctx is canceled, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	a.orch.StopPolling()
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Error("kafka producer close failed", slog.String("error", err.Error()))
		}
	}
	if err := a.redisClient.Close(); err != nil {
		a.log.Error("redis close failed", slog.String("error", err.Error()))
	}

	return nil
}
