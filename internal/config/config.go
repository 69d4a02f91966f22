package config

import (
	"fmt"
	"time"

	"github.com/oakmist/storefront/pkg/config"
)

// Config holds all storefront settings, loaded from the environment.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"storefront"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	HTTP      HTTPConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Backend   BackendConfig
	Checkout  CheckoutConfig
	RateLimit RateLimitConfig
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// RedisConfig configures the durable session store.
type RedisConfig struct {
	Addr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"storefront:"`
}

// KafkaConfig configures event publishing. Leaving Brokers empty disables it.
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
}

// Enabled reports whether event publishing is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// BackendConfig configures the upstream storefront backend.
type BackendConfig struct {
	BaseURL     string        `env:"BACKEND_BASE_URL" envDefault:"http://localhost:8000/api"`
	RefreshPath string        `env:"BACKEND_REFRESH_PATH" envDefault:"/auth/refresh/"`
	Timeout     time.Duration `env:"BACKEND_TIMEOUT" envDefault:"15s"`
}

// RefreshURL returns the absolute credential refresh endpoint.
func (c BackendConfig) RefreshURL() string {
	return c.BaseURL + c.RefreshPath
}

// CheckoutConfig configures checkout session handling.
type CheckoutConfig struct {
	SessionTTL   time.Duration `env:"CHECKOUT_SESSION_TTL" envDefault:"24h"`
	PollInterval time.Duration `env:"CHECKOUT_POLL_INTERVAL" envDefault:"2s"`
	PollTimeout  time.Duration `env:"CHECKOUT_POLL_TIMEOUT" envDefault:"10s"`
	MockLatency  time.Duration `env:"CHECKOUT_MOCK_LATENCY" envDefault:"200ms"`
}

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	RPS   int `env:"RATE_LIMIT_RPS" envDefault:"20"`
	Burst int `env:"RATE_LIMIT_BURST" envDefault:"40"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port %d", c.HTTP.Port)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}
	if c.Checkout.PollInterval <= 0 || c.Checkout.PollTimeout <= 0 {
		return fmt.Errorf("checkout poll interval and timeout must be positive")
	}
	return nil
}
