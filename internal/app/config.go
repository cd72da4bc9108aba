package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"golang.org/x/text/currency"
)

// Config holds the complete application configuration, loadable from
// environment variables (STORE_ prefix), flags, or YAML config files.
type Config struct {
	Addr           string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL    string        `usage:"PostgreSQL connection URL (STORE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ImageBaseURL   string        `default:"" usage:"Base URL for product images" flag:"image-base-url"`
	APIKeyPepper   string        `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Currency       string        `default:"INR" usage:"ISO 4217 currency of all orders"`
	RequestTimeout time.Duration `default:"15s" usage:"Per-request handler timeout" flag:"request-timeout"`
	Gateway        GatewayConfig
	Redis          RedisConfig
	Events         EventsConfig
	RateLimit      RateLimitConfig
	CORS           CORSConfig
	Graceful       GracefulConfig
}

// GatewayConfig configures the payment gateway client.
type GatewayConfig struct {
	BaseURL   string        `default:"https://api.razorpay.com" usage:"Payment gateway API base URL"`
	KeyID     string        `usage:"Gateway key id, also returned to clients"`
	KeySecret string        `usage:"Gateway key secret used for API auth and signature verification"`
	Timeout   time.Duration `default:"10s" usage:"Payment intent creation timeout"`
}

// RedisConfig configures the checkout idempotency store. An empty Addr
// disables Idempotency-Key support.
type RedisConfig struct {
	Addr           string        `default:"" usage:"Redis address (host:port)"`
	Password       string        `default:"" usage:"Redis password"`
	DB             int           `default:"0" usage:"Redis database"`
	IdempotencyTTL time.Duration `default:"24h" usage:"How long checkout responses are replayed"`
	LockTTL        time.Duration `default:"30s" usage:"How long an unfinished checkout holds its key"`
}

// EventsConfig configures order event publishing. An empty QueueURL
// disables it.
type EventsConfig struct {
	QueueURL string `default:"" usage:"SQS queue URL for order events"`
	Region   string `default:"" usage:"AWS region of the queue"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML files,
// then validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STORE",
		Files:     []string{"config.yaml", "/etc/foodstore/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the server cannot start without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set STORE_DATABASE_URL or DATABASE_URL")
	}
	if c.Gateway.KeySecret == "" {
		return errors.New("gateway key secret is required: set STORE_GATEWAY_KEY_SECRET")
	}
	unit, err := currency.ParseISO(c.Currency)
	if err != nil {
		return errors.Wrapf(err, "invalid currency %q", c.Currency)
	}
	c.Currency = unit.String()
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables such as
// DATABASE_URL and PORT onto the STORE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
