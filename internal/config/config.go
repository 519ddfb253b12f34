package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends for the durable token tier
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	API           APIConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	Onboarding    OnboardingConfig
	Gateway       GatewayConfig
	Observability ObservabilityConfig
	Debug         DebugConfig
}

// APIConfig holds backend client configuration
type APIConfig struct {
	BaseURL           string        `env:"API_BASE_URL" envDefault:"http://localhost:3000/api"`
	Timeout           time.Duration `env:"API_TIMEOUT" envDefault:"30s"`
	RequestsPerSecond float64       `env:"API_RPS" envDefault:"10"`
	Burst             int           `env:"API_BURST" envDefault:"20"`
	UserAgent         string        `env:"API_USER_AGENT"`
}

// StorageConfig selects where tokens are persisted
type StorageConfig struct {
	Backend    string `env:"STORAGE_BACKEND" envDefault:"file"`
	Dir        string `env:"STORAGE_DIR"`
	Profile    string `env:"STORAGE_PROFILE" envDefault:"default"`
	Passphrase string `env:"STORAGE_PASSPHRASE"`
}

// DatabaseConfig holds database configuration for the postgres backend
type DatabaseConfig struct {
	Host         string `env:"DB_HOST" envDefault:"localhost"`
	Port         string `env:"DB_PORT" envDefault:"5432"`
	User         string `env:"DB_USER" envDefault:"tenantsession"`
	Password     string `env:"DB_PASSWORD"`
	Database     string `env:"DB_NAME" envDefault:"tenantsession"`
	SSLMode      string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"5"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"1"`
}

// OnboardingConfig tunes the post-onboarding redirect sequence
type OnboardingConfig struct {
	DashboardPath string        `env:"ONBOARDING_DASHBOARD_PATH" envDefault:"/dashboard"`
	SettleDelay   time.Duration `env:"ONBOARDING_SETTLE_DELAY" envDefault:"500ms"`
	RetryBase     time.Duration `env:"ONBOARDING_RETRY_BASE" envDefault:"1s"`
	MaxAttempts   int           `env:"ONBOARDING_MAX_ATTEMPTS" envDefault:"3"`
	SoftTimeout   time.Duration `env:"ONBOARDING_SOFT_TIMEOUT" envDefault:"30s"`
}

// GatewayConfig holds the local session gateway configuration
type GatewayConfig struct {
	Host              string        `env:"GATEWAY_HOST" envDefault:"127.0.0.1"`
	Port              string        `env:"GATEWAY_PORT" envDefault:"8787"`
	ReadTimeout       time.Duration `env:"GATEWAY_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"GATEWAY_WRITE_TIMEOUT" envDefault:"45s"`
	IdleTimeout       time.Duration `env:"GATEWAY_IDLE_TIMEOUT" envDefault:"60s"`
	RequestsPerSecond float64       `env:"GATEWAY_RPS" envDefault:"10"`
	Burst             int           `env:"GATEWAY_BURST" envDefault:"20"`
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string  `env:"LOG_FORMAT" envDefault:"text"`
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	ServiceName    string  `env:"OTEL_SERVICE_NAME" envDefault:"sessionctl"`
	ServiceVersion string  `env:"OTEL_SERVICE_VERSION" envDefault:"0.1.0"`
	SamplingRate   float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1"`
	EndpointURL    string  `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
}

// DebugConfig holds non-production switches. They only take effect in
// binaries built with the devoverride tag.
type DebugConfig struct {
	PermissionOverride bool `env:"DEBUG_PERMISSION_OVERRIDE" envDefault:"false"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom loads configuration from the given variables instead of the process environment
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.Storage.Dir == "" && cfg.Storage.Backend == StorageFile {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
		}
		cfg.Storage.Dir = filepath.Join(dir, "tenantsession")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL must be an absolute http(s) URL, got %q", c.API.BaseURL))
	}

	switch c.Storage.Backend {
	case StorageFile, StorageMemory:
	case StoragePostgres:
		if c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD is required for the postgres storage backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be one of file, postgres, memory, got %q", c.Storage.Backend))
	}
	if c.Storage.Profile == "" {
		errs = append(errs, errors.New("STORAGE_PROFILE must not be empty"))
	}

	if c.Onboarding.MaxAttempts < 1 {
		errs = append(errs, errors.New("ONBOARDING_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Onboarding.RetryBase <= 0 {
		errs = append(errs, errors.New("ONBOARDING_RETRY_BASE must be positive"))
	}

	if !isLoopback(c.Gateway.Host) {
		errs = append(errs, fmt.Errorf("GATEWAY_HOST must be a loopback address, got %q", c.Gateway.Host))
	}

	return errors.Join(errs...)
}

// DSN returns the pgx connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.MaxOpenConns, c.MaxIdleConns,
	)
}

// Addr returns the gateway listen address
func (c GatewayConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
