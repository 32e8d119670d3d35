package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	HashStoreFile     = "file"
	HashStorePostgres = "postgres"

	SubmitPut  = "put"
	SubmitPost = "post"
)

type Config struct {
	FHIRBase       string        `mapstructure:"FHIR_BASE"`
	BatchSize      int           `mapstructure:"BATCH_SIZE"`
	Workers        int           `mapstructure:"WORKERS"`
	MaxAttempts    int           `mapstructure:"MAX_ATTEMPTS"`
	BackoffBase    time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffMax     time.Duration `mapstructure:"BACKOFF_MAX"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ReadyTimeout   time.Duration `mapstructure:"READY_TIMEOUT"`
	NoWait         bool          `mapstructure:"NO_WAIT"`
	SubmitMethod   string        `mapstructure:"SUBMIT_METHOD"`

	Delta       bool   `mapstructure:"DELTA"`
	HashFile    string `mapstructure:"HASH_FILE"`
	HashStore   string `mapstructure:"HASH_STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	ProgressEvery    int           `mapstructure:"PROGRESS_EVERY"`
	ProgressInterval time.Duration `mapstructure:"PROGRESS_INTERVAL"`
	StatusAddr       string        `mapstructure:"STATUS_ADDR"`

	AuthToken          string `mapstructure:"AUTH_TOKEN"`
	AuthTokenURL       string `mapstructure:"AUTH_TOKEN_URL"`
	AuthClientID       string `mapstructure:"AUTH_CLIENT_ID"`
	AuthSigningKey     string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthSigningKeyFile string `mapstructure:"AUTH_SIGNING_KEY_FILE"`
	AuthKeyID          string `mapstructure:"AUTH_KEY_ID"`
	AuthScope          string `mapstructure:"AUTH_SCOPE"`

	Start int `mapstructure:"START"`
	Limit int `mapstructure:"LIMIT"`

	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// flagKeys maps command-line flags onto config keys. A flag that was set
// explicitly overrides the environment and .env file.
var flagKeys = map[string]string{
	"fhir-base":       "FHIR_BASE",
	"batch-size":      "BATCH_SIZE",
	"workers":         "WORKERS",
	"max-attempts":    "MAX_ATTEMPTS",
	"backoff-base":    "BACKOFF_BASE",
	"backoff-max":     "BACKOFF_MAX",
	"request-timeout": "REQUEST_TIMEOUT",
	"ready-timeout":   "READY_TIMEOUT",
	"no-wait":         "NO_WAIT",
	"submit-method":   "SUBMIT_METHOD",
	"delta":           "DELTA",
	"hash-file":       "HASH_FILE",
	"hash-store":      "HASH_STORE",
	"database-url":    "DATABASE_URL",
	"rate-limit":      "RATE_LIMIT_RPS",
	"status-addr":     "STATUS_ADDR",
	"start":           "START",
	"limit":           "LIMIT",
	"log-level":       "LOG_LEVEL",
}

// RegisterFlags defines the loader's flags on fs. Flag defaults are only
// shown in help; the effective defaults live in Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("fhir-base", "http://localhost:8080/fhir", "FHIR server base URL")
	fs.Int("batch-size", 100, "records per batch")
	fs.Int("workers", 4, "parallel upload workers")
	fs.Int("max-attempts", 3, "attempts per request before giving up")
	fs.Duration("backoff-base", 500*time.Millisecond, "first retry delay, doubled per attempt")
	fs.Duration("backoff-max", 10*time.Second, "retry delay cap")
	fs.Duration("request-timeout", 30*time.Second, "timeout for each HTTP request")
	fs.Duration("ready-timeout", 60*time.Second, "how long to wait for the server to become ready")
	fs.Bool("no-wait", false, "skip the readiness check")
	fs.String("submit-method", SubmitPut, "put (upsert under a derived id) or post")
	fs.Bool("delta", false, "only upload new or changed records")
	fs.String("hash-file", "", "fingerprint file (default: <input>.hashes.json)")
	fs.String("hash-store", HashStoreFile, "fingerprint store: file or postgres")
	fs.String("database-url", "", "PostgreSQL URL for the postgres fingerprint store")
	fs.Float64("rate-limit", 0, "max requests per second (0 = unlimited)")
	fs.String("status-addr", "", "serve live progress on this address, e.g. :9090")
	fs.Int("start", 0, "skip this many input records")
	fs.Int("limit", 0, "load at most this many records (0 = all)")
	fs.String("log-level", "info", "log level")
}

// Load reads configuration from defaults, an optional .env file, the
// environment and, when flags is not nil, explicitly set flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("FHIR_BASE", "http://localhost:8080/fhir")
	v.SetDefault("BATCH_SIZE", 100)
	v.SetDefault("WORKERS", 4)
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("BACKOFF_BASE", 500*time.Millisecond)
	v.SetDefault("BACKOFF_MAX", 10*time.Second)
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("READY_TIMEOUT", 60*time.Second)
	v.SetDefault("SUBMIT_METHOD", SubmitPut)
	v.SetDefault("HASH_STORE", HashStoreFile)
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("PROGRESS_EVERY", 1000)
	v.SetDefault("PROGRESS_INTERVAL", 5*time.Second)
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"FHIR_BASE", "BATCH_SIZE", "WORKERS", "MAX_ATTEMPTS", "BACKOFF_BASE",
		"BACKOFF_MAX", "REQUEST_TIMEOUT", "READY_TIMEOUT", "NO_WAIT", "SUBMIT_METHOD",
		"DELTA", "HASH_FILE", "HASH_STORE", "DATABASE_URL", "DB_MAX_CONNS",
		"DB_MIN_CONNS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "PROGRESS_EVERY",
		"PROGRESS_INTERVAL", "STATUS_ADDR", "AUTH_TOKEN", "AUTH_TOKEN_URL",
		"AUTH_CLIENT_ID", "AUTH_SIGNING_KEY", "AUTH_SIGNING_KEY_FILE", "AUTH_KEY_ID",
		"AUTH_SCOPE", "START", "LIMIT", "ENV", "LOG_LEVEL",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SubmitMethod = strings.ToLower(cfg.SubmitMethod)
	cfg.HashStore = strings.ToLower(cfg.HashStore)
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesBackendAuth reports whether tokens come from a client-credentials
// exchange rather than a static AUTH_TOKEN.
func (c *Config) UsesBackendAuth() bool {
	return c.AuthTokenURL != ""
}

// SigningKey returns the backend-services signing key, read from
// AUTH_SIGNING_KEY_FILE when that is set.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKeyFile == "" {
		return []byte(c.AuthSigningKey), nil
	}
	key, err := os.ReadFile(c.AuthSigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read AUTH_SIGNING_KEY_FILE: %w", err)
	}
	return key, nil
}

// Validate rejects settings the loader cannot run with.
func (c *Config) Validate() error {
	if c.FHIRBase == "" {
		return fmt.Errorf("FHIR_BASE is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be positive and not above BACKOFF_MAX (got %s, %s)", c.BackoffBase, c.BackoffMax)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.Start < 0 || c.Limit < 0 {
		return fmt.Errorf("START and LIMIT must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}

	switch c.SubmitMethod {
	case SubmitPut, SubmitPost:
	default:
		return fmt.Errorf("SUBMIT_METHOD must be %q or %q, got %q", SubmitPut, SubmitPost, c.SubmitMethod)
	}

	switch c.HashStore {
	case HashStoreFile:
	case HashStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when HASH_STORE is %q", HashStorePostgres)
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("invalid DB pool sizes: min %d, max %d", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("HASH_STORE must be %q or %q, got %q", HashStoreFile, HashStorePostgres, c.HashStore)
	}

	if c.UsesBackendAuth() {
		if c.AuthClientID == "" {
			return fmt.Errorf("AUTH_CLIENT_ID is required when AUTH_TOKEN_URL is set")
		}
		if c.AuthSigningKey == "" && c.AuthSigningKeyFile == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_SIGNING_KEY_FILE is required when AUTH_TOKEN_URL is set")
		}
		if c.AuthToken != "" {
			return fmt.Errorf("AUTH_TOKEN and AUTH_TOKEN_URL are mutually exclusive")
		}
	}
	return nil
}
