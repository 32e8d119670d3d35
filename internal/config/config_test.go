package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.FHIRBase != "http://localhost:8080/fhir" {
		t.Errorf("unexpected FHIR base %s", cfg.FHIRBase)
	}
	if cfg.BatchSize != 100 || cfg.Workers != 4 || cfg.MaxAttempts != 3 {
		t.Errorf("unexpected batching defaults: %d/%d/%d", cfg.BatchSize, cfg.Workers, cfg.MaxAttempts)
	}
	if cfg.BackoffBase != 500*time.Millisecond || cfg.BackoffMax != 10*time.Second {
		t.Errorf("unexpected backoff defaults: %s/%s", cfg.BackoffBase, cfg.BackoffMax)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("expected 30s request timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.HashStore != HashStoreFile || cfg.SubmitMethod != SubmitPut {
		t.Errorf("unexpected store/method: %s/%s", cfg.HashStore, cfg.SubmitMethod)
	}
	if cfg.Delta || cfg.NoWait {
		t.Error("delta and no-wait should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("WORKERS", "8")
	t.Setenv("BACKOFF_BASE", "250ms")
	t.Setenv("DELTA", "true")
	t.Setenv("SUBMIT_METHOD", "POST")
	t.Setenv("RATE_LIMIT_RPS", "12.5")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Workers)
	}
	if cfg.BackoffBase != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.BackoffBase)
	}
	if !cfg.Delta {
		t.Error("expected delta from env")
	}
	if cfg.SubmitMethod != SubmitPost {
		t.Errorf("expected post, got %s", cfg.SubmitMethod)
	}
	if cfg.RateLimitRPS != 12.5 {
		t.Errorf("expected 12.5 rps, got %v", cfg.RateLimitRPS)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("WORKERS", "2")
	t.Setenv("BATCH_SIZE", "50")

	fs := pflag.NewFlagSet("load", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--workers=6", "--delta", "--hash-file", "/tmp/h.json"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Workers != 6 {
		t.Errorf("expected flag to win, got %d workers", cfg.Workers)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("expected env batch size when flag unset, got %d", cfg.BatchSize)
	}
	if !cfg.Delta || cfg.HashFile != "/tmp/h.json" {
		t.Errorf("unexpected delta/hash-file: %v %s", cfg.Delta, cfg.HashFile)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			FHIRBase:       "http://fhir",
			BatchSize:      10,
			Workers:        2,
			MaxAttempts:    3,
			BackoffBase:    time.Millisecond,
			BackoffMax:     time.Second,
			RequestTimeout: time.Second,
			SubmitMethod:   SubmitPut,
			HashStore:      HashStoreFile,
			DBMaxConns:     4,
			DBMinConns:     1,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, false},
		{"zero workers", func(c *Config) { c.Workers = 0 }, false},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, false},
		{"backoff above cap", func(c *Config) { c.BackoffBase = time.Minute }, false},
		{"unknown method", func(c *Config) { c.SubmitMethod = "patch" }, false},
		{"unknown store", func(c *Config) { c.HashStore = "redis" }, false},
		{"postgres without url", func(c *Config) { c.HashStore = HashStorePostgres }, false},
		{"postgres with url", func(c *Config) {
			c.HashStore = HashStorePostgres
			c.DatabaseURL = "postgres://localhost/x"
		}, true},
		{"negative start", func(c *Config) { c.Start = -1 }, false},
		{"token url without client", func(c *Config) {
			c.AuthTokenURL = "https://auth/token"
			c.AuthSigningKey = "secret"
		}, false},
		{"token url without key", func(c *Config) {
			c.AuthTokenURL = "https://auth/token"
			c.AuthClientID = "loader"
		}, false},
		{"backend auth", func(c *Config) {
			c.AuthTokenURL = "https://auth/token"
			c.AuthClientID = "loader"
			c.AuthSigningKeyFile = "/keys/loader.pem"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_SigningKey(t *testing.T) {
	c := &Config{AuthSigningKey: "inline"}
	key, err := c.SigningKey()
	if err != nil || string(key) != "inline" {
		t.Fatalf("expected inline key, got %q %v", key, err)
	}

	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.AuthSigningKeyFile = path
	key, err = c.SigningKey()
	if err != nil || string(key) != "from-file" {
		t.Fatalf("expected file key, got %q %v", key, err)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
