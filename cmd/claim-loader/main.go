package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ehr/claimloader/internal/config"
	"github.com/ehr/claimloader/internal/loader"
	"github.com/ehr/claimloader/internal/platform/auth"
	"github.com/ehr/claimloader/internal/platform/db"
	"github.com/ehr/claimloader/internal/platform/fhirclient"
	"github.com/ehr/claimloader/internal/platform/status"
)

const (
	exitOK       = 0
	exitFatal    = 1
	exitNotReady = 2

	readyInterval   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// notReadyError marks a FHIR server that never became reachable.
type notReadyError struct{ err error }

func (e *notReadyError) Error() string { return e.err.Error() }
func (e *notReadyError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := &cobra.Command{
		Use:           "claim-loader",
		Short:         "Parallel, delta-aware FHIR claims loader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.AddCommand(loadCmd(stdout, stderr))
	rootCmd.AddCommand(pingCmd(stderr))
	rootCmd.AddCommand(fingerprintsCmd(stdout, stderr))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		var notReady *notReadyError
		if errors.As(err, &notReady) {
			return exitNotReady
		}
		return exitFatal
	}
	return exitOK
}

func loadCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <claims.json>",
		Short: "Upload a JSON array of claims to the FHIR server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), cmd.Flags(), args[0], stdout, stderr)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func pingCmd(stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Wait until the FHIR server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger := newLogger(cfg, stderr)
			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			return waitReady(cmd.Context(), client, cfg)
		},
	}
	cmd.Flags().String("fhir-base", "http://localhost:8080/fhir", "FHIR server base URL")
	cmd.Flags().Duration("ready-timeout", 60*time.Second, "how long to wait")
	cmd.Flags().Duration("request-timeout", 30*time.Second, "timeout for each probe")
	return cmd
}

func fingerprintsCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprints",
		Short: "Inspect or prepare the fingerprint store",
	}

	showCmd := &cobra.Command{
		Use:   "show [claims.json]",
		Short: "Print how many fingerprints are stored",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger := newLogger(cfg, stderr)
			input := ""
			if len(args) == 1 {
				input = args[0]
			}

			ctx := cmd.Context()
			store, pool, location, err := openStore(ctx, cfg, input)
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}

			n, err := countFingerprints(ctx, store)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%d fingerprint(s) in %s\n", n, location)
			if pool != nil {
				stats, err := db.Check(ctx, pool)
				if err != nil {
					logger.Warn().Err(err).Msg("database health check failed")
				}
				fmt.Fprintf(stdout, "pool: %d/%d connections, healthy=%v\n", stats.TotalConns, stats.MaxConns, stats.Healthy)
			}
			return nil
		},
	}
	showCmd.Flags().String("hash-file", "", "fingerprint file (default: <input>.hashes.json)")
	showCmd.Flags().String("hash-store", config.HashStoreFile, "fingerprint store: file or postgres")
	showCmd.Flags().String("database-url", "", "PostgreSQL URL")
	cmd.AddCommand(showCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the PostgreSQL fingerprint table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			// init only makes sense for postgres; an ambient HASH_STORE=file
			// meant for load runs does not override that.
			if cmd.Flags().Changed("hash-store") && cfg.HashStore != config.HashStorePostgres {
				return fmt.Errorf("fingerprints init needs --hash-store=postgres (got %q)", cfg.HashStore)
			}
			cfg.HashStore = config.HashStorePostgres
			if err := cfg.Validate(); err != nil {
				return &loader.FatalConfigurationError{Op: "invalid config", Err: err}
			}
			_, pool, location, err := openStore(cmd.Context(), cfg, "")
			if err != nil {
				return err
			}
			pool.Close()
			fmt.Fprintf(stdout, "fingerprint table ready: %s\n", location)
			return nil
		},
	}
	initCmd.Flags().String("hash-store", config.HashStorePostgres, "fingerprint store")
	initCmd.Flags().String("database-url", "", "PostgreSQL URL")
	cmd.AddCommand(initCmd)

	return cmd
}

func runLoad(ctx context.Context, flags *pflag.FlagSet, input string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	logger := newLogger(cfg, stderr).With().Str("run_id", runID).Logger()

	docs, err := readInput(input)
	if err != nil {
		return &loader.FatalConfigurationError{Op: "read input", Err: err}
	}
	docs = loader.Slice(docs, cfg.Start, cfg.Limit)
	logger.Info().Str("input", input).Int("records", len(docs)).Msg("input loaded")

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	if !cfg.NoWait {
		if err := waitReady(ctx, client, cfg); err != nil {
			return err
		}
	}

	store, pool, location, err := openStore(ctx, cfg, input)
	if err != nil {
		return &loader.FatalConfigurationError{Op: "open fingerprint store", Err: err}
	}
	if pool != nil {
		defer pool.Close()
	}
	logger.Info().Str("store", location).Bool("delta", cfg.Delta).Msg("fingerprint store ready")

	l := loader.New(client, store, loader.Options{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Delta:     cfg.Delta,
		Method:    loader.SubmitMethod(cfg.SubmitMethod),
		Retry: loader.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
			Jitter:      loader.DefaultJitter,
		},
		ProgressEvery:    cfg.ProgressEvery,
		ProgressInterval: cfg.ProgressInterval,
		RunID:            runID,
	}, logger)

	if cfg.StatusAddr != "" {
		var opts []status.Option
		if pool != nil {
			opts = append(opts, status.WithRoute("/health/db", db.HealthHandler(pool)))
		}
		srv := status.New(cfg.StatusAddr, func() interface{} { return l.Progress() }, logger, opts...)
		if err := srv.Start(); err != nil {
			return &loader.FatalConfigurationError{Op: "start status server", Err: err}
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("status server shutdown failed")
			}
		}()
	}

	summary, err := l.Run(ctx, docs)
	if summary != nil {
		summary.Print(stdout)
	}
	if err != nil {
		return err
	}
	if summary.Interrupted {
		logger.Warn().Msg("run interrupted; rerun with --delta to resume")
	}
	return nil
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(flags)
	if err != nil {
		return nil, &loader.FatalConfigurationError{Op: "load config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &loader.FatalConfigurationError{Op: "invalid config", Err: err}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func readInput(path string) ([]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loader.DecodeDocuments(f)
}

func newClient(cfg *config.Config, logger zerolog.Logger) (*fhirclient.Client, error) {
	tokens, err := tokenSource(cfg)
	if err != nil {
		return nil, &loader.FatalConfigurationError{Op: "configure auth", Err: err}
	}
	return fhirclient.New(fhirclient.Config{
		BaseURL:   cfg.FHIRBase,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimitRPS,
		RateBurst: cfg.RateLimitBurst,
		Tokens:    tokens,
	}, logger), nil
}

func tokenSource(cfg *config.Config) (fhirclient.TokenSource, error) {
	switch {
	case cfg.AuthToken != "":
		return auth.StaticToken(cfg.AuthToken), nil
	case cfg.UsesBackendAuth():
		key, err := cfg.SigningKey()
		if err != nil {
			return nil, err
		}
		src, err := auth.NewBackendServicesSource(auth.BackendServicesConfig{
			TokenURL:   cfg.AuthTokenURL,
			ClientID:   cfg.AuthClientID,
			Scope:      cfg.AuthScope,
			SigningKey: key,
			KeyID:      cfg.AuthKeyID,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, nil
	}
}

func waitReady(ctx context.Context, client *fhirclient.Client, cfg *config.Config) error {
	if err := client.WaitReady(ctx, cfg.ReadyTimeout, readyInterval); err != nil {
		return &notReadyError{err: err}
	}
	return nil
}

// countFingerprints asks the store for a count when it can answer without
// reading every entry.
func countFingerprints(ctx context.Context, store loader.FingerprintStore) (int, error) {
	if c, ok := store.(interface {
		Count(context.Context) (int, error)
	}); ok {
		return c.Count(ctx)
	}
	table, err := store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load fingerprints: %w", err)
	}
	return len(table), nil
}

// openStore returns the configured fingerprint store, a human-readable
// location and, for postgres, the pool the caller must close. The postgres
// table is created when missing.
func openStore(ctx context.Context, cfg *config.Config, input string) (loader.FingerprintStore, *pgxpool.Pool, string, error) {
	if cfg.HashStore == config.HashStorePostgres {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "claim-loader",
		})
		if err != nil {
			return nil, nil, "", err
		}
		store := db.NewFingerprintStore(pool, db.DefaultFingerprintTable)
		if err := store.EnsureTable(ctx); err != nil {
			pool.Close()
			return nil, nil, "", err
		}
		return store, pool, "postgres table " + store.Table(), nil
	}

	path := cfg.HashFile
	if path == "" {
		if input == "" {
			return nil, nil, "", fmt.Errorf("--hash-file is required when no input file is given")
		}
		path = loader.DefaultFingerprintPath(input)
	}
	return loader.NewFileStore(path), nil, path, nil
}
