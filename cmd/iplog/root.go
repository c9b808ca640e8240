package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goodtune/iplog/internal/config"
	"github.com/goodtune/iplog/internal/geo"
	"github.com/goodtune/iplog/internal/history"
	"github.com/goodtune/iplog/internal/storage"
	"github.com/goodtune/iplog/internal/storage/bolt"
	"github.com/goodtune/iplog/internal/storage/file"
	"github.com/goodtune/iplog/internal/storage/redis"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "iplog",
	Short: "iplog - per-user connection address history",
	Long: `iplog records the addresses each user connects from, keeping the earliest
time every address was seen. It can rebuild that history from archived server
logs and report addresses shared between users.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to serve command when no subcommand is provided
		return runServe(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/iplog/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles what every command needs to work on the history.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	docs     storage.DocumentStore
	resolver *geo.Resolver
	store    *history.Store
	closers  []func() error
}

// openApp loads configuration, opens storage and geolocation, and loads the history.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	a := &app{cfg: cfg, logger: logger}

	docs, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.docs = docs
	a.closers = append(a.closers, docs.Close)

	logger.Debug().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	provider, closeProvider, err := newProvider(cfg.Geolocation)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize geolocation: %w", err)
	}
	if closeProvider != nil {
		a.closers = append(a.closers, closeProvider)
	}

	a.resolver = geo.NewResolver(provider, geo.Options{
		CacheSize: cfg.Geolocation.CacheSize,
		CacheTTL:  parseDuration(cfg.Geolocation.CacheTTL, 24*time.Hour),
	}, logger)

	a.store = history.NewStore(docs, a.resolver, logger)
	if err := a.store.Load(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close resource")
		}
	}
	a.closers = nil
}

func openStorage(cfg config.StorageConfig) (storage.DocumentStore, error) {
	switch cfg.Type {
	case "", "file":
		return file.Open(cfg.Path)
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// newProvider returns the configured geolocation provider and, when it holds
// resources, a function to release them.
func newProvider(cfg config.GeolocationConfig) (geo.Provider, func() error, error) {
	switch cfg.Provider {
	case "", "http":
		p, err := geo.NewHTTPProvider(geo.HTTPConfig{
			Endpoint:  cfg.Endpoint,
			Timeout:   parseDuration(cfg.Timeout, 5*time.Second),
			Retries:   cfg.Retries,
			RateLimit: cfg.RateLimit,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case "mmdb":
		p, err := geo.OpenMMDB(cfg.MMDBPath)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "none":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported geolocation provider: %s", cfg.Provider)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Logs go to stderr so command output on stdout stays clean
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
