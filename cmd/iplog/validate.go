package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/goodtune/iplog/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Check that the iplog configuration file parses and holds sane values, and
list any keys iplog does not know about.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Print the effective configuration, marking values that differ from the defaults")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = warnColor.Printf("Invalid configuration %s\n", configPath)
		return err
	}

	unknown, err := unknownKeys(configPath)
	if err != nil {
		_, _ = warnColor.Printf("Could not read %s to look for unknown keys: %v\n", configPath, err)
	}

	_, _ = userColor.Printf("Configuration OK: %s\n", configPath)

	if len(unknown) > 0 {
		_, _ = warnColor.Printf("%d unknown key(s), ignored:\n", len(unknown))
		for _, key := range unknown {
			fmt.Printf("  %s\n", key)
		}
	}

	if validateDump {
		fmt.Println()
		dumpConfig(cfg, defaultConfig())
	}
	return nil
}

func defaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// unknownKeys lists, sorted, the keys set in the file that have no default.
// storage.redis.password is the one valid key without a default.
func unknownKeys(path string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(path)
	if err := file.ReadInConfig(); err != nil {
		return nil, err
	}

	defaults := viper.New()
	config.SetDefaults(defaults)
	known := map[string]bool{"storage.redis.password": true}
	for _, key := range defaults.AllKeys() {
		known[key] = true
	}

	var unknown []string
	for _, key := range file.AllKeys() {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	return unknown, nil
}

type setting struct {
	key      string
	value    any
	fallback any
}

// dumpConfig prints every setting grouped by section. Settings that differ
// from the default are highlighted and show the default alongside.
func dumpConfig(cfg, def *config.Config) {
	sections := map[string][]setting{
		"storage": {
			{"type", cfg.Storage.Type, def.Storage.Type},
			{"path", cfg.Storage.Path, def.Storage.Path},
			{"redis.host", cfg.Storage.Redis.Host, def.Storage.Redis.Host},
			{"redis.port", cfg.Storage.Redis.Port, def.Storage.Redis.Port},
			{"redis.password", masked(cfg.Storage.Redis.Password), masked(def.Storage.Redis.Password)},
			{"redis.db", cfg.Storage.Redis.DB, def.Storage.Redis.DB},
			{"redis.pool_size", cfg.Storage.Redis.PoolSize, def.Storage.Redis.PoolSize},
			{"redis.min_idle_conns", cfg.Storage.Redis.MinIdleConns, def.Storage.Redis.MinIdleConns},
			{"redis.dial_timeout", cfg.Storage.Redis.DialTimeout, def.Storage.Redis.DialTimeout},
			{"redis.read_timeout", cfg.Storage.Redis.ReadTimeout, def.Storage.Redis.ReadTimeout},
			{"redis.write_timeout", cfg.Storage.Redis.WriteTimeout, def.Storage.Redis.WriteTimeout},
			{"redis.key", cfg.Storage.Redis.Key, def.Storage.Redis.Key},
		},
		"geolocation": {
			{"provider", cfg.Geolocation.Provider, def.Geolocation.Provider},
			{"endpoint", cfg.Geolocation.Endpoint, def.Geolocation.Endpoint},
			{"mmdb_path", cfg.Geolocation.MMDBPath, def.Geolocation.MMDBPath},
			{"timeout", cfg.Geolocation.Timeout, def.Geolocation.Timeout},
			{"retries", cfg.Geolocation.Retries, def.Geolocation.Retries},
			{"rate_limit", cfg.Geolocation.RateLimit, def.Geolocation.RateLimit},
			{"cache_size", cfg.Geolocation.CacheSize, def.Geolocation.CacheSize},
			{"cache_ttl", cfg.Geolocation.CacheTTL, def.Geolocation.CacheTTL},
		},
		"backfill": {
			{"log_dir", cfg.Backfill.LogDir, def.Backfill.LogDir},
			{"pattern", cfg.Backfill.Pattern, def.Backfill.Pattern},
		},
		"follow": {
			{"enabled", cfg.Follow.Enabled, def.Follow.Enabled},
			{"log_file", cfg.Follow.LogFile, def.Follow.LogFile},
		},
		"logging": {
			{"level", cfg.Logging.Level, def.Logging.Level},
			{"format", cfg.Logging.Format, def.Logging.Format},
		},
		"metrics": {
			{"enabled", cfg.Metrics.Enabled, def.Metrics.Enabled},
			{"bind_address", cfg.Metrics.BindAddress, def.Metrics.BindAddress},
			{"port", cfg.Metrics.Port, def.Metrics.Port},
		},
	}

	for _, name := range slices.Sorted(maps.Keys(sections)) {
		_, _ = headerColor.Printf("%s:\n", name)
		for _, s := range sections[name] {
			value, fallback := fmt.Sprint(s.value), fmt.Sprint(s.fallback)
			if value == fallback {
				fmt.Printf("  %-22s %s\n", s.key, value)
				continue
			}
			_, _ = addressColor.Printf("  %-22s %s", s.key, value)
			fmt.Printf("  (default %s)\n", fallback)
		}
	}
}

func masked(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
