package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Geolocation GeolocationConfig `mapstructure:"geolocation"`
	Backfill    BackfillConfig    `mapstructure:"backfill"`
	Follow      FollowConfig      `mapstructure:"follow"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// StorageConfig defines where the history document lives
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "file", "redis" or "bolt"
	Path  string      `mapstructure:"path"` // document path for file and bolt
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	Key          string `mapstructure:"key"` // key holding the document
}

// GeolocationConfig defines how addresses are resolved to a country
type GeolocationConfig struct {
	Provider  string `mapstructure:"provider"`   // "http", "mmdb" or "none"
	Endpoint  string `mapstructure:"endpoint"`   // URL template, %s is replaced by the address
	MMDBPath  string `mapstructure:"mmdb_path"`  // GeoLite2-Country.mmdb or compatible
	Timeout   string `mapstructure:"timeout"`    // per request
	Retries   int    `mapstructure:"retries"`    // retries after the first attempt
	RateLimit int    `mapstructure:"rate_limit"` // requests per minute, 0 disables
	CacheSize int    `mapstructure:"cache_size"`
	CacheTTL  string `mapstructure:"cache_ttl"`
}

// BackfillConfig defines where archived server logs are found
type BackfillConfig struct {
	LogDir  string `mapstructure:"log_dir"`
	Pattern string `mapstructure:"pattern"`
}

// FollowConfig defines the live log follower
type FollowConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	LogFile string `mapstructure:"log_file"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("IPLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "config/iplogger/IpLoggerData.json")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 4)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key", "iplog:history")

	// Geolocation defaults
	v.SetDefault("geolocation.provider", "http")
	v.SetDefault("geolocation.endpoint", "http://ip-api.com/json/%s?fields=status,message,country")
	v.SetDefault("geolocation.mmdb_path", "/var/lib/iplog/GeoLite2-Country.mmdb")
	v.SetDefault("geolocation.timeout", "5s")
	v.SetDefault("geolocation.retries", 2)
	v.SetDefault("geolocation.rate_limit", 45)
	v.SetDefault("geolocation.cache_size", 4096)
	v.SetDefault("geolocation.cache_ttl", "24h")

	// Backfill defaults
	v.SetDefault("backfill.log_dir", "logs")
	v.SetDefault("backfill.pattern", "*.log*")

	// Follow defaults
	v.SetDefault("follow.enabled", false)
	v.SetDefault("follow.log_file", "logs/latest.log")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9310)
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "file"
		fallthrough
	case "file", "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for %s storage", cfg.Storage.Type)
		}
		if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for redis storage")
		}
		if cfg.Storage.Redis.Key == "" {
			return fmt.Errorf("storage.redis.key is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Geolocation.Provider {
	case "http":
		if !strings.Contains(cfg.Geolocation.Endpoint, "%s") {
			return fmt.Errorf("geolocation endpoint must contain %%s for the address: %s", cfg.Geolocation.Endpoint)
		}
	case "mmdb":
		if cfg.Geolocation.MMDBPath == "" {
			return fmt.Errorf("geolocation.mmdb_path is required for the mmdb provider")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported geolocation provider: %s", cfg.Geolocation.Provider)
	}

	if cfg.Geolocation.Retries < 0 {
		return fmt.Errorf("invalid geolocation retries: %d", cfg.Geolocation.Retries)
	}
	if cfg.Geolocation.RateLimit < 0 {
		return fmt.Errorf("invalid geolocation rate limit: %d", cfg.Geolocation.RateLimit)
	}

	durations := map[string]string{
		"geolocation.timeout":   cfg.Geolocation.Timeout,
		"geolocation.cache_ttl": cfg.Geolocation.CacheTTL,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}

	if cfg.Follow.Enabled && cfg.Follow.LogFile == "" {
		return fmt.Errorf("follow.log_file is required when following is enabled")
	}

	if cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}
