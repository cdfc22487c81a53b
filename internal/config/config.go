package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the usage console service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Quota         QuotaConfig         `mapstructure:"quota"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Admin         AdminConfig         `mapstructure:"admin"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// UpstreamConfig points at the billing API that serves the per-day usage feed.
type UpstreamConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type QuotaConfig struct {
	WarningThresholds []float64     `mapstructure:"warning_thresholds"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
	Webhooks          []string      `mapstructure:"webhooks"`
	Webhook           WebhookConfig `mapstructure:"webhook"`
}

type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type ReportingConfig struct {
	Timezone     string `mapstructure:"timezone"`
	MaxRangeDays int    `mapstructure:"max_range_days"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("USAGECONSOLE_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("console")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("USAGECONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	// Secrets and endpoints default to empty so AutomaticEnv can see the keys.
	v.SetDefault("database.url", "")
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("admin.token", "")

	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout", "15s")
	v.SetDefault("upstream.max_retries", 1)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.retention_days", 90)
	v.SetDefault("cache.cleanup_interval", "6h")
	v.SetDefault("quota.warning_thresholds", []float64{0.8, 0.9})
	v.SetDefault("quota.dedup_window", "1h")
	v.SetDefault("quota.webhook.timeout", "5s")
	v.SetDefault("quota.webhook.max_retries", 3)
	v.SetDefault("reporting.timezone", "UTC")
	v.SetDefault("reporting.max_range_days", 365)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
}

// Validate ensures required values are set and normalizes derived fields.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "USAGECONSOLE_DATABASE_URL")
	}
	if c.Upstream.BaseURL == "" {
		missing = append(missing, "USAGECONSOLE_UPSTREAM_BASE_URL")
	}
	if c.Cache.Enabled && c.Redis.URL == "" {
		missing = append(missing, "USAGECONSOLE_REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 15 * time.Second
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must be >= 0")
	}
	if c.Cache.RetentionDays <= 0 {
		return fmt.Errorf("cache.retention_days must be > 0")
	}

	if len(c.Quota.WarningThresholds) == 0 {
		c.Quota.WarningThresholds = []float64{0.8, 0.9}
	}
	for _, threshold := range c.Quota.WarningThresholds {
		if threshold <= 0 || threshold >= 1 {
			return fmt.Errorf("quota.warning_thresholds values must be between 0 and 1 exclusive")
		}
	}
	sort.Float64s(c.Quota.WarningThresholds)
	if c.Quota.DedupWindow <= 0 {
		c.Quota.DedupWindow = time.Hour
	}
	if c.Quota.Webhook.Timeout <= 0 {
		c.Quota.Webhook.Timeout = 5 * time.Second
	}
	if c.Quota.Webhook.MaxRetries <= 0 {
		c.Quota.Webhook.MaxRetries = 3
	}

	reportingTZ := strings.TrimSpace(c.Reporting.Timezone)
	if reportingTZ == "" {
		reportingTZ = "UTC"
	}
	if _, err := time.LoadLocation(reportingTZ); err != nil {
		return fmt.Errorf("invalid reporting.timezone: %w", err)
	}
	c.Reporting.Timezone = reportingTZ
	if c.Reporting.MaxRangeDays <= 0 {
		c.Reporting.MaxRangeDays = 365
	}

	return nil
}

// Location resolves the validated reporting timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Reporting.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
