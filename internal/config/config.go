package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the insights service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Analytics     AnalyticsConfig     `mapstructure:"analytics"`
	Exports       ExportsConfig       `mapstructure:"exports"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Health        HealthConfig        `mapstructure:"health"`
	Admin         AdminConfig         `mapstructure:"admin"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
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

// UpstreamConfig points at the gateway that serves raw per-day usage.
type UpstreamConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type CacheConfig struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

type AnalyticsConfig struct {
	MaxRangeDays       int `mapstructure:"max_range_days"`
	ExportMaxRangeDays int `mapstructure:"export_max_range_days"`
	LargeRangeWarnDays int `mapstructure:"large_range_warn_days"`
	TopLimit           int `mapstructure:"top_limit"`
}

type ExportsConfig struct {
	Storage       string             `mapstructure:"storage"`
	EncryptionKey string             `mapstructure:"encryption_key"`
	S3            ExportsS3Config    `mapstructure:"s3"`
	Local         ExportsLocalConfig `mapstructure:"local"`
}

type ExportsS3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	// Static credentials for S3-compatible endpoints; the default AWS
	// credential chain applies when both are empty.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type ExportsLocalConfig struct {
	Directory string `mapstructure:"directory"`
}

type RateLimitConfig struct {
	AdminRequestsPerMinute int `mapstructure:"admin_requests_per_minute"`
}

type ReportingConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type HealthConfig struct {
	RollingWindow int           `mapstructure:"rolling_window"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

type AdminConfig struct {
	Session AdminSessionConfig `mapstructure:"session"`
	Local   LocalAuthConfig    `mapstructure:"local"`
	OIDC    OIDCConfig         `mapstructure:"oidc"`
}

type AdminSessionConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

type LocalAuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type OIDCConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Issuer       string        `mapstructure:"issuer"`
	ClientID     string        `mapstructure:"client_id"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	AllowedRoles []string      `mapstructure:"allowed_roles"`
	RolesClaim   string        `mapstructure:"roles_claim"`
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
	} else {
		if cfg := os.Getenv("INSIGHTS_CONFIG_FILE"); cfg != "" {
			v.SetConfigFile(cfg)
			explicitFile = true
		}
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("insights")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("INSIGHTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "INSIGHTS_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "INSIGHTS_REDIS_URL")
	}
	if c.Upstream.BaseURL == "" {
		missing = append(missing, "INSIGHTS_UPSTREAM_BASE_URL")
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
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Upstream.MaxRetries <= 0 {
		c.Upstream.MaxRetries = 3
	}

	if c.Cache.FreshnessWindow <= 0 {
		return fmt.Errorf("cache.freshness_window must be > 0")
	}
	if c.Cache.LockTimeout <= 0 {
		c.Cache.LockTimeout = 30 * time.Second
	}

	if c.Analytics.MaxRangeDays <= 0 {
		return fmt.Errorf("analytics.max_range_days must be > 0")
	}
	if c.Analytics.ExportMaxRangeDays < c.Analytics.MaxRangeDays {
		return fmt.Errorf("analytics.export_max_range_days cannot be below analytics.max_range_days")
	}
	if c.Analytics.LargeRangeWarnDays <= 0 {
		c.Analytics.LargeRangeWarnDays = 30
	}
	if c.Analytics.TopLimit <= 0 {
		c.Analytics.TopLimit = 5
	}

	if err := c.Exports.validate(); err != nil {
		return err
	}

	if c.RateLimits.AdminRequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limits.admin_requests_per_minute must be > 0")
	}

	reportingTZ := strings.TrimSpace(c.Reporting.Timezone)
	if reportingTZ == "" {
		reportingTZ = "UTC"
	}
	if _, err := time.LoadLocation(reportingTZ); err != nil {
		return fmt.Errorf("invalid reporting.timezone: %w", err)
	}
	c.Reporting.Timezone = reportingTZ

	if c.Health.RollingWindow <= 0 {
		c.Health.RollingWindow = 5
	}
	if c.Health.Cooldown <= 0 {
		c.Health.Cooldown = 5 * time.Minute
	}

	return c.Admin.validate()
}

func (e *ExportsConfig) validate() error {
	switch strings.TrimSpace(e.Storage) {
	case "":
		e.Storage = "local"
	case "local", "s3":
	default:
		return fmt.Errorf("exports.storage must be local or s3")
	}
	if e.Storage == "s3" && e.S3.Bucket == "" {
		return fmt.Errorf("exports.s3.bucket must be provided when storage is s3")
	}
	if e.Storage == "local" && e.Local.Directory == "" {
		e.Local.Directory = "./data/exports"
	}
	return nil
}

func (a *AdminConfig) validate() error {
	if a.Session.JWTSecret == "" {
		return fmt.Errorf("admin.session.jwt_secret must be provided")
	}
	if a.Session.AccessTokenTTL <= 0 {
		return fmt.Errorf("admin.session.access_token_ttl must be > 0")
	}
	if a.Session.RefreshTokenTTL <= 0 {
		return fmt.Errorf("admin.session.refresh_token_ttl must be > 0")
	}

	if !a.Local.Enabled && !a.OIDC.Enabled {
		return fmt.Errorf("at least one admin authentication method must be enabled (local or oidc)")
	}

	if a.OIDC.Enabled {
		if a.OIDC.Issuer == "" {
			return fmt.Errorf("admin.oidc.issuer must be provided when OIDC is enabled")
		}
		if a.OIDC.ClientID == "" {
			return fmt.Errorf("admin.oidc.client_id must be provided when OIDC is enabled")
		}
		if a.OIDC.HTTPTimeout <= 0 {
			return fmt.Errorf("admin.oidc.http_timeout must be > 0")
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("server.body_limit_mb", 4)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.max_retries", 3)

	v.SetDefault("cache.freshness_window", "5m")
	v.SetDefault("cache.lock_timeout", "30s")

	v.SetDefault("analytics.max_range_days", 90)
	v.SetDefault("analytics.export_max_range_days", 366)
	v.SetDefault("analytics.large_range_warn_days", 30)
	v.SetDefault("analytics.top_limit", 5)

	v.SetDefault("exports.storage", "local")
	v.SetDefault("exports.local.directory", "./data/exports")

	v.SetDefault("rate_limits.admin_requests_per_minute", 120)

	v.SetDefault("reporting.timezone", "UTC")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("health.rolling_window", 5)
	v.SetDefault("health.cooldown", "5m")

	v.SetDefault("admin.session.access_token_ttl", "15m")
	v.SetDefault("admin.session.refresh_token_ttl", "24h")
	v.SetDefault("admin.local.enabled", true)
	v.SetDefault("admin.oidc.enabled", false)
	v.SetDefault("admin.oidc.http_timeout", "5s")
	v.SetDefault("admin.oidc.roles_claim", "roles")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
