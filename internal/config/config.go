// Package config binds the batch engine's environment into a typed Config,
// the way systemoutprintlnnnn-emomo's internal/config binds its env/YAML
// surface through viper. The relational engine, cache, and notification
// sink are external collaborators (spec §6); this package only parses their
// connection coordinates, never dials them.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
)

type Config struct {
	Timezone      string              `mapstructure:"timezone"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	KTO           ProviderConfig      `mapstructure:"kto"`
	KMA           ProviderConfig      `mapstructure:"kma"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Batch         BatchConfig         `mapstructure:"batch"`
	Quality       QualityConfig       `mapstructure:"quality"`
	Notification  NotificationConfig `mapstructure:"notification"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
}

type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_seconds"`
	ConnectTimeout  int    `mapstructure:"connect_timeout_seconds"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

// ProviderConfig holds one provider's (KTO or KMA) credential set and base URL.
type ProviderConfig struct {
	BaseURL     string   `mapstructure:"base_url"`
	Keys        []string `mapstructure:"keys"`
	DailyQuota  int      `mapstructure:"daily_quota"`
}

type SchedulerConfig struct {
	WorkerPoolSize  int `mapstructure:"worker_pool_size"`
	MisfireGraceSec int `mapstructure:"misfire_grace_seconds"`
}

type BatchConfig struct {
	ChunkSize            int     `mapstructure:"chunk_size"`
	OptimizationLevel    string  `mapstructure:"optimization_level"`
	GlobalMaxInFlight    int     `mapstructure:"global_max_in_flight"`
	GlobalRatePerSecond  float64 `mapstructure:"global_rate_per_second"`
}

type QualityConfig struct {
	SpecsFile          string  `mapstructure:"specs_file"`
	OverallThreshold   float64 `mapstructure:"overall_threshold"`
}

type NotificationConfig struct {
	Driver        string `mapstructure:"driver"` // "nats" | "log"
	NATSURL       string `mapstructure:"nats_url"`
	CooldownSecs  int    `mapstructure:"cooldown_seconds"`
}

type ArchiveConfig struct {
	S3Enabled bool   `mapstructure:"s3_enabled"`
	S3Bucket  string `mapstructure:"s3_bucket"`
	S3Region  string `mapstructure:"s3_region"`
}

// Load binds environment variables (optionally preloaded from a .env file)
// into a Config. An unloadable timezone (the default is Asia/Seoul), no API
// keys for either provider, or an empty DATABASE_URL is a ConfigError: spec
// §7 marks config problems Critical and startup-only.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("timezone", "Asia/Seoul")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("database.max_open_conns", 15)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime_seconds", 1800)
	v.SetDefault("database.connect_timeout_seconds", 10)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("kto.daily_quota", 1000)
	v.SetDefault("kma.daily_quota", 1000)
	v.SetDefault("scheduler.worker_pool_size", 20)
	v.SetDefault("scheduler.misfire_grace_seconds", 0)
	v.SetDefault("batch.chunk_size", 1000)
	v.SetDefault("batch.optimization_level", "balanced")
	v.SetDefault("batch.global_max_in_flight", 30)
	v.SetDefault("batch.global_rate_per_second", 20)
	v.SetDefault("quality.overall_threshold", 0.7)
	v.SetDefault("notification.driver", "log")
	v.SetDefault("notification.cooldown_seconds", 900)

	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("kto.base_url", "KTO_API_BASE_URL")
	v.BindEnv("kma.base_url", "KMA_API_BASE_URL")
	v.BindEnv("notification.nats_url", "NOTIFICATION_NATS_URL")
	v.BindEnv("archive.s3_bucket", "ARCHIVE_S3_BUCKET")
	v.BindEnv("archive.s3_region", "ARCHIVE_S3_REGION")

	v.SetConfigName("batch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, batcherr.New(batcherr.KindConfigError, "config.Load", err)
		}
	}

	ktoKeys := splitKeys(v.GetString("KTO_API_KEY"))
	kmaKeys := splitKeys(v.GetString("KMA_API_KEY"))
	if len(ktoKeys) > 0 {
		v.Set("kto.keys", ktoKeys)
	}
	if len(kmaKeys) > 0 {
		v.Set("kma.keys", kmaKeys)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, batcherr.New(batcherr.KindConfigError, "config.Load", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || strings.Contains(p, "your_") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *Config) validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return batcherr.Newf(batcherr.KindConfigError, "config.validate", "invalid timezone %q: %v", c.Timezone, err)
	}
	if len(c.KTO.Keys) == 0 && len(c.KMA.Keys) == 0 {
		return batcherr.Newf(batcherr.KindConfigError, "config.validate", "no provider API keys configured (KTO_API_KEY/KMA_API_KEY)")
	}
	if c.Database.DSN == "" {
		return batcherr.Newf(batcherr.KindConfigError, "config.validate", "DATABASE_URL is required")
	}
	return nil
}

// Location returns the parsed IANA timezone used for daily quota resets and
// cron evaluation.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
