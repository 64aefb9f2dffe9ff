package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jobs/opsmonitor/pkg/ids"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
	Version        string        `mapstructure:"version"`
	WorkerID       uint16        `mapstructure:"worker_id"`
}

type DatabaseConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	Database              string        `mapstructure:"database"`
	User                  string        `mapstructure:"user"`
	Password              string        `mapstructure:"password"`
	MaxConnections        int           `mapstructure:"max_connections"`
	MaxIdleConnections    int           `mapstructure:"max_idle_connections"`
	ConnectionMaxLifetime time.Duration `mapstructure:"connection_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MonitorConfig drives job supervision and the stuck-job sweep.
type MonitorConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StuckAfter        time.Duration `mapstructure:"stuck_after"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	SweepOnStart      bool          `mapstructure:"sweep_on_start"`
	RetentionDays     int           `mapstructure:"retention_days"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
}

type AlertingConfig struct {
	Enabled      bool                `mapstructure:"enabled"`
	HistoryLimit int                 `mapstructure:"history_limit"`
	HistoryTTL   time.Duration       `mapstructure:"history_ttl"`
	Timeout      time.Duration       `mapstructure:"timeout"`
	Debouncing   DebounceConfig      `mapstructure:"debouncing"`
	Thresholds   ThresholdsConfig    `mapstructure:"thresholds"`
	Webhooks     []WebhookConfig     `mapstructure:"webhooks"`
	Sampling     MetricsSampleConfig `mapstructure:"sampling"`
}

type DebounceConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	MaxAlertsPerPeriod int           `mapstructure:"max_alerts_per_period"`
}

// Tier is a warning/critical threshold pair.
type Tier struct {
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
}

type ThresholdsConfig struct {
	ResponseTime Tier `mapstructure:"response_time"` // ms
	ErrorRate    Tier `mapstructure:"error_rate"`    // percent
	MemoryUsage  Tier `mapstructure:"memory_usage"`  // percent
}

type WebhookConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Format   string `mapstructure:"format"` // slack, discord, generic
	Username string `mapstructure:"username"`
	Channel  string `mapstructure:"channel"`
}

type MetricsSampleConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Window   time.Duration `mapstructure:"window"`
}

type HealthCheckConfig struct {
	Enabled            bool               `mapstructure:"enabled"`
	Interval           time.Duration      `mapstructure:"interval"`
	Timeout            time.Duration      `mapstructure:"timeout"`
	Retries            int                `mapstructure:"retries"`
	RetryDelay         time.Duration      `mapstructure:"retry_delay"`
	AlertThreshold     int                `mapstructure:"alert_threshold"`
	FallbackTTL        time.Duration      `mapstructure:"fallback_ttl"`
	DatabaseDegradedAt time.Duration      `mapstructure:"database_degraded_after"`
	RedisDegradedAt    time.Duration      `mapstructure:"redis_degraded_after"`
	Dependencies       []DependencyConfig `mapstructure:"dependencies"`
}

type DependencyConfig struct {
	Name          string        `mapstructure:"name"`
	URL           string        `mapstructure:"url"`
	DegradedAfter time.Duration `mapstructure:"degraded_after"`
}

type SchedulerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	CleanupSpec      string `mapstructure:"cleanup_spec"`
	AlertCleanupSpec string `mapstructure:"alert_cleanup_spec"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.max_header_bytes", 1048576)
	v.SetDefault("server.version", "1.0.0")
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.database", "backoffice")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.max_idle_connections", 10)
	v.SetDefault("database.connection_max_lifetime", "1h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("monitor.heartbeat_interval", "30s")
	v.SetDefault("monitor.stuck_after", "30m")
	v.SetDefault("monitor.sweep_interval", "5m")
	v.SetDefault("monitor.sweep_on_start", true)
	v.SetDefault("monitor.retention_days", 30)
	v.SetDefault("monitor.default_max_retries", 3)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.history_limit", 100)
	v.SetDefault("alerting.history_ttl", "168h")
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.debouncing.enabled", true)
	v.SetDefault("alerting.debouncing.grace_period", "5m")
	v.SetDefault("alerting.debouncing.max_alerts_per_period", 3)
	v.SetDefault("alerting.thresholds.response_time.warning", 500)
	v.SetDefault("alerting.thresholds.response_time.critical", 1000)
	v.SetDefault("alerting.thresholds.error_rate.warning", 2.0)
	v.SetDefault("alerting.thresholds.error_rate.critical", 5.0)
	v.SetDefault("alerting.thresholds.memory_usage.warning", 80.0)
	v.SetDefault("alerting.thresholds.memory_usage.critical", 90.0)
	v.SetDefault("alerting.sampling.enabled", true)
	v.SetDefault("alerting.sampling.interval", "1m")
	v.SetDefault("alerting.sampling.window", "5m")

	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", "1m")
	v.SetDefault("health_check.timeout", "5s")
	v.SetDefault("health_check.retries", 3)
	v.SetDefault("health_check.retry_delay", "500ms")
	v.SetDefault("health_check.alert_threshold", 3)
	v.SetDefault("health_check.fallback_ttl", "24h")
	v.SetDefault("health_check.database_degraded_after", "1s")
	v.SetDefault("health_check.redis_degraded_after", "500ms")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cleanup_spec", "0 0 3 * * *")
	v.SetDefault("scheduler.alert_cleanup_spec", "0 30 3 * * *")
}

// Load reads the YAML file at configPath on top of the defaults. A missing
// file is not an error; environment variables prefixed with OPSMON override
// file values (OPSMON_DATABASE_HOST, ...).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPSMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.WorkerID > ids.MaxWorkerID {
		return fmt.Errorf("server.worker_id %d out of range 0..%d", c.Server.WorkerID, ids.MaxWorkerID)
	}
	return nil
}
