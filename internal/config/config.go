package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"qtune/internal/alerting"
	"qtune/internal/cache"
	"qtune/internal/connector/sla"
	"qtune/internal/database"
	"qtune/internal/logger"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/optimizer"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "QTUNE_"

// Config represents the application configuration
type Config struct {
	App        AppConfig        `yaml:"app" envPrefix:"APP_"`
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Database   database.Config  `yaml:"database" envPrefix:"DATABASE_"`
	Redis      cache.Config     `yaml:"redis" envPrefix:"REDIS_"`
	Kafka      KafkaConfig      `yaml:"kafka" envPrefix:"KAFKA_"`
	Webhook    WebhookConfig    `yaml:"webhook" envPrefix:"WEBHOOK_"`
	Logging    logger.Config    `yaml:"logging" envPrefix:"LOG_"`
	Monitoring MonitoringConfig `yaml:"monitoring" envPrefix:"MONITORING_"`
	Autotune   AutotuneConfig   `yaml:"autotune" envPrefix:"AUTOTUNE_"`
	SLA        SLAConfig        `yaml:"sla" envPrefix:"SLA_"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name" env:"NAME"`
	Version string `yaml:"version" env:"VERSION"`
	Env     string `yaml:"env" env:"ENV"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	Host            string        `yaml:"host" env:"HOST"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`

	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled" env:"ENABLED"`
	RequestsPerSec float64 `yaml:"requests_per_sec" env:"RPS"`
	Burst          int     `yaml:"burst" env:"BURST"`
}

// KafkaConfig Kafka 告警通道
type KafkaConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	alerting.KafkaConfig `yaml:",inline"`
}

// WebhookConfig Webhook 告警通道
type WebhookConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	alerting.WebhookConfig `yaml:",inline"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled" env:"PROMETHEUS_ENABLED"`
	PrometheusPath    string `yaml:"prometheus_path" env:"PROMETHEUS_PATH"`
}

// AutotuneConfig 调参请求默认值、并发与成本模型
type AutotuneConfig struct {
	Defaults  optimizer.RunRequest `yaml:"defaults"`
	MinBars   int                  `yaml:"min_bars" env:"MIN_BARS"`
	RunLog    int                  `yaml:"run_log_size" env:"RUN_LOG_SIZE"`
	CostModel backtest.CostModel   `yaml:"cost_model"`

	BarCacheSize int           `yaml:"bar_cache_size" env:"BAR_CACHE_SIZE"` // 0 表示不缓存
	BarCacheTTL  time.Duration `yaml:"bar_cache_ttl" env:"BAR_CACHE_TTL"`
}

// SLAConfig 默认策略与同步调度
type SLAConfig struct {
	Policy          sla.Policy    `yaml:"policy"`
	SyncSchedule    string        `yaml:"sync_schedule" env:"SYNC_SCHEDULE"`
	SyncTimeout     time.Duration `yaml:"sync_timeout" env:"SYNC_TIMEOUT"`
	SyncConcurrency int           `yaml:"sync_concurrency" env:"SYNC_CONCURRENCY"`
	UseRedisLock    bool          `yaml:"use_redis_lock" env:"USE_REDIS_LOCK"`
	LeaderLeaseTTL  time.Duration `yaml:"leader_lease_ttl" env:"LEADER_LEASE_TTL"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "qtune", Version: "0.1.0", Env: "development"},
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxHeaderBytes:  1 << 20,
			RateLimit:       RateLimitConfig{Enabled: true, RequestsPerSec: 10, Burst: 20},
		},
		Database: database.Config{
			Driver:            "sqlite3",
			Path:              "qtune.db",
			MaxOpen:           10,
			MaxIdle:           5,
			Timeout:           5 * time.Second,
			MigrationsOnStart: true,
		},
		Redis: cache.Config{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "qtune:",
			LockTTL:   30 * time.Second,
		},
		Kafka: KafkaConfig{KafkaConfig: alerting.KafkaConfig{Topic: "connector-sla-events", ClientID: "qtune"}},
		Webhook: WebhookConfig{WebhookConfig: alerting.WebhookConfig{
			Timeout: 10 * time.Second, RetryCount: 2, RetryInterval: time.Second,
		}},
		Logging:    logger.DefaultConfig,
		Monitoring: MonitoringConfig{PrometheusEnabled: true, PrometheusPath: "/metrics"},
		Autotune: AutotuneConfig{
			Defaults:  optimizer.DefaultRunRequest(),
			MinBars:   30,
			RunLog:    optimizer.DefaultRunLogSize,
			CostModel: backtest.DefaultCostModel(),

			BarCacheSize: 256,
			BarCacheTTL:  10 * time.Minute,
		},
		SLA: SLAConfig{
			Policy:          sla.DefaultPolicy(),
			SyncSchedule:    "0 * * * * *",
			SyncTimeout:     50 * time.Second,
			SyncConcurrency: sla.DefaultSyncConcurrency,
			LeaderLeaseTTL:  90 * time.Second,
		},
	}
}

// Load 依次应用默认值、YAML 文件、.env 与 QTUNE_ 环境变量，最后校验。
// filename 为空时只使用默认值与环境变量
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.revealSecrets(NewEnvManager("", EnvPrefix)); err != nil {
		return nil, err
	}
	if err := NewValidator(cfg).Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// revealSecrets 解密 ENC: 前缀的敏感字段
func (c *Config) revealSecrets(em *EnvManager) error {
	for name, field := range map[string]*string{
		"database.password": &c.Database.Password,
		"redis.password":    &c.Redis.Password,
		"webhook.secret":    &c.Webhook.Secret,
	} {
		plain, err := em.Reveal(*field)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
		*field = plain
	}
	return nil
}
