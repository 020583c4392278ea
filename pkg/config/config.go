// Package config 提供 TOML 配置加载、环境变量覆盖与 schema 校验
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/wyfcoding/ledgerr/pkg/logger"
)

// Config 服务配置根结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger logger.Config `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 记账核心配置
	Ledger LedgerConfig `mapstructure:"ledger"`
	// Outbox 发布配置
	Outbox OutboxConfig `mapstructure:"outbox"`
	// 对账配置
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动，目前仅支持 mysql
	Driver string `mapstructure:"driver"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用账户读缓存
	Enabled bool `mapstructure:"enabled"`
	// 主机地址
	Host string `mapstructure:"host"`
	// 端口
	Port int `mapstructure:"port"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// 消费者会话超时（秒）
	SessionTimeout int `mapstructure:"session_timeout"`
	// 生产者最大重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 生产者重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// Prometheus 监听端口
	Port int `mapstructure:"port"`
	// 指标路径
	Path string `mapstructure:"path"`
}

// LedgerConfig 记账核心配置
type LedgerConfig struct {
	// 单笔交易最大分录数
	MaxEntriesPerTransaction int `mapstructure:"max_entries_per_transaction"`
	// 乐观锁冲突最大重试次数
	MaxRetryAttempts int `mapstructure:"max_retry_attempts"`
	// 重试退避基数（毫秒），按尝试次数指数增长并加随机抖动
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
	// 持有（hold）过期清理间隔（秒）
	HoldSweepIntervalSec int `mapstructure:"hold_sweep_interval_sec"`
}

// OutboxConfig Outbox 发布配置
type OutboxConfig struct {
	// 是否启用发布循环
	Enabled bool `mapstructure:"enabled"`
	// 轮询间隔（毫秒）
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// 每批处理条数
	BatchSize int `mapstructure:"batch_size"`
	// 单条事件最大发布重试次数，超过后标记为需人工处理
	MaxRetries int `mapstructure:"max_retries"`
	// 事件发布的目标 topic
	Topic string `mapstructure:"topic"`
}

// ReconciliationConfig 对账配置
type ReconciliationConfig struct {
	// 是否启用定时对账
	Enabled bool `mapstructure:"enabled"`
	// 对账执行间隔（分钟）
	IntervalMinutes int `mapstructure:"interval_minutes"`
	// 外部流水匹配时间窗口（小时）
	MatchWindowHours int `mapstructure:"match_window_hours"`
	// 外部流水 feed topic
	FeedTopic string `mapstructure:"feed_topic"`
	// 需要做 MISSING_EXTERNAL 检查的渠道列表
	Providers []string `mapstructure:"providers"`
}

// Load 从 TOML 文件加载配置，支持 APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Ledger.MaxEntriesPerTransaction < 2 {
		return fmt.Errorf("ledger.max_entries_per_transaction must be >= 2, got %d", c.Ledger.MaxEntriesPerTransaction)
	}
	if c.Ledger.MaxRetryAttempts < 1 {
		return fmt.Errorf("ledger.max_retry_attempts must be >= 1, got %d", c.Ledger.MaxRetryAttempts)
	}
	if c.Outbox.Enabled && c.Outbox.Topic == "" {
		return fmt.Errorf("outbox.topic is required when outbox is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)

	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("ledger.max_entries_per_transaction", 100)
	v.SetDefault("ledger.max_retry_attempts", 3)
	v.SetDefault("ledger.retry_backoff_ms", 100)
	v.SetDefault("ledger.hold_sweep_interval_sec", 60)

	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.poll_interval_ms", 1000)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.topic", "ledger.events")

	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval_minutes", 60)
	v.SetDefault("reconciliation.match_window_hours", 72)
	v.SetDefault("reconciliation.feed_topic", "ledger.external.feed")
}
