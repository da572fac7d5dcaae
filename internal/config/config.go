package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Lock     LockConfig     `mapstructure:"lock"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Coupon   CouponConfig   `mapstructure:"coupon"`
	Loyalty  LoyaltyConfig  `mapstructure:"loyalty"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type LogConfig struct {
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 数据库配置，driver 支持 mysql / postgres / sqlite
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LockConfig 账户锁配置
// mode=redis 多实例部署；mode=local 单实例进程内锁
type LockConfig struct {
	Mode            string `mapstructure:"mode"`
	TTLSeconds      int    `mapstructure:"ttl_seconds"`
	RetryIntervalMs int    `mapstructure:"retry_interval_ms"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

func (c LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c LockConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMs) * time.Millisecond
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LoyaltyEvents string `mapstructure:"loyalty_events"`
	OrderEvents   string `mapstructure:"order_events"`
}

type CouponConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// LoyaltyConfig 积分业务参数
type LoyaltyConfig struct {
	HoldTTLMinutes        int   `mapstructure:"hold_ttl_minutes"`
	SweepIntervalSeconds  int   `mapstructure:"sweep_interval_seconds"`
	SweepBatchSize        int   `mapstructure:"sweep_batch_size"`
	PointsPerCurrencyUnit int64 `mapstructure:"points_per_currency_unit"`
	ReferralBonusPoints   int64 `mapstructure:"referral_bonus_points"`
	PointsExpiryDays      int   `mapstructure:"points_expiry_days"`
	MaxRetryCount         int   `mapstructure:"max_retry_count"`
	ConflictMaxTries      uint  `mapstructure:"conflict_max_tries"`
}

// Validate 积分参数必须为正；points_expiry_days 为 0 表示不启用过期
func (c LoyaltyConfig) Validate() error {
	positive := []struct {
		key   string
		value int64
	}{
		{"hold_ttl_minutes", int64(c.HoldTTLMinutes)},
		{"sweep_interval_seconds", int64(c.SweepIntervalSeconds)},
		{"sweep_batch_size", int64(c.SweepBatchSize)},
		{"points_per_currency_unit", c.PointsPerCurrencyUnit},
		{"referral_bonus_points", c.ReferralBonusPoints},
		{"max_retry_count", int64(c.MaxRetryCount)},
		{"conflict_max_tries", int64(c.ConflictMaxTries)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("loyalty.%s 必须大于 0: %d", p.key, p.value)
		}
	}
	if c.PointsExpiryDays < 0 {
		return fmt.Errorf("loyalty.points_expiry_days 不能为负数: %d", c.PointsExpiryDays)
	}
	return nil
}

func (c LoyaltyConfig) HoldTTL() time.Duration {
	return time.Duration(c.HoldTTLMinutes) * time.Minute
}

func (c LoyaltyConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.mode", "production")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("lock.mode", "redis")
	v.SetDefault("lock.ttl_seconds", 10)
	v.SetDefault("lock.retry_interval_ms", 50)
	v.SetDefault("lock.max_retries", 40)
	v.SetDefault("kafka.consumer_group", "loyalty-ledger")
	v.SetDefault("kafka.topic.loyalty_events", "loyalty_events")
	v.SetDefault("kafka.topic.order_events", "order_events")
	v.SetDefault("coupon.timeout_ms", 2000)
	v.SetDefault("loyalty.hold_ttl_minutes", 15)
	v.SetDefault("loyalty.sweep_interval_seconds", 60)
	v.SetDefault("loyalty.sweep_batch_size", 100)
	v.SetDefault("loyalty.points_per_currency_unit", 1)
	v.SetDefault("loyalty.referral_bonus_points", 500)
	v.SetDefault("loyalty.points_expiry_days", 365)
	v.SetDefault("loyalty.max_retry_count", 5)
	v.SetDefault("loyalty.conflict_max_tries", 5)
}

// LoadConfig 加载配置文件
// 环境变量 LOYALTY_DATABASE_HOST 之类可以覆盖文件中的配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LOYALTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := config.Loyalty.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}

	GlobalConfig = config
	return config, nil
}

// Default 返回仅包含默认值的配置，测试和本地调试使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	config := &Config{}
	_ = v.Unmarshal(config)
	return config
}
