package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
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

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentResult string `mapstructure:"payment_result"`
}

// GatewayConfig 支付网关配置
//
// 网关所有外呼共用一个固定超时，超时直接报错返回，
// 客户端内部不做重试（重试策略由对账引擎统一控制）。
type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ServerKey      string `mapstructure:"server_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (c *GatewayConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type BusinessConfig struct {
	PaymentTimeoutMinutes int `mapstructure:"payment_timeout_minutes"` // 待支付事务的有效期，超时未支付本地置为 EXPIRED
	MaxRetryCount         int `mapstructure:"max_retry_count"`         // 网关临时不可用时单笔查询的最大重试次数
	SyncWorkers           int `mapstructure:"sync_workers"`            // 对账协程池大小，限制并发外呼避免触发网关限流
	SyncIntervalSeconds   int `mapstructure:"sync_interval_seconds"`   // 定时对账任务的执行间隔（秒）
	SyncBatchSize         int `mapstructure:"sync_batch_size"`         // 每轮对账处理的最大事务数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
