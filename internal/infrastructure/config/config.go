package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
// 设计说明：使用Viper管理配置，支持YAML文件、环境变量覆盖
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MQ        MQConfig        `mapstructure:"mq"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	// MetricsPort Prometheus /metrics监听端口
	MetricsPort int `mapstructure:"metrics_port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	ParseTime       bool          `mapstructure:"parse_time"`
	Loc             string        `mapstructure:"loc"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogMode         bool          `mapstructure:"log_mode"`
}

// DSN 生成MySQL连接字符串
// 注意：loc参数需要URL编码（Asia/Shanghai → Asia%2FShanghai）
func (d DatabaseConfig) DSN() string {
	loc := url.QueryEscape(d.Loc)
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.Charset, d.ParseTime, loc)
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr 返回Redis地址
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type MQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// InventoryConfig 库存引擎配置
// 教学要点：业务配置与技术配置分离
type InventoryConfig struct {
	// LockTTL 分布式锁TTL，持有者崩溃后的兜底释放时间（推荐30s）
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// SweepInterval 过期预留扫描周期
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SweepBatchSize 单轮扫描处理的预留上限
	SweepBatchSize int `mapstructure:"sweep_batch_size"`

	// ReconcileInterval 对账周期，<=0表示禁用
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // console | json
}

// Load 加载配置文件
// 支持：
// 1. 默认加载config/config.yaml
// 2. 环境变量覆盖（如MARKETPLACE_DATABASE_PASSWORD）
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 合理的缺省值：配置文件缺段时服务仍可启动
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("inventory.lock_ttl", 30*time.Second)
	v.SetDefault("inventory.sweep_interval", time.Minute)
	v.SetDefault("inventory.sweep_batch_size", 200)
	v.SetDefault("inventory.reconcile_interval", 10*time.Minute)
	v.SetDefault("mq.exchange", "marketplace.inventory")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	v.SetEnvPrefix("MARKETPLACE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate 验证配置
func validate(c *Config) error {
	if c.Database.Host == "" || c.Database.DBName == "" {
		return fmt.Errorf("数据库配置不完整")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("Redis地址不能为空")
	}

	if c.MQ.Enabled && c.MQ.URL == "" {
		return fmt.Errorf("MQ已启用但未配置URL")
	}

	if c.Inventory.LockTTL <= 0 {
		return fmt.Errorf("无效的锁TTL: %v", c.Inventory.LockTTL)
	}

	return nil
}
