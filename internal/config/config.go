package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"monokkai/pkg/extension"
	"monokkai/pkg/logger"
)

const (
	// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 MONOKKAI_SERVER_ADDRESS。
	EnvPrefix = "MONOKKAI"
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "MONOKKAI_CONFIG"
	// DefaultPath 是未显式指定时尝试读取的配置文件。
	DefaultPath = "configs/monokkai.yaml"
)

// Config 描述了 monokkai 在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Logging     LoggingConfig           `mapstructure:"logging"`
	Metrics     MetricsConfig           `mapstructure:"metrics"`
	Extensions  extension.ManagerConfig `mapstructure:"extensions"`
	Invocations InvocationConfig        `mapstructure:"invocations"`
	Alerting    AlertingConfig          `mapstructure:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	ExecuteTimeout time.Duration `mapstructure:"execute_timeout"`
}

// LoggingConfig 对应 logger.Config。
type LoggingConfig struct {
	Level   string      `mapstructure:"level"`
	Format  string      `mapstructure:"format"`
	Outputs []string    `mapstructure:"outputs"`
	Audit   AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig 控制 Prometheus 指标。Address 非空时额外启动独立的指标服务。
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// InvocationConfig 描述异步调用的存储与队列。
type InvocationConfig struct {
	Store StoreConfig `mapstructure:"store"`
	Queue QueueConfig `mapstructure:"queue"`
}

// StoreConfig 选择调用存储实现。
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// QueueConfig 选择调用队列实现。
type QueueConfig struct {
	Driver   string         `mapstructure:"driver"`
	Size     int            `mapstructure:"size"`
	Workers  int            `mapstructure:"workers"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RedisConfig 是 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Queue     string        `mapstructure:"queue"`
	BlockWait time.Duration `mapstructure:"block_wait"`
}

// RabbitMQConfig 是 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
	Durable  bool   `mapstructure:"durable"`
}

// AlertingConfig 配置告警通道。
type AlertingConfig struct {
	Log        bool   `mapstructure:"log"`
	WebhookURL string `mapstructure:"webhook_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.execute_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputs", []string{"stderr"})
	v.SetDefault("logging.audit.enabled", false)
	v.SetDefault("logging.audit.path", "logs/audit.log")
	v.SetDefault("logging.audit.max_size_mb", 100)
	v.SetDefault("logging.audit.max_backups", 7)
	v.SetDefault("logging.audit.max_age_days", 30)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "")

	v.SetDefault("extensions.dir", "")

	v.SetDefault("invocations.store.driver", "memory")
	v.SetDefault("invocations.store.dsn", "")
	v.SetDefault("invocations.queue.driver", "memory")
	v.SetDefault("invocations.queue.size", 256)
	v.SetDefault("invocations.queue.workers", 4)
	v.SetDefault("invocations.queue.timeout", time.Duration(0))
	v.SetDefault("invocations.queue.redis.address", "")
	v.SetDefault("invocations.queue.redis.password", "")
	v.SetDefault("invocations.queue.redis.db", 0)
	v.SetDefault("invocations.queue.redis.queue", "monokkai:invocations")
	v.SetDefault("invocations.queue.redis.block_wait", 5*time.Second)
	v.SetDefault("invocations.queue.rabbitmq.url", "")
	v.SetDefault("invocations.queue.rabbitmq.queue", "monokkai.invocations")
	v.SetDefault("invocations.queue.rabbitmq.prefetch", 1)
	v.SetDefault("invocations.queue.rabbitmq.durable", true)

	v.SetDefault("alerting.log", true)
	v.SetDefault("alerting.webhook_url", "")
}

// Load 读取配置文件并叠加环境变量。path 为空时依次尝试 MONOKKAI_CONFIG
// 与 DefaultPath；默认文件不存在时仅使用默认值。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath
		explicit = false
	}

	baseDir := ""
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 补齐无法通过 viper 默认值表达的字段。
func (c *Config) applyDefaults(baseDir string) {
	if c.Extensions.Items == nil {
		c.Extensions.Items = map[string]extension.ItemConfig{}
	}
	if baseDir != "" && c.Extensions.Dir != "" && !filepath.IsAbs(c.Extensions.Dir) {
		c.Extensions.Dir = filepath.Join(baseDir, c.Extensions.Dir)
	}
	if c.Invocations.Queue.Workers <= 0 {
		c.Invocations.Queue.Workers = 1
	}
}

// Validate 检查各配置段之间的约束。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Address) == "" {
		errs = append(errs, errors.New("server.address 不能为空"))
	}
	switch c.Invocations.Store.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Invocations.Store.DSN) == "" {
			errs = append(errs, errors.New("invocations.store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的调用存储驱动: %q", c.Invocations.Store.Driver))
	}
	switch c.Invocations.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Invocations.Queue.Redis.Address) == "" {
			errs = append(errs, errors.New("invocations.queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Invocations.Queue.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("invocations.queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的调用队列驱动: %q", c.Invocations.Queue.Driver))
	}
	if err := c.Extensions.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoggerConfig 转换为 logger.Init 所需的配置。
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OutputPaths: c.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    c.Logging.Audit.Enabled,
			Path:       c.Logging.Audit.Path,
			MaxSizeMB:  c.Logging.Audit.MaxSizeMB,
			MaxBackups: c.Logging.Audit.MaxBackups,
			MaxAgeDays: c.Logging.Audit.MaxAgeDays,
		},
	}
}
