package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Inference InferenceConfig `mapstructure:"inference"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin 运行模式: debug, release, test
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // 与认证服务共享的签名密钥
	ExpireTime int    `mapstructure:"expire_time"` // 本地签发令牌的过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 为空时不校验签发者
	Audience   string `mapstructure:"audience"`    // 为空时不校验受众
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite 或 postgres
	DSN    string `mapstructure:"dsn"`
}

type InferenceConfig struct {
	URL             string `mapstructure:"url"`              // 推理服务地址
	Path            string `mapstructure:"path"`             // 推理接口路径
	WebhookURL      string `mapstructure:"webhook_url"`      // 推理完成后回调的地址
	Timeout         int    `mapstructure:"timeout"`          // 单次请求超时（秒）
	BreakerFailures int    `mapstructure:"breaker_failures"` // 连续失败多少次后熔断
	BreakerCooldown int    `mapstructure:"breaker_cooldown"` // 熔断后多久尝试恢复（秒）
}

type DispatchConfig struct {
	CacheTTL      int    `mapstructure:"cache_ttl"`      // 已完成结果的内存缓存时间（分钟）
	SweepSchedule string `mapstructure:"sweep_schedule"` // 超时任务清理的 cron 表达式
	StaleAfter    int    `mapstructure:"stale_after"`    // 处理中任务超过多久视为超时（分钟）
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"` // 为空时不校验 X-Webhook-Secret
}

type StreamConfig struct {
	MaxConnections    int `mapstructure:"max_connections"`    // 同时打开的 SSE 连接上限
	PollInterval      int `mapstructure:"poll_interval"`      // 兜底轮询间隔（毫秒）
	HeartbeatInterval int `mapstructure:"heartbeat_interval"` // 心跳注释间隔（秒）
}

type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	SignedURLExpire int    `mapstructure:"signed_url_expire"` // 签名链接有效期（秒）
	MaxUploadSize   int    `mapstructure:"max_upload_size"`   // 上传图片大小上限（字节）
}

type NotifyConfig struct {
	Driver        string `mapstructure:"driver"` // memory 或 redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	config, err := Decode()
	if err != nil {
		log.Fatalf("%v", err)
	}
	return config
}

// Decode 从当前 viper 状态解码并校验配置，配置热更新时也会调用
func Decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.mode", "release")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24)
	viper.SetDefault("jwt.audience", "authenticated")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "data/hanbok-fusion.db")

	viper.SetDefault("inference.url", "http://localhost:8080")
	viper.SetDefault("inference.path", "/inference")
	viper.SetDefault("inference.webhook_url", "http://localhost:5000/api/hanbok-webhook")
	viper.SetDefault("inference.timeout", 30)
	viper.SetDefault("inference.breaker_failures", 5)
	viper.SetDefault("inference.breaker_cooldown", 30)

	viper.SetDefault("dispatch.cache_ttl", 60)
	viper.SetDefault("dispatch.sweep_schedule", "@every 1m")
	viper.SetDefault("dispatch.stale_after", 30)

	viper.SetDefault("stream.max_connections", 1000)
	viper.SetDefault("stream.poll_interval", 2000)
	viper.SetDefault("stream.heartbeat_interval", 15)

	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("storage.bucket", "user-images")
	viper.SetDefault("storage.signed_url_expire", 86400)
	viper.SetDefault("storage.max_upload_size", 5*1024*1024)

	viper.SetDefault("notify.driver", "memory")
	viper.SetDefault("notify.redis_addr", "localhost:6379")
	viper.SetDefault("notify.channel_prefix", "hanbok:task:")
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	switch config.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", config.Database.Driver)
	}
	if config.Database.DSN == "" {
		return fmt.Errorf("数据库连接串未设置")
	}
	if config.Inference.URL == "" || config.Inference.WebhookURL == "" {
		return fmt.Errorf("推理服务地址或回调地址未设置")
	}
	switch config.Notify.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的通知驱动: %s", config.Notify.Driver)
	}
	if config.Stream.PollInterval <= 0 || config.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("SSE 轮询间隔和心跳间隔必须大于 0")
	}
	return nil
}

// InferenceTimeout 推理请求超时
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.Timeout) * time.Second
}

// StreamPollInterval SSE 兜底轮询间隔
func (c *Config) StreamPollInterval() time.Duration {
	return time.Duration(c.Stream.PollInterval) * time.Millisecond
}

// StreamHeartbeatInterval SSE 心跳间隔
func (c *Config) StreamHeartbeatInterval() time.Duration {
	return time.Duration(c.Stream.HeartbeatInterval) * time.Second
}
