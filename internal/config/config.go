package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Session    SessionConfig    `mapstructure:"session"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Status     StatusConfig     `mapstructure:"status"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig 后端地址
type ServerConfig struct {
	WSURL          string        `mapstructure:"ws_url"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ConnectionConfig struct {
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Backoff           BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig 重连退避
type BackoffConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
}

type ChatConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	PageSize    int           `mapstructure:"page_size"`
}

// SessionConfig 本地会话来源：file 或 redis
type SessionConfig struct {
	Backend string        `mapstructure:"backend"`
	File    string        `mapstructure:"file"`
	Profile string        `mapstructure:"profile"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr Redis 地址
func (c RedisConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port <= 0 {
		port = 6379
	}
	return host + ":" + strconv.Itoa(port)
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	RetryOnStart  bool          `mapstructure:"retry_on_start"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
}

type StatusConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// setDefaults 默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "im-client")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("server.ws_url", "ws://localhost:8080/ws")
	v.SetDefault("server.api_base_url", "http://localhost:8080/api")
	v.SetDefault("server.request_timeout", 10*time.Second)

	v.SetDefault("connection.handshake_timeout", 10*time.Second)
	v.SetDefault("connection.write_timeout", 10*time.Second)
	// 0 关闭静默检测，服务端 ping 间隔已知时再开启
	v.SetDefault("connection.heartbeat_timeout", time.Duration(0))
	v.SetDefault("connection.heartbeat_interval", 30*time.Second)
	v.SetDefault("connection.backoff.initial_interval", 500*time.Millisecond)
	v.SetDefault("connection.backoff.max_interval", 30*time.Second)
	v.SetDefault("connection.backoff.multiplier", 2.0)
	v.SetDefault("connection.backoff.randomization_factor", 0.2)
	v.SetDefault("connection.backoff.max_attempts", 0)

	v.SetDefault("chat.dedup_window", time.Second)
	v.SetDefault("chat.page_size", 20)

	v.SetDefault("session.backend", "file")
	v.SetDefault("session.file", "~/.im-client/session.yaml")
	v.SetDefault("session.profile", "default")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.subject_prefix", "im.client")
	v.SetDefault("nats.retry_on_start", true)
	v.SetDefault("nats.workers", 4)
	v.SetDefault("nats.queue_size", 64)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.addr", "127.0.0.1:8090")
}

// Load 从指定路径加载配置，path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 从环境变量覆盖配置
	cfg.applyEnv()

	return &cfg, nil
}

// applyEnv 从环境变量覆盖配置
func (c *Config) applyEnv() {
	// App
	c.App.LogLevel = GetEnv("IM_LOG_LEVEL", c.App.LogLevel)

	// Server
	c.Server.WSURL = GetEnv("IM_WS_URL", c.Server.WSURL)
	c.Server.APIBaseURL = GetEnv("IM_API_BASE_URL", c.Server.APIBaseURL)
	c.Server.RequestTimeout = GetEnvDuration("IM_REQUEST_TIMEOUT", c.Server.RequestTimeout)

	// Connection
	c.Connection.HeartbeatTimeout = GetEnvDuration("IM_HEARTBEAT_TIMEOUT", c.Connection.HeartbeatTimeout)
	c.Connection.Backoff.MaxAttempts = GetEnvInt("IM_RECONNECT_MAX_ATTEMPTS", c.Connection.Backoff.MaxAttempts)

	// Session
	c.Session.Backend = GetEnv("IM_SESSION_BACKEND", c.Session.Backend)
	c.Session.File = GetEnv("IM_SESSION_FILE", c.Session.File)
	c.Session.Profile = GetEnv("IM_SESSION_PROFILE", c.Session.Profile)

	// Redis
	c.Redis.Host = GetEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = GetEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetEnvInt("REDIS_DB", c.Redis.DB)

	// NATS
	c.NATS.Enabled = GetEnvBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = GetEnv("NATS_URL", c.NATS.URL)

	// Status
	c.Status.Enabled = GetEnvBool("IM_STATUS_ENABLED", c.Status.Enabled)
	c.Status.Addr = GetEnv("IM_STATUS_ADDR", c.Status.Addr)
}
