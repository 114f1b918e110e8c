package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Collection CollectionConfig `yaml:"collection"`
	Source     SourceConfig     `yaml:"source"`
	Logging    LoggingConfig    `yaml:"logging"`
	Paths      PathsConfig      `yaml:"paths"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// PingInterval 是推送流的心跳间隔，读超时取其两倍。
	PingInterval time.Duration `yaml:"ping_interval"`
	// AllowedOrigins 为空时不做跨域放行。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CollectionConfig 集合消费端配置
type CollectionConfig struct {
	PageSize      int           `yaml:"page_size"`
	QueueCapacity int           `yaml:"queue_capacity"`
	EventTimeout  time.Duration `yaml:"event_timeout"`
	ResyncRetries int           `yaml:"resync_retries"`
	ResyncBackoff time.Duration `yaml:"resync_backoff"`
	MarkRead      bool          `yaml:"mark_read"`
}

// SourceConfig 远端数据源配置（客户端模式使用）
type SourceConfig struct {
	BaseURL           string        `yaml:"base_url"`
	User              string        `yaml:"user"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CacheCleanup      time.Duration `yaml:"cache_cleanup"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	// MaxReplay 是服务端断线补发的上限，超过则推送 gap 信号。
	MaxReplay int `yaml:"max_replay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type PathsConfig struct {
	Seed string `yaml:"seed"`
	// PageCache 是客户端首屏缓存的落盘文件，空表示只在内存里缓存。
	PageCache string `yaml:"page_cache"`
}

// Default 返回不依赖配置文件即可运行的默认值。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 30 * time.Second
	}
	if c.Collection.PageSize == 0 {
		c.Collection.PageSize = 30
	}
	if c.Collection.QueueCapacity == 0 {
		c.Collection.QueueCapacity = 256
	}
	if c.Collection.EventTimeout == 0 {
		c.Collection.EventTimeout = 10 * time.Second
	}
	if c.Collection.ResyncRetries == 0 {
		c.Collection.ResyncRetries = 3
	}
	if c.Collection.ResyncBackoff == 0 {
		c.Collection.ResyncBackoff = 500 * time.Millisecond
	}
	if c.Source.RequestsPerSecond == 0 {
		c.Source.RequestsPerSecond = 5
	}
	if c.Source.Burst == 0 {
		c.Source.Burst = 5
	}
	if c.Source.CacheTTL == 0 {
		c.Source.CacheTTL = 5 * time.Minute
	}
	if c.Source.CacheCleanup == 0 {
		c.Source.CacheCleanup = 10 * time.Minute
	}
	if c.Source.DialTimeout == 0 {
		c.Source.DialTimeout = 15 * time.Second
	}
	if c.Source.ReconnectDelay == 0 {
		c.Source.ReconnectDelay = time.Second
	}
	if c.Source.MaxReplay == 0 {
		c.Source.MaxReplay = 200
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	log.Debugf("config file %s read (%d bytes)", path, len(data))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// 环境变量覆盖，便于本地快速切换用户与服务端
	if baseURL := os.Getenv("CHATSYNC_BASE_URL"); baseURL != "" {
		cfg.Source.BaseURL = baseURL
	}
	if user := os.Getenv("CHATSYNC_USER"); user != "" {
		cfg.Source.User = user
	}
	if level := os.Getenv("CHATSYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Collection.PageSize < 1 {
		return fmt.Errorf("collection page_size must be positive")
	}
	if c.Collection.QueueCapacity < 1 {
		return fmt.Errorf("collection queue_capacity must be positive")
	}
	if c.Source.RequestsPerSecond < 0 {
		return fmt.Errorf("source requests_per_second must not be negative")
	}
	return nil
}

// Addr 返回服务端监听地址。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
