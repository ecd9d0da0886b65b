package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Session    SessionConfig    `mapstructure:"session"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Adapters   AdaptersConfig   `mapstructure:"adapters"`
	Automation AutomationConfig `mapstructure:"automation"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	TimeZone        string        `mapstructure:"timezone"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN 返回 postgres 连接串
func (d DatabaseConfig) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	tz := d.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, ssl, tz)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"` // host:port 或 redis://...
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
}

// SessionConfig 登录态 Cookie 配置
type SessionConfig struct {
	CookieName string `mapstructure:"cookie_name"`
	Domain     string `mapstructure:"domain"`
	Secure     bool   `mapstructure:"secure"`
}

// VaultConfig 集成凭据加密配置
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// AdaptersConfig 外部工单源（ServiceNow / Jira）调用配置
type AdaptersConfig struct {
	Timeout          time.Duration        `mapstructure:"timeout"`
	MaxRetries       int                  `mapstructure:"max_retries"`
	RetryDelay       time.Duration        `mapstructure:"retry_delay"`
	OverlayLimit     int                  `mapstructure:"overlay_limit"`      // 列表实时覆盖时每个源拉取的条数
	LiveBufferMargin int                  `mapstructure:"live_buffer_margin"` // 实时分页缓冲余量
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests"`
}

// AutomationConfig 邮件自动化机器人服务
type AutomationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	StatusPolicy string        `mapstructure:"status_policy"` // monotonic, latest
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	MetricsPath  string             `mapstructure:"metrics_path"`
	HealthChecks HealthChecksConfig `mapstructure:"health_checks"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

type HealthChecksConfig struct {
	Database bool `mapstructure:"database"`
	Redis    bool `mapstructure:"redis"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name"` // 缺省使用 "flowstream"
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst"`
	KeyHeader         string                `mapstructure:"key_header"`
	Paths             []PathRateLimitConfig `mapstructure:"paths"`
}

// PathRateLimitConfig 按路径前缀覆盖的限流配置（例如 /api/sync 更严格）
type PathRateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Prefix            string `mapstructure:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
}

// Load 在默认配置基础上叠加 viper 中读取到的值
func Load() *Config {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Mode: "release",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "flowstream",
			SSLMode:         "disable",
			TimeZone:        "UTC",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 7 * 24 * time.Hour,
		},
		Session: SessionConfig{
			CookieName: "auth-token",
			Secure:     false,
		},
		Vault: VaultConfig{
			EncryptionKey: "default-encryption-key",
		},
		Adapters: AdaptersConfig{
			Timeout:          15 * time.Second,
			MaxRetries:       1,
			RetryDelay:       500 * time.Millisecond,
			OverlayLimit:     20,
			LiveBufferMargin: 10,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		Automation: AutomationConfig{
			Enabled: false,
			BaseURL: "http://localhost:5001",
			Timeout: 15 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:    50,
			StatusPolicy: "monotonic",
			DedupTTL:     24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/flowstream.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			HealthChecks: HealthChecksConfig{
				Database: true,
				Redis:    true,
			},
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "flowstream",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"Origin", "Content-Type", "Authorization"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             30,
				Paths: []PathRateLimitConfig{
					{Enabled: true, Prefix: "/api/sync", RequestsPerMinute: 10, Burst: 3},
					{Enabled: true, Prefix: "/api/auth", RequestsPerMinute: 20, Burst: 5},
				},
			},
		},
	}
}
