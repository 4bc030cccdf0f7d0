package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
)

// Config holds all configuration for the application
type Config struct {
	App        AppConfig
	API        APIConfig
	Asterisk   AsteriskConfig
	AGI        AGIConfig
	Mock       MockConfig
	Redis      RedisConfig
	Monitoring MonitoringConfig
}

type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

type APIConfig struct {
	ListenAddress   string
	Port            int
	Key             string
	DevKey          string
	RateLimit       int // requests per minute per key, 0 disables
	CORSEnabled     bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Addr is the listen address for the HTTP server
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

type AsteriskConfig struct {
	AMI struct {
		Host              string
		Port              int
		Username          string
		Password          string
		ReconnectInterval time.Duration
		PingInterval      time.Duration
		ActionTimeout     time.Duration
		ConnectTimeout    time.Duration
	}
}

// AGIConfig controls the FastAGI listener used from the dialplan
type AGIConfig struct {
	Enabled         bool
	ListenAddress   string
	Port            int
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type MockConfig struct {
	TTL              time.Duration
	MaxEntriesPerAdd int
	SweepInterval    time.Duration
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

type MonitoringConfig struct {
	Metrics struct {
		Enabled bool
		Port    int
		Path    string
	}
	Health struct {
		Enabled bool
		Timeout time.Duration
	}
	Logging struct {
		Level  string
		Format string
		Output string
		File   struct {
			Enabled    bool
			Path       string
			MaxSize    int
			MaxBackups int
			MaxAge     int
			Compress   bool
		}
	}
}

// EnvPrefix is prepended to every environment override, e.g. CHECKER_API_KEY.
const EnvPrefix = "CHECKER"

// SetDefaults registers defaults and environment binding on v
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.name", "asterisk-call-checker")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "production")

	// API defaults
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("api.key", "")
	v.SetDefault("api.dev_key", "")
	v.SetDefault("api.rate_limit", 0)
	v.SetDefault("api.cors_enabled", true)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")

	// AMI defaults
	v.SetDefault("asterisk.ami.host", "")
	v.SetDefault("asterisk.ami.port", 5038)
	v.SetDefault("asterisk.ami.username", "")
	v.SetDefault("asterisk.ami.password", "")
	v.SetDefault("asterisk.ami.reconnect_interval", "5s")
	v.SetDefault("asterisk.ami.ping_interval", "30s")
	v.SetDefault("asterisk.ami.action_timeout", "5s")
	v.SetDefault("asterisk.ami.connect_timeout", "10s")

	// FastAGI defaults
	v.SetDefault("agi.enabled", false)
	v.SetDefault("agi.listen_address", "0.0.0.0")
	v.SetDefault("agi.port", 4573)
	v.SetDefault("agi.max_connections", 500)
	v.SetDefault("agi.read_timeout", "10s")
	v.SetDefault("agi.write_timeout", "10s")
	v.SetDefault("agi.shutdown_timeout", "10s")

	// Mock store defaults
	v.SetDefault("mock.ttl", "5m")
	v.SetDefault("mock.max_entries_per_add", 10000)
	v.SetDefault("mock.sweep_interval", "1m")

	// Redis is optional
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 3)

	// Monitoring defaults
	v.SetDefault("monitoring.metrics.enabled", true)
	v.SetDefault("monitoring.metrics.port", 0)
	v.SetDefault("monitoring.metrics.path", "/metrics")
	v.SetDefault("monitoring.health.enabled", true)
	v.SetDefault("monitoring.health.timeout", "3s")
	v.SetDefault("monitoring.logging.level", "info")
	v.SetDefault("monitoring.logging.format", "json")
	v.SetDefault("monitoring.logging.output", "stdout")
	v.SetDefault("monitoring.logging.file.enabled", false)
	v.SetDefault("monitoring.logging.file.path", "/var/log/asterisk-call-checker/checker.log")
	v.SetDefault("monitoring.logging.file.max_size", 100)
	v.SetDefault("monitoring.logging.file.max_backups", 5)
	v.SetDefault("monitoring.logging.file.max_age", 30)
	v.SetDefault("monitoring.logging.file.compress", true)
}

// Load builds a typed Config from v. It does not validate.
func Load(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.App.Name = v.GetString("app.name")
	cfg.App.Version = v.GetString("app.version")
	cfg.App.Environment = v.GetString("app.environment")

	cfg.API.ListenAddress = v.GetString("api.listen_address")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.Key = v.GetString("api.key")
	cfg.API.DevKey = v.GetString("api.dev_key")
	cfg.API.RateLimit = v.GetInt("api.rate_limit")
	cfg.API.CORSEnabled = v.GetBool("api.cors_enabled")
	cfg.API.ReadTimeout = v.GetDuration("api.read_timeout")
	cfg.API.WriteTimeout = v.GetDuration("api.write_timeout")
	cfg.API.ShutdownTimeout = v.GetDuration("api.shutdown_timeout")

	ami := &cfg.Asterisk.AMI
	ami.Host = v.GetString("asterisk.ami.host")
	ami.Port = v.GetInt("asterisk.ami.port")
	ami.Username = v.GetString("asterisk.ami.username")
	ami.Password = v.GetString("asterisk.ami.password")
	ami.ReconnectInterval = v.GetDuration("asterisk.ami.reconnect_interval")
	ami.PingInterval = v.GetDuration("asterisk.ami.ping_interval")
	ami.ActionTimeout = v.GetDuration("asterisk.ami.action_timeout")
	ami.ConnectTimeout = v.GetDuration("asterisk.ami.connect_timeout")

	cfg.AGI.Enabled = v.GetBool("agi.enabled")
	cfg.AGI.ListenAddress = v.GetString("agi.listen_address")
	cfg.AGI.Port = v.GetInt("agi.port")
	cfg.AGI.MaxConnections = v.GetInt("agi.max_connections")
	cfg.AGI.ReadTimeout = v.GetDuration("agi.read_timeout")
	cfg.AGI.WriteTimeout = v.GetDuration("agi.write_timeout")
	cfg.AGI.ShutdownTimeout = v.GetDuration("agi.shutdown_timeout")

	cfg.Mock.TTL = v.GetDuration("mock.ttl")
	cfg.Mock.MaxEntriesPerAdd = v.GetInt("mock.max_entries_per_add")
	cfg.Mock.SweepInterval = v.GetDuration("mock.sweep_interval")

	cfg.Redis.Host = v.GetString("redis.host")
	cfg.Redis.Port = v.GetInt("redis.port")
	cfg.Redis.Password = v.GetString("redis.password")
	cfg.Redis.DB = v.GetInt("redis.db")
	cfg.Redis.PoolSize = v.GetInt("redis.pool_size")
	cfg.Redis.MinIdleConns = v.GetInt("redis.min_idle_conns")
	cfg.Redis.MaxRetries = v.GetInt("redis.max_retries")

	m := &cfg.Monitoring
	m.Metrics.Enabled = v.GetBool("monitoring.metrics.enabled")
	m.Metrics.Port = v.GetInt("monitoring.metrics.port")
	m.Metrics.Path = v.GetString("monitoring.metrics.path")
	m.Health.Enabled = v.GetBool("monitoring.health.enabled")
	m.Health.Timeout = v.GetDuration("monitoring.health.timeout")
	m.Logging.Level = v.GetString("monitoring.logging.level")
	m.Logging.Format = v.GetString("monitoring.logging.format")
	m.Logging.Output = v.GetString("monitoring.logging.output")
	m.Logging.File.Enabled = v.GetBool("monitoring.logging.file.enabled")
	m.Logging.File.Path = v.GetString("monitoring.logging.file.path")
	m.Logging.File.MaxSize = v.GetInt("monitoring.logging.file.max_size")
	m.Logging.File.MaxBackups = v.GetInt("monitoring.logging.file.max_backups")
	m.Logging.File.MaxAge = v.GetInt("monitoring.logging.file.max_age")
	m.Logging.File.Compress = v.GetBool("monitoring.logging.file.compress")

	return cfg
}

// Validate checks the settings the server cannot run without
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return errors.New(errors.ErrConfiguration, "api.key is required")
	}
	if c.API.DevKey != "" && c.API.DevKey == c.API.Key {
		return errors.New(errors.ErrConfiguration, "api.dev_key must differ from api.key")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errors.New(errors.ErrConfiguration, fmt.Sprintf("invalid api.port %d", c.API.Port))
	}
	if c.Mock.TTL <= 0 {
		return errors.New(errors.ErrConfiguration, "mock.ttl must be positive")
	}
	if c.Mock.MaxEntriesPerAdd <= 0 {
		return errors.New(errors.ErrConfiguration, "mock.max_entries_per_add must be positive")
	}
	if c.AGI.Enabled && (c.AGI.Port <= 0 || c.AGI.Port > 65535) {
		return errors.New(errors.ErrConfiguration, fmt.Sprintf("invalid agi.port %d", c.AGI.Port))
	}
	if c.AGI.Enabled && c.AGI.Port == c.API.Port {
		return errors.New(errors.ErrConfiguration, "agi.port must differ from api.port")
	}
	if c.API.RateLimit < 0 {
		return errors.New(errors.ErrConfiguration, "api.rate_limit cannot be negative")
	}
	return nil
}
