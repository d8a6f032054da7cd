package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Notification channel names accepted in notification.channels
const (
	ChannelLog   = "log"
	ChannelLark  = "lark"
	ChannelNATS  = "nats"
	ChannelRedis = "redis"
)

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// EnvPrefix prefixes every environment override, e.g. APPROVALS_SERVER_PORT
const EnvPrefix = "APPROVALS"

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Notification NotificationConfig `mapstructure:"notification"`
	Lark         LarkConfig         `mapstructure:"lark"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Grading      GradingConfig      `mapstructure:"grading"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// WorkflowConfig holds approval chain configuration
type WorkflowConfig struct {
	// DefinitionsFile adds or upgrades chains on top of the built-in ones
	DefinitionsFile string `mapstructure:"definitions_file"`
	HistoryPageSize int    `mapstructure:"history_page_size"`
}

// IdentityConfig holds bearer token resolution settings
type IdentityConfig struct {
	DirectoryFile string        `mapstructure:"directory_file"`
	CacheSize     int           `mapstructure:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// NotificationConfig holds outbox delivery settings
type NotificationConfig struct {
	Channels            []string      `mapstructure:"channels"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	DeliveryTimeout     time.Duration `mapstructure:"delivery_timeout"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

// LarkConfig holds Lark API configuration
type LarkConfig struct {
	AppID         string `mapstructure:"app_id"`
	AppSecret     string `mapstructure:"app_secret"`
	ReceiveIDType string `mapstructure:"receive_id_type"`
	ReceiveID     string `mapstructure:"receive_id"`
}

// NATSConfig holds NATS publisher configuration
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientName    string `mapstructure:"client_name"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// RedisConfig holds Redis pub/sub configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// GradingConfig holds grading scale configuration
type GradingConfig struct {
	ScalesFile string `mapstructure:"scales_file"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	PrettyPrint bool   `mapstructure:"pretty_print"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from an optional .env file, the config file and environment
// variables, in increasing precedence. An empty configPath uses defaults and environment only.
func Load(configPath string) (*Config, error) {
	return LoadWithEnvFile(configPath, ".env")
}

// LoadWithEnvFile is Load with an explicit dotenv file. A missing env file is ignored.
func LoadWithEnvFile(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := gotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/approvals.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Workflow defaults
	v.SetDefault("workflow.history_page_size", 50)

	// Identity defaults
	v.SetDefault("identity.directory_file", "configs/directory.yaml")
	v.SetDefault("identity.cache_size", 1000)
	v.SetDefault("identity.cache_ttl", 5*time.Minute)

	// Notification defaults
	v.SetDefault("notification.channels", []string{ChannelLog})
	v.SetDefault("notification.poll_interval", 2*time.Second)
	v.SetDefault("notification.batch_size", 50)
	v.SetDefault("notification.max_attempts", 8)
	v.SetDefault("notification.delivery_timeout", 10*time.Second)
	v.SetDefault("notification.initial_interval", time.Second)
	v.SetDefault("notification.max_interval", 5*time.Minute)
	v.SetDefault("notification.multiplier", 2.0)
	v.SetDefault("notification.randomization_factor", 0.2)

	// Transport defaults
	v.SetDefault("lark.receive_id_type", "chat_id")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.client_name", "campus-approvals")
	v.SetDefault("nats.subject_prefix", "approvals")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.channel", "approvals:events")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "campus-approvals")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds credentials to their conventional unprefixed names
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("lark.app_id", "APPROVALS_LARK_APP_ID", "LARK_APP_ID")
	_ = v.BindEnv("lark.app_secret", "APPROVALS_LARK_APP_SECRET", "LARK_APP_SECRET")
	_ = v.BindEnv("lark.receive_id", "APPROVALS_LARK_RECEIVE_ID", "LARK_RECEIVE_ID")
	_ = v.BindEnv("nats.url", "APPROVALS_NATS_URL", "NATS_URL")
	_ = v.BindEnv("redis.addr", "APPROVALS_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "APPROVALS_REDIS_PASSWORD", "REDIS_PASSWORD")
}

// HasChannel reports whether notification.channels lists name
func (c *Config) HasChannel(name string) bool {
	for _, ch := range c.Notification.Channels {
		if ch == name {
			return true
		}
	}
	return false
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverMemory, c.Database.Driver)
	}

	if c.Identity.DirectoryFile == "" {
		return fmt.Errorf("identity.directory_file is required")
	}

	seen := make(map[string]bool, len(c.Notification.Channels))
	for _, ch := range c.Notification.Channels {
		if seen[ch] {
			return fmt.Errorf("notification channel %q listed twice", ch)
		}
		seen[ch] = true

		switch ch {
		case ChannelLog:
		case ChannelLark:
			if c.Lark.AppID == "" || c.Lark.AppSecret == "" {
				return fmt.Errorf("lark.app_id and lark.app_secret are required for the lark channel")
			}
			if c.Lark.ReceiveID == "" {
				return fmt.Errorf("lark.receive_id is required for the lark channel")
			}
		case ChannelNATS:
			if c.NATS.URL == "" {
				return fmt.Errorf("nats.url is required for the nats channel")
			}
		case ChannelRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis.addr is required for the redis channel")
			}
		default:
			return fmt.Errorf("unknown notification channel %q", ch)
		}
	}

	if c.Notification.MaxAttempts <= 0 {
		return fmt.Errorf("notification.max_attempts must be positive")
	}

	return nil
}
