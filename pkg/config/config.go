package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Storage selects the repository implementation
	Storage StorageConfig `mapstructure:"storage"`

	// Redis configuration
	Redis RedisConfig `mapstructure:"redis"`

	// NATS configuration
	NATS NATSConfig `mapstructure:"nats"`

	// Analyzer endpoint configuration
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`

	// Progress scheduler configuration
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Progress store configuration
	Progress ProgressConfig `mapstructure:"progress"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Tracing configuration
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`

	// AllowedOrigins lists origins the lab screen may call from; "*" allows any
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// StorageConfig holds repository selection
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NATSConfig holds event publishing configuration
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Name          string `mapstructure:"name"`
}

// AnalyzerConfig holds the external analyzer endpoint and routing rules
type AnalyzerConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	DefaultAnalyzerID int           `mapstructure:"default_analyzer_id"`
	// AutoRoutes maps a virtual analyzer ID to its candidate pool, in order
	AutoRoutes map[int][]int `mapstructure:"auto_routes"`
}

// SchedulerConfig holds progress tick configuration
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// Progress backends
const (
	ProgressBackendMemory = "memory"
	ProgressBackendRedis  = "redis"
)

// ProgressConfig selects where progress entries live
type ProgressConfig struct {
	Backend string `mapstructure:"backend"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MetricsPath   string        `mapstructure:"metrics_path"`
	HealthPath    string        `mapstructure:"health_path"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Environment  string  `mapstructure:"environment"`
}

// Options controls where Load looks for configuration
type Options struct {
	// Path is an explicit config file; empty searches the default locations
	Path      string
	EnvPrefix string
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	return LoadWithOptions(Options{EnvPrefix: "LAB"})
}

// LoadWithOptions loads configuration using the given options
func LoadWithOptions(opts Options) (*Config, error) {
	v := viper.New()

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/medrex-lab")
	}

	setDefaults(v)

	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || opts.Path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "medrex_lab")
	v.SetDefault("database.user", "medrex")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("storage.driver", StorageDriverPostgres)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "lab")

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "lab")
	v.SetDefault("nats.name", "lab-analysis-service")

	// Analyzer defaults
	v.SetDefault("analyzer.base_url", "http://localhost:5000")
	v.SetDefault("analyzer.request_timeout", 10*time.Second)
	v.SetDefault("analyzer.default_analyzer_id", 1)
	v.SetDefault("analyzer.auto_routes", map[int][]int{3: {1, 2}})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", time.Second)

	v.SetDefault("progress.backend", ProgressBackendMemory)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.health_timeout", 5*time.Second)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "lab-analysis-service")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.environment", "development")

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with conventional unprefixed variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Storage.Driver {
	case StorageDriverPostgres:
		if config.Database.Password == "" {
			return fmt.Errorf("database password is required")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage driver: %q", config.Storage.Driver)
	}

	switch config.Progress.Backend {
	case ProgressBackendMemory:
	case ProgressBackendRedis:
		if config.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis progress backend")
		}
	default:
		return fmt.Errorf("unknown progress backend: %q", config.Progress.Backend)
	}

	if config.Analyzer.BaseURL == "" {
		return fmt.Errorf("analyzer base url is required")
	}

	if config.Analyzer.RequestTimeout <= 0 {
		return fmt.Errorf("analyzer request timeout must be positive")
	}

	if config.Analyzer.DefaultAnalyzerID <= 0 {
		return fmt.Errorf("invalid default analyzer id: %d", config.Analyzer.DefaultAnalyzerID)
	}

	if config.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive")
	}

	if config.Monitoring.HealthTimeout <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}

	if config.NATS.Enabled && config.NATS.URL == "" {
		return fmt.Errorf("nats url is required when nats is enabled")
	}

	return nil
}
