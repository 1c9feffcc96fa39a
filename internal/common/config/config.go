// Package config provides configuration management for Crewdock.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Crewdock.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. Driver selects the backing
// store: "memory", "sqlite", or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// DispatcherConfig holds task dispatch and execution limits.
type DispatcherConfig struct {
	MaxConcurrent     int `mapstructure:"maxConcurrent"`     // global running-execution ceiling
	MaxPerUser        int `mapstructure:"maxPerUser"`        // per-user running-execution ceiling
	MaxRetries        int `mapstructure:"maxRetries"`        // automatic retries per task after failure
	ExecutionTimeout  int `mapstructure:"executionTimeout"`  // wall-clock budget per execution, seconds
	ContainerCapacity int `mapstructure:"containerCapacity"` // total containers shared with terminals
	PollInterval      int `mapstructure:"pollInterval"`      // dispatch loop wake interval, milliseconds
}

// AgentConfig holds agent process bridge configuration.
type AgentConfig struct {
	DefaultProvider     string `mapstructure:"defaultProvider"`
	CorruptionThreshold int    `mapstructure:"corruptionThreshold"` // malformed protocol lines tolerated per execution
	MemoryLimitMB       int    `mapstructure:"memoryLimitMb"`
	CPUShares           int    `mapstructure:"cpuShares"`
}

// TerminalConfig holds terminal session configuration.
type TerminalConfig struct {
	Image         string `mapstructure:"image"`
	IdleTimeout   int    `mapstructure:"idleTimeout"`   // seconds before an idle session is reaped
	ReapInterval  int    `mapstructure:"reapInterval"`  // seconds between reaper sweeps
	PortRangeFrom int    `mapstructure:"portRangeFrom"` // inclusive
	PortRangeTo   int    `mapstructure:"portRangeTo"`   // inclusive
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ExecutionTimeoutDuration returns the execution budget as a time.Duration.
func (d *DispatcherConfig) ExecutionTimeoutDuration() time.Duration {
	return time.Duration(d.ExecutionTimeout) * time.Second
}

// PollIntervalDuration returns the dispatch wake interval as a time.Duration.
func (d *DispatcherConfig) PollIntervalDuration() time.Duration {
	return time.Duration(d.PollInterval) * time.Millisecond
}

// IdleTimeoutDuration returns the idle reap threshold as a time.Duration.
func (t *TerminalConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(t.IdleTimeout) * time.Second
}

// ReapIntervalDuration returns the reaper sweep interval as a time.Duration.
func (t *TerminalConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(t.ReapInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CREWDOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file next to the binary
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "crewdock.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "crewdock")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "crewdock")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "crewdock")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "crewdock-network")

	// Dispatcher defaults
	v.SetDefault("dispatcher.maxConcurrent", 8)
	v.SetDefault("dispatcher.maxPerUser", 2)
	v.SetDefault("dispatcher.maxRetries", 2)
	v.SetDefault("dispatcher.executionTimeout", 1800)
	v.SetDefault("dispatcher.containerCapacity", 16)
	v.SetDefault("dispatcher.pollInterval", 250)

	// Agent defaults
	v.SetDefault("agent.defaultProvider", "claude-code")
	v.SetDefault("agent.corruptionThreshold", 10)
	v.SetDefault("agent.memoryLimitMb", 2048)
	v.SetDefault("agent.cpuShares", 1024)

	// Terminal defaults
	v.SetDefault("terminal.image", "crewdock/terminal:latest")
	v.SetDefault("terminal.idleTimeout", 1800)
	v.SetDefault("terminal.reapInterval", 60)
	v.SetDefault("terminal.portRangeFrom", 40000)
	v.SetDefault("terminal.portRangeTo", 40999)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CREWDOCK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/crewdock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CREWDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys whose env var naming
	// differs from what AutomaticEnv derives.
	_ = v.BindEnv("database.dbName", "CREWDOCK_DATABASE_DB_NAME")
	_ = v.BindEnv("dispatcher.maxConcurrent", "CREWDOCK_DISPATCHER_MAX_CONCURRENT")
	_ = v.BindEnv("dispatcher.maxPerUser", "CREWDOCK_DISPATCHER_MAX_PER_USER")
	_ = v.BindEnv("dispatcher.executionTimeout", "CREWDOCK_DISPATCHER_EXECUTION_TIMEOUT")
	_ = v.BindEnv("terminal.idleTimeout", "CREWDOCK_TERMINAL_IDLE_TIMEOUT")
	_ = v.BindEnv("agent.defaultProvider", "CREWDOCK_AGENT_DEFAULT_PROVIDER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewdock/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "memory":
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Dispatcher.MaxConcurrent <= 0 {
		errs = append(errs, "dispatcher.maxConcurrent must be positive")
	}
	if cfg.Dispatcher.MaxPerUser <= 0 {
		errs = append(errs, "dispatcher.maxPerUser must be positive")
	}
	if cfg.Dispatcher.MaxRetries < 0 {
		errs = append(errs, "dispatcher.maxRetries must not be negative")
	}
	if cfg.Dispatcher.ExecutionTimeout <= 0 {
		errs = append(errs, "dispatcher.executionTimeout must be positive")
	}
	if cfg.Dispatcher.ContainerCapacity < cfg.Dispatcher.MaxConcurrent {
		errs = append(errs, "dispatcher.containerCapacity must be at least dispatcher.maxConcurrent")
	}

	if cfg.Agent.CorruptionThreshold <= 0 {
		errs = append(errs, "agent.corruptionThreshold must be positive")
	}

	if cfg.Terminal.IdleTimeout <= 0 {
		errs = append(errs, "terminal.idleTimeout must be positive")
	}
	if cfg.Terminal.PortRangeFrom <= 0 || cfg.Terminal.PortRangeTo < cfg.Terminal.PortRangeFrom {
		errs = append(errs, "terminal.portRangeFrom/portRangeTo must describe a valid range")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
