// Package config provides configuration management for the dashboard control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Linear    LinearConfig    `mapstructure:"linear"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // in seconds; 0 disables it so streams stay open
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// APIKey is the bearer token required on every API endpoint.
	APIKey string `mapstructure:"apiKey"`
}

// RateLimitConfig holds per-IP rate limiting for write endpoints.
type RateLimitConfig struct {
	WindowMS    int `mapstructure:"windowMs"`
	MaxRequests int `mapstructure:"maxRequests"`
}

// StorageConfig holds the data directory for the SQLite store and key material.
type StorageConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// NATSConfig holds optional NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LinearConfig holds Linear webhook ingest configuration.
type LinearConfig struct {
	WebhookSecret string `mapstructure:"webhookSecret"`
}

// TracingConfig holds optional OTLP trace export configuration.
// An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
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

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Window returns the rate limit window as a time.Duration.
func (r *RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// DatabasePath returns the path of the SQLite database file inside DataDir.
func (s *StorageConfig) DatabasePath() string {
	return filepath.Join(s.DataDir, "dashboard.db")
}

// KeyPath returns the path of the message encryption key inside DataDir.
func (s *StorageConfig) KeyPath() string {
	return filepath.Join(s.DataDir, "keys", "message.key")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: loopback only unless HOST is set explicitly
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("auth.apiKey", "")

	v.SetDefault("rateLimit.windowMs", 60000)
	v.SetDefault("rateLimit.maxRequests", 60)

	v.SetDefault("storage.dataDir", defaultDataDir())

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("linear.webhookSecret", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "opencode-dashboard")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opencode-dashboard"
	}
	return filepath.Join(home, ".opencode-dashboard")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DASHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the externally documented environment surface.
	// AutomaticEnv does not handle camelCase config keys, and several of
	// these names are fixed by the agent-hook contract.
	_ = v.BindEnv("auth.apiKey", "DASHBOARD_API_KEY")
	_ = v.BindEnv("server.host", "HOST", "DASHBOARD_HOST")
	_ = v.BindEnv("server.port", "PORT", "DASHBOARD_PORT")
	_ = v.BindEnv("server.allowedOrigins", "ALLOWED_ORIGINS")
	_ = v.BindEnv("rateLimit.windowMs", "RATE_LIMIT_WINDOW_MS")
	_ = v.BindEnv("rateLimit.maxRequests", "RATE_LIMIT_MAX_REQUESTS")
	_ = v.BindEnv("storage.dataDir", "DATA_DIR")
	_ = v.BindEnv("linear.webhookSecret", "LINEAR_WEBHOOK_SECRET")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/opencode-dashboard/")

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

	// ALLOWED_ORIGINS is a comma-separated list when set from the environment.
	if len(cfg.Server.AllowedOrigins) == 1 && strings.Contains(cfg.Server.AllowedOrigins[0], ",") {
		parts := strings.Split(cfg.Server.AllowedOrigins[0], ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Auth.APIKey == "" {
		return fmt.Errorf("DASHBOARD_API_KEY is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.RateLimit.WindowMS <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %d", cfg.RateLimit.WindowMS)
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate limit max requests must be positive, got %d", cfg.RateLimit.MaxRequests)
	}
	return nil
}
