// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level static configuration. Runtime limits live in the
// policy store, not here.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Admin          AdminConfig          `yaml:"admin"`
	Logging        LoggingConfig        `yaml:"logging"`
	DownstreamAuth DownstreamAuthConfig `yaml:"downstream_auth"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Keys           []KeyEntry           `yaml:"keys"`
}

// ServerConfig holds listen addresses and HTTP server settings.
// Proxied responses may stream for minutes, so there is no write timeout;
// only request headers are bounded.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	ProxyPort         int           `yaml:"proxy_port"`
	AdminPort         int           `yaml:"admin_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ProxyAddr returns the proxy server listen address.
func (s ServerConfig) ProxyAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.ProxyPort))
}

// AdminAddr returns the admin server listen address.
func (s ServerConfig) AdminAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.AdminPort))
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AdminConfig holds admin server authentication settings.
type AdminConfig struct {
	PasswordHash   string `yaml:"password_hash"` // bcrypt hash of the admin password
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpireHours int    `yaml:"jwt_expire_hours"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name to a slog.Level.
// Unknown names fall back to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DownstreamAuthConfig configures credentials injected toward the
// downstream service. Client Authorization headers are always stripped;
// with type "none" requests are forwarded without credentials.
type DownstreamAuthConfig struct {
	Type         string   `yaml:"type"`  // "none", "bearer", "oauth2"
	Token        string   `yaml:"token"` // static bearer token
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Description string `yaml:"description"`
	Key         string `yaml:"key"` // plaintext, hashed on bootstrap
	Priority    string `yaml:"priority"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			ProxyPort:         8000,
			AdminPort:         8001,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "pylon.db",
		},
		Admin: AdminConfig{
			JWTExpireHours: 24,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		DownstreamAuth: DownstreamAuthConfig{
			Type: "none",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
