// Package config provides typed configuration loading for the storelink server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the storelink server.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	WebSocket WebSocketConfig      `yaml:"websocket"`
	Registry  RegistryConfig       `yaml:"registry"`
	Client    ClientConfig         `yaml:"client"`
	Apps      map[string]AppConfig `yaml:"apps"`
	Auth      AuthConfig           `yaml:"auth"`
	Database  DatabaseConfig       `yaml:"database"`
	Redis     RedisConfig          `yaml:"redis"`
	Log       LogConfig            `yaml:"log"`
	Metrics   MetricsConfig        `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen           string   `yaml:"listen"`
	APIPath          string   `yaml:"api_path"`
	UseXForwardedFor bool     `yaml:"use_x_forwarded_for"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	ReadTimeout      int      `yaml:"read_timeout"`
	WriteTimeout     int      `yaml:"write_timeout"`
	IdleTimeout      int      `yaml:"idle_timeout"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout"`
}

// WebSocketConfig contains per-connection transport settings.
// Durations are in seconds.
type WebSocketConfig struct {
	PingInterval    int   `yaml:"ping_interval"`
	WriteWait       int   `yaml:"write_wait"`
	RegisterTimeout int   `yaml:"register_timeout"`
	MaxMessageSize  int64 `yaml:"max_message_size"`
	SendBuffer      int   `yaml:"send_buffer"`
}

// PingPeriod returns the interval between liveness pings.
func (c *WebSocketConfig) PingPeriod() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// PongWait returns how long a peer may stay silent before it is dropped.
func (c *WebSocketConfig) PongWait() time.Duration {
	return 3 * c.PingPeriod()
}

// RegistryConfig bounds the connection registry and the traffic that mutates it.
type RegistryConfig struct {
	MaxSessions         int     `yaml:"max_sessions"`
	RegisterRate        float64 `yaml:"register_rate"`
	RegisterBurst       int     `yaml:"register_burst"`
	CommandRate         float64 `yaml:"command_rate"`
	CommandBurst        int     `yaml:"command_burst"`
	ObserverMaxFailures int     `yaml:"observer_max_failures"`
}

// ClientConfig describes the desktop client distributed to stores.
type ClientConfig struct {
	LatestVersion    string `yaml:"latest_version"`
	DownloadURL      string `yaml:"download_url"`
	MaxStatusLength  int    `yaml:"max_status_length"`
	MaxNotifyLength  int    `yaml:"max_notify_length"`
	DefaultNotifyMsg string `yaml:"default_notify_message"`
}

// AppConfig describes an application that can be pushed to stores.
type AppConfig struct {
	DisplayName      string `yaml:"display_name"`
	MinClientVersion string `yaml:"min_client_version"`
}

// AuthConfig contains boundary authentication settings.
type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	TokenKey        string `yaml:"token_key"`
	TokenExpireIn   int    `yaml:"token_expire_in"`
	StoreSecretHash string `yaml:"store_secret_hash"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Name            string `yaml:"name"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
	SQLTimeout      int    `yaml:"sql_timeout"`
}

// DSN returns a PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode, c.SQLTimeout,
	)
}

// RedisConfig contains settings for the multi-node presence mirror.
type RedisConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Addr            string `yaml:"addr"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	NodeID          string `yaml:"node_id"`
	Prefix          string `yaml:"prefix"`
	PresenceTTL     int    `yaml:"presence_ttl"`
	PresenceRefresh int    `yaml:"presence_refresh"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads and parses a YAML config file. A .env file next to the config,
// when present, is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands ${VAR} and ${VAR:default} patterns in the config.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		defaultVal := ""
		if len(parts) > 2 {
			defaultVal = parts[2]
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return defaultVal
	})
}

// applyDefaults sets default values for unset fields.
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Listen == "" {
		c.Server.Listen = ":4000"
	}
	if c.Server.APIPath == "" {
		c.Server.APIPath = "/api"
	}
	c.Server.APIPath = "/" + strings.Trim(c.Server.APIPath, "/")
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}

	// WebSocket defaults
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = 25
	}
	if c.WebSocket.WriteWait == 0 {
		c.WebSocket.WriteWait = 10
	}
	if c.WebSocket.RegisterTimeout == 0 {
		c.WebSocket.RegisterTimeout = 30
	}
	if c.WebSocket.MaxMessageSize == 0 {
		c.WebSocket.MaxMessageSize = 64 * 1024
	}
	if c.WebSocket.SendBuffer == 0 {
		c.WebSocket.SendBuffer = 64
	}

	// Registry defaults
	if c.Registry.RegisterRate == 0 {
		c.Registry.RegisterRate = 1
	}
	if c.Registry.RegisterBurst == 0 {
		c.Registry.RegisterBurst = 5
	}
	if c.Registry.CommandRate == 0 {
		c.Registry.CommandRate = 2
	}
	if c.Registry.CommandBurst == 0 {
		c.Registry.CommandBurst = 10
	}
	if c.Registry.ObserverMaxFailures == 0 {
		c.Registry.ObserverMaxFailures = 3
	}

	// Client defaults
	if c.Client.MaxStatusLength == 0 {
		c.Client.MaxStatusLength = 500
	}
	if c.Client.MaxNotifyLength == 0 {
		c.Client.MaxNotifyLength = 1000
	}
	if c.Client.DefaultNotifyMsg == "" {
		c.Client.DefaultNotifyMsg = "Loja atualizada"
	}

	// Auth defaults
	if c.Auth.TokenExpireIn == 0 {
		c.Auth.TokenExpireIn = 43200 // 12 hours
	}

	// Database defaults
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "storelink"
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 300
	}
	if c.Database.SQLTimeout == 0 {
		c.Database.SQLTimeout = 5
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "storelink:"
	}
	if c.Redis.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Redis.NodeID = host
		}
	}
	if c.Redis.PresenceTTL == 0 {
		c.Redis.PresenceTTL = 300
	}
	if c.Redis.PresenceRefresh == 0 {
		c.Redis.PresenceRefresh = 60
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// insecureKeys contains placeholder values that must never reach production.
var insecureKeys = map[string]bool{
	"changeme":                        true,
	"secret":                          true,
	"your-secret-key":                 true,
	"your-token-key-here":             true,
	"development-secret-do-not-share": true,
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	if c.Auth.Enabled {
		if c.Auth.TokenKey == "" {
			return fmt.Errorf("auth.token_key is required")
		}
		if insecureKeys[c.Auth.TokenKey] {
			return fmt.Errorf("auth.token_key is using an insecure default value - generate a new key")
		}
		if len(c.Auth.TokenKey) < 32 {
			return fmt.Errorf("auth.token_key must be at least 32 characters")
		}
	}
	if c.Auth.StoreSecretHash != "" && !strings.HasPrefix(c.Auth.StoreSecretHash, "$argon2id$") {
		return fmt.Errorf("auth.store_secret_hash must be an argon2id hash (see 'storelink hash-secret')")
	}

	if c.WebSocket.PingInterval < 0 || c.WebSocket.WriteWait < 0 || c.WebSocket.RegisterTimeout < 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.Registry.MaxSessions < 0 {
		return fmt.Errorf("registry.max_sessions must not be negative")
	}

	if c.Client.LatestVersion != "" && !semver.IsValid(Canonical(c.Client.LatestVersion)) {
		return fmt.Errorf("client.latest_version %q is not a semantic version", c.Client.LatestVersion)
	}
	for name, app := range c.Apps {
		if app.MinClientVersion != "" && !semver.IsValid(Canonical(app.MinClientVersion)) {
			return fmt.Errorf("apps.%s.min_client_version %q is not a semantic version", name, app.MinClientVersion)
		}
	}

	if c.Redis.Enabled && c.Redis.NodeID == "" {
		return fmt.Errorf("redis.node_id is required when redis is enabled")
	}
	if strings.Contains(c.Redis.NodeID, "|") {
		return fmt.Errorf("redis.node_id must not contain \"|\"")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q is invalid", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"console\" or \"json\"")
	}

	return nil
}

// Canonical prefixes a bare version such as "1.4.0" with the "v" that
// semantic version comparison expects.
func Canonical(version string) string {
	version = strings.TrimSpace(version)
	if version == "" || strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}
