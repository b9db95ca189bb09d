// Package config provides configuration management for the Switchboard broker.
// Configuration is loaded from an optional YAML file and overridden by
// environment variables with the SWITCHBOARD_ prefix.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the broker.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Fabric        FabricConfig        `yaml:"fabric" json:"fabric"`
	Plugins       PluginConfig        `yaml:"plugins" json:"plugins"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	History       HistoryConfig       `yaml:"history" json:"history"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Log           LogConfig           `yaml:"log" json:"log"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the address the broker listens on (default: ":8790")
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// ShutdownTimeout is the graceful shutdown timeout (default: 30s)
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// ReadTimeout is the HTTP read timeout for non-WebSocket requests (default: 30s)
	ReadTimeout Duration `yaml:"read_timeout" json:"read_timeout"`
	// WriteTimeout is the HTTP write timeout for non-WebSocket requests (default: 30s)
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

// FabricConfig holds client liveness and capacity settings.
type FabricConfig struct {
	// HeartbeatInterval is how often clients send heartbeats and how often
	// the monitor sweeps the registry (default: 30s)
	HeartbeatInterval Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// HeartbeatTimeout is how long a client may stay silent before it is
	// force-disconnected (default: 60s)
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	// MaxClients caps concurrent registrations; 0 means unlimited (default: 100)
	MaxClients int `yaml:"max_clients" json:"max_clients"`
	// RegisterTimeout bounds how long a new connection may wait before
	// sending its register message (default: 10s)
	RegisterTimeout Duration `yaml:"register_timeout" json:"register_timeout"`
}

// PluginConfig holds command catalogue settings.
type PluginConfig struct {
	// Dir is the directory scanned for plugin manifests (default: "plugins")
	Dir string `yaml:"dir" json:"dir"`
	// EnableHotReload watches Dir and reloads the catalogue on change (default: true)
	EnableHotReload bool `yaml:"enable_hot_reload" json:"enable_hot_reload"`
	// WatchDebounce delays a reload after a filesystem event so half-written
	// files are not picked up (default: 500ms)
	WatchDebounce Duration `yaml:"watch_debounce" json:"watch_debounce"`
}

// AuthConfig holds token authentication settings.
type AuthConfig struct {
	// Secret is the HMAC key used to sign capability tokens (required)
	Secret string `yaml:"secret" json:"-"`
	// TokenExpiration is the lifetime of minted tokens (default: 24h)
	TokenExpiration Duration `yaml:"token_expiration" json:"token_expiration"`
	// RequireAgentToken also requires a token for plain agent registrations (default: false)
	RequireAgentToken bool `yaml:"require_agent_token" json:"require_agent_token"`
}

// HistoryConfig holds command journal settings.
type HistoryConfig struct {
	// Path is the SQLite database file; empty disables the journal
	// (default: "switchboard-history.db")
	Path string `yaml:"path" json:"path"`
	// Retention controls how long completed commands are kept (default: 720h)
	Retention Duration `yaml:"retention" json:"retention"`
	// CleanupInterval is how often expired rows are purged (default: 1h)
	CleanupInterval Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// StorageConfig holds S3/MinIO result offload settings.
type StorageConfig struct {
	// Enabled turns on offload of oversized command results (default: false)
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Endpoint is the S3/MinIO endpoint URL (required when enabled for MinIO)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Bucket is the bucket name for offloaded results (required when enabled)
	Bucket string `yaml:"bucket" json:"bucket"`
	// Region is the AWS region (default: us-east-1)
	Region string `yaml:"region" json:"region"`
	// AccessKeyID is the access key (required when enabled)
	AccessKeyID string `yaml:"access_key_id" json:"-"`
	// SecretAccessKey is the secret key (required when enabled)
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	// UseSSL enables SSL for MinIO connections (default: true)
	UseSSL bool `yaml:"use_ssl" json:"use_ssl"`
	// PathStyle forces path-style addressing (default: true for MinIO compatibility)
	PathStyle bool `yaml:"path_style" json:"path_style"`
	// Threshold is the inline result size in bytes above which the payload
	// is offloaded (default: 262144)
	Threshold int64 `yaml:"threshold" json:"threshold"`
	// URLExpiry is the lifetime of presigned result URLs (default: 1h)
	URLExpiry Duration `yaml:"url_expiry" json:"url_expiry"`
	// Retention controls how long offloaded results are kept (default: 720h)
	Retention Duration `yaml:"retention" json:"retention"`
	// CleanupInterval is how often expired objects are swept (default: 1h)
	CleanupInterval Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	// CleanupBatchSize limits objects deleted per sweep (default: 100)
	CleanupBatchSize int `yaml:"cleanup_batch_size" json:"cleanup_batch_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error) (default: info)
	Level string `yaml:"level" json:"level"`
	// Format is the log format (json, console) (default: json)
	Format string `yaml:"format" json:"format"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	// TracingEnabled enables OpenTelemetry tracing (default: false)
	TracingEnabled bool `yaml:"tracing_enabled" json:"tracing_enabled"`
	// TracingEndpoint is the OTLP collector endpoint (e.g., "localhost:4318")
	TracingEndpoint string `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	// TracingInsecure disables TLS for the tracing connection (default: true)
	TracingInsecure bool `yaml:"tracing_insecure" json:"tracing_insecure"`
	// TracingSampleRate is the sampling rate (0.0 to 1.0) (default: 1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	// Environment is the deployment environment (e.g., "production", "staging")
	Environment string `yaml:"environment" json:"environment"`
}

// Default returns the baseline configuration before file and environment
// overrides are applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8790",
			ShutdownTimeout: Duration(30 * time.Second),
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
		},
		Fabric: FabricConfig{
			HeartbeatInterval: Duration(30 * time.Second),
			HeartbeatTimeout:  Duration(60 * time.Second),
			MaxClients:        100,
			RegisterTimeout:   Duration(10 * time.Second),
		},
		Plugins: PluginConfig{
			Dir:             "plugins",
			EnableHotReload: true,
			WatchDebounce:   Duration(500 * time.Millisecond),
		},
		Auth: AuthConfig{
			TokenExpiration: Duration(24 * time.Hour),
		},
		History: HistoryConfig{
			Path:            "switchboard-history.db",
			Retention:       Duration(30 * 24 * time.Hour),
			CleanupInterval: Duration(time.Hour),
		},
		Storage: StorageConfig{
			Region:           "us-east-1",
			UseSSL:           true,
			PathStyle:        true,
			Threshold:        256 * 1024,
			URLExpiry:        Duration(time.Hour),
			Retention:        Duration(30 * 24 * time.Hour),
			CleanupInterval:  Duration(time.Hour),
			CleanupBatchSize: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			TracingInsecure:   true,
			TracingSampleRate: 1.0,
			Environment:       "development",
		},
	}
}

// Load reads configuration from the YAML file at path (skipped when path is
// empty), applies SWITCHBOARD_ environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays SWITCHBOARD_ environment variables on the current values.
func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("SWITCHBOARD_LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.ShutdownTimeout = getEnvDuration("SWITCHBOARD_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.ReadTimeout = getEnvDuration("SWITCHBOARD_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SWITCHBOARD_WRITE_TIMEOUT", c.Server.WriteTimeout)

	c.Fabric.HeartbeatInterval = getEnvDuration("SWITCHBOARD_HEARTBEAT_INTERVAL", c.Fabric.HeartbeatInterval)
	c.Fabric.HeartbeatTimeout = getEnvDuration("SWITCHBOARD_HEARTBEAT_TIMEOUT", c.Fabric.HeartbeatTimeout)
	c.Fabric.MaxClients = getEnvInt("SWITCHBOARD_MAX_CLIENTS", c.Fabric.MaxClients)
	c.Fabric.RegisterTimeout = getEnvDuration("SWITCHBOARD_REGISTER_TIMEOUT", c.Fabric.RegisterTimeout)

	c.Plugins.Dir = getEnv("SWITCHBOARD_PLUGIN_DIR", c.Plugins.Dir)
	c.Plugins.EnableHotReload = getEnvBool("SWITCHBOARD_ENABLE_HOT_RELOAD", c.Plugins.EnableHotReload)
	c.Plugins.WatchDebounce = getEnvDuration("SWITCHBOARD_PLUGIN_WATCH_INTERVAL", c.Plugins.WatchDebounce)

	c.Auth.Secret = getEnv("SWITCHBOARD_AUTH_SECRET", c.Auth.Secret)
	c.Auth.TokenExpiration = getEnvDuration("SWITCHBOARD_AUTH_TOKEN_EXPIRATION", c.Auth.TokenExpiration)
	c.Auth.RequireAgentToken = getEnvBool("SWITCHBOARD_REQUIRE_AGENT_TOKEN", c.Auth.RequireAgentToken)

	c.History.Path = getEnv("SWITCHBOARD_HISTORY_PATH", c.History.Path)
	c.History.Retention = getEnvDuration("SWITCHBOARD_HISTORY_RETENTION", c.History.Retention)
	c.History.CleanupInterval = getEnvDuration("SWITCHBOARD_HISTORY_CLEANUP_INTERVAL", c.History.CleanupInterval)

	c.Storage.Enabled = getEnvBool("SWITCHBOARD_STORAGE_ENABLED", c.Storage.Enabled)
	c.Storage.Endpoint = getEnv("SWITCHBOARD_STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.Bucket = getEnv("SWITCHBOARD_STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Region = getEnv("SWITCHBOARD_STORAGE_REGION", c.Storage.Region)
	c.Storage.AccessKeyID = getEnv("SWITCHBOARD_STORAGE_ACCESS_KEY_ID", c.Storage.AccessKeyID)
	c.Storage.SecretAccessKey = getEnv("SWITCHBOARD_STORAGE_SECRET_ACCESS_KEY", c.Storage.SecretAccessKey)
	c.Storage.UseSSL = getEnvBool("SWITCHBOARD_STORAGE_USE_SSL", c.Storage.UseSSL)
	c.Storage.PathStyle = getEnvBool("SWITCHBOARD_STORAGE_PATH_STYLE", c.Storage.PathStyle)
	c.Storage.Threshold = getEnvInt64("SWITCHBOARD_STORAGE_THRESHOLD", c.Storage.Threshold)
	c.Storage.URLExpiry = getEnvDuration("SWITCHBOARD_STORAGE_URL_EXPIRY", c.Storage.URLExpiry)
	c.Storage.Retention = getEnvDuration("SWITCHBOARD_STORAGE_RETENTION", c.Storage.Retention)
	c.Storage.CleanupInterval = getEnvDuration("SWITCHBOARD_STORAGE_CLEANUP_INTERVAL", c.Storage.CleanupInterval)
	c.Storage.CleanupBatchSize = getEnvInt("SWITCHBOARD_STORAGE_CLEANUP_BATCH_SIZE", c.Storage.CleanupBatchSize)

	c.Log.Level = getEnv("SWITCHBOARD_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("SWITCHBOARD_LOG_FORMAT", c.Log.Format)

	c.Observability.TracingEnabled = getEnvBool("SWITCHBOARD_TRACING_ENABLED", c.Observability.TracingEnabled)
	c.Observability.TracingEndpoint = getEnv("SWITCHBOARD_TRACING_ENDPOINT", c.Observability.TracingEndpoint)
	c.Observability.TracingInsecure = getEnvBool("SWITCHBOARD_TRACING_INSECURE", c.Observability.TracingInsecure)
	c.Observability.TracingSampleRate = getEnvFloat("SWITCHBOARD_TRACING_SAMPLE_RATE", c.Observability.TracingSampleRate)
	c.Observability.Environment = getEnv("SWITCHBOARD_ENVIRONMENT", c.Observability.Environment)
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	// Server validation
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("SWITCHBOARD_LISTEN_ADDR is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SWITCHBOARD_SHUTDOWN_TIMEOUT must be greater than 0"))
	}

	// Fabric validation
	if c.Fabric.HeartbeatInterval < Duration(time.Second) {
		errs = append(errs, errors.New("SWITCHBOARD_HEARTBEAT_INTERVAL must be at least 1 second"))
	}
	if c.Fabric.HeartbeatTimeout <= c.Fabric.HeartbeatInterval {
		errs = append(errs, errors.New("SWITCHBOARD_HEARTBEAT_TIMEOUT must be greater than the heartbeat interval"))
	}
	if c.Fabric.MaxClients < 0 {
		errs = append(errs, errors.New("SWITCHBOARD_MAX_CLIENTS cannot be negative"))
	}
	if c.Fabric.RegisterTimeout <= 0 {
		errs = append(errs, errors.New("SWITCHBOARD_REGISTER_TIMEOUT must be greater than 0"))
	}

	// Plugin validation
	if c.Plugins.EnableHotReload {
		if c.Plugins.Dir == "" {
			errs = append(errs, errors.New("SWITCHBOARD_PLUGIN_DIR is required when hot reload is enabled"))
		}
		if c.Plugins.WatchDebounce <= 0 {
			errs = append(errs, errors.New("SWITCHBOARD_PLUGIN_WATCH_INTERVAL must be greater than 0"))
		}
	}

	// Auth validation (required)
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("SWITCHBOARD_AUTH_SECRET is required"))
	} else if len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("SWITCHBOARD_AUTH_SECRET must be at least 32 characters"))
	}
	if c.Auth.TokenExpiration <= 0 {
		errs = append(errs, errors.New("SWITCHBOARD_AUTH_TOKEN_EXPIRATION must be greater than 0"))
	}

	// History validation (conditional on a journal path being set)
	if c.History.Path != "" {
		if c.History.Retention <= 0 {
			errs = append(errs, errors.New("SWITCHBOARD_HISTORY_RETENTION must be greater than 0"))
		}
		if c.History.CleanupInterval <= 0 {
			errs = append(errs, errors.New("SWITCHBOARD_HISTORY_CLEANUP_INTERVAL must be greater than 0"))
		}
	}

	// Storage validation (conditional)
	if c.Storage.Enabled {
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("SWITCHBOARD_STORAGE_BUCKET is required when storage is enabled"))
		}
		if c.Storage.AccessKeyID == "" {
			errs = append(errs, errors.New("SWITCHBOARD_STORAGE_ACCESS_KEY_ID is required when storage is enabled"))
		}
		if c.Storage.SecretAccessKey == "" {
			errs = append(errs, errors.New("SWITCHBOARD_STORAGE_SECRET_ACCESS_KEY is required when storage is enabled"))
		}
		if c.Storage.Threshold <= 0 {
			errs = append(errs, errors.New("SWITCHBOARD_STORAGE_THRESHOLD must be greater than 0"))
		}
		if c.Storage.CleanupBatchSize <= 0 {
			errs = append(errs, errors.New("SWITCHBOARD_STORAGE_CLEANUP_BATCH_SIZE must be greater than 0"))
		}
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, errors.New("SWITCHBOARD_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, errors.New("SWITCHBOARD_LOG_FORMAT must be one of: json, console"))
	}

	// Tracing validation
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("SWITCHBOARD_TRACING_SAMPLE_RATE must be between 0.0 and 1.0"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// HistoryEnabled returns true if the command journal is configured.
func (c *Config) HistoryEnabled() bool {
	return c.History.Path != ""
}

// StorageEnabled returns true if result offload is configured.
func (c *Config) StorageEnabled() bool {
	return c.Storage.Enabled
}

// Redacted returns a copy safe for broadcasting to clients: credentials are
// already excluded from the JSON form, and this additionally masks them for
// any other serialization.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Auth.Secret != "" {
		cp.Auth.Secret = "[redacted]"
	}
	if cp.Storage.AccessKeyID != "" {
		cp.Storage.AccessKeyID = "[redacted]"
	}
	if cp.Storage.SecretAccessKey != "" {
		cp.Storage.SecretAccessKey = "[redacted]"
	}
	return &cp
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return Duration(duration)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
