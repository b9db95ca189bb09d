package agent

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration settings for the agent. Values are read
// from SWITCHBOARD_AGENT_* environment variables.
type Config struct {
	// BrokerURL is the full WebSocket URL of the broker, including the
	// /ws path (required). Example: ws://broker.internal:8080/ws
	BrokerURL string

	// UserSession identifies this agent to operators. Defaults to
	// agent@<hostname>.
	UserSession string

	// Token is the bearer token presented at registration. Required when
	// the broker runs with require_agent_token.
	Token string

	// HeartbeatInterval is how often the agent sends heartbeats
	// (default: 30s). The broker's welcome value overrides it.
	HeartbeatInterval time.Duration

	// ReconnectMinInterval is the minimum reconnection backoff (default: 1s).
	ReconnectMinInterval time.Duration

	// ReconnectMaxInterval is the maximum reconnection backoff (default: 60s).
	ReconnectMaxInterval time.Duration

	// PoolSize is the number of workers executing blocking commands
	// (default: 3).
	PoolSize int

	// CommandTimeout bounds a single command execution when its spec does
	// not set one (default: 60s).
	CommandTimeout time.Duration

	// RunAllowlist names the executables the run command may spawn.
	// An empty list disables run entirely.
	RunAllowlist []string

	// SampleInterval is the health sampler cadence (default: 5s).
	SampleInterval time.Duration

	// CPUWarning and CPUCritical are the CPU health thresholds in percent
	// (defaults: 70, 90).
	CPUWarning  float64
	CPUCritical float64

	// MemoryWarning and MemoryCritical are the memory health thresholds
	// in percent (defaults: 80, 95).
	MemoryWarning  float64
	MemoryCritical float64

	// LogLevel is the log level (debug, info, warn, error) (default: info).
	LogLevel string

	// LogFormat is the log format (json, console) (default: json).
	LogFormat string

	// TLSInsecureSkipVerify skips certificate verification on wss://
	// connections (not recommended).
	TLSInsecureSkipVerify bool
}

// Load reads agent configuration from environment variables.
// Environment variables use the SWITCHBOARD_AGENT_ prefix.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	cfg := &Config{
		BrokerURL:             getEnv("SWITCHBOARD_AGENT_BROKER_URL", ""),
		UserSession:           getEnv("SWITCHBOARD_AGENT_USER_SESSION", "agent@"+hostname),
		Token:                 getEnv("SWITCHBOARD_AGENT_TOKEN", ""),
		HeartbeatInterval:     getEnvDuration("SWITCHBOARD_AGENT_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectMinInterval:  getEnvDuration("SWITCHBOARD_AGENT_RECONNECT_MIN_INTERVAL", 1*time.Second),
		ReconnectMaxInterval:  getEnvDuration("SWITCHBOARD_AGENT_RECONNECT_MAX_INTERVAL", 60*time.Second),
		PoolSize:              getEnvInt("SWITCHBOARD_AGENT_POOL_SIZE", 3),
		CommandTimeout:        getEnvDuration("SWITCHBOARD_AGENT_COMMAND_TIMEOUT", 60*time.Second),
		RunAllowlist:          getEnvStringSlice("SWITCHBOARD_AGENT_RUN_ALLOWLIST", nil),
		SampleInterval:        getEnvDuration("SWITCHBOARD_AGENT_SAMPLE_INTERVAL", 5*time.Second),
		CPUWarning:            getEnvFloat64("SWITCHBOARD_AGENT_CPU_WARNING", 70),
		CPUCritical:           getEnvFloat64("SWITCHBOARD_AGENT_CPU_CRITICAL", 90),
		MemoryWarning:         getEnvFloat64("SWITCHBOARD_AGENT_MEMORY_WARNING", 80),
		MemoryCritical:        getEnvFloat64("SWITCHBOARD_AGENT_MEMORY_CRITICAL", 95),
		LogLevel:              getEnv("SWITCHBOARD_AGENT_LOG_LEVEL", "info"),
		LogFormat:             getEnv("SWITCHBOARD_AGENT_LOG_FORMAT", "json"),
		TLSInsecureSkipVerify: getEnvBool("SWITCHBOARD_AGENT_TLS_INSECURE_SKIP_VERIFY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
// All problems are collected into a single error.
func (c *Config) Validate() error {
	var errs []error

	if c.BrokerURL == "" {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_BROKER_URL is required"))
	} else if !strings.HasPrefix(c.BrokerURL, "ws://") && !strings.HasPrefix(c.BrokerURL, "wss://") {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_BROKER_URL must use the ws:// or wss:// scheme"))
	}

	if c.UserSession == "" {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_USER_SESSION is required"))
	}

	if c.PoolSize < 1 {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_POOL_SIZE must be at least 1"))
	}
	if c.PoolSize > 64 {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_POOL_SIZE cannot exceed 64"))
	}

	if c.HeartbeatInterval < 1*time.Second {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_HEARTBEAT_INTERVAL must be at least 1 second"))
	}
	if c.ReconnectMinInterval < 100*time.Millisecond {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_RECONNECT_MIN_INTERVAL must be at least 100ms"))
	}
	if c.ReconnectMaxInterval < c.ReconnectMinInterval {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_RECONNECT_MAX_INTERVAL must be >= MIN_INTERVAL"))
	}
	if c.CommandTimeout < 1*time.Second {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_COMMAND_TIMEOUT must be at least 1 second"))
	}
	if c.SampleInterval < 1*time.Second {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_SAMPLE_INTERVAL must be at least 1 second"))
	}

	if c.CPUWarning <= 0 || c.CPUWarning > 100 {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_CPU_WARNING must be between 0 and 100"))
	}
	if c.CPUCritical <= 0 || c.CPUCritical > 100 {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_CPU_CRITICAL must be between 0 and 100"))
	}
	if c.CPUWarning > 0 && c.CPUCritical > 0 && c.CPUWarning >= c.CPUCritical {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_CPU_WARNING must be below CPU_CRITICAL"))
	}
	if c.MemoryWarning <= 0 || c.MemoryWarning > 100 {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_MEMORY_WARNING must be between 0 and 100"))
	}
	if c.MemoryCritical <= 0 || c.MemoryCritical > 100 {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_MEMORY_CRITICAL must be between 0 and 100"))
	}
	if c.MemoryWarning > 0 && c.MemoryCritical > 0 && c.MemoryWarning >= c.MemoryCritical {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_MEMORY_WARNING must be below MEMORY_CRITICAL"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, errors.New("SWITCHBOARD_AGENT_LOG_FORMAT must be one of: json, console"))
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
