// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Cache     CacheConfig     `yaml:"cache"`
	Notify    NotifyConfig    `yaml:"notify"`
	FlowStore FlowStoreConfig `yaml:"flow_store"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	API       APIConfig       `yaml:"api"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AlertsConfig contains operator alerting settings; empty values disable
// the corresponding channel.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// APIConfig contains the local JSON API settings
type APIConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BackendConfig contains hosted-backend connection settings
type BackendConfig struct {
	URL            string `yaml:"url" validate:"required"`
	APIKey         Secret `yaml:"api_key" validate:"required"`
	ServiceToken   Secret `yaml:"service_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"min=1,max=120"`
	WriteRateLimit int    `yaml:"write_rate_limit" validate:"min=1,max=100"`
	WriteBurst     int    `yaml:"write_burst" validate:"min=1,max=100"`
}

// RealtimeConfig contains change-feed subscription settings
type RealtimeConfig struct {
	URL                  string `yaml:"url" validate:"required"`
	ReconnectDelaySecs   int    `yaml:"reconnect_delay_seconds" validate:"min=1,max=300"`
	PingIntervalSecs     int    `yaml:"ping_interval_seconds" validate:"min=1,max=300"`
	PongWaitSecs         int    `yaml:"pong_wait_seconds" validate:"min=1,max=300"`
	DispatchPoolSize     int    `yaml:"dispatch_pool_size" validate:"min=1,max=100"`
	DispatchPoolCapacity int    `yaml:"dispatch_pool_capacity" validate:"min=1,max=10000"`
}

// CacheConfig contains query cache settings
type CacheConfig struct {
	DefaultFreshnessMillis int64 `yaml:"default_freshness_ms" validate:"min=0"`
	RevalidateRetries      int   `yaml:"revalidate_retries" validate:"min=0,max=10"`
}

// NotifyConfig contains notification fan-out settings
type NotifyConfig struct {
	PoolSize     int `yaml:"pool_size" validate:"min=1,max=100"`
	PoolCapacity int `yaml:"pool_capacity" validate:"min=1,max=10000"`
	TimeoutSecs  int `yaml:"timeout_seconds" validate:"min=1,max=120"`
}

// FlowStoreConfig contains the durable flow-progress store settings
type FlowStoreConfig struct {
	Path string `yaml:"path"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 15
	}
	if c.Backend.WriteRateLimit == 0 {
		c.Backend.WriteRateLimit = 10
	}
	if c.Backend.WriteBurst == 0 {
		c.Backend.WriteBurst = 20
	}
	if c.Realtime.ReconnectDelaySecs == 0 {
		c.Realtime.ReconnectDelaySecs = 5
	}
	if c.Realtime.PingIntervalSecs == 0 {
		c.Realtime.PingIntervalSecs = 30
	}
	if c.Realtime.PongWaitSecs == 0 {
		c.Realtime.PongWaitSecs = 60
	}
	if c.Realtime.DispatchPoolSize == 0 {
		c.Realtime.DispatchPoolSize = 4
	}
	if c.Realtime.DispatchPoolCapacity == 0 {
		c.Realtime.DispatchPoolCapacity = 256
	}
	if c.Cache.DefaultFreshnessMillis == 0 {
		c.Cache.DefaultFreshnessMillis = 30_000
	}
	if c.Cache.RevalidateRetries == 0 {
		c.Cache.RevalidateRetries = 3
	}
	if c.Notify.PoolSize == 0 {
		c.Notify.PoolSize = 8
	}
	if c.Notify.PoolCapacity == 0 {
		c.Notify.PoolCapacity = 512
	}
	if c.Notify.TimeoutSecs == 0 {
		c.Notify.TimeoutSecs = 10
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateBackendConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRealtimeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateCacheConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateNotifyConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateBackendConfig() error {
	if c.Backend.URL == "" {
		return ValidationError{
			Field:   "backend.url",
			Message: "backend URL is required",
		}
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return ValidationError{
			Field:   "backend.url",
			Value:   c.Backend.URL,
			Message: "must start with http:// or https://",
		}
	}
	if c.Backend.APIKey == "" {
		return ValidationError{
			Field:   "backend.api_key",
			Message: "API key is required",
		}
	}
	if c.Backend.TimeoutSeconds < 1 || c.Backend.TimeoutSeconds > 120 {
		return ValidationError{
			Field:   "backend.timeout_seconds",
			Value:   c.Backend.TimeoutSeconds,
			Message: "must be between 1 and 120",
		}
	}
	return nil
}

func (c *Config) validateRealtimeConfig() error {
	if c.Realtime.URL == "" {
		return ValidationError{
			Field:   "realtime.url",
			Message: "realtime URL is required",
		}
	}
	if !strings.HasPrefix(c.Realtime.URL, "ws://") && !strings.HasPrefix(c.Realtime.URL, "wss://") {
		return ValidationError{
			Field:   "realtime.url",
			Value:   c.Realtime.URL,
			Message: "must start with ws:// or wss://",
		}
	}
	return nil
}

func (c *Config) validateCacheConfig() error {
	if c.Cache.DefaultFreshnessMillis < 0 {
		return ValidationError{
			Field:   "cache.default_freshness_ms",
			Value:   c.Cache.DefaultFreshnessMillis,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateNotifyConfig() error {
	if c.Notify.PoolSize < 1 {
		return ValidationError{
			Field:   "notify.pool_size",
			Value:   c.Notify.PoolSize,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (secrets redact themselves)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Backend: BackendConfig{
			URL:    "https://backend.test.local",
			APIKey: "test_api_key",
		},
		Realtime: RealtimeConfig{
			URL: "wss://backend.test.local/realtime",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
	}
	cfg.applyDefaults()
	return cfg
}
