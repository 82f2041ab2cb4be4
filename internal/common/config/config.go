// Package config provides configuration management for Courier.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Courier.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Registry RegistryConfig `mapstructure:"registry"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RegistryConfig holds thread-to-run registry configuration.
type RegistryConfig struct {
	MappingTTLHours        float64 `mapstructure:"mappingTtlHours"`
	CleanupIntervalMinutes float64 `mapstructure:"cleanupIntervalMinutes"`
	MaxMappings            int     `mapstructure:"maxMappings"`
	EnableDebugLogging     bool    `mapstructure:"enableDebugLogging"`
}

// GatewayConfig holds connection manager and websocket gateway configuration.
type GatewayConfig struct {
	MaxFailedQueue int `mapstructure:"maxFailedQueue"` // per-user recovery queue cap
	SendRetries    int `mapstructure:"sendRetries"`
	PongWaitSecs   int `mapstructure:"pongWaitSecs"`
	WriteWaitSecs  int `mapstructure:"writeWaitSecs"`
}

// BridgeConfig holds agent bridge configuration.
type BridgeConfig struct {
	InitTimeoutSecs     int `mapstructure:"initTimeoutSecs"`
	HealthIntervalSecs  int `mapstructure:"healthIntervalSecs"`
	RecoveryAttempts    int `mapstructure:"recoveryAttempts"`
	RecoveryMaxWaitSecs int `mapstructure:"recoveryMaxWaitSecs"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MappingTTL returns the registry TTL as a time.Duration.
func (r *RegistryConfig) MappingTTL() time.Duration {
	return time.Duration(r.MappingTTLHours * float64(time.Hour))
}

// CleanupInterval returns the sweep period as a time.Duration.
func (r *RegistryConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalMinutes * float64(time.Minute))
}

// InitTimeout returns the bridge initialization timeout.
func (b *BridgeConfig) InitTimeout() time.Duration {
	return time.Duration(b.InitTimeoutSecs) * time.Second
}

// HealthInterval returns the bridge health probe period.
func (b *BridgeConfig) HealthInterval() time.Duration {
	return time.Duration(b.HealthIntervalSecs) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "courierd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("registry.mappingTtlHours", 24.0)
	v.SetDefault("registry.cleanupIntervalMinutes", 30.0)
	v.SetDefault("registry.maxMappings", 10000)
	v.SetDefault("registry.enableDebugLogging", false)

	v.SetDefault("gateway.maxFailedQueue", 10)
	v.SetDefault("gateway.sendRetries", 3)
	v.SetDefault("gateway.pongWaitSecs", 60)
	v.SetDefault("gateway.writeWaitSecs", 10)

	v.SetDefault("bridge.initTimeoutSecs", 10)
	v.SetDefault("bridge.healthIntervalSecs", 30)
	v.SetDefault("bridge.recoveryAttempts", 3)
	v.SetDefault("bridge.recoveryMaxWaitSecs", 10)
}

// Load reads configuration from default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	_ = v.BindEnv("registry.mappingTtlHours", "COURIER_REGISTRY_MAPPING_TTL_HOURS")
	_ = v.BindEnv("registry.cleanupIntervalMinutes", "COURIER_REGISTRY_CLEANUP_INTERVAL_MINUTES")
	_ = v.BindEnv("gateway.maxFailedQueue", "COURIER_GATEWAY_MAX_FAILED_QUEUE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/courier/")

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
	if cfg.Registry.MappingTTLHours <= 0 {
		errs = append(errs, "registry.mappingTtlHours must be positive")
	}
	if cfg.Registry.CleanupIntervalMinutes <= 0 {
		errs = append(errs, "registry.cleanupIntervalMinutes must be positive")
	}
	if cfg.Registry.MaxMappings <= 0 {
		errs = append(errs, "registry.maxMappings must be positive")
	}
	if cfg.Gateway.MaxFailedQueue < 0 {
		errs = append(errs, "gateway.maxFailedQueue must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
