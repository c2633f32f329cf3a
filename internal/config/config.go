// Package config loads service configuration with the precedence
// runtime overrides > environment > config file > defaults. Environment
// variables use the GOQUEUE_ prefix with underscores for nesting, e.g.
// GOQUEUE_SERVER_PORT.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the queue manager.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RegistryConfig struct {
	// Path is the JSONL registry file.
	Path string `mapstructure:"path" validate:"required"`
}

type SupervisorConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent" validate:"gte=1"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	CancelGrace     time.Duration `mapstructure:"cancel_grace"`
	StartRateLimit  float64       `mapstructure:"start_rate_limit" validate:"gte=0"`
	MaxQueueSize    int           `mapstructure:"max_queue_size" validate:"gte=0"`
	CleanupMaxAge   time.Duration `mapstructure:"cleanup_max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type GuardConfig struct {
	SoftLimitBytes int64 `mapstructure:"soft_limit_bytes" validate:"gte=0"`
	HardLimitBytes int64 `mapstructure:"hard_limit_bytes" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration. An empty path skips the config file;
// otherwise the file must exist and parse.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("registry.path", "jobs.jsonl")
	v.SetDefault("supervisor.max_concurrent", 4)
	v.SetDefault("supervisor.job_timeout", time.Duration(0))
	v.SetDefault("supervisor.cancel_grace", 5*time.Second)
	v.SetDefault("supervisor.start_rate_limit", float64(0))
	v.SetDefault("supervisor.max_queue_size", 0)
	v.SetDefault("supervisor.cleanup_max_age", time.Duration(0))
	v.SetDefault("supervisor.cleanup_interval", time.Minute)
	v.SetDefault("guard.soft_limit_bytes", int64(10<<20))
	v.SetDefault("guard.hard_limit_bytes", int64(50<<20))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)

	v.SetEnvPrefix("GOQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
