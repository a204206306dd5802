// Package config loads the daemon configuration from environment
// variables (prefix FELTWIRE_) and an optional feltwired.yaml file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/feltwire/feltwire"
)

// Config holds all daemon settings.
type Config struct {
	Addr     string
	Path     string
	LogLevel string
	Env      string

	JWTSecret      string
	AllowedOrigins []string
	DisplacePolicy string // "silent", "notify" or "reject"

	MessagesPerSecond float64
	Burst             int
	MaxViolations     int
	BlockDuration     time.Duration
	IdleTTL           time.Duration
	SweepInterval     time.Duration

	QueueSize  int
	SendBuffer int
}

// Load reads configuration with sane defaults. A missing config file is
// fine; a malformed one is not.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("feltwired")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/feltwired")

	v.SetEnvPrefix("FELTWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("path", "/ws")
	v.SetDefault("log_level", "info")
	v.SetDefault("env", "development")
	v.SetDefault("displace_policy", "silent")
	v.SetDefault("messages_per_second", 10)
	v.SetDefault("burst", 10)
	v.SetDefault("max_violations", 3)
	v.SetDefault("block_duration", 5*time.Minute)
	v.SetDefault("idle_ttl", 10*time.Minute)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("queue_size", 256)
	v.SetDefault("send_buffer", 256)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Addr:              v.GetString("addr"),
		Path:              v.GetString("path"),
		LogLevel:          v.GetString("log_level"),
		Env:               v.GetString("env"),
		JWTSecret:         v.GetString("jwt_secret"),
		AllowedOrigins:    v.GetStringSlice("allowed_origins"),
		DisplacePolicy:    v.GetString("displace_policy"),
		MessagesPerSecond: v.GetFloat64("messages_per_second"),
		Burst:             v.GetInt("burst"),
		MaxViolations:     v.GetInt("max_violations"),
		BlockDuration:     v.GetDuration("block_duration"),
		IdleTTL:           v.GetDuration("idle_ttl"),
		SweepInterval:     v.GetDuration("sweep_interval"),
		QueueSize:         v.GetInt("queue_size"),
		SendBuffer:        v.GetInt("send_buffer"),
	}

	if cfg.Env == "production" && cfg.JWTSecret == "" {
		return nil, errors.New("FELTWIRE_JWT_SECRET is required in production")
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Policy maps the configured displacement policy string to its enum.
func (c *Config) Policy() feltwire.DisplacePolicy {
	switch c.DisplacePolicy {
	case "notify":
		return feltwire.DisplaceNotify
	case "reject":
		return feltwire.RejectSecond
	default:
		return feltwire.DisplaceSilent
	}
}
