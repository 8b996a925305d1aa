// Package config resolves the harvest and aggregate settings from the
// environment and an optional .env file.
package config

import (
	"errors"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Defaults for optional settings.
const (
	DefaultUserAgent = "canvas-activity/0.1.0"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "pretty"
	DefaultTimezone  = "America/Vancouver"
)

var (
	// ErrMissingAPIKey is returned when neither API_KEY nor CANVAS_API_KEY is set.
	ErrMissingAPIKey = errors.New("API_KEY is required")

	// ErrMissingBaseURL is returned when neither API_BASE_URL nor CANVAS_BASE_URL is set.
	ErrMissingBaseURL = errors.New("API_BASE_URL is required")
)

// Config holds the resolved settings.
type Config struct {
	APIKey      string
	BaseURL     string
	RedisURL    string
	UserAgent   string
	LogLevel    string
	LogFormat   string
	Timezone    string
	MetricsAddr string
}

// Load reads .env if present, then the process environment. Values already
// set in the environment take precedence over .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.BindEnv("API_KEY", "API_KEY", "CANVAS_API_KEY"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("API_BASE_URL", "API_BASE_URL", "CANVAS_BASE_URL"); err != nil {
		return nil, err
	}
	setDefaults(v)

	return &Config{
		APIKey:      strings.TrimSpace(v.GetString("API_KEY")),
		BaseURL:     strings.TrimSpace(v.GetString("API_BASE_URL")),
		RedisURL:    v.GetString("REDIS_URL"),
		UserAgent:   v.GetString("USER_AGENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),
		Timezone:    v.GetString("AGGREGATE_TIMEZONE"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("USER_AGENT", DefaultUserAgent)
	v.SetDefault("LOG_LEVEL", DefaultLogLevel)
	v.SetDefault("LOG_FORMAT", DefaultLogFormat)
	v.SetDefault("AGGREGATE_TIMEZONE", DefaultTimezone)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("METRICS_ADDR", "")
}

// Validate checks the settings the harvest stage cannot run without.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	return nil
}
