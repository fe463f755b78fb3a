// Package config loads application configuration from environment variables
// and an optional config file via Viper. Environment variables win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config groups the settings the sync core and the CLI consume.
type Config struct {
	BaseURL      string        // central server base address
	DBPath       string        // local SQLite database file
	RefreshTTL   time.Duration // reference-data staleness TTL
	HTTPTimeout  time.Duration // per-request gateway timeout
	PollInterval time.Duration // connectivity probe interval
	LogLevel     string        // debug, info, warn, error
	LogFile      string        // empty means stderr
}

// Load reads configuration. Expected names: OFFBILL_BASE_URL,
// OFFBILL_DB_PATH, OFFBILL_REFRESH_TTL, OFFBILL_HTTP_TIMEOUT,
// OFFBILL_POLL_INTERVAL, OFFBILL_LOG_LEVEL, OFFBILL_LOG_FILE; or the same
// keys (lowercased, no prefix) in an optional offbill.yaml.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("offbill")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/offbill")
	_ = v.ReadInConfig() // the file is optional

	v.SetEnvPrefix("OFFBILL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("db_path", "offbill.db")
	v.SetDefault("refresh_ttl", "24h")
	v.SetDefault("http_timeout", "30s")
	v.SetDefault("poll_interval", "15s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	cfg := &Config{
		BaseURL:      v.GetString("base_url"),
		DBPath:       v.GetString("db_path"),
		RefreshTTL:   v.GetDuration("refresh_ttl"),
		HTTPTimeout:  v.GetDuration("http_timeout"),
		PollInterval: v.GetDuration("poll_interval"),
		LogLevel:     v.GetString("log_level"),
		LogFile:      v.GetString("log_file"),
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url must not be empty")
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return cfg, nil
}
