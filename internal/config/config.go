// Package config loads application configuration from defaults, an optional
// YAML file, and OPENINGSTATS_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application configuration.
type Config struct {
	StartMonth     string `koanf:"start_month"`
	EndMonth       string `koanf:"end_month"` // empty = current month
	BaseURL        string `koanf:"base_url"`
	WorkDir        string `koanf:"work_dir"`
	EcoDir         string `koanf:"eco_dir"`
	CheckpointFile string `koanf:"checkpoint_file"`
	OutputFile     string `koanf:"output_file"`
	QueueSize      int    `koanf:"queue_size"`
	MaxAttempts    int    `koanf:"max_attempts"`
	RetryDelay     string `koanf:"retry_delay"`
	CourtesyDelay  string `koanf:"courtesy_delay"`
	GracePeriod    string `koanf:"grace_period"`
	ChunkSize      int    `koanf:"chunk_size"`
	RatingMin      int    `koanf:"rating_min"`
}

// RetryDelayDuration returns the parsed retry delay.
func (c *Config) RetryDelayDuration() time.Duration { return mustDuration(c.RetryDelay) }

// CourtesyDelayDuration returns the parsed courtesy delay.
func (c *Config) CourtesyDelayDuration() time.Duration { return mustDuration(c.CourtesyDelay) }

// GracePeriodDuration returns the parsed shutdown grace period.
func (c *Config) GracePeriodDuration() time.Duration { return mustDuration(c.GracePeriod) }

// mustDuration is safe after Validate has run.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Validate checks field values; it is called by Load.
func (c *Config) Validate() error {
	if _, err := time.Parse("2006-01", c.StartMonth); err != nil {
		return fmt.Errorf("invalid start_month %q (want YYYY-MM)", c.StartMonth)
	}
	if c.EndMonth != "" {
		if _, err := time.Parse("2006-01", c.EndMonth); err != nil {
			return fmt.Errorf("invalid end_month %q (want YYYY-MM)", c.EndMonth)
		}
	}
	if !strings.Contains(c.BaseURL, "%s") {
		return fmt.Errorf("base_url must contain a %%s month placeholder")
	}
	if strings.TrimSpace(c.EcoDir) == "" {
		return fmt.Errorf("eco_dir is required")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be > 0")
	}
	if c.RatingMin < 0 {
		return fmt.Errorf("rating_min must be >= 0")
	}
	for name, val := range map[string]string{
		"retry_delay":    c.RetryDelay,
		"courtesy_delay": c.CourtesyDelay,
		"grace_period":   c.GracePeriod,
	} {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, val, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	return nil
}

// Load parses config from defaults + optional file + env, then validates.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"start_month":     "2021-07",
		"end_month":       "",
		"base_url":        "https://database.lichess.org/standard/lichess_db_standard_rated_%s.pgn.zst",
		"work_dir":        ".",
		"eco_dir":         "./data/eco",
		"checkpoint_file": "stats_checkpoint.json",
		"output_file":     "popularity_stats.json",
		"queue_size":      3,
		"max_attempts":    3,
		"retry_delay":     "30s",
		"courtesy_delay":  "1s",
		"grace_period":    "10s",
		"chunk_size":      8192,
		"rating_min":      0,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("OPENINGSTATS_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "OPENINGSTATS_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
