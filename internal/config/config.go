// Package config loads the gopost service configuration from a YAML
// file, with .env files and environment variables layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCycleInterval is how often the orchestrator runs a cycle
	DefaultCycleInterval = time.Minute
	// DefaultDedupWindow is the fingerprint lookback window
	DefaultDedupWindow = 30 * 24 * time.Hour
	// DefaultReviewTimeout is how long an item may wait for review
	DefaultReviewTimeout = 24 * time.Hour
	// DefaultQuotaMaxWait is how long a quota-deferred item may stay queued
	DefaultQuotaMaxWait = 48 * time.Hour
	// DefaultLeadOffset is how far before an event anchor posts are placed
	DefaultLeadOffset = 15 * time.Minute
	// DefaultJitter is the maximum random offset added to window slots
	DefaultJitter = 20 * time.Minute
	// DefaultMaxAttempts is the publish retry budget per item
	DefaultMaxAttempts = 3
	// DefaultBackoffBase is the first retry delay
	DefaultBackoffBase = 5 * time.Minute
	// DefaultBackoffCap bounds the exponential retry delay
	DefaultBackoffCap = time.Hour
	// DefaultReadTimeoutSeconds is the HTTP server read timeout in seconds
	DefaultReadTimeoutSeconds = 10
	// DefaultWriteTimeoutSeconds is the HTTP server write timeout in seconds
	DefaultWriteTimeoutSeconds = 30
)

// ReviewPolicy decides what happens when a review times out.
type ReviewPolicy string

const (
	ReviewPolicyAutoSkip    ReviewPolicy = "auto_skip"
	ReviewPolicyAutoApprove ReviewPolicy = "auto_approve"
)

type Config struct {
	Debug     bool             `yaml:"debug"` // Controls log level and format
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Service   ServiceConfig    `yaml:"service"`
	Review    ReviewConfig     `yaml:"review"`
	Publish   PublishConfig    `yaml:"publish"`
	Platforms []PlatformConfig `yaml:"platforms"`
}

type ServerConfig struct {
	Address      string        `yaml:"address"`       // e.g., ":8075"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ServiceConfig struct {
	CycleInterval time.Duration `yaml:"cycle_interval"` // Time between orchestrator cycles
	TimeZone      string        `yaml:"time_zone"`      // Quota day boundaries and posting windows
	DedupWindow   time.Duration `yaml:"dedup_window"`   // Fingerprint lookback
	QuotaMaxWait  time.Duration `yaml:"quota_max_wait"` // Queued items older than this are skipped
	LeadOffset    time.Duration `yaml:"lead_offset"`    // Event-anchored posts go out this early
	Jitter        time.Duration `yaml:"jitter"`         // Max random slot offset (anti-periodicity)
	DryRun        bool          `yaml:"dry_run"`        // Simulate publishes without calling adapters
}

type ReviewConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"` // How long to wait for a human decision
	Policy  ReviewPolicy  `yaml:"policy"`  // What to do at timeout expiry
}

type PublishConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// PlatformConfig describes one target platform: its daily publish budget
// and the ordered list of preferred posting windows ("HH:MM", local to
// Service.TimeZone).
type PlatformConfig struct {
	Name       string   `yaml:"name"`
	MaxPerDay  int      `yaml:"max_per_day"`
	Windows    []string `yaml:"windows"`
	DailyLimit int      `yaml:"-"` // Resolved from adapter at runtime when lower than MaxPerDay
}

// defaultPlatforms mirrors the stock platform set: per-day budgets and
// engagement windows for the three launch platforms.
func defaultPlatforms() []PlatformConfig {
	return []PlatformConfig{
		{Name: "twitter", MaxPerDay: 5, Windows: []string{"09:00", "12:00", "17:00"}},
		{Name: "instagram", MaxPerDay: 2, Windows: []string{"10:30", "18:00"}},
		{Name: "linkedin", MaxPerDay: 1, Windows: []string{"10:00", "14:00"}},
	}
}

// Validate checks if the server configuration is valid and sets defaults.
func (c *ServerConfig) Validate() error {
	if c.Address == "" {
		c.Address = ":8075"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeoutSeconds * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeoutSeconds * time.Second
	}
	return nil
}

// Platform returns the configuration for the named platform, or nil.
func (c *Config) Platform(name string) *PlatformConfig {
	for i := range c.Platforms {
		if c.Platforms[i].Name == name {
			return &c.Platforms[i]
		}
	}
	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Service.CycleInterval <= 0 {
		return fmt.Errorf("service.cycle_interval must be positive, got %v", c.Service.CycleInterval)
	}
	if _, err := time.LoadLocation(c.Service.TimeZone); err != nil {
		return fmt.Errorf("service.time_zone %q is invalid: %w", c.Service.TimeZone, err)
	}
	if c.Review.Policy != ReviewPolicyAutoSkip && c.Review.Policy != ReviewPolicyAutoApprove {
		return fmt.Errorf("review.policy must be %q or %q, got %q",
			ReviewPolicyAutoSkip, ReviewPolicyAutoApprove, c.Review.Policy)
	}
	if len(c.Platforms) == 0 {
		return errors.New("at least one platform is required")
	}
	for i, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("platforms[%d].name is required", i)
		}
		if p.MaxPerDay <= 0 {
			return fmt.Errorf("platforms[%d].max_per_day must be positive, got %d", i, p.MaxPerDay)
		}
		if len(p.Windows) == 0 {
			return fmt.Errorf("platforms[%d].windows is required", i)
		}
		for _, w := range p.Windows {
			if _, err := time.Parse("15:04", w); err != nil {
				return fmt.Errorf("platforms[%d] window %q is not HH:MM: %w", i, w, err)
			}
		}
	}
	return nil
}

// setDefaults sets default values for configuration fields
func setDefaults(cfg *Config) {
	if cfg.Service.CycleInterval == 0 {
		cfg.Service.CycleInterval = DefaultCycleInterval
	}
	if cfg.Service.TimeZone == "" {
		cfg.Service.TimeZone = "UTC"
	}
	if cfg.Service.DedupWindow == 0 {
		cfg.Service.DedupWindow = DefaultDedupWindow
	}
	if cfg.Service.QuotaMaxWait == 0 {
		cfg.Service.QuotaMaxWait = DefaultQuotaMaxWait
	}
	if cfg.Service.LeadOffset == 0 {
		cfg.Service.LeadOffset = DefaultLeadOffset
	}
	if cfg.Service.Jitter == 0 {
		cfg.Service.Jitter = DefaultJitter
	}
	if cfg.Review.Timeout == 0 {
		cfg.Review.Timeout = DefaultReviewTimeout
	}
	if cfg.Review.Policy == "" {
		cfg.Review.Policy = ReviewPolicyAutoSkip
	}
	if cfg.Publish.MaxAttempts == 0 {
		cfg.Publish.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Publish.BackoffBase == 0 {
		cfg.Publish.BackoffBase = DefaultBackoffBase
	}
	if cfg.Publish.BackoffCap == 0 {
		cfg.Publish.BackoffCap = DefaultBackoffCap
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = "5432"
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "gopost"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = defaultPlatforms()
	}
}

// overrideWithEnvVars overrides configuration with environment variables
func overrideWithEnvVars(cfg *Config) {
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		cfg.Database.Port = v
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		cfg.Database.DBName = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GOPOST_PORT"); v != "" {
		cfg.Server.Address = ":" + v
	}
	if v := os.Getenv("GOPOST_DRY_RUN"); v != "" {
		cfg.Service.DryRun = parseBool(v)
	}
	if v := os.Getenv("GOPOST_REVIEW_ENABLED"); v != "" {
		cfg.Review.Enabled = parseBool(v)
	}
	if v := os.Getenv("APP_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
}

// Load reads the YAML config at path and applies defaults, .env files
// and environment variable overrides. A missing file is not an error;
// defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	// .env.local overrides .env; missing files are ignored
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if unmarshalErr := yaml.Unmarshal(data, &cfg); unmarshalErr != nil {
			return nil, fmt.Errorf("parse config: %w", unmarshalErr)
		}
	case os.IsNotExist(err):
		// Fall through to defaults
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	setDefaults(&cfg)
	overrideWithEnvVars(&cfg)

	if err := cfg.Server.Validate(); err != nil {
		return nil, fmt.Errorf("server config validation: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Location returns the configured time zone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Service.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseBool parses a string value as a boolean. Returns true for
// "true", "1", "yes" (case-insensitive), false otherwise.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
