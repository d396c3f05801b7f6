// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	VPN       VPNConfig       `mapstructure:"vpn"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs the search task scheduler.
type SchedulerConfig struct {
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	WaitPollMs         int `mapstructure:"wait_poll_ms"`
	WaitMaxChecks      int `mapstructure:"wait_max_checks"`
}

// DiscoveryConfig governs the email discovery pool.
type DiscoveryConfig struct {
	Workers         int      `mapstructure:"workers"`
	MaxRetries      int      `mapstructure:"max_retries"`
	BackoffMinMs    int      `mapstructure:"backoff_min_ms"`
	BackoffMaxMs    int      `mapstructure:"backoff_max_ms"`
	ContactPaths    []string `mapstructure:"contact_paths"`
	DenyPatterns    []string `mapstructure:"deny_patterns"`
	SkipDomains     []string `mapstructure:"skip_domains"`
	NavTimeoutSec   int      `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int      `mapstructure:"promotion_threshold"`
}

// GuardConfig controls block detection and IP rotation.
type GuardConfig struct {
	RotationThreshold int     `mapstructure:"rotation_threshold"`
	DomainRPS         float64 `mapstructure:"domain_rps"`
	DomainBurst       int     `mapstructure:"domain_burst"`
}

// FetcherConfig configures the page fetchers.
type FetcherConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	HeadlessEnabled bool   `mapstructure:"headless_enabled"`
	MaxParallel     int    `mapstructure:"max_parallel"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig sets snapshot persistence. An empty bucket keeps snapshots
// in memory only.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// VPNConfig points at the external IP rotation utility.
type VPNConfig struct {
	ControlURL     string `mapstructure:"control_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.max_concurrent_tasks", 2)
	v.SetDefault("scheduler.wait_poll_ms", 500)
	v.SetDefault("scheduler.wait_max_checks", 240)
	v.SetDefault("discovery.workers", 3)
	v.SetDefault("discovery.max_retries", 3)
	v.SetDefault("discovery.backoff_min_ms", 1000)
	v.SetDefault("discovery.backoff_max_ms", 3000)
	v.SetDefault("discovery.contact_paths", []string{
		"/contact", "/contact-us", "/contactus", "/about", "/about-us", "/team",
	})
	v.SetDefault("discovery.deny_patterns", []string{
		"example", "test@", "noreply", "no-reply", "donotreply",
		"yourname", "youremail", "sentry", "wixpress", ".png", ".jpg", ".gif",
	})
	v.SetDefault("discovery.skip_domains", []string{
		"facebook.com", "instagram.com", "linkedin.com", "twitter.com",
		"youtube.com", "yelp.com", "google.com",
	})
	v.SetDefault("discovery.nav_timeout_seconds", 30)
	v.SetDefault("discovery.promotion_threshold", 60)
	v.SetDefault("guard.rotation_threshold", 5)
	v.SetDefault("guard.domain_rps", 0.5)
	v.SetDefault("guard.domain_burst", 1)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.headless_enabled", true)
	v.SetDefault("fetcher.max_parallel", 3)
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("vpn.timeout_seconds", 20)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be > 0")
	}
	if c.Discovery.Workers <= 0 {
		return fmt.Errorf("discovery.workers must be > 0")
	}
	if c.Discovery.BackoffMaxMs < c.Discovery.BackoffMinMs {
		return fmt.Errorf("discovery.backoff_max_ms must be >= discovery.backoff_min_ms")
	}
	if c.Guard.RotationThreshold <= 0 {
		return fmt.Errorf("guard.rotation_threshold must be > 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Archive.Enabled && c.Archive.GCSBucket == "" && c.Archive.Prefix == "" {
		return fmt.Errorf("archive.prefix must be set when archive is enabled without a bucket")
	}
	return nil
}

// FetchTimeout converts the fetcher timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// WaitPollInterval is the status poll interval used by WaitForTask.
func (c Config) WaitPollInterval() time.Duration {
	return time.Duration(c.Scheduler.WaitPollMs) * time.Millisecond
}
