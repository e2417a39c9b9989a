// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Audits   AuditsConfig   `mapstructure:"audits"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// AuditsConfig governs the job executor and request defaults.
type AuditsConfig struct {
	MaxConcurrent         int    `mapstructure:"max_concurrent"`
	JobTimeoutSeconds     int    `mapstructure:"job_timeout_seconds"`
	DefaultMaxPages       int    `mapstructure:"default_max_pages"`
	DefaultMaxLinks       int    `mapstructure:"default_max_external_links"`
	EventTopic            string `mapstructure:"event_topic"`
	HistoryLimit          int    `mapstructure:"history_limit"`
	ArchivePrefix         string `mapstructure:"archive_prefix"`
	UsageLedgerTable      string `mapstructure:"usage_ledger_table"`
	AuditTable            string `mapstructure:"audit_table"`
	UserTierTable         string `mapstructure:"user_tier_table"`
	TierSource            string `mapstructure:"tier_source"`
	LedgerSource          string `mapstructure:"ledger_source"`
	AuditStoreSource      string `mapstructure:"audit_store_source"`
	PublishTimeoutSeconds int    `mapstructure:"publish_timeout_seconds"`
	ShutdownBudgetSeconds int    `mapstructure:"shutdown_budget_seconds"`
}

// SessionsConfig tunes the in-memory session registry.
type SessionsConfig struct {
	TTLMinutes           int `mapstructure:"ttl_minutes"`
	MaxSessions          int `mapstructure:"max_sessions"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
	WatchBuffer          int `mapstructure:"watch_buffer"`
}

// AnalyzerConfig governs the built-in crawl analyzer.
type AnalyzerConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	Parallelism        int    `mapstructure:"parallelism"`
	DelayMs            int    `mapstructure:"delay_ms"`
	LinkTimeoutSeconds int    `mapstructure:"link_timeout_seconds"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	ConnLifetimeMinute int    `mapstructure:"conn_lifetime_minutes"`
}

// StorageConfig selects and configures the archive blob store.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"` // memory | local | gcs
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for terminal-event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDITD")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("audits.max_concurrent", 4)
	v.SetDefault("audits.job_timeout_seconds", 300)
	v.SetDefault("audits.default_max_pages", 25)
	v.SetDefault("audits.default_max_external_links", 10)
	v.SetDefault("audits.event_topic", "audit-events")
	v.SetDefault("audits.history_limit", 50)
	v.SetDefault("audits.archive_prefix", "audits")
	v.SetDefault("audits.usage_ledger_table", "usage_ledger")
	v.SetDefault("audits.audit_table", "audits")
	v.SetDefault("audits.user_tier_table", "user_tiers")
	v.SetDefault("audits.tier_source", "static")
	v.SetDefault("audits.ledger_source", "memory")
	v.SetDefault("audits.audit_store_source", "memory")
	v.SetDefault("audits.publish_timeout_seconds", 5)
	v.SetDefault("audits.shutdown_budget_seconds", 30)
	v.SetDefault("sessions.ttl_minutes", 30)
	v.SetDefault("sessions.max_sessions", 10000)
	v.SetDefault("sessions.sweep_interval_seconds", 60)
	v.SetDefault("sessions.watch_buffer", 16)
	v.SetDefault("analyzer.user_agent", "domain-audit-bot/1.0")
	v.SetDefault("analyzer.parallelism", 2)
	v.SetDefault("analyzer.delay_ms", 0)
	v.SetDefault("analyzer.link_timeout_seconds", 10)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0")
	}
	if c.Audits.MaxConcurrent <= 0 {
		return fmt.Errorf("audits.max_concurrent must be > 0")
	}
	if c.Audits.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("audits.job_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be one of memory, local, gcs")
	}
	if needsDB(c) && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when a postgres-backed source is selected")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	return nil
}

func needsDB(c Config) bool {
	return c.Audits.TierSource == "postgres" ||
		c.Audits.LedgerSource == "postgres" ||
		c.Audits.AuditStoreSource == "postgres"
}

// JobTimeout converts the configured job budget to a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Audits.JobTimeoutSeconds) * time.Second
}

// RequestTimeout converts the HTTP handler budget to a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
