// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// resolved once at startup; per-job snapshots are taken from it so no
// component re-reads configuration mid-pipeline.
type Config struct {
	Server  ServerConfig              `mapstructure:"server"`
	Auth    AuthConfig                `mapstructure:"auth"`
	Logging LoggingConfig             `mapstructure:"logging"`
	Jobs    JobsConfig                `mapstructure:"jobs"`
	Scrape  ScrapeConfig              `mapstructure:"scrape"`
	Places  PlacesConfig              `mapstructure:"places"`
	Search  SearchConfig              `mapstructure:"search"`
	AI      AIConfig                  `mapstructure:"ai"`
	DB      DBConfig                  `mapstructure:"db"`
	PubSub  PubSubConfig              `mapstructure:"pubsub"`
	Storage StorageConfig             `mapstructure:"storage"`
	Stores  map[string]StoreSeedEntry `mapstructure:"stores"`
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

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// JobsConfig governs the worker pool and queue.
type JobsConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// ScrapeConfig points at the external headless scrape service.
type ScrapeConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	BatchPerURLSeconds int    `mapstructure:"batch_per_url_seconds"`
}

// Timeout returns the single-URL scrape timeout.
func (c ScrapeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PlacesConfig configures the nearby-store lookup.
type PlacesConfig struct {
	APIKey             string  `mapstructure:"api_key"`
	BaseURL            string  `mapstructure:"base_url"`
	DefaultRadiusMiles float64 `mapstructure:"default_radius_miles"`
	CacheTTLMinutes    int     `mapstructure:"cache_ttl_minutes"`
}

// SearchConfig tunes the tiered price discovery strategy.
type SearchConfig struct {
	// MinOffers is the escalation threshold: a tier yielding fewer usable
	// offers than this hands off to the next tier.
	MinOffers            int `mapstructure:"min_offers"`
	MaxStores            int `mapstructure:"max_stores"`
	ResultCacheTTLMin    int `mapstructure:"result_cache_ttl_minutes"`
	LocalStoreCacheHours int `mapstructure:"local_store_cache_hours"`
}

// ProviderConfig describes one configured LLM provider.
type ProviderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// AIConfig holds per-provider settings plus fan-out behavior.
type AIConfig struct {
	Providers      map[string]ProviderConfig `mapstructure:"providers"`
	TimeoutSeconds int                       `mapstructure:"timeout_seconds"`
	// Aggregator names the provider used to reconcile multi-provider
	// answers; empty means the first available provider.
	Aggregator string `mapstructure:"aggregator"`
}

// Timeout returns the per-provider call timeout.
func (c AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PubSubConfig holds metadata for job-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig sets paths and content types for blob archiving.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// StoreSeedEntry seeds one vendor into the store registry from config.
type StoreSeedEntry struct {
	Name         string `mapstructure:"name"`
	Domain       string `mapstructure:"domain"`
	SearchURL    string `mapstructure:"search_url"`
	Category     string `mapstructure:"category"`
	LocalPricing bool   `mapstructure:"local_pricing"`
	Priority     int    `mapstructure:"priority"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICESCOUT")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("scrape.base_url", "http://localhost:11235")
	v.SetDefault("scrape.timeout_seconds", 30)
	v.SetDefault("scrape.batch_per_url_seconds", 15)
	v.SetDefault("places.default_radius_miles", 10)
	v.SetDefault("places.cache_ttl_minutes", 60)
	v.SetDefault("search.min_offers", 3)
	v.SetDefault("search.max_stores", 8)
	v.SetDefault("search.result_cache_ttl_minutes", 15)
	v.SetDefault("search.local_store_cache_hours", 168)
	v.SetDefault("ai.timeout_seconds", 60)
	v.SetDefault("storage.prefix", "audits")
	v.SetDefault("storage.content_type", "text/markdown; charset=utf-8")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Scrape.TimeoutSeconds <= 0 {
		return fmt.Errorf("scrape.timeout_seconds must be > 0")
	}
	if c.Search.MinOffers <= 0 {
		return fmt.Errorf("search.min_offers must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for name, p := range c.AI.Providers {
		if p.Enabled && p.Model == "" {
			return fmt.Errorf("ai.providers.%s.model must be set when enabled", name)
		}
	}
	return nil
}
