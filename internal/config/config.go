// Package config provides configuration management for the ingestion
// pipeline. It defines configuration structures and default values for
// deduplication, dispatch, and search synchronization parameters.
package config

import "time"

// SearchConfig holds Elasticsearch synchronization settings.
type SearchConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`             // Whether index sync runs at all
	URL          string        `mapstructure:"url" yaml:"url"`                     // Elasticsearch endpoint
	Index        string        `mapstructure:"index" yaml:"index"`                 // Index name for page documents
	Username     string        `mapstructure:"username" yaml:"username"`           // Basic auth username (optional)
	Password     string        `mapstructure:"password" yaml:"password"`           // Basic auth password (optional)
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`       // Bounded sync queue capacity
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"` // Reconcile sweep interval
}

// DispatchConfig holds scrape-task dispatch settings.
type DispatchConfig struct {
	WorkerEndpoint string        `mapstructure:"worker_endpoint" yaml:"worker_endpoint"` // Scrape worker URL; empty keeps dispatch in-process
	AuthToken      string        `mapstructure:"auth_token" yaml:"auth_token"`           // Bearer token for the worker endpoint
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"` // Dispatch HTTP timeout
	RatePerSecond  float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"` // Dispatch throttle (0 = unlimited)
}

// Config holds pipeline configuration.
type Config struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // Path to SQLite database file

	// Ingestion parameters
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`     // Number of concurrent pipeline workers
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`       // Records per ingestion batch
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`     // Registry retries before terminal failure
	Lease       time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"` // Claim visibility timeout

	// Dedup cache
	CacheTTL  time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`   // Key cache entry lifetime
	CacheSize int           `mapstructure:"cache_size" yaml:"cache_size"` // Key cache capacity

	// Orphan cleanup
	OrphanGrace time.Duration `mapstructure:"orphan_grace" yaml:"orphan_grace"` // Grace before an orphaned page is deleted

	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Search   SearchConfig   `mapstructure:"search" yaml:"search"`

	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"` // debug/info/warn/error
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`   // Optional log file path
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./kasane.db",
		Concurrency:  4,
		BatchSize:    250,
		MaxRetries:   3,
		Lease:        5 * time.Minute,
		CacheTTL:     2 * time.Minute,
		CacheSize:    10000,
		OrphanGrace:  24 * time.Hour,
		Dispatch: DispatchConfig{
			RequestTimeout: 30 * time.Second,
			RatePerSecond:  20,
		},
		Search: SearchConfig{
			Enabled:      false,
			Index:        "kasane-pages",
			QueueSize:    1024,
			SyncInterval: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return ErrEmptyDatabasePath
	}
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	if c.Lease <= 0 {
		return ErrInvalidLease
	}

	// Keep the cache usable even when misconfigured; it is an optimization,
	// never a correctness dependency.
	if c.CacheTTL <= 0 {
		c.CacheTTL = 2 * time.Minute
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}

	if c.Search.Enabled && c.Search.URL == "" {
		return ErrEmptySearchURL
	}
	if c.Search.QueueSize <= 0 {
		c.Search.QueueSize = 1024
	}

	return nil
}
