package config

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.DatabasePath == "" {
		t.Error("expected a default database path")
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.Search.Enabled {
		t.Error("search sync should be off by default")
	}
	if cfg.Search.Index != "kasane-pages" {
		t.Errorf("Search.Index = %q", cfg.Search.Index)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: nil,
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.DatabasePath = "" },
			wantErr: ErrEmptyDatabasePath,
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Concurrency = 0 },
			wantErr: ErrInvalidConcurrency,
		},
		{
			name:    "negative batch size",
			mutate:  func(c *Config) { c.BatchSize = -1 },
			wantErr: ErrInvalidBatchSize,
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.MaxRetries = -1 },
			wantErr: ErrInvalidRetries,
		},
		{
			name:    "zero lease",
			mutate:  func(c *Config) { c.Lease = 0 },
			wantErr: ErrInvalidLease,
		},
		{
			name:    "search enabled without url",
			mutate:  func(c *Config) { c.Search.Enabled = true },
			wantErr: ErrEmptySearchURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRepairsCacheSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = 0
	cfg.CacheSize = -5
	cfg.Search.QueueSize = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %v, want repaired default", cfg.CacheTTL)
	}
	if cfg.CacheSize != 10000 {
		t.Errorf("CacheSize = %d, want repaired default", cfg.CacheSize)
	}
	if cfg.Search.QueueSize != 1024 {
		t.Errorf("Search.QueueSize = %d, want repaired default", cfg.Search.QueueSize)
	}
}
