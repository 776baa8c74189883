package config

import "errors"

var (
	// ErrInvalidConcurrency is returned when concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	// ErrInvalidBatchSize is returned when batch_size is not greater than 0
	ErrInvalidBatchSize = errors.New("batch_size must be greater than 0")
	// ErrInvalidLease is returned when lease_timeout is not greater than 0
	ErrInvalidLease = errors.New("lease_timeout must be greater than 0")
	// ErrInvalidRetries is returned when max_retries is negative
	ErrInvalidRetries = errors.New("max_retries cannot be negative")
	// ErrEmptyDatabasePath is returned when database path is empty
	ErrEmptyDatabasePath = errors.New("database_path cannot be empty")
	// ErrEmptySearchURL is returned when search sync is enabled without a URL
	ErrEmptySearchURL = errors.New("search.url cannot be empty when search sync is enabled")
)
