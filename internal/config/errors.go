package config

import "errors"

// Configuration errors. Load wraps them, so callers can match with errors.Is.
var (
	// ErrConfigNotFound is returned when an explicitly named config file does not exist.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrNoDatabase is returned when the database path is empty.
	ErrNoDatabase = errors.New("database path is required")

	// ErrInvalidPageSize is returned when the page size is outside the API's 1..2000 range.
	ErrInvalidPageSize = errors.New("page size must be between 1 and 2000")

	// ErrInvalidTimeout is returned when the request timeout is not positive.
	ErrInvalidTimeout = errors.New("request timeout must be positive")

	// ErrInvalidRetries is returned when max retries is negative. Zero disables retries.
	ErrInvalidRetries = errors.New("max retries must be non-negative")

	// ErrInvalidBackoff is returned for a retry backoff other than constant or exponential.
	ErrInvalidBackoff = errors.New("backoff must be constant or exponential")

	// ErrInvalidDelay is returned when any delay or interval is negative.
	ErrInvalidDelay = errors.New("delays must be non-negative")

	// ErrNoArchiveBucket is returned when an archive endpoint is set without a bucket.
	ErrNoArchiveBucket = errors.New("archive bucket is required when an archive endpoint is set")

	// ErrInvalidLogLevel is returned for a log level zap does not know.
	ErrInvalidLogLevel = errors.New("log level must be one of debug, info, warn, error")
)
