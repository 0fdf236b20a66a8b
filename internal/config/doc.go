// Package config loads and validates the node configuration from YAML,
// covering the storage backend, S3 connection, compaction, retry, DLQ,
// circuit breaker, and metrics settings.
package config
