// Package config provides configuration defaults and utilities
// for the policysync daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Poll Scheduler Defaults
// =============================================================================

const (
	// DefaultBaseInterval is the refresh interval while nothing is happening.
	// Override via config: sync.base_interval
	DefaultBaseInterval = 5 * time.Minute

	// DefaultActiveInterval is used after any change (local or remote) is observed.
	// Override via config: sync.active_interval
	DefaultActiveInterval = 30 * time.Second

	// DefaultRealtimeInterval is used right after a local write is confirmed,
	// to catch secondary effects on the controller.
	// Override via config: sync.realtime_interval
	DefaultRealtimeInterval = 10 * time.Second

	// DefaultRealtimeCycles is how many refreshes run at the realtime interval
	// before decaying to the active interval.
	// Override via config: sync.realtime_cycles
	DefaultRealtimeCycles = 3

	// DefaultActivityTimeout is how long without changes before reverting to idle.
	// Override via config: sync.activity_timeout
	DefaultActivityTimeout = 2 * time.Minute
)

// =============================================================================
// Debounce / Optimistic Defaults
// =============================================================================

const (
	// DefaultOperationDebounce coalesces rapid toggles of the same entity.
	// Override via config: sync.operation_debounce
	DefaultOperationDebounce = 500 * time.Millisecond

	// DefaultRefreshDebounce delays the authoritative re-poll after a write.
	// Override via config: sync.refresh_debounce
	DefaultRefreshDebounce = 2 * time.Second

	// DefaultOptimisticTimeout bounds how long a provisional state is shown
	// without confirmation from the controller.
	// Override via config: sync.optimistic_timeout
	DefaultOptimisticTimeout = 15 * time.Second

	// DefaultPendingTTL is how long a written operation waits to be correlated
	// with an observed change before it is forgotten.
	// Override via config: sync.pending_ttl
	DefaultPendingTTL = 5 * time.Minute
)

// =============================================================================
// Controller Client Defaults
// =============================================================================

const (
	// DefaultControllerAddress is the controller API base address.
	// Override via config: controller.address
	DefaultControllerAddress = "https://127.0.0.1:8443"

	// DefaultRequestTimeout is the per-request HTTP timeout.
	// Override via config: controller.timeout
	DefaultRequestTimeout = 10 * time.Second

	// DefaultFetchRetries is the number of retry attempts for list requests.
	// Writes are never retried.
	// Override via config: controller.retries
	DefaultFetchRetries = 2

	// DefaultRetryDelay is the fixed delay between list retries.
	// Override via config: controller.retry_delay
	DefaultRetryDelay = 500 * time.Millisecond
)

// =============================================================================
// API / Journal Defaults
// =============================================================================

const (
	// DefaultListenAddress is the host API listen address.
	// Override via config: api.listen
	DefaultListenAddress = "127.0.0.1:8088"

	// DefaultSubscriberBuffer is the capacity of each event stream subscriber.
	// Events are dropped for subscribers that fall behind.
	// Override via config: api.subscriber_buffer
	DefaultSubscriberBuffer = 256

	// DefaultJournalPath is the DuckDB database path for the change journal.
	// Empty means in-memory.
	// Override via config: journal.path
	DefaultJournalPath = "policysync.db"

	// DefaultJournalRetention is how long events stay in the journal
	// before they are archived to Parquet.
	// Override via config: journal.retention
	DefaultJournalRetention = 7 * 24 * time.Hour

	// DefaultArchiveInterval is how often the archiver runs.
	// Override via config: journal.archive_interval
	DefaultArchiveInterval = time.Hour

	// DefaultArchiveDir receives archived journal files.
	// Override via config: journal.archive_dir
	DefaultArchiveDir = "archive"
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long to wait for an in-flight refresh during shutdown.
	DefaultDrainTimeout = 30 * time.Second
)
