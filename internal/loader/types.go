// Package loader - Configuration Types
//
// Defines the YAML configuration structure for policysyncd.
//
//	controller:  address, credentials, timeouts, fetched domains
//	sync:        poll intervals, debounce windows, optimistic timeout
//	api:         host HTTP API listen address and stream buffering
//	journal:     DuckDB change journal and Parquet archive
//	log:         level and format
package loader

import (
	"time"

	"github.com/xtxerr/policysync/config"
	"github.com/xtxerr/policysync/internal/journal"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for policysyncd.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Sync       SyncConfig       `yaml:"sync"`
	API        APIConfig        `yaml:"api"`
	Journal    JournalConfig    `yaml:"journal"`
	Log        LogConfig        `yaml:"log"`

	// Include lists additional files (globs allowed) whose controller.domains
	// are appended. Relative paths resolve against the main file.
	Include []string `yaml:"include"`
}

// =============================================================================
// Sections
// =============================================================================

// ControllerConfig configures the controller client.
type ControllerConfig struct {
	// Address is the controller base address.
	// Default: "https://127.0.0.1:8443"
	Address string `yaml:"address"`

	// BasePath prefixes every API path. Default: "/api/v2"
	BasePath string `yaml:"base_path"`

	// APIKey is sent with each request. Use ${ENV} expansion to keep it out
	// of the file.
	APIKey string `yaml:"api_key"`

	// InsecureSkipVerify accepts self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Timeout is the per-request timeout. Default: 10s
	Timeout Duration `yaml:"timeout"`

	// Retries is the number of list retries. Writes are never retried.
	// Default: 2
	Retries int `yaml:"retries"`

	// RetryDelay is the fixed delay between retries. Default: 500ms
	RetryDelay Duration `yaml:"retry_delay"`

	// Domains restricts fetching and diffing. Empty means every domain.
	Domains []string `yaml:"domains"`
}

// SyncConfig configures the engine.
type SyncConfig struct {
	BaseInterval      Duration `yaml:"base_interval"`
	ActiveInterval    Duration `yaml:"active_interval"`
	RealtimeInterval  Duration `yaml:"realtime_interval"`
	RealtimeCycles    int      `yaml:"realtime_cycles"`
	ActivityTimeout   Duration `yaml:"activity_timeout"`
	OperationDebounce Duration `yaml:"operation_debounce"`
	RefreshDebounce   Duration `yaml:"refresh_debounce"`
	OptimisticTimeout Duration `yaml:"optimistic_timeout"`
	PendingTTL        Duration `yaml:"pending_ttl"`

	// DrainTimeout bounds shutdown. Default: 30s
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// APIConfig configures the host HTTP API.
type APIConfig struct {
	// Enabled turns the API on. Default: true
	Enabled bool `yaml:"enabled"`

	// Listen is the listen address. Default: "127.0.0.1:8088"
	Listen string `yaml:"listen"`

	// SubscriberBuffer is the per-stream event buffer. Default: 256
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// JournalConfig configures the change journal.
type JournalConfig struct {
	// Enabled turns the journal on. Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the DuckDB file. Empty keeps the journal in memory.
	Path string `yaml:"path"`

	Retention       Duration `yaml:"retention"`
	ArchiveDir      string   `yaml:"archive_dir"`
	ArchiveInterval Duration `yaml:"archive_interval"`

	// Compression is the archive codec: zstd, snappy, gzip or none.
	Compression string `yaml:"compression"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`

	// Format is text, json or auto. Auto picks text on a terminal.
	Format string `yaml:"format"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			Address:    config.DefaultControllerAddress,
			Timeout:    Duration(config.DefaultRequestTimeout),
			Retries:    config.DefaultFetchRetries,
			RetryDelay: Duration(config.DefaultRetryDelay),
		},
		Sync: SyncConfig{
			BaseInterval:      Duration(config.DefaultBaseInterval),
			ActiveInterval:    Duration(config.DefaultActiveInterval),
			RealtimeInterval:  Duration(config.DefaultRealtimeInterval),
			RealtimeCycles:    config.DefaultRealtimeCycles,
			ActivityTimeout:   Duration(config.DefaultActivityTimeout),
			OperationDebounce: Duration(config.DefaultOperationDebounce),
			RefreshDebounce:   Duration(config.DefaultRefreshDebounce),
			OptimisticTimeout: Duration(config.DefaultOptimisticTimeout),
			PendingTTL:        Duration(config.DefaultPendingTTL),
			DrainTimeout:      Duration(config.DefaultDrainTimeout),
		},
		API: APIConfig{
			Enabled:          true,
			Listen:           config.DefaultListenAddress,
			SubscriberBuffer: config.DefaultSubscriberBuffer,
		},
		Journal: JournalConfig{
			Enabled:         true,
			Path:            config.DefaultJournalPath,
			Retention:       Duration(config.DefaultJournalRetention),
			ArchiveDir:      config.DefaultArchiveDir,
			ArchiveInterval: Duration(config.DefaultArchiveInterval),
			Compression:     "zstd",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Accepts Go duration strings ("2m30s") or plain integers (seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		// Plain integers also decode into a string; treat them as seconds
		var i int
		if intErr := unmarshal(&i); intErr == nil {
			*d = Duration(time.Duration(i) * time.Second)
			return nil
		}
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// compression maps the configured name to the archive codec.
func (j JournalConfig) compression() journal.CompressionType {
	return journal.ParseCompressionType(j.Compression)
}
