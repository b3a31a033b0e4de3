// Package loader handles configuration file loading, validation, and
// conversion into the per-component configurations.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives
//   - Converting YAML sections into controller, engine and journal configs
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/policysync/internal/controller"
	"github.com/xtxerr/policysync/internal/engine"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/journal"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/scheduler"
	"github.com/xtxerr/policysync/internal/snapshot"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. Missing keys keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", errors.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// processIncludes loads included files and merges their controller domains.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}
	return nil
}

func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Controller.Domains))
	for _, d := range cfg.Controller.Domains {
		seen[d] = struct{}{}
	}
	for _, d := range partial.Controller.Domains {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		cfg.Controller.Domains = append(cfg.Controller.Domains, d)
	}
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Controller.Address == "" {
		errs.AddField("controller.address", "cannot be empty")
	}
	if cfg.Controller.Retries < 0 {
		errs.AddField("controller.retries", "cannot be negative")
	}
	for i, d := range cfg.Controller.Domains {
		if !snapshot.Domain(d).IsValid() {
			errs.AddField(fmt.Sprintf("controller.domains[%d]", i), fmt.Sprintf("unknown domain %q", d))
		}
	}

	positive := []struct {
		field string
		value Duration
	}{
		{"controller.timeout", cfg.Controller.Timeout},
		{"sync.base_interval", cfg.Sync.BaseInterval},
		{"sync.active_interval", cfg.Sync.ActiveInterval},
		{"sync.realtime_interval", cfg.Sync.RealtimeInterval},
		{"sync.activity_timeout", cfg.Sync.ActivityTimeout},
		{"sync.operation_debounce", cfg.Sync.OperationDebounce},
		{"sync.refresh_debounce", cfg.Sync.RefreshDebounce},
		{"sync.optimistic_timeout", cfg.Sync.OptimisticTimeout},
		{"sync.pending_ttl", cfg.Sync.PendingTTL},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs.AddField(p.field, "must be positive")
		}
	}

	s := cfg.Sync
	if s.RealtimeInterval > s.ActiveInterval || s.ActiveInterval > s.BaseInterval {
		errs.AddField("sync", "intervals must satisfy realtime <= active <= base")
	}
	if s.RealtimeCycles < 0 {
		errs.AddField("sync.realtime_cycles", "cannot be negative")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		errs.AddField("api.listen", "cannot be empty when enabled")
	}
	if cfg.API.SubscriberBuffer < 0 {
		errs.AddField("api.subscriber_buffer", "cannot be negative")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Retention <= 0 {
			errs.AddField("journal.retention", "must be positive")
		}
		if cfg.Journal.ArchiveDir == "" {
			errs.AddField("journal.archive_dir", "cannot be empty when enabled")
		}
		switch cfg.Journal.Compression {
		case "", "zstd", "snappy", "gzip", "none":
		default:
			errs.AddField("journal.compression", fmt.Sprintf("unknown codec %q", cfg.Journal.Compression))
		}
	}

	switch cfg.Log.Format {
	case "", "auto", "text", "json":
	default:
		errs.AddField("log.format", fmt.Sprintf("unknown format %q", cfg.Log.Format))
	}

	return errs.Err()
}

// =============================================================================
// Conversion
// =============================================================================

// Domains returns the configured domains, or every known domain when none
// are listed.
func (c *Config) Domains() []snapshot.Domain {
	if len(c.Controller.Domains) == 0 {
		return snapshot.KnownDomains
	}
	out := make([]snapshot.Domain, len(c.Controller.Domains))
	for i, d := range c.Controller.Domains {
		out[i] = snapshot.Domain(d)
	}
	return out
}

// ToControllerConfig converts the controller section.
func ToControllerConfig(cfg *Config) controller.Config {
	c := cfg.Controller
	return controller.Config{
		Address:            c.Address,
		BasePath:           c.BasePath,
		APIKey:             c.APIKey,
		Domains:            cfg.Domains(),
		Timeout:            c.Timeout.Duration(),
		Retries:            c.Retries,
		RetryDelay:         c.RetryDelay.Duration(),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// ToEngineConfig converts the sync section.
func ToEngineConfig(cfg *Config) *engine.Config {
	s := cfg.Sync
	return &engine.Config{
		Tracked: cfg.Domains(),
		Scheduler: &scheduler.Config{
			BaseInterval:     s.BaseInterval.Duration(),
			ActiveInterval:   s.ActiveInterval.Duration(),
			RealtimeInterval: s.RealtimeInterval.Duration(),
			RealtimeCycles:   s.RealtimeCycles,
			ActivityTimeout:  s.ActivityTimeout.Duration(),
			DrainTimeout:     s.DrainTimeout.Duration(),
		},
		OperationDebounce: s.OperationDebounce.Duration(),
		RefreshDebounce:   s.RefreshDebounce.Duration(),
		OptimisticTimeout: s.OptimisticTimeout.Duration(),
		PendingTTL:        s.PendingTTL.Duration(),
	}
}

// ToJournalConfig converts the journal section. It returns nil when the
// journal is disabled.
func ToJournalConfig(cfg *Config) *journal.Config {
	j := cfg.Journal
	if !j.Enabled {
		return nil
	}
	opts := journal.DefaultArchiveOptions()
	opts.Compression = j.compression()
	return &journal.Config{
		Path:            j.Path,
		Retention:       j.Retention.Duration(),
		ArchiveDir:      j.ArchiveDir,
		ArchiveInterval: j.ArchiveInterval.Duration(),
		Archive:         opts,
	}
}

// LogLevel returns the configured slog level.
func LogLevel(cfg *Config) slog.Level {
	return logging.ParseLevel(cfg.Log.Level)
}
