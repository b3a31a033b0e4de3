// Package journal persists change events in DuckDB.
//
// The Journal is a notify.Sink: every delivered event becomes one row of the
// change_events table. Rows older than the retention window are moved to
// zstd-compressed Parquet files by Archive.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/policysync/config"
	"github.com/xtxerr/policysync/internal/diff"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/snapshot"
)

var log = logging.Component("journal")

const schema = `
CREATE TABLE IF NOT EXISTS change_events (
	event_id          VARCHAR PRIMARY KEY,
	cycle_id          VARCHAR NOT NULL,
	domain            VARCHAR NOT NULL,
	entity_id         VARCHAR NOT NULL,
	action            VARCHAR NOT NULL,
	locally_initiated BOOLEAN NOT NULL,
	observed_ms       BIGINT  NOT NULL,
	old_state         VARCHAR,
	new_state         VARCHAR
)`

const selectColumns = `event_id, cycle_id, domain, entity_id, action,
	locally_initiated, observed_ms, old_state, new_state`

// Config configures a Journal.
type Config struct {
	// Path is the DuckDB database file. Empty opens an in-memory database.
	Path string

	// Retention is how long rows stay in the database before archiving.
	Retention time.Duration

	// ArchiveDir receives the Parquet archive files.
	ArchiveDir string

	// ArchiveInterval is how often Run archives expired rows.
	ArchiveInterval time.Duration

	Archive ArchiveOptions
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:            config.DefaultJournalPath,
		Retention:       config.DefaultJournalRetention,
		ArchiveDir:      config.DefaultArchiveDir,
		ArchiveInterval: config.DefaultArchiveInterval,
		Archive:         DefaultArchiveOptions(),
	}
}

// Stats holds journal counters.
type Stats struct {
	Recorded     int64
	Errors       int64
	Archived     int64
	ArchiveFiles int64
	LastArchive  time.Time
}

// Journal stores change events.
type Journal struct {
	cfg *Config
	db  *sql.DB

	// archiveMu serializes Archive runs.
	archiveMu sync.Mutex
	closed    atomic.Bool

	recorded     atomic.Int64
	errs         atomic.Int64
	archived     atomic.Int64
	archiveFiles atomic.Int64
	lastArchive  atomic.Int64
}

// Open opens (or creates) the journal database.
func Open(cfg *Config) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = config.DefaultJournalRetention
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = config.DefaultArchiveInterval
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = config.DefaultArchiveDir
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open duckdb: %w", errors.ErrDatabase, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %w", errors.ErrDatabase, err)
	}

	log.Info("journal opened", "path", cfg.Path, "retention", cfg.Retention)
	return &Journal{cfg: cfg, db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	return j.db.Close()
}

// =============================================================================
// Sink
// =============================================================================

// Handle records one event. Replayed event ids are ignored.
func (j *Journal) Handle(ctx context.Context, ev notify.Event) error {
	if j.closed.Load() {
		return errors.ErrClosed
	}

	oldState, err := encodeState(ev.OldState)
	if err != nil {
		return err
	}
	newState, err := encodeState(ev.NewState)
	if err != nil {
		return err
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO change_events (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		ev.ID, ev.CycleID, string(ev.Domain), ev.EntityID, string(ev.Action),
		ev.LocallyInitiated, ev.ObservedAt.UnixMilli(), oldState, newState,
	)
	if err != nil {
		j.errs.Add(1)
		return fmt.Errorf("%w: insert event %s: %w", errors.ErrDatabase, ev.ID, err)
	}

	j.recorded.Add(1)
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// Recent returns the newest events first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]notify.Event, error) {
	return j.query(ctx, `
		SELECT `+selectColumns+`
		FROM change_events
		ORDER BY observed_ms DESC, event_id DESC
		LIMIT $1`, clampLimit(limit))
}

// ForEntity returns the newest events of one entity first.
func (j *Journal) ForEntity(ctx context.Context, key snapshot.Key, limit int) ([]notify.Event, error) {
	return j.query(ctx, `
		SELECT `+selectColumns+`
		FROM change_events
		WHERE domain = $1 AND entity_id = $2
		ORDER BY observed_ms DESC, event_id DESC
		LIMIT $3`, string(key.Domain), key.ID, clampLimit(limit))
}

// Count returns the number of rows currently held in the database.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT count(*) FROM change_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", errors.ErrDatabase, err)
	}
	return n, nil
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]notify.Event, error) {
	if j.closed.Load() {
		return nil, errors.ErrClosed
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", errors.ErrDatabase, err)
	}
	defer rows.Close()

	var out []notify.Event
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.EventID, &r.CycleID, &r.Domain, &r.EntityID, &r.Action,
			&r.LocallyInitiated, &r.ObservedMs, &r.OldState, &r.NewState); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", errors.ErrDatabase, err)
		}
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %w", errors.ErrDatabase, err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 10000:
		return 10000
	default:
		return limit
	}
}

// =============================================================================
// Archive
// =============================================================================

// ArchiveResult describes one archive run.
type ArchiveResult struct {
	Path string
	Rows int
}

// Archive moves every row observed before olderThan into a new Parquet file
// under dir and deletes it from the database. No file is written when there
// is nothing to archive.
func (j *Journal) Archive(ctx context.Context, olderThan time.Time, dir string) (ArchiveResult, error) {
	j.archiveMu.Lock()
	defer j.archiveMu.Unlock()

	if j.closed.Load() {
		return ArchiveResult{}, errors.ErrClosed
	}

	cutoff := olderThan.UnixMilli()
	events, err := j.query(ctx, `
		SELECT `+selectColumns+`
		FROM change_events
		WHERE observed_ms < $1
		ORDER BY observed_ms, event_id`, cutoff)
	if err != nil {
		return ArchiveResult{}, err
	}
	if len(events) == 0 {
		return ArchiveResult{}, nil
	}

	path := filepath.Join(dir, fmt.Sprintf("change_events-%d.parquet", cutoff))
	w, err := NewArchiveWriter(path, j.cfg.Archive)
	if err != nil {
		return ArchiveResult{}, err
	}
	if err := w.Write(events); err != nil {
		w.Close()
		return ArchiveResult{}, err
	}
	if err := w.Close(); err != nil {
		return ArchiveResult{}, err
	}

	// Only rows that made it into the file are removed
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: begin: %w", errors.ErrDatabase, err)
	}
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, `DELETE FROM change_events WHERE event_id = $1`, ev.ID); err != nil {
			tx.Rollback()
			return ArchiveResult{}, fmt.Errorf("%w: delete archived: %w", errors.ErrDatabase, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: commit: %w", errors.ErrDatabase, err)
	}

	j.archived.Add(int64(len(events)))
	j.archiveFiles.Add(1)
	j.lastArchive.Store(time.Now().UnixNano())

	log.Info("journal archived", "rows", len(events), "path", path)
	return ArchiveResult{Path: path, Rows: len(events)}, nil
}

// Run archives expired rows every ArchiveInterval until ctx is done.
func (j *Journal) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := j.Archive(ctx, now.Add(-j.cfg.Retention), j.cfg.ArchiveDir); err != nil {
				j.errs.Add(1)
				log.Warn("archive failed", "error", err)
			}
		}
	}
}

// Stats returns the journal counters.
func (j *Journal) Stats() Stats {
	s := Stats{
		Recorded:     j.recorded.Load(),
		Errors:       j.errs.Load(),
		Archived:     j.archived.Load(),
		ArchiveFiles: j.archiveFiles.Load(),
	}
	if ns := j.lastArchive.Load(); ns != 0 {
		s.LastArchive = time.Unix(0, ns)
	}
	return s
}

// =============================================================================
// Row encoding
// =============================================================================

type row struct {
	EventID          string
	CycleID          string
	Domain           string
	EntityID         string
	Action           string
	LocallyInitiated bool
	ObservedMs       int64
	OldState         sql.NullString
	NewState         sql.NullString
}

func (r row) event() (notify.Event, error) {
	oldState, err := decodeState(r.OldState)
	if err != nil {
		return notify.Event{}, err
	}
	newState, err := decodeState(r.NewState)
	if err != nil {
		return notify.Event{}, err
	}
	return notify.Event{
		ChangeRecord: diff.ChangeRecord{
			EntityID:         r.EntityID,
			Domain:           snapshot.Domain(r.Domain),
			Action:           diff.Action(r.Action),
			OldState:         oldState,
			NewState:         newState,
			LocallyInitiated: r.LocallyInitiated,
		},
		ID:         r.EventID,
		CycleID:    r.CycleID,
		ObservedAt: time.UnixMilli(r.ObservedMs),
	}, nil
}

// stateDoc is the JSON form of a StateRecord.
type stateDoc struct {
	Enabled    bool           `json:"enabled"`
	Name       string         `json:"name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func encodeState(rec *snapshot.StateRecord) (sql.NullString, error) {
	if rec == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(stateDoc{
		Enabled:    rec.Enabled,
		Name:       rec.Name,
		Attributes: rec.Attributes(),
	})
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode state: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeState(s sql.NullString) (*snapshot.StateRecord, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var doc stateDoc
	if err := json.Unmarshal([]byte(s.String), &doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	rec := snapshot.NewState(doc.Enabled, doc.Name, doc.Attributes)
	return &rec, nil
}
