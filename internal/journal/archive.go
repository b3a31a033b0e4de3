package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/policysync/internal/notify"
)

// ArchiveOptions configures the Parquet archive writer.
type ArchiveOptions struct {
	Compression CompressionType

	// RowGroupSize is the maximum number of rows buffered per row group.
	RowGroupSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultArchiveOptions returns default archive options.
func DefaultArchiveOptions() ArchiveOptions {
	return ArchiveOptions{
		Compression:  CompressionZstd,
		RowGroupSize: 50000,
	}
}

// ParseCompressionType parses a compression name. Unknown names select zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ArchiveRow is one archived event. States are kept as their JSON documents.
type ArchiveRow struct {
	EventID          string `parquet:"event_id,zstd"`
	CycleID          string `parquet:"cycle_id,zstd"`
	Domain           string `parquet:"domain,zstd,dict"`
	EntityID         string `parquet:"entity_id,zstd"`
	Action           string `parquet:"action,zstd,dict"`
	LocallyInitiated bool   `parquet:"locally_initiated"`
	ObservedMs       int64  `parquet:"observed_ms"`
	OldState         string `parquet:"old_state,optional,zstd"`
	NewState         string `parquet:"new_state,optional,zstd"`
}

// EventToRow converts an event.
func EventToRow(ev notify.Event) (ArchiveRow, error) {
	oldState, err := encodeState(ev.OldState)
	if err != nil {
		return ArchiveRow{}, err
	}
	newState, err := encodeState(ev.NewState)
	if err != nil {
		return ArchiveRow{}, err
	}
	return ArchiveRow{
		EventID:          ev.ID,
		CycleID:          ev.CycleID,
		Domain:           string(ev.Domain),
		EntityID:         ev.EntityID,
		Action:           string(ev.Action),
		LocallyInitiated: ev.LocallyInitiated,
		ObservedMs:       ev.ObservedAt.UnixMilli(),
		OldState:         oldState.String,
		NewState:         newState.String,
	}, nil
}

// RowToEvent converts an archived row back into an event.
func RowToEvent(r ArchiveRow) (notify.Event, error) {
	return row{
		EventID:          r.EventID,
		CycleID:          r.CycleID,
		Domain:           r.Domain,
		EntityID:         r.EntityID,
		Action:           r.Action,
		LocallyInitiated: r.LocallyInitiated,
		ObservedMs:       r.ObservedMs,
	}.withStates(r.OldState, r.NewState).event()
}

func (r row) withStates(oldState, newState string) row {
	r.OldState.String, r.OldState.Valid = oldState, oldState != ""
	r.NewState.String, r.NewState.Valid = newState, newState != ""
	return r
}

// =============================================================================
// Writer
// =============================================================================

// ArchiveWriter writes events to a Parquet file.
type ArchiveWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[ArchiveRow]
	rowCount int64
	closed   bool
}

// NewArchiveWriter creates the archive file, and its directory if needed.
func NewArchiveWriter(path string, opts ArchiveOptions) (*ArchiveWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}

	return &ArchiveWriter{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[ArchiveRow](f, writerOpts...),
	}, nil
}

// Write appends events.
func (w *ArchiveWriter) Write(events []notify.Event) error {
	if len(events) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]ArchiveRow, len(events))
	for i, ev := range events {
		r, err := EventToRow(ev)
		if err != nil {
			return err
		}
		rows[i] = r
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the file.
func (w *ArchiveWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *ArchiveWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *ArchiveWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("archive writer is closed")

// =============================================================================
// Reader
// =============================================================================

// ReadArchive reads every event from an archive file.
func ReadArchive(path string) ([]notify.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[ArchiveRow](f)
	defer reader.Close()

	rows := make([]ArchiveRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n != len(rows) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	events := make([]notify.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := RowToEvent(rows[i])
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
