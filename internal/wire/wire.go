// Package wire encodes change events for transport.
//
// Events are converted to google.protobuf.Struct values so they can be sent
// as protojson text (websocket frames, HTTP bodies) or as binary protobuf.
// Binary streams are length-delimited using protobuf's varint framing.
package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/policysync/internal/diff"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/snapshot"
)

// MaxMessageSize bounds a single delimited frame.
const MaxMessageSize = 4 << 20

// Field names of the encoded event.
const (
	FieldID               = "id"
	FieldCycleID          = "cycle_id"
	FieldDomain           = "domain"
	FieldEntityID         = "entity_id"
	FieldAction           = "action"
	FieldLocallyInitiated = "locally_initiated"
	FieldObservedAt       = "observed_at"
	FieldOldState         = "old_state"
	FieldNewState         = "new_state"
)

var jsonOptions = protojson.MarshalOptions{UseProtoNames: true}

// =============================================================================
// Struct conversion
// =============================================================================

// ToStruct converts an event. Attribute values must be JSON-compatible.
func ToStruct(ev notify.Event) (*structpb.Struct, error) {
	m := map[string]any{
		FieldID:               ev.ID,
		FieldCycleID:          ev.CycleID,
		FieldDomain:           string(ev.Domain),
		FieldEntityID:         ev.EntityID,
		FieldAction:           string(ev.Action),
		FieldLocallyInitiated: ev.LocallyInitiated,
		FieldObservedAt:       ev.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.OldState != nil {
		m[FieldOldState] = StateMap(*ev.OldState)
	}
	if ev.NewState != nil {
		m[FieldNewState] = StateMap(*ev.NewState)
	}

	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return s, nil
}

// FromStruct converts a Struct produced by ToStruct back into an event.
func FromStruct(s *structpb.Struct) (notify.Event, error) {
	m := s.AsMap()

	str := func(k string) string {
		v, _ := m[k].(string)
		return v
	}

	id := str(FieldID)
	if id == "" {
		return notify.Event{}, errors.NewMissingField(FieldID)
	}
	domain, err := snapshot.ParseDomain(str(FieldDomain))
	if err != nil {
		return notify.Event{}, err
	}
	observedAt, err := time.Parse(time.RFC3339Nano, str(FieldObservedAt))
	if err != nil {
		return notify.Event{}, fmt.Errorf("%s: %w: %w", FieldObservedAt, errors.ErrInvalidState, err)
	}
	local, _ := m[FieldLocallyInitiated].(bool)

	ev := notify.Event{
		ChangeRecord: diff.ChangeRecord{
			EntityID:         str(FieldEntityID),
			Domain:           domain,
			Action:           diff.Action(str(FieldAction)),
			LocallyInitiated: local,
		},
		ID:         id,
		CycleID:    str(FieldCycleID),
		ObservedAt: observedAt,
	}
	if sm, ok := m[FieldOldState].(map[string]any); ok {
		rec := StateFromMap(sm)
		ev.OldState = &rec
	}
	if sm, ok := m[FieldNewState].(map[string]any); ok {
		rec := StateFromMap(sm)
		ev.NewState = &rec
	}
	return ev, nil
}

// StateMap renders a record as a plain map.
func StateMap(rec snapshot.StateRecord) map[string]any {
	m := map[string]any{"enabled": rec.Enabled}
	if rec.Name != "" {
		m["name"] = rec.Name
	}
	if attrs := rec.Attributes(); attrs != nil {
		m["attributes"] = attrs
	}
	return m
}

// StateFromMap is the inverse of StateMap.
func StateFromMap(m map[string]any) snapshot.StateRecord {
	enabled, _ := m["enabled"].(bool)
	name, _ := m["name"].(string)
	attrs, _ := m["attributes"].(map[string]any)
	return snapshot.NewState(enabled, name, attrs)
}

// =============================================================================
// Encodings
// =============================================================================

// MarshalJSON encodes an event as protojson.
func MarshalJSON(ev notify.Event) ([]byte, error) {
	s, err := ToStruct(ev)
	if err != nil {
		return nil, err
	}
	return jsonOptions.Marshal(s)
}

// UnmarshalJSON decodes protojson produced by MarshalJSON.
func UnmarshalJSON(b []byte) (notify.Event, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return notify.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return FromStruct(s)
}

// MarshalBinary encodes an event as binary protobuf.
func MarshalBinary(ev notify.Event) ([]byte, error) {
	s, err := ToStruct(ev)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// UnmarshalBinary decodes bytes produced by MarshalBinary.
func UnmarshalBinary(b []byte) (notify.Event, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return notify.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return FromStruct(s)
}

// ErrorJSON encodes an error frame: {"error": msg, "status": code}.
func ErrorJSON(err error) []byte {
	s, convErr := structpb.NewStruct(map[string]any{
		"error":  err.Error(),
		"status": errors.ErrorToStatus(err),
	})
	if convErr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	b, _ := jsonOptions.Marshal(s)
	return b
}

// =============================================================================
// Delimited streams
// =============================================================================

// Reader reads length-delimited events from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads the next event. It returns io.EOF at a clean end of stream.
func (r *Reader) Read() (notify.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: MaxMessageSize}
	if err := opts.UnmarshalFrom(r.r, s); err != nil {
		if err == io.EOF {
			return notify.Event{}, io.EOF
		}
		return notify.Event{}, fmt.Errorf("read event: %w", err)
	}
	return FromStruct(s)
}

// Writer writes length-delimited events to an io.Writer.
// It is safe for concurrent use and implements notify.Sink.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes one event with its length prefix.
func (w *Writer) Write(ev notify.Event) error {
	s, err := ToStruct(ev)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, s); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Handle writes ev.
func (w *Writer) Handle(_ context.Context, ev notify.Event) error {
	return w.Write(ev)
}
