package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/xtxerr/policysync/internal/diff"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/snapshot"
)

func sampleEvent() notify.Event {
	oldState := snapshot.NewState(false, "Block IoT", map[string]any{"action": "drop", "index": 2.0})
	newState := oldState.WithEnabled(true)
	return notify.Event{
		ChangeRecord: diff.ChangeRecord{
			EntityID:         "block-iot",
			Domain:           snapshot.DomainFirewallPolicy,
			Action:           diff.ActionEnabled,
			OldState:         &oldState,
			NewState:         &newState,
			LocallyInitiated: true,
		},
		ID:         "evt-1",
		CycleID:    "cycle-1",
		ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC),
	}
}

func assertSameEvent(t *testing.T, got, want notify.Event) {
	t.Helper()
	if got.ID != want.ID || got.CycleID != want.CycleID || got.Key() != want.Key() ||
		got.Action != want.Action || got.LocallyInitiated != want.LocallyInitiated {
		t.Errorf("event = %+v, want %+v", got, want)
	}
	if !got.ObservedAt.Equal(want.ObservedAt) {
		t.Errorf("ObservedAt = %v, want %v", got.ObservedAt, want.ObservedAt)
	}
	if (got.NewState == nil) != (want.NewState == nil) ||
		(got.NewState != nil && !got.NewState.Equal(*want.NewState)) {
		t.Errorf("NewState = %+v, want %+v", got.NewState, want.NewState)
	}
	if (got.OldState == nil) != (want.OldState == nil) ||
		(got.OldState != nil && !got.OldState.Equal(*want.OldState)) {
		t.Errorf("OldState = %+v, want %+v", got.OldState, want.OldState)
	}
}

func TestMarshalJSON(t *testing.T) {
	ev := sampleEvent()
	b, err := MarshalJSON(ev)
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, b)
	}
	if doc["domain"] != "firewall_policy" || doc["action"] != "enabled" || doc["locally_initiated"] != true {
		t.Errorf("doc = %v", doc)
	}
	newState, _ := doc["new_state"].(map[string]any)
	if newState["enabled"] != true {
		t.Errorf("new_state = %v", newState)
	}

	back, err := UnmarshalJSON(b)
	if err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	assertSameEvent(t, back, ev)
}

func TestMarshalBinary(t *testing.T) {
	ev := sampleEvent()
	ev.NewState = nil
	ev.Action = diff.ActionRemoved

	b, err := MarshalBinary(ev)
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	back, err := UnmarshalBinary(b)
	if err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	assertSameEvent(t, back, ev)
}

func TestFromStructErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{"missing id", `{"domain":"wlan","observed_at":"2026-03-01T12:00:00Z"}`, errors.ErrMissingField},
		{"unknown domain", `{"id":"a","domain":"vpn","observed_at":"2026-03-01T12:00:00Z"}`, errors.ErrUnknownDomain},
		{"bad time", `{"id":"a","domain":"wlan","observed_at":"yesterday"}`, errors.ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalJSON([]byte(tt.json))
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDelimitedStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	first := sampleEvent()
	second := sampleEvent()
	second.ID = "evt-2"
	second.Action = diff.ActionDisabled

	if err := w.Write(first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Handle(context.Background(), second); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	r := NewReader(&buf)
	for _, want := range []notify.Event{first, second} {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		assertSameEvent(t, got, want)
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("Read() at end = %v, want io.EOF", err)
	}
}

func TestErrorJSON(t *testing.T) {
	b := ErrorJSON(errors.NewEntityNotFound("wlan/x"))
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("ErrorJSON() not JSON: %v", err)
	}
	if doc["status"] != float64(404) {
		t.Errorf("status = %v, want 404", doc["status"])
	}
}
