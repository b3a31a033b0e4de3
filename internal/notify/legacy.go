package notify

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/xtxerr/policysync/internal/snapshot"
)

// LegacyEvent is the per-domain event shape older consumers expect.
type LegacyEvent struct {
	// Type is "<domain>_<action>", e.g. "firewall_policy_enabled".
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

// LegacyHandler receives legacy events.
type LegacyHandler func(ctx context.Context, ev LegacyEvent) error

// LegacyAdapter is a Sink that mirrors normalized events into the legacy
// shape. It holds no state of its own.
type LegacyAdapter struct {
	handler LegacyHandler
}

// NewLegacyAdapter creates an adapter delivering to handler.
func NewLegacyAdapter(handler LegacyHandler) *LegacyAdapter {
	return &LegacyAdapter{handler: handler}
}

// Handle translates ev and passes it on.
func (a *LegacyAdapter) Handle(ctx context.Context, ev Event) error {
	return a.handler(ctx, ToLegacy(ev))
}

// NewLegacyJSONSink returns an adapter writing one JSON object per line to w.
func NewLegacyJSONSink(w io.Writer) *LegacyAdapter {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return NewLegacyAdapter(func(_ context.Context, ev LegacyEvent) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(ev)
	})
}

// ToLegacy converts a normalized event.
func ToLegacy(ev Event) LegacyEvent {
	fields := map[string]any{
		LegacyIDField(ev.Domain): ev.EntityID,
		"event_id":               ev.ID,
		"locally_initiated":      ev.LocallyInitiated,
		"timestamp":              ev.ObservedAt.UTC().Format(time.RFC3339),
	}

	if ev.NewState != nil {
		fields["name"] = ev.NewState.Name
		fields["enabled"] = ev.NewState.Enabled
		fields["new_state"] = legacyState(*ev.NewState)
	} else if ev.OldState != nil {
		fields["name"] = ev.OldState.Name
	}
	if ev.OldState != nil {
		fields["old_state"] = legacyState(*ev.OldState)
	}

	return LegacyEvent{
		Type:   string(ev.Domain) + "_" + string(ev.Action),
		Fields: fields,
	}
}

// LegacyIDField returns the identifier field name used for a domain.
func LegacyIDField(d snapshot.Domain) string {
	switch d {
	case snapshot.DomainDevice:
		return "device_id"
	case snapshot.DomainWLAN:
		return "wlan_id"
	case snapshot.DomainFirewallZone:
		return "zone_id"
	default:
		return "rule_id"
	}
}

func legacyState(r snapshot.StateRecord) map[string]any {
	out := r.Attributes()
	if out == nil {
		out = make(map[string]any, 2)
	}
	out["enabled"] = r.Enabled
	out["name"] = r.Name
	return out
}
