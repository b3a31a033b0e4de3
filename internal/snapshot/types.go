// Package snapshot holds the authoritative, last-confirmed view of the
// controller's state.
//
// A Snapshot is an immutable point-in-time mapping from entity Key to
// StateRecord. The Store swaps whole snapshots atomically so readers never
// observe a mix of two refreshes.
package snapshot

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/xtxerr/policysync/internal/errors"
)

// =============================================================================
// Domains
// =============================================================================

// Domain is a category of controller entities.
type Domain string

const (
	DomainFirewallPolicy Domain = "firewall_policy"
	DomainTrafficRule    Domain = "traffic_rule"
	DomainTrafficRoute   Domain = "traffic_route"
	DomainPortForward    Domain = "port_forward"
	DomainFirewallZone   Domain = "firewall_zone"
	DomainWLAN           Domain = "wlan"
	DomainDevice         Domain = "device"
)

// KnownDomains contains all domains the controller client can fetch.
var KnownDomains = []Domain{
	DomainFirewallPolicy,
	DomainTrafficRule,
	DomainTrafficRoute,
	DomainPortForward,
	DomainFirewallZone,
	DomainWLAN,
	DomainDevice,
}

// IsValid returns true if the domain is a known domain.
func (d Domain) IsValid() bool {
	for _, known := range KnownDomains {
		if d == known {
			return true
		}
	}
	return false
}

// ParseDomain parses and validates a domain name.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.TrimSpace(s))
	if !d.IsValid() {
		return "", fmt.Errorf("%q: %w", s, errors.ErrUnknownDomain)
	}
	return d, nil
}

// =============================================================================
// Key
// =============================================================================

// Key uniquely identifies an entity across all domains.
type Key struct {
	Domain Domain
	ID     string
}

// String returns the "domain/id" form of the key.
func (k Key) String() string {
	return string(k.Domain) + "/" + k.ID
}

// Less orders keys by domain, then by ID.
func (k Key) Less(other Key) bool {
	if k.Domain != other.Domain {
		return k.Domain < other.Domain
	}
	return k.ID < other.ID
}

// ParseKey parses a "domain/id" string. The ID may itself contain slashes.
func ParseKey(s string) (Key, error) {
	domain, id, ok := strings.Cut(s, "/")
	if !ok || domain == "" || id == "" {
		return Key{}, fmt.Errorf("%q: %w", s, errors.ErrInvalidKey)
	}
	d, err := ParseDomain(domain)
	if err != nil {
		return Key{}, err
	}
	return Key{Domain: d, ID: id}, nil
}

// SortKeys sorts keys in place by domain, then ID.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// =============================================================================
// State Record
// =============================================================================

// StateRecord is the observable state of one remote entity.
//
// StateRecord is immutable: the attribute map is copied on construction and
// on read, so a record can be shared freely between goroutines.
type StateRecord struct {
	Enabled bool
	Name    string

	attrs map[string]any
}

// NewState creates a StateRecord. attrs is deep-copied.
func NewState(enabled bool, name string, attrs map[string]any) StateRecord {
	return StateRecord{
		Enabled: enabled,
		Name:    name,
		attrs:   cloneMap(attrs),
	}
}

// Attributes returns a copy of the record's attributes.
func (r StateRecord) Attributes() map[string]any {
	return cloneMap(r.attrs)
}

// Attr returns a single attribute. Composite values are copied.
func (r StateRecord) Attr(name string) (any, bool) {
	v, ok := r.attrs[name]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// HasAttributes reports whether the record carries any attributes.
func (r StateRecord) HasAttributes() bool {
	return len(r.attrs) > 0
}

// WithEnabled returns a copy of the record with Enabled set.
func (r StateRecord) WithEnabled(enabled bool) StateRecord {
	r.Enabled = enabled
	return r
}

// WithAttr returns a copy of the record with one attribute replaced.
func (r StateRecord) WithAttr(name string, value any) StateRecord {
	attrs := cloneMap(r.attrs)
	if attrs == nil {
		attrs = make(map[string]any, 1)
	}
	attrs[name] = cloneValue(value)
	r.attrs = attrs
	return r
}

// Equal reports exact deep equality. There is no numeric tolerance.
func (r StateRecord) Equal(other StateRecord) bool {
	return r.Enabled == other.Enabled &&
		r.Name == other.Name &&
		reflect.DeepEqual(r.attrs, other.attrs)
}

// Matches reports whether an observed record satisfies this desired record.
//
// Enabled must be equal. Name and attributes are compared only where the
// desired record sets them, so a desired state may be partial.
func (r StateRecord) Matches(observed StateRecord) bool {
	if r.Enabled != observed.Enabled {
		return false
	}
	if r.Name != "" && r.Name != observed.Name {
		return false
	}
	for name, want := range r.attrs {
		got, ok := observed.attrs[name]
		if !ok || !reflect.DeepEqual(want, got) {
			return false
		}
	}
	return true
}

// Overlay returns r with the fields set in desired applied on top.
// Enabled always comes from desired; Name and attributes only where set.
func (r StateRecord) Overlay(desired StateRecord) StateRecord {
	out := r
	out.Enabled = desired.Enabled
	if desired.Name != "" {
		out.Name = desired.Name
	}
	if len(desired.attrs) > 0 {
		attrs := cloneMap(r.attrs)
		if attrs == nil {
			attrs = make(map[string]any, len(desired.attrs))
		}
		for k, v := range desired.attrs {
			attrs[k] = cloneValue(v)
		}
		out.attrs = attrs
	}
	return out
}

// =============================================================================
// Deep copy helpers
// =============================================================================

func cloneMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
