package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/policysync/internal/errors"
)

// =============================================================================
// Key Tests
// =============================================================================

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Key
		wantErr bool
	}{
		{
			name:  "valid key",
			input: "firewall_policy/abc123",
			want:  Key{Domain: DomainFirewallPolicy, ID: "abc123"},
		},
		{
			name:  "id with slash",
			input: "traffic_route/site/default",
			want:  Key{Domain: DomainTrafficRoute, ID: "site/default"},
		},
		{name: "empty string", input: "", wantErr: true},
		{name: "missing id", input: "device/", wantErr: true},
		{name: "missing domain", input: "/abc", wantErr: true},
		{name: "unknown domain", input: "vpn/abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseKey(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseKey(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	original := Key{Domain: DomainPortForward, ID: "pf-1"}
	parsed, err := ParseKey(original.String())
	if err != nil {
		t.Fatalf("ParseKey(%q) error = %v", original.String(), err)
	}
	if parsed != original {
		t.Errorf("Round trip failed: got %v, want %v", parsed, original)
	}
}

// =============================================================================
// State Record Tests
// =============================================================================

func TestStateRecord_Immutable(t *testing.T) {
	attrs := map[string]any{"ports": []any{"80", "443"}, "action": "allow"}
	rec := NewState(true, "web", attrs)

	// Mutating the source map must not affect the record
	attrs["action"] = "deny"
	attrs["ports"].([]any)[0] = "22"

	if v, _ := rec.Attr("action"); v != "allow" {
		t.Errorf("action = %v, want allow", v)
	}
	ports, _ := rec.Attr("ports")
	if ports.([]any)[0] != "80" {
		t.Errorf("ports[0] = %v, want 80", ports.([]any)[0])
	}

	// Mutating a returned copy must not affect the record
	out := rec.Attributes()
	out["action"] = "reject"
	if v, _ := rec.Attr("action"); v != "allow" {
		t.Errorf("action after read mutation = %v, want allow", v)
	}
}

func TestStateRecord_Equal(t *testing.T) {
	a := NewState(true, "r", map[string]any{"n": 1.0})
	b := NewState(true, "r", map[string]any{"n": 1.0})
	c := NewState(true, "r", map[string]any{"n": 1.0000001})

	if !a.Equal(b) {
		t.Error("identical records should be equal")
	}
	if a.Equal(c) {
		t.Error("equality must be exact, no tolerance")
	}
	if !NewState(false, "", nil).Equal(NewState(false, "", map[string]any{})) {
		t.Error("nil and empty attributes should be equal")
	}
}

func TestStateRecord_Matches(t *testing.T) {
	observed := NewState(true, "block-iot", map[string]any{"action": "drop", "index": 2.0})

	tests := []struct {
		name    string
		desired StateRecord
		want    bool
	}{
		{"enabled only", NewState(true, "", nil), true},
		{"enabled mismatch", NewState(false, "", nil), false},
		{"subset attrs", NewState(true, "", map[string]any{"action": "drop"}), true},
		{"attr mismatch", NewState(true, "", map[string]any{"action": "accept"}), false},
		{"missing attr", NewState(true, "", map[string]any{"zone": "lan"}), false},
		{"name mismatch", NewState(true, "other", nil), false},
		{"full record", observed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desired.Matches(observed); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateRecord_WithAttr(t *testing.T) {
	base := NewState(true, "r", map[string]any{"a": "1"})
	next := base.WithAttr("a", "2")

	if v, _ := base.Attr("a"); v != "1" {
		t.Errorf("base changed: a = %v", v)
	}
	if v, _ := next.Attr("a"); v != "2" {
		t.Errorf("next a = %v, want 2", v)
	}
}

func TestStateRecord_Overlay(t *testing.T) {
	confirmed := NewState(true, "web", map[string]any{"action": "allow", "index": 3.0})
	shown := confirmed.Overlay(NewState(false, "", map[string]any{"action": "drop"}))

	if shown.Enabled || shown.Name != "web" {
		t.Errorf("Overlay() = %+v, want disabled with name kept", shown)
	}
	if v, _ := shown.Attr("action"); v != "drop" {
		t.Errorf("action = %v, want drop", v)
	}
	if v, _ := shown.Attr("index"); v != 3.0 {
		t.Errorf("index = %v, want 3", v)
	}
	if v, _ := confirmed.Attr("action"); v != "allow" {
		t.Error("Overlay must not modify the base record")
	}
	if !NewState(false, "", map[string]any{"action": "drop"}).Matches(shown) {
		t.Error("overlaid record should match the desired state")
	}
}

// =============================================================================
// Hash Builder Tests
// =============================================================================

func TestHashBuilder_Deterministic(t *testing.T) {
	m1 := map[string]any{"a": "1", "b": 2.0, "c": []any{true, nil}}
	m2 := map[string]any{"c": []any{true, nil}, "b": 2.0, "a": "1"}

	h1 := NewHashBuilder().Value(m1).Build()
	h2 := NewHashBuilder().Value(m2).Build()
	if h1 != h2 {
		t.Errorf("Same map content should produce same hash: %d != %d", h1, h2)
	}
}

func TestHashBuilder_TypeTagged(t *testing.T) {
	h1 := NewHashBuilder().Value("1").Build()
	h2 := NewHashBuilder().Value(1.0).Build()
	if h1 == h2 {
		t.Error("string and number should hash differently")
	}
}

// =============================================================================
// Snapshot / Builder Tests
// =============================================================================

func TestBuilder_SortedKeys(t *testing.T) {
	snap, err := NewBuilder(time.Now()).
		Put(Key{DomainTrafficRule, "b"}, NewState(true, "", nil)).
		Put(Key{DomainFirewallPolicy, "z"}, NewState(true, "", nil)).
		Put(Key{DomainTrafficRule, "a"}, NewState(false, "", nil)).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := []Key{
		{DomainFirewallPolicy, "z"},
		{DomainTrafficRule, "a"},
		{DomainTrafficRule, "b"},
	}
	got := snap.Keys()
	if len(got) != len(want) {
		t.Fatalf("Keys() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBuilder_Duplicate(t *testing.T) {
	_, err := NewBuilder(time.Now()).
		Put(Key{DomainDevice, "d1"}, NewState(true, "", nil)).
		Put(Key{DomainDevice, "d1"}, NewState(false, "", nil)).
		Build()
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestSnapshot_Validate(t *testing.T) {
	tracked := []Domain{DomainFirewallPolicy, DomainDevice}

	complete, _ := NewBuilder(time.Now()).
		AddDomain(DomainFirewallPolicy).
		Put(Key{DomainDevice, "d1"}, NewState(true, "", nil)).
		Build()
	if err := complete.Validate(tracked); err != nil {
		t.Errorf("Validate(complete) error = %v", err)
	}

	partial, _ := NewBuilder(time.Now()).
		Put(Key{DomainDevice, "d1"}, NewState(true, "", nil)).
		Build()
	if err := partial.Validate(tracked); !errors.Is(err, errors.ErrPartialSnapshot) {
		t.Errorf("Validate(partial) error = %v, want ErrPartialSnapshot", err)
	}

	noID, _ := NewBuilder(time.Now()).
		AddDomain(DomainFirewallPolicy).
		Put(Key{DomainDevice, ""}, NewState(true, "", nil)).
		Build()
	if err := noID.Validate(tracked); !errors.Is(err, errors.ErrPartialSnapshot) {
		t.Errorf("Validate(noID) error = %v, want ErrPartialSnapshot", err)
	}

	var nilSnap *Snapshot
	if err := nilSnap.Validate(tracked); !errors.Is(err, errors.ErrPartialSnapshot) {
		t.Errorf("Validate(nil) error = %v, want ErrPartialSnapshot", err)
	}
}

func TestSnapshot_NilSafe(t *testing.T) {
	var s *Snapshot
	if s.Len() != 0 || s.Has(Key{DomainDevice, "x"}) || len(s.Keys()) != 0 {
		t.Error("nil snapshot should behave as empty")
	}
	s.Range(func(Key, StateRecord) bool {
		t.Error("Range on nil snapshot should not call fn")
		return true
	})
}

func TestSnapshot_FingerprintIgnoresTime(t *testing.T) {
	build := func(at time.Time) *Snapshot {
		s, _ := NewBuilder(at).Put(Key{DomainWLAN, "w1"}, NewState(true, "guest", nil)).Build()
		return s
	}
	a := build(time.Unix(100, 0))
	b := build(time.Unix(200, 0))
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprint should not depend on TakenAt")
	}
}

// =============================================================================
// Store Tests
// =============================================================================

func TestStore_Replace(t *testing.T) {
	st := NewStore()
	if st.Current() != nil {
		t.Fatal("new store should be empty")
	}

	first, _ := NewBuilder(time.Now()).Put(Key{DomainDevice, "d"}, NewState(true, "", nil)).Build()
	if old := st.Replace(first); old != nil {
		t.Errorf("first Replace returned %v, want nil", old)
	}
	second, _ := NewBuilder(time.Now()).Put(Key{DomainDevice, "d"}, NewState(false, "", nil)).Build()
	if old := st.Replace(second); old != first {
		t.Error("Replace should return the previous snapshot")
	}
	if st.Version() != 2 {
		t.Errorf("Version() = %d, want 2", st.Version())
	}
	if rec, _ := st.Get(Key{DomainDevice, "d"}); rec.Enabled {
		t.Error("Get should read from the newest snapshot")
	}
}

// Readers must always observe a snapshot in which every record carries the
// same generation marker.
func TestStore_ConcurrentReadersNeverSeeTornState(t *testing.T) {
	const entities = 50
	build := func(gen int) *Snapshot {
		b := NewBuilder(time.Now())
		for i := 0; i < entities; i++ {
			b.Put(Key{DomainTrafficRule, string(rune('a' + i%26)) + string(rune('a'+i/26))},
				NewState(gen%2 == 0, "", map[string]any{"gen": float64(gen)}))
		}
		s, _ := b.Build()
		return s
	}

	st := NewStore()
	st.Replace(build(0))

	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 8)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := st.Current()
				var first any
				snap.Range(func(k Key, rec StateRecord) bool {
					gen, _ := rec.Attr("gen")
					if first == nil {
						first = gen
					} else if gen != first {
						select {
						case errs <- k.String():
						default:
						}
						return false
					}
					return true
				})
			}
		}()
	}

	for gen := 1; gen <= 200; gen++ {
		st.Replace(build(gen))
	}
	close(done)
	wg.Wait()
	close(errs)

	for k := range errs {
		t.Errorf("torn snapshot observed at %s", k)
	}
}
