package snapshot

import (
	"fmt"
	"sort"
	"time"

	"github.com/xtxerr/policysync/internal/errors"
)

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is an immutable, timestamped view of every tracked entity.
//
// A nil *Snapshot is valid and behaves as an empty snapshot.
type Snapshot struct {
	takenAt time.Time
	records map[Key]StateRecord
	domains map[Domain]struct{}
	keys    []Key // sorted by domain, then ID
}

// TakenAt returns when the snapshot was fetched.
func (s *Snapshot) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}

// Len returns the number of entities in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// Get returns the record for key.
func (s *Snapshot) Get(key Key) (StateRecord, bool) {
	if s == nil {
		return StateRecord{}, false
	}
	rec, ok := s.records[key]
	return rec, ok
}

// Has reports whether key is present.
func (s *Snapshot) Has(key Key) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns all keys in (domain, id) order.
func (s *Snapshot) Keys() []Key {
	if s == nil {
		return nil
	}
	out := make([]Key, len(s.keys))
	copy(out, s.keys)
	return out
}

// KeysInDomain returns the keys of one domain in ID order.
func (s *Snapshot) KeysInDomain(d Domain) []Key {
	if s == nil {
		return nil
	}
	var out []Key
	for _, k := range s.keys {
		if k.Domain == d {
			out = append(out, k)
		}
	}
	return out
}

// Range calls fn for each entity in (domain, id) order until fn returns false.
func (s *Snapshot) Range(fn func(Key, StateRecord) bool) {
	if s == nil {
		return
	}
	for _, k := range s.keys {
		if !fn(k, s.records[k]) {
			return
		}
	}
}

// HasDomain reports whether the domain was fetched into this snapshot.
func (s *Snapshot) HasDomain(d Domain) bool {
	if s == nil {
		return false
	}
	_, ok := s.domains[d]
	return ok
}

// Domains returns the fetched domains in sorted order.
func (s *Snapshot) Domains() []Domain {
	if s == nil {
		return nil
	}
	out := make([]Domain, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that the snapshot is a complete view of the tracked domains.
//
// A snapshot missing a tracked domain, or holding a record without an ID,
// is partial and must not be diffed.
func (s *Snapshot) Validate(tracked []Domain) error {
	if s == nil {
		return fmt.Errorf("nil snapshot: %w", errors.ErrPartialSnapshot)
	}
	for _, d := range tracked {
		if !s.HasDomain(d) {
			return fmt.Errorf("domain %s missing: %w", d, errors.ErrPartialSnapshot)
		}
	}
	for _, k := range s.keys {
		if k.ID == "" {
			return fmt.Errorf("record without id in domain %s: %w", k.Domain, errors.ErrPartialSnapshot)
		}
	}
	return nil
}

// Fingerprint returns a content hash over all records, independent of TakenAt.
func (s *Snapshot) Fingerprint() uint64 {
	b := NewHashBuilder()
	if s == nil {
		return b.Build()
	}
	b.Int(len(s.keys))
	for _, k := range s.keys {
		b.String(k.String()).Record(s.records[k])
	}
	return b.Build()
}

// =============================================================================
// Builder
// =============================================================================

// Builder assembles a Snapshot. A Builder must not be reused after Build.
type Builder struct {
	takenAt time.Time
	records map[Key]StateRecord
	domains map[Domain]struct{}
	errs    *errors.ValidationErrors
}

// NewBuilder creates a builder for a snapshot taken at takenAt.
func NewBuilder(takenAt time.Time) *Builder {
	return &Builder{
		takenAt: takenAt,
		records: make(map[Key]StateRecord),
		domains: make(map[Domain]struct{}),
		errs:    errors.NewValidationErrors(),
	}
}

// AddDomain marks a domain as fetched, even if it holds no entities.
func (b *Builder) AddDomain(d Domain) *Builder {
	b.domains[d] = struct{}{}
	return b
}

// Put adds a record. Adding the same key twice is an error reported by Build.
func (b *Builder) Put(key Key, rec StateRecord) *Builder {
	if _, dup := b.records[key]; dup {
		b.errs.AddField("key", fmt.Sprintf("duplicate entity %s", key))
		return b
	}
	b.domains[key.Domain] = struct{}{}
	b.records[key] = rec
	return b
}

// Build returns the immutable snapshot.
func (b *Builder) Build() (*Snapshot, error) {
	if err := b.errs.Err(); err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	keys := make([]Key, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	SortKeys(keys)

	s := &Snapshot{
		takenAt: b.takenAt,
		records: b.records,
		domains: b.domains,
		keys:    keys,
	}
	b.records = nil
	b.domains = nil
	return s, nil
}
