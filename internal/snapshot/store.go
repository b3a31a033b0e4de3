package snapshot

import (
	"sync/atomic"
)

// Store holds the last confirmed snapshot.
//
// Replace is an atomic pointer swap: readers never block writers and never
// observe a half-updated snapshot. A snapshot handed out by Current stays
// valid (and unchanged) for as long as the caller holds it.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Current returns the last confirmed snapshot, or nil before the first refresh.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Replace swaps in next and returns the previous snapshot.
func (s *Store) Replace(next *Snapshot) *Snapshot {
	old := s.current.Swap(next)
	s.version.Add(1)
	return old
}

// Version returns the number of successful replacements.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Get returns the confirmed record for key.
func (s *Store) Get(key Key) (StateRecord, bool) {
	return s.Current().Get(key)
}
