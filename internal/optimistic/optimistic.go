// Package optimistic holds provisional display state for local changes.
//
// An entry shows the user the expected outcome of a write before any refresh
// has confirmed it. Entries are display-only: change detection always works
// on confirmed snapshots. Every entry ends in exactly one of three ways:
//
//	converged   a refresh observed the desired state
//	corrected   the write completed before a fetch began, and that fetch
//	            still shows something else; the confirmed state wins
//	rolled back the write failed, or the timeout elapsed first
package optimistic

import (
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/policysync/config"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/snapshot"
)

var log = logging.Component("optimistic")

// Entry is one provisional state.
type Entry struct {
	Key snapshot.Key

	// Desired is what was requested, Shown is the full record displayed.
	Desired snapshot.StateRecord
	Shown   snapshot.StateRecord

	AppliedAt time.Time
	ExpiresAt time.Time

	// WrittenAt is zero until the write is accepted.
	WrittenAt time.Time
}

// ReconcileResult lists the keys whose entries ended during a Reconcile.
type ReconcileResult struct {
	Converged  []snapshot.Key
	Corrected  []snapshot.Key
	RolledBack []snapshot.Key
}

// Empty reports whether no entry changed.
func (r ReconcileResult) Empty() bool {
	return len(r.Converged) == 0 && len(r.Corrected) == 0 && len(r.RolledBack) == 0
}

// Manager holds optimistic entries, at most one per entity.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	entries map[snapshot.Key]*Entry
	timeout time.Duration
}

// NewManager creates a manager. A zero timeout uses the default.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = config.DefaultOptimisticTimeout
	}
	return &Manager{
		entries: make(map[snapshot.Key]*Entry),
		timeout: timeout,
	}
}

// Timeout returns the configured entry lifetime.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Apply records shown as the provisional state for key, replacing any
// earlier entry.
func (m *Manager) Apply(key snapshot.Key, desired, shown snapshot.StateRecord, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = &Entry{
		Key:       key,
		Desired:   desired,
		Shown:     shown,
		AppliedAt: now,
		ExpiresAt: now.Add(m.timeout),
	}
}

// MarkWritten stamps the entry for key as written if it still carries
// desired. A newer intent is left untouched.
func (m *Manager) MarkWritten(key snapshot.Key, desired snapshot.StateRecord, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !e.Desired.Equal(desired) {
		return false
	}
	e.WrittenAt = at
	return true
}

// Rollback removes the entry for key if it still carries desired.
func (m *Manager) Rollback(key snapshot.Key, desired snapshot.StateRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !e.Desired.Equal(desired) {
		return false
	}
	delete(m.entries, key)
	log.Debug("optimistic state rolled back", "entity", key.String())
	return true
}

// Get returns the shown state for key if an unexpired entry exists.
func (m *Manager) Get(key snapshot.Key, now time.Time) (snapshot.StateRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || !now.Before(e.ExpiresAt) {
		return snapshot.StateRecord{}, false
	}
	return e.Shown, true
}

// Entry returns a copy of the entry for key.
func (m *Manager) Entry(key snapshot.Key) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns all entries ordered by key.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Len returns the number of entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Reconcile settles entries against a newly confirmed snapshot.
//
// fetchStartedAt is when the fetch that produced snap began. An entry whose
// write completed before that moment is settled by snap either way; a write
// that completed later may not be visible yet, so a mismatch keeps the entry
// until the next refresh or the timeout.
func (m *Manager) Reconcile(snap *snapshot.Snapshot, fetchStartedAt, now time.Time) ReconcileResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReconcileResult
	for key, e := range m.entries {
		observed, ok := snap.Get(key)

		switch {
		case ok && e.Desired.Matches(observed):
			res.Converged = append(res.Converged, key)
		case !e.WrittenAt.IsZero() && e.WrittenAt.Before(fetchStartedAt):
			res.Corrected = append(res.Corrected, key)
		case !now.Before(e.ExpiresAt):
			res.RolledBack = append(res.RolledBack, key)
		default:
			continue
		}
		delete(m.entries, key)
	}

	snapshot.SortKeys(res.Converged)
	snapshot.SortKeys(res.Corrected)
	snapshot.SortKeys(res.RolledBack)

	if !res.Empty() {
		log.Debug("optimistic state reconciled",
			"converged", len(res.Converged),
			"corrected", len(res.Corrected),
			"rolled_back", len(res.RolledBack))
	}

	return res
}
