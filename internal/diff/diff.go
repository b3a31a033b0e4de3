// Package diff classifies the differences between two confirmed snapshots.
//
// Compare walks both snapshots in (domain, id) order and emits one
// ChangeRecord per entity that was created, removed, enabled, disabled or
// modified. Equality is exact: any attribute difference reported by the
// controller is a real change.
package diff

import (
	"github.com/xtxerr/policysync/internal/snapshot"
)

// =============================================================================
// Actions
// =============================================================================

// Action classifies a change.
type Action string

const (
	ActionCreated  Action = "created"
	ActionRemoved  Action = "removed"
	ActionEnabled  Action = "enabled"
	ActionDisabled Action = "disabled"
	ActionModified Action = "modified"
)

// AllActions lists every action in a fixed order.
var AllActions = []Action{
	ActionCreated,
	ActionRemoved,
	ActionEnabled,
	ActionDisabled,
	ActionModified,
}

// =============================================================================
// Change Record
// =============================================================================

// ChangeRecord describes one entity's change between two snapshots.
//
// OldState is nil for created entities, NewState is nil for removed ones.
// LocallyInitiated is always false when produced by the Engine; the notifier
// sets it after correlating pending operations.
type ChangeRecord struct {
	EntityID         string
	Domain           snapshot.Domain
	Action           Action
	OldState         *snapshot.StateRecord
	NewState         *snapshot.StateRecord
	LocallyInitiated bool
}

// Key returns the entity key of the change.
func (c ChangeRecord) Key() snapshot.Key {
	return snapshot.Key{Domain: c.Domain, ID: c.EntityID}
}

// =============================================================================
// Diff Engine
// =============================================================================

// Engine compares snapshots.
//
// If tracked is non-empty only those domains are compared; entities of other
// domains are ignored entirely.
type Engine struct {
	tracked map[snapshot.Domain]struct{}
}

// NewEngine creates a diff engine restricted to the given domains.
// An empty list compares every domain.
func NewEngine(tracked []snapshot.Domain) *Engine {
	e := &Engine{}
	if len(tracked) > 0 {
		e.tracked = make(map[snapshot.Domain]struct{}, len(tracked))
		for _, d := range tracked {
			e.tracked[d] = struct{}{}
		}
	}
	return e
}

// Compare returns the changes that turn prev into next.
//
// The algorithm is a merge walk over the two sorted key lists:
//   - key only in next → created
//   - key only in prev → removed
//   - key in both, Enabled flipped → enabled/disabled
//   - key in both, anything else differs → modified
//   - otherwise nothing
//
// Returns records in (domain, id) ascending order (same input = same output).
// A nil snapshot is treated as empty.
func (e *Engine) Compare(prev, next *snapshot.Snapshot) []ChangeRecord {
	oldKeys := e.filter(prev.Keys())
	newKeys := e.filter(next.Keys())

	var changes []ChangeRecord
	i, j := 0, 0
	for i < len(oldKeys) || j < len(newKeys) {
		switch {
		case j >= len(newKeys) || (i < len(oldKeys) && oldKeys[i].Less(newKeys[j])):
			rec, _ := prev.Get(oldKeys[i])
			changes = append(changes, removed(oldKeys[i], rec))
			i++

		case i >= len(oldKeys) || newKeys[j].Less(oldKeys[i]):
			rec, _ := next.Get(newKeys[j])
			changes = append(changes, created(newKeys[j], rec))
			j++

		default:
			// Same key on both sides
			oldRec, _ := prev.Get(oldKeys[i])
			newRec, _ := next.Get(newKeys[j])
			if c, ok := compareRecords(oldKeys[i], oldRec, newRec); ok {
				changes = append(changes, c)
			}
			i++
			j++
		}
	}

	return changes
}

func (e *Engine) filter(keys []snapshot.Key) []snapshot.Key {
	if e.tracked == nil {
		return keys
	}
	out := keys[:0]
	for _, k := range keys {
		if _, ok := e.tracked[k.Domain]; ok {
			out = append(out, k)
		}
	}
	return out
}

func created(key snapshot.Key, rec snapshot.StateRecord) ChangeRecord {
	return ChangeRecord{
		EntityID: key.ID,
		Domain:   key.Domain,
		Action:   ActionCreated,
		NewState: &rec,
	}
}

func removed(key snapshot.Key, rec snapshot.StateRecord) ChangeRecord {
	return ChangeRecord{
		EntityID: key.ID,
		Domain:   key.Domain,
		Action:   ActionRemoved,
		OldState: &rec,
	}
}

// compareRecords classifies an entity present in both snapshots.
func compareRecords(key snapshot.Key, oldRec, newRec snapshot.StateRecord) (ChangeRecord, bool) {
	var action Action
	switch {
	case oldRec.Enabled != newRec.Enabled:
		if newRec.Enabled {
			action = ActionEnabled
		} else {
			action = ActionDisabled
		}
	case !oldRec.Equal(newRec):
		action = ActionModified
	default:
		return ChangeRecord{}, false
	}

	return ChangeRecord{
		EntityID: key.ID,
		Domain:   key.Domain,
		Action:   action,
		OldState: &oldRec,
		NewState: &newRec,
	}, true
}

// =============================================================================
// Diff Statistics
// =============================================================================

// Stats summarizes a change list.
type Stats struct {
	Created  int
	Removed  int
	Enabled  int
	Disabled int
	Modified int
	Local    int
	Total    int
}

// CalculateStats returns statistics for a set of change records.
func CalculateStats(changes []ChangeRecord) Stats {
	stats := Stats{Total: len(changes)}

	for _, c := range changes {
		switch c.Action {
		case ActionCreated:
			stats.Created++
		case ActionRemoved:
			stats.Removed++
		case ActionEnabled:
			stats.Enabled++
		case ActionDisabled:
			stats.Disabled++
		case ActionModified:
			stats.Modified++
		}
		if c.LocallyInitiated {
			stats.Local++
		}
	}

	return stats
}

// HasChanges returns true if there is at least one change.
func (s Stats) HasChanges() bool {
	return s.Total > 0
}

// =============================================================================
// Filters
// =============================================================================

// FilterByAction returns only records with the given action.
func FilterByAction(changes []ChangeRecord, action Action) []ChangeRecord {
	var filtered []ChangeRecord
	for _, c := range changes {
		if c.Action == action {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// FilterByDomain returns only records of the given domain.
func FilterByDomain(changes []ChangeRecord, domain snapshot.Domain) []ChangeRecord {
	var filtered []ChangeRecord
	for _, c := range changes {
		if c.Domain == domain {
			filtered = append(filtered, c)
		}
	}
	return filtered
}
