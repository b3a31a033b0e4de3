// Package notify delivers change events to subscribers.
//
// The Notifier is the single outward path for changes: every confirmed
// change becomes one Event, delivered to each registered Sink in diff order.
// Local changes are recognised by claiming the matching pending operation, so
// consumers can tell their own writes from remote ones.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/policysync/internal/diff"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/snapshot"
)

var log = logging.Component("notify")

// =============================================================================
// Types
// =============================================================================

// Event is a normalized change event.
type Event struct {
	diff.ChangeRecord

	// ID is unique per event and sorts by creation time.
	ID string

	// CycleID identifies the refresh that observed the change.
	CycleID string

	ObservedAt time.Time
}

// Sink receives events.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Handle calls f.
func (f SinkFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// PendingClaimer correlates an observed state with a pending local write.
type PendingClaimer interface {
	Claim(key snapshot.Key, observed snapshot.StateRecord) bool
}

// NewEventID returns a time-ordered unique id.
func NewEventID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// =============================================================================
// Notifier
// =============================================================================

// Notifier turns change records into events and dispatches them.
//
// Notifier is safe for concurrent use.
type Notifier struct {
	claimer PendingClaimer
	now     func() time.Time

	mu    sync.RWMutex
	sinks []Sink

	// Metrics
	events    atomic.Int64
	local     atomic.Int64
	sinkFails atomic.Int64
}

// NewNotifier creates a notifier. claimer may be nil, in which case no change
// is marked as locally initiated.
func NewNotifier(claimer PendingClaimer, sinks ...Sink) *Notifier {
	return &Notifier{
		claimer: claimer,
		now:     time.Now,
		sinks:   sinks,
	}
}

// AddSink registers a sink.
func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
}

// Notify builds one event per change and delivers it to every sink.
// A failing sink is logged and does not stop delivery. Returns the events
// in the order they were delivered.
func (n *Notifier) Notify(ctx context.Context, cycleID string, changes []diff.ChangeRecord) []Event {
	if len(changes) == 0 {
		return nil
	}

	n.mu.RLock()
	sinks := make([]Sink, len(n.sinks))
	copy(sinks, n.sinks)
	n.mu.RUnlock()

	observedAt := n.now()
	events := make([]Event, 0, len(changes))

	for _, c := range changes {
		if n.claimer != nil && c.NewState != nil && n.claimer.Claim(c.Key(), *c.NewState) {
			c.LocallyInitiated = true
			n.local.Add(1)
		}

		ev := Event{
			ChangeRecord: c,
			ID:           NewEventID(),
			CycleID:      cycleID,
			ObservedAt:   observedAt,
		}
		events = append(events, ev)
		n.events.Add(1)

		for _, s := range sinks {
			if err := s.Handle(ctx, ev); err != nil {
				n.sinkFails.Add(1)
				logging.WithContext(ctx).Warn("sink failed",
					"component", "notify",
					"entity", c.Key().String(),
					"action", c.Action,
					"error", err)
			}
		}
	}

	log.Debug("changes delivered",
		"cycle_id", cycleID,
		"events", len(events),
		"sinks", len(sinks))

	return events
}

// Stats holds notifier counters.
type Stats struct {
	Events       int64
	Local        int64
	SinkFailures int64
}

// Stats returns notifier statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		Events:       n.events.Load(),
		Local:        n.local.Load(),
		SinkFailures: n.sinkFails.Load(),
	}
}
