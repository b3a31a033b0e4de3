package testing

import (
	"context"
	"sync"
	"time"

	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/snapshot"
)

// =============================================================================
// Fake Controller
// =============================================================================

// Write is one write received by a FakeController.
type Write struct {
	Key     snapshot.Key
	Desired snapshot.StateRecord
	At      time.Time
}

// FakeController is an in-memory controller.
//
// Accepted writes are applied to the remote state, so a following fetch
// observes them. Set and Remove change the remote state directly, the way
// an administrator using the controller UI would.
type FakeController struct {
	mu       sync.Mutex
	state    map[snapshot.Key]snapshot.StateRecord
	domains  []snapshot.Domain
	writes   []Write
	fetches  int
	fetchErr error
	writeErr error

	// WriteDelay is slept inside Write before the state is applied.
	WriteDelay time.Duration

	// HoldWrites keeps accepted writes invisible to fetches until Release.
	HoldWrites bool
	held       []Write
}

// NewFakeController creates a controller that reports every known domain.
func NewFakeController() *FakeController {
	return &FakeController{
		state:   make(map[snapshot.Key]snapshot.StateRecord),
		domains: snapshot.KnownDomains,
	}
}

// Set creates or replaces an entity.
func (f *FakeController) Set(key snapshot.Key, rec snapshot.StateRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[key] = rec
}

// Remove deletes an entity.
func (f *FakeController) Remove(key snapshot.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, key)
}

// Get returns the remote state of an entity.
func (f *FakeController) Get(key snapshot.Key) (snapshot.StateRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.state[key]
	return rec, ok
}

// FailFetch makes every fetch return err. nil restores normal behavior.
func (f *FakeController) FailFetch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// FailWrites makes every write return err. nil restores normal behavior.
func (f *FakeController) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// OnlyDomains limits the domains a fetch reports, producing a partial
// snapshot when fewer than the tracked domains are returned.
func (f *FakeController) OnlyDomains(domains ...snapshot.Domain) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains = domains
}

// Release applies held writes.
func (f *FakeController) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.held {
		f.apply(w)
	}
	f.held = nil
}

// FetchFullState returns a snapshot of the remote state.
func (f *FakeController) FetchFullState(ctx context.Context) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrFetchFailed, err.Error())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	b := snapshot.NewBuilder(time.Now())
	included := make(map[snapshot.Domain]bool, len(f.domains))
	for _, d := range f.domains {
		b.AddDomain(d)
		included[d] = true
	}
	for key, rec := range f.state {
		if included[key.Domain] {
			b.Put(key, rec)
		}
	}
	return b.Build()
}

// Write records and applies a desired state.
func (f *FakeController) Write(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) error {
	if f.WriteDelay > 0 {
		select {
		case <-time.After(f.WriteDelay):
		case <-ctx.Done():
			return errors.Wrap(errors.ErrWriteFailed, ctx.Err().Error())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	w := Write{Key: key, Desired: desired, At: time.Now()}
	f.writes = append(f.writes, w)

	if f.writeErr != nil {
		return f.writeErr
	}
	if _, ok := f.state[key]; !ok {
		return errors.NewEntityNotFound(key.String())
	}

	if f.HoldWrites {
		f.held = append(f.held, w)
		return nil
	}
	f.apply(w)
	return nil
}

func (f *FakeController) apply(w Write) {
	if cur, ok := f.state[w.Key]; ok {
		f.state[w.Key] = cur.Overlay(w.Desired)
	}
}

// Writes returns every write received so far.
func (f *FakeController) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

// Fetches returns the number of fetches so far.
func (f *FakeController) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// =============================================================================
// Recording Sink
// =============================================================================

// RecordingSink is a notify.Sink that keeps every event.
type RecordingSink struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

// NewRecordingSink creates an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Handle records ev.
func (s *RecordingSink) Handle(ctx context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

// Fail makes Handle return err after recording.
func (s *RecordingSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of recorded events.
func (s *RecordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Reset discards recorded events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
