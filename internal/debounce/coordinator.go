package debounce

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/policysync/config"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/snapshot"
)

var log = logging.Component("debounce")

// =============================================================================
// Types
// =============================================================================

// Writer sends one desired state to the controller.
type Writer interface {
	Write(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) error
}

// WriterFunc adapts a function to the Writer interface.
type WriterFunc func(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) error

// Write calls f.
func (f WriterFunc) Write(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) error {
	return f(ctx, key, desired)
}

// Phase is the lifecycle position of a pending operation.
type Phase string

const (
	// PhaseWaiting: inside the debounce window, desired may still change.
	PhaseWaiting Phase = "waiting"
	// PhaseWriting: write in flight.
	PhaseWriting Phase = "writing"
	// PhaseWritten: write accepted, waiting for a refresh to observe it.
	PhaseWritten Phase = "written"
)

// PendingOperation is a local change that has not yet been confirmed by a
// refresh. There is at most one per entity.
type PendingOperation struct {
	Key         snapshot.Key
	Desired     snapshot.StateRecord
	Phase       Phase
	SubmittedAt time.Time
	Deadline    time.Time
	WrittenAt   time.Time
	Coalesced   int
}

// Hooks are called after each write completes, outside the coordinator lock.
type Hooks struct {
	OnWritten func(op PendingOperation)
	OnFailed  func(op PendingOperation, err error)
}

// Config configures a Coordinator.
type Config struct {
	Writer Writer

	// Window is the quiet period before a write is sent.
	// Default: config.DefaultOperationDebounce
	Window time.Duration

	Hooks Hooks

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

type operation struct {
	PendingOperation
	waiters []chan error
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator coalesces local writes per entity.
//
// Submit resets the entity's window; when the window elapses exactly one
// write carries the most recent desired state. Different entities debounce
// independently. A written operation stays registered until Claim matches it
// against an observed state or Expire drops it.
type Coordinator struct {
	mu     sync.Mutex
	ops    map[snapshot.Key]*operation
	timers *Debouncer

	writer Writer
	window time.Duration
	hooks  Hooks
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	writes  sync.WaitGroup
	stopped bool

	// Metrics
	submits   atomic.Int64
	coalesced atomic.Int64
	written   atomic.Int64
	failed    atomic.Int64
	claimed   atomic.Int64
	expired   atomic.Int64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = config.DefaultOperationDebounce
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		ops:    make(map[snapshot.Key]*operation),
		timers: NewDebouncer(),
		writer: cfg.Writer,
		window: cfg.Window,
		hooks:  cfg.Hooks,
		now:    cfg.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit registers desired as the latest local intent for key.
//
// The returned channel receives exactly one value: the result of the write
// that finally carries this (or a later coalesced) desired state. It receives
// ErrStopped if the coordinator stops before the write is sent.
func (c *Coordinator) Submit(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) <-chan error {
	result := make(chan error, 1)

	if err := ctx.Err(); err != nil {
		result <- err
		return result
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		result <- errors.ErrStopped
		return result
	}

	now := c.now()
	c.submits.Add(1)

	op, ok := c.ops[key]
	if ok && op.Phase == PhaseWaiting {
		op.Desired = desired
		op.SubmittedAt = now
		op.Deadline = now.Add(c.window)
		op.Coalesced++
		op.waiters = append(op.waiters, result)
		c.coalesced.Add(1)
	} else {
		// A write already in flight (or done) keeps its own waiters;
		// this submission starts a fresh operation that supersedes it.
		op = &operation{
			PendingOperation: PendingOperation{
				Key:         key,
				Desired:     desired,
				Phase:       PhaseWaiting,
				SubmittedAt: now,
				Deadline:    now.Add(c.window),
			},
			waiters: []chan error{result},
		}
		c.ops[key] = op
	}

	c.timers.Schedule(key.String(), c.window, func() { c.flush(key, op) })

	log.Debug("change submitted",
		"entity", key.String(),
		"enabled", desired.Enabled,
		"coalesced", op.Coalesced)

	return result
}

// flush sends the write for op if it is still the entity's operation.
func (c *Coordinator) flush(key snapshot.Key, op *operation) {
	c.mu.Lock()
	if c.stopped || c.ops[key] != op || op.Phase != PhaseWaiting {
		c.mu.Unlock()
		return
	}
	op.Phase = PhaseWriting
	desired := op.Desired
	waiters := op.waiters
	op.waiters = nil
	c.writes.Add(1)
	c.mu.Unlock()

	defer c.writes.Done()

	err := c.writer.Write(c.ctx, key, desired)

	c.mu.Lock()
	current := c.ops[key] == op
	if err != nil {
		if current {
			delete(c.ops, key)
		}
	} else {
		op.Phase = PhaseWritten
		op.WrittenAt = c.now()
	}
	snap := op.PendingOperation
	c.mu.Unlock()

	if err != nil {
		c.failed.Add(1)
		logging.WithContext(logging.ContextWithEntity(c.ctx, key.String())).
			Warn("write failed", "component", "debounce", "error", err)
		if c.hooks.OnFailed != nil {
			c.hooks.OnFailed(snap, err)
		}
	} else {
		c.written.Add(1)
		log.Debug("write accepted", "entity", key.String(), "waiters", len(waiters))
		if c.hooks.OnWritten != nil {
			c.hooks.OnWritten(snap)
		}
	}

	for _, w := range waiters {
		w <- err
	}
}

// =============================================================================
// Correlation
// =============================================================================

// Claim consumes the written operation for key if its desired state matches
// observed. Operations still waiting or in flight are never claimed.
func (c *Coordinator) Claim(key snapshot.Key, observed snapshot.StateRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.ops[key]
	if !ok || op.Phase != PhaseWritten {
		return false
	}
	if !op.Desired.Matches(observed) {
		return false
	}
	delete(c.ops, key)
	c.claimed.Add(1)
	return true
}

// Expire drops written operations whose write completed before cutoff.
// Returns the number dropped.
func (c *Coordinator) Expire(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, op := range c.ops {
		if op.Phase == PhaseWritten && op.WrittenAt.Before(cutoff) {
			delete(c.ops, key)
			n++
		}
	}
	if n > 0 {
		c.expired.Add(int64(n))
		log.Debug("expired unconfirmed writes", "count", n)
	}
	return n
}

// =============================================================================
// Inspection
// =============================================================================

// Get returns the pending operation for key.
func (c *Coordinator) Get(key snapshot.Key) (PendingOperation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.ops[key]
	if !ok {
		return PendingOperation{}, false
	}
	return op.PendingOperation, true
}

// Pending returns all pending operations ordered by key.
func (c *Coordinator) Pending() []PendingOperation {
	c.mu.Lock()
	out := make([]PendingOperation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op.PendingOperation)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Len returns the number of pending operations.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Stats holds coordinator counters.
type Stats struct {
	Submits   int64
	Coalesced int64
	Written   int64
	Failed    int64
	Claimed   int64
	Expired   int64
	Pending   int
}

// Stats returns coordinator statistics.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Submits:   c.submits.Load(),
		Coalesced: c.coalesced.Load(),
		Written:   c.written.Load(),
		Failed:    c.failed.Load(),
		Claimed:   c.claimed.Load(),
		Expired:   c.expired.Load(),
		Pending:   c.Len(),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Stop cancels all waiting operations and waits for in-flight writes.
// Waiters of cancelled operations receive ErrStopped.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.timers.Stop()

	dropped := 0
	for key, op := range c.ops {
		if op.Phase != PhaseWaiting {
			continue
		}
		for _, w := range op.waiters {
			w <- errors.ErrStopped
		}
		delete(c.ops, key)
		dropped++
	}
	c.mu.Unlock()

	if dropped > 0 {
		log.Info("dropped unsent changes", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		c.writes.Wait()
		close(done)
	}()

	defer c.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, "waiting for in-flight writes")
	}
}
