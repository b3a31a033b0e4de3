// Package engine runs the synchronization core.
//
// An Engine owns the confirmed snapshot, decides when to refresh, coalesces
// local writes, keeps optimistic display state and publishes every confirmed
// change through the notifier. It depends on the controller only through the
// Client interface and on consumers only through notify.Sink.
//
// Refresh cycle:
//
//	fetch full state -> validate -> swap snapshot -> diff -> notify
//	-> reconcile optimistic entries -> expire stale pending writes
//
// A failed or partial fetch aborts the cycle before the snapshot is touched.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/policysync/config"
	"github.com/xtxerr/policysync/internal/debounce"
	"github.com/xtxerr/policysync/internal/diff"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/optimistic"
	"github.com/xtxerr/policysync/internal/scheduler"
	"github.com/xtxerr/policysync/internal/snapshot"
	"github.com/xtxerr/policysync/internal/stats"
)

var log = logging.Component("engine")

// refreshKey is the debouncer key used to trigger a refresh after writes.
const refreshKey = "refresh"

// =============================================================================
// Types
// =============================================================================

// Client is the controller API.
type Client interface {
	// FetchFullState returns a complete snapshot of every tracked domain.
	FetchFullState(ctx context.Context) (*snapshot.Snapshot, error)

	// Write sends one desired state.
	Write(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) error
}

// Config holds engine configuration.
type Config struct {
	// Tracked limits diffing and validation to these domains.
	// Empty means every known domain.
	Tracked []snapshot.Domain

	Scheduler *scheduler.Config

	// OperationDebounce is the per-entity write coalescing window.
	OperationDebounce time.Duration

	// RefreshDebounce delays the refresh that follows a write.
	RefreshDebounce time.Duration

	// OptimisticTimeout bounds how long unconfirmed state is shown.
	OptimisticTimeout time.Duration

	// PendingTTL drops written operations never seen by a refresh.
	PendingTTL time.Duration
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Tracked:           snapshot.KnownDomains,
		Scheduler:         scheduler.DefaultConfig(),
		OperationDebounce: config.DefaultOperationDebounce,
		RefreshDebounce:   config.DefaultRefreshDebounce,
		OptimisticTimeout: config.DefaultOptimisticTimeout,
		PendingTTL:        config.DefaultPendingTTL,
	}
}

// RefreshResult describes one completed refresh.
type RefreshResult struct {
	CycleID  string
	TakenAt  time.Time
	Duration time.Duration

	// Baseline is true for the first snapshot, which is never diffed.
	Baseline bool

	Events     []notify.Event
	Reconciled optimistic.ReconcileResult
	Expired    int
}

// =============================================================================
// Engine
// =============================================================================

// Engine is the synchronization core.
//
// Engine is safe for concurrent use.
type Engine struct {
	cfg    *Config
	client Client

	store      *snapshot.Store
	differ     *diff.Engine
	coord      *debounce.Coordinator
	optimistic *optimistic.Manager
	notifier   *notify.Notifier
	tracker    *scheduler.Tracker
	loop       *scheduler.Loop
	timers     *debounce.Debouncer
	stats      *stats.Collector

	// refreshMu serializes refresh cycles; group collapses concurrent callers.
	refreshMu sync.Mutex
	group     singleflight.Group

	// ctx bounds refresh cycles. It is cancelled by Stop, never by a caller.
	ctx    context.Context
	cancel context.CancelFunc

	now func() time.Time
}

// New creates an engine. Sinks receive every confirmed change.
func New(client Client, cfg *Config, sinks ...notify.Sink) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Tracked) == 0 {
		cfg.Tracked = snapshot.KnownDomains
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.DefaultConfig()
	}
	if cfg.RefreshDebounce <= 0 {
		cfg.RefreshDebounce = config.DefaultRefreshDebounce
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = config.DefaultPendingTTL
	}

	e := &Engine{
		cfg:        cfg,
		client:     client,
		store:      snapshot.NewStore(),
		differ:     diff.NewEngine(cfg.Tracked),
		optimistic: optimistic.NewManager(cfg.OptimisticTimeout),
		tracker:    scheduler.NewTracker(cfg.Scheduler),
		timers:     debounce.NewDebouncer(),
		stats:      stats.NewCollector(),
		now:        time.Now,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.coord = debounce.NewCoordinator(debounce.Config{
		Writer: debounce.WriterFunc(client.Write),
		Window: cfg.OperationDebounce,
		Hooks: debounce.Hooks{
			OnWritten: e.onWritten,
			OnFailed:  e.onFailed,
		},
	})
	e.notifier = notify.NewNotifier(e.coord, sinks...)
	e.loop = scheduler.NewLoop(cfg.Scheduler, e.tracker, func(ctx context.Context) error {
		_, err := e.Refresh(ctx)
		return err
	})

	return e
}

// AddSink registers another change consumer.
func (e *Engine) AddSink(s notify.Sink) {
	e.notifier.AddSink(s)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the refresh loop. The first refresh establishes the baseline.
func (e *Engine) Start(ctx context.Context) {
	e.loop.Start(ctx)
	log.Info("engine started", "domains", len(e.cfg.Tracked))
}

// Stop stops the loop and flushes nothing further: unsent changes are
// dropped and their callers receive ErrStopped.
func (e *Engine) Stop(ctx context.Context) error {
	e.timers.Stop()
	e.loop.Stop(ctx)
	e.cancel()
	err := e.coord.Stop(ctx)
	log.Info("engine stopped")
	return err
}

// =============================================================================
// Refresh
// =============================================================================

// Refresh runs one refresh cycle now. Concurrent callers share a single
// cycle; cycles never overlap.
//
// ctx only bounds the caller's wait. The cycle itself runs to completion or
// failure even if every caller gives up; only Stop cancels it.
func (e *Engine) Refresh(ctx context.Context) (*RefreshResult, error) {
	if e.ctx.Err() != nil {
		return nil, errors.ErrStopped
	}

	ch := e.group.DoChan(refreshKey, func() (interface{}, error) {
		return e.refresh(e.ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RefreshResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) refresh(ctx context.Context) (*RefreshResult, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	cycleID := notify.NewEventID()
	ctx = logging.ContextWithCycleID(ctx, cycleID)
	clog := logging.WithContext(ctx).With("component", "engine")

	started := e.now()

	snap, err := e.client.FetchFullState(ctx)
	if err == nil {
		err = snap.Validate(e.cfg.Tracked)
	}
	if err != nil {
		if !errors.IsFetchError(err) {
			err = fmt.Errorf("%w: %w", errors.ErrFetchFailed, err)
		}
		e.stats.RecordFailure(e.now(), e.now().Sub(started), err)
		clog.Warn("refresh aborted", "error", err)
		return nil, err
	}

	prev := e.store.Replace(snap)

	result := &RefreshResult{
		CycleID:  cycleID,
		TakenAt:  snap.TakenAt(),
		Baseline: prev == nil,
	}

	var changes []diff.ChangeRecord
	if prev != nil {
		changes = e.differ.Compare(prev, snap)
	}

	now := e.now()
	if len(changes) > 0 {
		e.tracker.ObserveChange(now)
		result.Events = e.notifier.Notify(ctx, cycleID, changes)
	}

	result.Reconciled = e.optimistic.Reconcile(snap, started, now)
	result.Expired = e.coord.Expire(now.Add(-e.cfg.PendingTTL))
	result.Duration = now.Sub(started)

	delivered := make([]diff.ChangeRecord, len(result.Events))
	for i, ev := range result.Events {
		delivered[i] = ev.ChangeRecord
	}
	e.stats.RecordSuccess(now, result.Duration, delivered)

	clog.Debug("refresh complete",
		"entities", snap.Len(),
		"changes", len(changes),
		"baseline", result.Baseline,
		"duration", result.Duration)

	return result, nil
}

// =============================================================================
// Local Changes
// =============================================================================

// RequestChange asks for key to be moved to desired.
//
// The desired state becomes visible through CurrentState immediately. The
// write itself is debounced; the call returns once the write that carries
// this (or a later) desired state has completed. Whenever the change is not
// carried out (a failed write, a cancelled or stopped submission) the display
// state is rolled back before the error is returned. A caller that stops
// waiting does not cancel a submitted change.
func (e *Engine) RequestChange(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) error {
	if !key.Domain.IsValid() || key.ID == "" {
		return errors.Wrapf(errors.ErrInvalidKey, "%q", key.String())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ctx.Err() != nil {
		return errors.ErrStopped
	}

	current, ok := e.store.Get(key)
	if !ok {
		return errors.NewEntityNotFound(key.String())
	}

	e.optimistic.Apply(key, desired, current.Overlay(desired), e.now())

	result := e.coord.Submit(ctx, key, desired)

	select {
	case err := <-result:
		if err != nil && e.optimistic.Rollback(key, desired) {
			logging.WithContext(logging.ContextWithEntity(ctx, key.String())).
				Info("local change rolled back", "component", "engine", "error", err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Toggle enables or disables key.
func (e *Engine) Toggle(ctx context.Context, key snapshot.Key, enabled bool) error {
	return e.RequestChange(ctx, key, snapshot.NewState(enabled, "", nil))
}

func (e *Engine) onWritten(op debounce.PendingOperation) {
	e.optimistic.MarkWritten(op.Key, op.Desired, op.WrittenAt)
	e.tracker.ObserveLocalWrite(op.WrittenAt)
	e.timers.Schedule(refreshKey, e.cfg.RefreshDebounce, e.loop.Trigger)
}

func (e *Engine) onFailed(op debounce.PendingOperation, err error) {
	if e.optimistic.Rollback(op.Key, op.Desired) {
		logging.WithContext(logging.ContextWithEntity(e.ctx, op.Key.String())).
			Info("local change rolled back", "component", "engine", "error", err)
	}
}

// =============================================================================
// Queries
// =============================================================================

// CurrentState returns the state to display for key: the optimistic state
// while one is active, otherwise the confirmed state.
func (e *Engine) CurrentState(key snapshot.Key) (snapshot.StateRecord, bool) {
	if rec, ok := e.optimistic.Get(key, e.now()); ok {
		return rec, true
	}
	return e.store.Get(key)
}

// ConfirmedState returns the last confirmed state for key.
func (e *Engine) ConfirmedState(key snapshot.Key) (snapshot.StateRecord, bool) {
	return e.store.Get(key)
}

// Entity is one entity as displayed.
type Entity struct {
	Key        snapshot.Key
	State      snapshot.StateRecord
	Optimistic bool
	Pending    debounce.Phase
}

// List returns every entity of the current snapshot, optionally limited to
// one domain, with optimistic state applied.
func (e *Engine) List(domain snapshot.Domain) []Entity {
	snap := e.store.Current()
	now := e.now()

	var keys []snapshot.Key
	if domain != "" {
		keys = snap.KeysInDomain(domain)
	} else {
		keys = snap.Keys()
	}

	out := make([]Entity, 0, len(keys))
	for _, key := range keys {
		ent := Entity{Key: key}
		if rec, ok := e.optimistic.Get(key, now); ok {
			ent.State = rec
			ent.Optimistic = true
		} else {
			ent.State, _ = snap.Get(key)
		}
		if op, ok := e.coord.Get(key); ok {
			ent.Pending = op.Phase
		}
		out = append(out, ent)
	}
	return out
}

// Snapshot returns the current confirmed snapshot. May be nil before the
// first successful refresh.
func (e *Engine) Snapshot() *snapshot.Snapshot {
	return e.store.Current()
}

// Tracker returns the scheduler's activity tracker.
func (e *Engine) Tracker() *scheduler.Tracker {
	return e.tracker
}

// Ready reports whether a baseline snapshot exists.
func (e *Engine) Ready() bool {
	return e.store.Current() != nil
}

// =============================================================================
// Statistics
// =============================================================================

// Stats aggregates statistics from every component.
type Stats struct {
	Refresh    stats.Snapshot      `json:"refresh"`
	Loop       scheduler.LoopStats `json:"loop"`
	Debounce   debounce.Stats      `json:"debounce"`
	Notify     notify.Stats        `json:"notify"`
	Optimistic int                 `json:"optimistic"`
	Entities   int                 `json:"entities"`
	Version    uint64              `json:"snapshot_version"`
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Refresh:    e.stats.Snapshot(),
		Loop:       e.loop.Stats(),
		Debounce:   e.coord.Stats(),
		Notify:     e.notifier.Stats(),
		Optimistic: e.optimistic.Len(),
		Entities:   e.store.Current().Len(),
		Version:    e.store.Version(),
	}
}

// Healthy reports whether the engine has a baseline and the last refresh
// succeeded.
func (e *Engine) Healthy() bool {
	return e.Ready() && e.stats.Healthy()
}
