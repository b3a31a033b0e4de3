// Package scheduler decides when the next full refresh runs.
//
// There is no push channel from the controller, so the refresh rate adapts to
// observed activity instead:
//
//	idle      base interval, nothing happened recently
//	active    any change (local or remote) seen within the activity timeout
//	realtime  a local write was just accepted; a fixed number of fast cycles
//	          catch secondary effects of that write
//
// Key features:
//   - Pure interval computation (ScheduleNext, Transition)
//   - Tracker holding the activity state machine
//   - Single refresh loop with wakeup channel; refreshes never overlap
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/policysync/config"
	"github.com/xtxerr/policysync/internal/logging"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// Mode is the polling mode.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModeActive   Mode = "active"
	ModeRealtime Mode = "realtime"
)

// State is the scheduler state machine position.
type State struct {
	Mode Mode

	// RealtimeRemaining is the number of realtime cycles left.
	RealtimeRemaining int
}

// Config holds scheduler configuration.
type Config struct {
	// BaseInterval is used in idle mode.
	BaseInterval time.Duration

	// ActiveInterval is used while activity is recent.
	ActiveInterval time.Duration

	// RealtimeInterval is used right after a local write.
	RealtimeInterval time.Duration

	// RealtimeCycles is how many refreshes run at RealtimeInterval.
	RealtimeCycles int

	// ActivityTimeout is how long activity keeps the scheduler active.
	ActivityTimeout time.Duration

	// DrainTimeout is how long Stop waits for an in-flight refresh.
	DrainTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseInterval:     config.DefaultBaseInterval,
		ActiveInterval:   config.DefaultActiveInterval,
		RealtimeInterval: config.DefaultRealtimeInterval,
		RealtimeCycles:   config.DefaultRealtimeCycles,
		ActivityTimeout:  config.DefaultActivityTimeout,
		DrainTimeout:     config.DefaultDrainTimeout,
	}
}

// =============================================================================
// Pure Scheduling
// =============================================================================

// Transition returns the state the scheduler is in at now.
//
//   - realtime with cycles left stays realtime
//   - otherwise activity within ActivityTimeout means active
//   - otherwise idle
func Transition(lastActivity time.Time, state State, now time.Time, cfg *Config) State {
	if state.Mode == ModeRealtime && state.RealtimeRemaining > 0 {
		return state
	}

	if !lastActivity.IsZero() && now.Sub(lastActivity) < cfg.ActivityTimeout {
		return State{Mode: ModeActive}
	}
	return State{Mode: ModeIdle}
}

// ScheduleNext returns the delay until the next refresh.
// It has no side effects.
func ScheduleNext(lastActivity time.Time, state State, now time.Time, cfg *Config) time.Duration {
	return cfg.interval(Transition(lastActivity, state, now, cfg).Mode)
}

func (c *Config) interval(m Mode) time.Duration {
	switch m {
	case ModeRealtime:
		return c.RealtimeInterval
	case ModeActive:
		return c.ActiveInterval
	default:
		return c.BaseInterval
	}
}

// =============================================================================
// Tracker
// =============================================================================

// Tracker records activity and advances the scheduler state.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	cfg          *Config
	lastActivity time.Time
	state        State
}

// NewTracker creates a tracker starting in idle mode.
func NewTracker(cfg *Config) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:   cfg,
		state: State{Mode: ModeIdle},
	}
}

// ObserveChange records a change (local or remote) seen at now.
func (t *Tracker) ObserveChange(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.After(t.lastActivity) {
		t.lastActivity = now
	}
	if t.state.Mode == ModeIdle {
		t.state = State{Mode: ModeActive}
	}
}

// ObserveLocalWrite records an accepted local write and enters realtime mode.
func (t *Tracker) ObserveLocalWrite(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.After(t.lastActivity) {
		t.lastActivity = now
	}
	t.state = State{Mode: ModeRealtime, RealtimeRemaining: t.cfg.RealtimeCycles}
}

// Next computes the delay until the next refresh and consumes one realtime
// cycle if in realtime mode.
func (t *Tracker) Next(now time.Time) (time.Duration, Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Transition(t.lastActivity, t.state, now, t.cfg)
	d := t.cfg.interval(st.Mode)
	if st.Mode == ModeRealtime {
		st.RealtimeRemaining--
	}
	t.state = st

	return d, st.Mode
}

// State returns the current state and the last activity time.
func (t *Tracker) State() (State, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.lastActivity
}

// =============================================================================
// Refresh Loop
// =============================================================================

// RefreshFunc performs one refresh cycle.
type RefreshFunc func(ctx context.Context) error

// Loop runs refreshes on the tracker's schedule.
//
// A single goroutine owns the timer, so refreshes never overlap. Trigger
// wakes the loop early; a trigger arriving during a refresh is held in the
// wakeup channel and runs right after it. Refresh errors are logged and the
// loop continues with its normal schedule.
type Loop struct {
	tracker *Tracker
	refresh RefreshFunc
	now     func() time.Time

	wakeup   chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	drainTimeout time.Duration
	stopOnce     sync.Once

	// Metrics
	cycles   atomic.Int64
	failures atomic.Int64
	triggers atomic.Int64
	panics   atomic.Int64
	running  atomic.Bool
	nextAtMs atomic.Int64
	lastMode atomic.Value // Mode
}

// NewLoop creates a refresh loop.
func NewLoop(cfg *Config, tracker *Tracker, refresh RefreshFunc) *Loop {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if tracker == nil {
		tracker = NewTracker(cfg)
	}

	l := &Loop{
		tracker:      tracker,
		refresh:      refresh,
		now:          time.Now,
		wakeup:       make(chan struct{}, 1),
		shutdown:     make(chan struct{}),
		drainTimeout: cfg.DrainTimeout,
	}
	l.lastMode.Store(ModeIdle)
	return l
}

// Tracker returns the loop's tracker.
func (l *Loop) Tracker() *Tracker {
	return l.tracker
}

// Start starts the loop. The first refresh runs immediately.
func (l *Loop) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.run()

	log.Info("refresh loop started")
}

// Stop stops the loop, waiting up to the drain timeout for an in-flight
// refresh before cancelling it.
func (l *Loop) Stop(ctx context.Context) {
	l.stopOnce.Do(func() {
		log.Info("refresh loop stopping")
		close(l.shutdown)

		drainCtx := ctx
		if l.drainTimeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, l.drainTimeout)
			defer cancel()
		}

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Info("refresh loop stopped gracefully")
		case <-drainCtx.Done():
			log.Warn("refresh loop drain timeout", "refreshing", l.running.Load())
		}

		if l.cancel != nil {
			l.cancel()
		}
	})
}

// Trigger requests a refresh as soon as possible.
func (l *Loop) Trigger() {
	l.triggers.Add(1)
	select {
	case l.wakeup <- struct{}{}:
	default:
		// Already signaled
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-l.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-l.shutdown:
			return
		}

		l.runCycle()

		d, mode := l.tracker.Next(l.now())
		l.lastMode.Store(mode)
		l.nextAtMs.Store(l.now().Add(d).UnixMilli())
		timer.Reset(d)

		log.Debug("next refresh scheduled", "mode", mode, "in", d)
	}
}

// runCycle runs one refresh with panic recovery.
func (l *Loop) runCycle() {
	l.running.Store(true)
	l.cycles.Add(1)

	defer func() {
		l.running.Store(false)
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.failures.Add(1)
			log.Error("panic in refresh", "panic", r)
		}
	}()

	if l.refresh == nil {
		l.failures.Add(1)
		log.Error("refresh failed", "error", fmt.Errorf("no refresh function configured"))
		return
	}

	if err := l.refresh(l.ctx); err != nil {
		l.failures.Add(1)
		log.Warn("refresh failed", "error", err)
	}
}

// =============================================================================
// Utility Methods
// =============================================================================

// LoopStats holds loop statistics.
type LoopStats struct {
	Cycles      int64
	Failures    int64
	Triggers    int64
	Panics      int64
	Refreshing  bool
	Mode        Mode
	NextRefresh time.Time
}

// Stats returns loop statistics.
func (l *Loop) Stats() LoopStats {
	s := LoopStats{
		Cycles:     l.cycles.Load(),
		Failures:   l.failures.Load(),
		Triggers:   l.triggers.Load(),
		Panics:     l.panics.Load(),
		Refreshing: l.running.Load(),
		Mode:       l.lastMode.Load().(Mode),
	}
	if ms := l.nextAtMs.Load(); ms > 0 {
		s.NextRefresh = time.UnixMilli(ms)
	}
	return s
}
