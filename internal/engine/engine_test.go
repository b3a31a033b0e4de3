package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/policysync/internal/debounce"
	"github.com/xtxerr/policysync/internal/diff"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/scheduler"
	"github.com/xtxerr/policysync/internal/snapshot"
	ptesting "github.com/xtxerr/policysync/internal/testing"
)

// =============================================================================
// Helpers
// =============================================================================

var (
	blockIoT = snapshot.Key{Domain: snapshot.DomainFirewallPolicy, ID: "block-iot"}
	guestNet = snapshot.Key{Domain: snapshot.DomainWLAN, ID: "guest"}
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.OperationDebounce = 30 * time.Millisecond
	cfg.RefreshDebounce = 20 * time.Millisecond
	cfg.OptimisticTimeout = 2 * time.Second
	cfg.Scheduler = &scheduler.Config{
		BaseInterval:     time.Hour,
		ActiveInterval:   time.Hour,
		RealtimeInterval: time.Hour,
		RealtimeCycles:   1,
		ActivityTimeout:  time.Minute,
		DrainTimeout:     time.Second,
	}
	return cfg
}

func setup(t *testing.T) (*Engine, *ptesting.FakeController, *ptesting.RecordingSink) {
	t.Helper()

	ctrl := ptesting.NewFakeController()
	ctrl.Set(blockIoT, snapshot.NewState(false, "Block IoT", map[string]any{"action": "drop"}))
	ctrl.Set(guestNet, snapshot.NewState(true, "Guest", nil))

	sink := ptesting.NewRecordingSink()
	eng := New(ctrl, testConfig(), sink)
	t.Cleanup(func() { eng.Stop(context.Background()) })

	res, err := eng.Refresh(context.Background())
	if err != nil {
		t.Fatalf("baseline Refresh() error = %v", err)
	}
	if !res.Baseline || len(res.Events) != 0 {
		t.Fatalf("baseline result = %+v, want baseline without events", res)
	}
	return eng, ctrl, sink
}

// =============================================================================
// Refresh Tests
// =============================================================================

// A change made on the controller directly produces exactly one event with
// LocallyInitiated false.
func TestEngine_RemoteOnlyChange(t *testing.T) {
	eng, ctrl, sink := setup(t)

	ctrl.Set(blockIoT, snapshot.NewState(true, "Block IoT", map[string]any{"action": "drop"}))

	if _, err := eng.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Key() != blockIoT || ev.Action != diff.ActionEnabled || ev.LocallyInitiated {
		t.Errorf("event = %+v, want remote enabled for %s", ev, blockIoT)
	}
	if st, _ := eng.Tracker().State(); st.Mode != scheduler.ModeActive {
		t.Errorf("scheduler mode = %s, want active after a change", st.Mode)
	}
}

func TestEngine_NoChangeNoEvents(t *testing.T) {
	eng, _, sink := setup(t)

	res, err := eng.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if res.Baseline || len(res.Events) != 0 || sink.Len() != 0 {
		t.Errorf("unchanged refresh produced events: %+v", res)
	}
}

func TestEngine_FetchFailureKeepsSnapshot(t *testing.T) {
	eng, ctrl, sink := setup(t)
	before := eng.Snapshot()

	ctrl.FailFetch(errors.Wrap(errors.ErrConnectionFailed, "dial controller"))
	_, err := eng.Refresh(context.Background())
	if !errors.Is(err, errors.ErrFetchFailed) || !errors.Is(err, errors.ErrConnectionFailed) {
		t.Fatalf("Refresh() error = %v, want fetch failure wrapping the cause", err)
	}
	if eng.Snapshot() != before {
		t.Error("failed refresh replaced the snapshot")
	}

	ctrl.FailFetch(nil)
	ctrl.Remove(guestNet)
	ctrl.OnlyDomains(snapshot.DomainFirewallPolicy)
	if _, err := eng.Refresh(context.Background()); !errors.Is(err, errors.ErrPartialSnapshot) {
		t.Fatalf("Refresh() error = %v, want ErrPartialSnapshot", err)
	}
	if eng.Snapshot() != before || sink.Len() != 0 {
		t.Error("partial snapshot must not be diffed or stored")
	}

	st := eng.Stats().Refresh
	if st.Failed != 2 || st.ConsecutiveFailures != 2 {
		t.Errorf("refresh stats = %+v", st)
	}
	if eng.Healthy() {
		t.Error("Healthy() = true after failures")
	}
}

// =============================================================================
// Local Change Tests
// =============================================================================

func TestEngine_LocalChangeCorrelated(t *testing.T) {
	eng, ctrl, sink := setup(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- eng.Toggle(ctx, blockIoT, true) }()

	// Optimistic state is visible before the write completes
	ptesting.RequireEventually(t, time.Second, func() bool {
		rec, _ := eng.CurrentState(blockIoT)
		return rec.Enabled
	}, "optimistic state not shown")

	if confirmed, _ := eng.ConfirmedState(blockIoT); confirmed.Enabled {
		t.Error("confirmed state changed before any refresh")
	}

	if err := <-done; err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if len(ctrl.Writes()) != 1 {
		t.Fatalf("writes = %d, want 1", len(ctrl.Writes()))
	}

	if _, err := eng.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	events := sink.Events()
	if len(events) != 1 || !events[0].LocallyInitiated || events[0].Action != diff.ActionEnabled {
		t.Fatalf("events = %+v, want one local enabled event", events)
	}
	if rec, _ := eng.CurrentState(blockIoT); !rec.Enabled {
		t.Error("confirmed state should now be enabled")
	}
	if eng.Stats().Optimistic != 0 {
		t.Error("optimistic entry should be cleared after convergence")
	}
	if eng.Stats().Debounce.Pending != 0 {
		t.Error("pending operation should be claimed")
	}
}

// Toggling off, on, off within one window sends a single write of the last
// value and produces no change event when it matches the confirmed state.
func TestEngine_CoalescedToggles(t *testing.T) {
	eng, ctrl, sink := setup(t)
	gt := ptesting.NewGoroutineTest(t, 5*time.Second)

	// guest starts enabled
	for _, enabled := range []bool{false, true, false} {
		enabled := enabled
		gt.Go(func(ctx context.Context) error {
			return eng.Toggle(ctx, guestNet, enabled)
		})
		time.Sleep(5 * time.Millisecond)
	}
	gt.Wait()

	writes := ctrl.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if writes[0].Desired.Enabled {
		t.Error("coalesced write should carry the last value (disabled)")
	}

	eng.Refresh(context.Background())
	events := sink.Events()
	if len(events) != 1 || events[0].Action != diff.ActionDisabled || !events[0].LocallyInitiated {
		t.Errorf("events = %+v, want one local disabled event", events)
	}
}

func TestEngine_WriteFailureRollsBack(t *testing.T) {
	eng, ctrl, sink := setup(t)
	ctrl.FailWrites(errors.Wrap(errors.ErrWriteFailed, "HTTP 500"))

	err := eng.Toggle(context.Background(), blockIoT, true)
	if !errors.Is(err, errors.ErrWriteFailed) {
		t.Fatalf("Toggle() error = %v, want ErrWriteFailed", err)
	}

	if rec, _ := eng.CurrentState(blockIoT); rec.Enabled {
		t.Error("optimistic state should be rolled back immediately")
	}
	if len(ctrl.Writes()) != 1 {
		t.Errorf("writes = %d, want 1 (no retry)", len(ctrl.Writes()))
	}

	eng.Refresh(context.Background())
	if sink.Len() != 0 {
		t.Error("failed write must not produce events")
	}
}

// A change that never reaches the controller leaves the shown state as it
// was.
func TestEngine_UnsubmittedChangeNotShown(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() context.Context
		stop bool
		want error
	}{
		{
			name: "cancelled context",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			want: context.Canceled,
		},
		{
			name: "stopped engine",
			ctx:  context.Background,
			stop: true,
			want: errors.ErrStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, ctrl, _ := setup(t)
			if tt.stop {
				eng.Stop(context.Background())
			}

			err := eng.Toggle(tt.ctx(), blockIoT, true)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Toggle() error = %v, want %v", err, tt.want)
			}
			if rec, _ := eng.CurrentState(blockIoT); rec.Enabled {
				t.Error("shown state changed although nothing was written")
			}
			for _, ent := range eng.List(snapshot.DomainFirewallPolicy) {
				if ent.Optimistic {
					t.Errorf("%s still marked optimistic", ent.Key)
				}
			}
			if n := len(ctrl.Writes()); n != 0 {
				t.Errorf("writes = %d, want 0", n)
			}
		})
	}
}

// Stopping the engine drops a change still inside its debounce window and
// restores the confirmed state.
func TestEngine_StopDropsWaitingChange(t *testing.T) {
	ctrl := ptesting.NewFakeController()
	ctrl.Set(blockIoT, snapshot.NewState(false, "Block IoT", nil))

	cfg := testConfig()
	cfg.OperationDebounce = time.Hour
	eng := New(ctrl, cfg)
	if _, err := eng.Refresh(context.Background()); err != nil {
		t.Fatalf("baseline Refresh() error = %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- eng.Toggle(context.Background(), blockIoT, true) }()

	ptesting.RequireEventually(t, time.Second, func() bool {
		ents := eng.List(snapshot.DomainFirewallPolicy)
		return len(ents) == 1 && ents[0].Pending == debounce.PhaseWaiting
	}, "change never entered its debounce window")

	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, errors.ErrStopped) {
			t.Errorf("Toggle() error = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Toggle() did not return after Stop")
	}

	if rec, _ := eng.CurrentState(blockIoT); rec.Enabled {
		t.Error("dropped change is still shown")
	}
	if n := len(ctrl.Writes()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

// Failure logs carry the entity they concern.
func TestEngine_WriteFailureLogsEntity(t *testing.T) {
	var out lockedBuffer
	prev := logging.Logger
	logging.InitWithHandler(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	t.Cleanup(func() { logging.Logger = prev })

	eng, ctrl, _ := setup(t)
	ctrl.FailWrites(errors.Wrap(errors.ErrWriteFailed, "HTTP 500"))

	if err := eng.Toggle(context.Background(), blockIoT, true); err == nil {
		t.Fatal("Toggle() succeeded, want a write failure")
	}

	want := map[string]bool{"write failed": false, "local change rolled back": false}
	for _, line := range bytes.Split(out.Bytes(), []byte("\n")) {
		var rec map[string]any
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		msg, _ := rec["msg"].(string)
		if _, ok := want[msg]; ok && rec["entity"] == blockIoT.String() {
			want[msg] = true
		}
	}
	for msg, seen := range want {
		if !seen {
			t.Errorf("no %q record for %s", msg, blockIoT)
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestEngine_RequestChangeValidation(t *testing.T) {
	eng, _, _ := setup(t)
	ctx := context.Background()

	err := eng.Toggle(ctx, snapshot.Key{Domain: "vpn", ID: "x"}, true)
	if !errors.Is(err, errors.ErrInvalidKey) {
		t.Errorf("unknown domain error = %v, want ErrInvalidKey", err)
	}

	err = eng.Toggle(ctx, snapshot.Key{Domain: snapshot.DomainDevice, ID: "missing"}, true)
	if !errors.Is(err, errors.ErrEntityNotFound) {
		t.Errorf("missing entity error = %v, want ErrEntityNotFound", err)
	}
}

func TestEngine_AttributeChange(t *testing.T) {
	eng, ctrl, sink := setup(t)
	ctx := context.Background()

	desired := snapshot.NewState(false, "", map[string]any{"action": "reject"})
	if err := eng.RequestChange(ctx, blockIoT, desired); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}

	rec, _ := ctrl.Get(blockIoT)
	if v, _ := rec.Attr("action"); v != "reject" || rec.Name != "Block IoT" {
		t.Errorf("remote state = %+v, want action reject with name kept", rec)
	}

	eng.Refresh(ctx)
	events := sink.Events()
	if len(events) != 1 || events[0].Action != diff.ActionModified || !events[0].LocallyInitiated {
		t.Errorf("events = %+v, want one local modified event", events)
	}
}

// A write schedules a refresh through the loop; the event arrives without
// any manual refresh.
func TestEngine_WriteTriggersRefresh(t *testing.T) {
	eng, _, sink := setup(t)
	ctx := context.Background()

	eng.Start(ctx)
	// Wait for the loop's initial refresh so it is idle on its hour-long timer
	ptesting.RequireEventually(t, time.Second, func() bool {
		return eng.Stats().Loop.Cycles >= 1
	}, "loop did not run its first cycle")

	if err := eng.Toggle(ctx, blockIoT, true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}

	ptesting.RequireEventually(t, 2*time.Second, func() bool {
		return sink.Len() == 1
	}, "write did not trigger a refresh")

	if !sink.Events()[0].LocallyInitiated {
		t.Error("event should be locally initiated")
	}
	if st, _ := eng.Tracker().State(); st.Mode == scheduler.ModeIdle {
		t.Error("scheduler should have left idle mode after a local write")
	}
}

func TestEngine_List(t *testing.T) {
	eng, _, _ := setup(t)

	all := eng.List("")
	if len(all) != 2 {
		t.Fatalf("List() = %d entities, want 2", len(all))
	}
	wlans := eng.List(snapshot.DomainWLAN)
	if len(wlans) != 1 || wlans[0].Key != guestNet {
		t.Errorf("List(wlan) = %+v", wlans)
	}
}

func TestEngine_ConcurrentRefreshCollapses(t *testing.T) {
	eng, ctrl, _ := setup(t)
	ctrl.Set(blockIoT, snapshot.NewState(true, "Block IoT", nil))
	before := ctrl.Fetches()

	gt := ptesting.NewGoroutineTest(t, 5*time.Second)
	for i := 0; i < 8; i++ {
		gt.Go(func(ctx context.Context) error {
			_, err := eng.Refresh(ctx)
			return err
		})
	}
	gt.Wait()

	if n := ctrl.Fetches() - before; n < 1 || n > 8 {
		t.Errorf("fetches = %d", n)
	}
	// However many cycles ran, the change is reported once
	if got := eng.Stats().Notify.Events; got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

// gatedController holds every fetch until the gate opens.
type gatedController struct {
	*ptesting.FakeController

	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (g *gatedController) FetchFullState(ctx context.Context) (*snapshot.Snapshot, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrFetchFailed, ctx.Err().Error())
	}
	return g.FakeController.FetchFullState(ctx)
}

// A caller that gives up on a shared refresh does not fail the callers that
// joined it.
func TestEngine_RefreshCallerCancelIsolated(t *testing.T) {
	ctrl := &gatedController{
		FakeController: ptesting.NewFakeController(),
		gate:           make(chan struct{}),
		entered:        make(chan struct{}),
	}
	ctrl.Set(guestNet, snapshot.NewState(true, "Guest", nil))

	eng := New(ctrl, testConfig())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	errA := make(chan error, 1)
	go func() {
		_, err := eng.Refresh(ctxA)
		errA <- err
	}()
	<-ctrl.entered

	type result struct {
		res *RefreshResult
		err error
	}
	resB := make(chan result, 1)
	go func() {
		res, err := eng.Refresh(context.Background())
		resB <- result{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(ctrl.gate)
	select {
	case r := <-resB:
		if r.err != nil {
			t.Fatalf("joined caller error = %v", r.err)
		}
		if !r.res.Baseline {
			t.Errorf("result = %+v, want the baseline cycle", r.res)
		}
	case <-time.After(time.Second):
		t.Fatal("joined caller did not return")
	}

	if !eng.Healthy() {
		t.Error("Healthy() = false after a successful shared refresh")
	}
	if _, ok := eng.CurrentState(guestNet); !ok {
		t.Error("snapshot not stored after the shared refresh")
	}
}

func TestEngine_RefreshAfterStop(t *testing.T) {
	eng, ctrl, _ := setup(t)
	before := ctrl.Fetches()

	eng.Stop(context.Background())
	if _, err := eng.Refresh(context.Background()); !errors.Is(err, errors.ErrStopped) {
		t.Errorf("Refresh() error = %v, want ErrStopped", err)
	}
	if ctrl.Fetches() != before {
		t.Error("stopped engine fetched")
	}
}
