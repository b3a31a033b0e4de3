// Package stats keeps running refresh statistics.
//
// Durations go into a DDSketch so percentiles stay accurate to 1% without
// keeping every sample.
package stats

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/policysync/internal/diff"
)

// DefaultAccuracy is the relative accuracy of duration percentiles.
const DefaultAccuracy = 0.01

// Collector records refresh outcomes.
//
// Collector is safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	total               int64
	succeeded           int64
	failed              int64
	consecutiveFailures int64

	lastSuccess time.Time
	lastFailure time.Time
	lastError   string

	// Duration statistics in milliseconds
	count  int64
	sum    float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch

	changes map[diff.Action]int64
	local   int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	c := &Collector{changes: make(map[diff.Action]int64)}
	c.resetDurations()
	return c
}

func (c *Collector) resetDurations() {
	c.count = 0
	c.sum = 0
	c.min = math.MaxFloat64
	c.max = -math.MaxFloat64

	// Create a new sketch (DDSketch doesn't have a Clear method)
	sketch, err := ddsketch.NewDefaultDDSketch(DefaultAccuracy)
	if err == nil {
		c.sketch = sketch
	}
}

// RecordSuccess records a completed refresh and the changes it found.
func (c *Collector) RecordSuccess(at time.Time, d time.Duration, changes []diff.ChangeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.succeeded++
	c.consecutiveFailures = 0
	c.lastSuccess = at
	c.addDuration(d)

	for _, ch := range changes {
		c.changes[ch.Action]++
		if ch.LocallyInitiated {
			c.local++
		}
	}
}

// RecordFailure records a failed refresh.
func (c *Collector) RecordFailure(at time.Time, d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.failed++
	c.consecutiveFailures++
	c.lastFailure = at
	if err != nil {
		c.lastError = err.Error()
	}
	c.addDuration(d)
}

func (c *Collector) addDuration(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	c.count++
	c.sum += ms
	if ms < c.min {
		c.min = ms
	}
	if ms > c.max {
		c.max = ms
	}
	if c.sketch != nil && ms >= 0 {
		c.sketch.Add(ms)
	}
}

// Snapshot is a point-in-time copy of the collected statistics.
type Snapshot struct {
	Total               int64            `json:"total"`
	Succeeded           int64            `json:"succeeded"`
	Failed              int64            `json:"failed"`
	ConsecutiveFailures int64            `json:"consecutive_failures"`
	LastSuccess         time.Time        `json:"last_success,omitempty"`
	LastFailure         time.Time        `json:"last_failure,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
	Duration            DurationStats    `json:"duration_ms"`
	Changes             map[string]int64 `json:"changes"`
	LocalChanges        int64            `json:"local_changes"`
}

// DurationStats summarizes refresh durations in milliseconds.
type DurationStats struct {
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// Snapshot returns the current statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Total:               c.total,
		Succeeded:           c.succeeded,
		Failed:              c.failed,
		ConsecutiveFailures: c.consecutiveFailures,
		LastSuccess:         c.lastSuccess,
		LastFailure:         c.lastFailure,
		LastError:           c.lastError,
		Changes:             make(map[string]int64, len(diff.AllActions)),
		LocalChanges:        c.local,
	}

	for _, a := range diff.AllActions {
		s.Changes[string(a)] = c.changes[a]
	}

	if c.count > 0 {
		s.Duration = DurationStats{
			Count: c.count,
			Avg:   c.sum / float64(c.count),
			Min:   c.min,
			Max:   c.max,
		}
		if c.sketch != nil && !c.sketch.IsEmpty() {
			s.Duration.P50, _ = c.sketch.GetValueAtQuantile(0.50)
			s.Duration.P90, _ = c.sketch.GetValueAtQuantile(0.90)
			s.Duration.P99, _ = c.sketch.GetValueAtQuantile(0.99)
		}
	}

	return s
}

// Healthy reports whether the last refresh succeeded.
func (c *Collector) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeeded > 0 && c.consecutiveFailures == 0
}

// Reset clears duration statistics. Counters are kept.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetDurations()
}
