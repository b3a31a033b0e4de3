// Package debounce coalesces rapid repeated requests into single actions.
//
// Debouncer is a keyed timer map: scheduling a key replaces any timer already
// armed for it, so a callback only runs once the key has been quiet for the
// full window. Coordinator builds on it to coalesce local writes per entity
// (last write wins) and to track each write until a refresh confirms it.
package debounce

import (
	"sync"
	"time"
)

// =============================================================================
// Debouncer
// =============================================================================

// Debouncer runs at most one pending callback per key.
//
// Timers live in a map keyed by the caller's key. Each Schedule stamps the
// entry with a new generation; a timer that fires after being replaced sees a
// stale generation and does nothing, so replacement never leaks a callback.
//
// Debouncer is safe for concurrent use. Callbacks run on their own goroutine
// and never hold the Debouncer's lock.
type Debouncer struct {
	mu      sync.Mutex
	entries map[string]*timerEntry
	gen     uint64
	stopped bool
}

type timerEntry struct {
	timer    *time.Timer
	gen      uint64
	deadline time.Time
}

// NewDebouncer creates an empty Debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{
		entries: make(map[string]*timerEntry),
	}
}

// Schedule arms (or re-arms) the timer for key. fn runs after wait unless
// key is scheduled again or cancelled first. Returns false once stopped.
func (d *Debouncer) Schedule(key string, wait time.Duration, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}

	if old, ok := d.entries[key]; ok {
		old.timer.Stop()
	}

	d.gen++
	gen := d.gen
	entry := &timerEntry{
		gen:      gen,
		deadline: time.Now().Add(wait),
	}
	entry.timer = time.AfterFunc(wait, func() { d.fire(key, gen, fn) })
	d.entries[key] = entry

	return true
}

func (d *Debouncer) fire(key string, gen uint64, fn func()) {
	d.mu.Lock()
	entry, ok := d.entries[key]
	if !ok || entry.gen != gen {
		// Replaced or cancelled after the timer was already running
		d.mu.Unlock()
		return
	}
	delete(d.entries, key)
	d.mu.Unlock()

	fn()
}

// Cancel stops the pending timer for key. Returns true if one was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(d.entries, key)
	return true
}

// Pending reports whether a timer is armed for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.entries[key]
	return ok
}

// Deadline returns when the timer for key will fire.
func (d *Debouncer) Deadline(key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return entry.deadline, true
}

// Len returns the number of armed timers.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Stop cancels every pending timer. Later Schedule calls are rejected.
// Returns the keys whose timers were cancelled.
func (d *Debouncer) Stop() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	keys := make([]string, 0, len(d.entries))
	for key, entry := range d.entries {
		entry.timer.Stop()
		keys = append(keys, key)
	}
	d.entries = make(map[string]*timerEntry)
	return keys
}
