// Package dedup suppresses repeated deliveries of the same entry id.
//
// Two strategies are offered. The time window remembers ids for a short
// period (two seconds by default). When the origin stamps messages with a
// per-id sequence number, SuppressSeq is used instead and no clock is
// involved.
package dedup

import (
	"sync"
	"time"
)

// DefaultWindow is how long an id stays suppressed after MarkSeen.
const DefaultWindow = 2 * time.Second

// Window tracks recently seen ids.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	seen    map[string]time.Time // id -> expiry
	lastSeq map[string]uint64
}

// New returns a Window with the given expiry. A zero ttl uses DefaultWindow.
func New(ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	return &Window{
		ttl:     ttl,
		now:     time.Now,
		seen:    make(map[string]time.Time),
		lastSeq: make(map[string]uint64),
	}
}

// WithClock replaces the time source; used by tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
	return w
}

// ShouldSuppress reports whether id was marked seen within the window.
func (w *Window) ShouldSuppress(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.seen[id]
	if !ok {
		return false
	}
	if !w.now().Before(exp) {
		delete(w.seen, id)
		return false
	}
	return true
}

// MarkSeen starts (or restarts) the suppression window for id.
func (w *Window) MarkSeen(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	w.seen[id] = now.Add(w.ttl)
}

// SuppressSeq reports whether seq is not newer than the last sequence number
// accepted for id, and records it otherwise.
func (w *Window) SuppressSeq(id string, seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastSeq[id]; ok && seq <= last {
		return true
	}
	w.lastSeq[id] = seq
	return false
}

// Len returns how many ids are currently tracked by the time window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return len(w.seen)
}

// Reset forgets everything.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.seen)
	clear(w.lastSeq)
}

func (w *Window) pruneLocked(now time.Time) {
	for id, exp := range w.seen {
		if !now.Before(exp) {
			delete(w.seen, id)
		}
	}
}
