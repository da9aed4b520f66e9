// Package autoplay cycles through the screenshots of complete entries.
package autoplay

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jnovack/capture-client/pkg/capture"
)

// DefaultInterval is the delay between two frames.
const DefaultInterval = 200 * time.Millisecond

// Playback is the per-entry view state.
type Playback struct {
	Cursor  int  `json:"cursor"`
	Playing bool `json:"playing"`
}

type track struct {
	Playback
	sig  string
	stop chan struct{}
}

func (t *track) halt() {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.Playing = false
}

// Scheduler owns one ticker per playing entry.
type Scheduler struct {
	interval time.Duration

	mu      sync.Mutex
	tracks  map[string]*track
	stopped bool
}

// New returns a Scheduler. A zero interval uses DefaultInterval.
func New(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{interval: interval, tracks: make(map[string]*track)}
}

// Apply reconciles playback with the current window. Entries holding the
// full quota play, restarting from the first frame whenever their set of
// screenshots changed; others show their latest screenshot. Entries absent
// from the window are forgotten.
func (s *Scheduler) Apply(entries []capture.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.ID] = true
		tr, ok := s.tracks[e.ID]
		if !ok {
			tr = &track{Playback: Playback{Cursor: -1}}
			s.tracks[e.ID] = tr
		}
		sig := signature(e.Screenshots)
		n := len(e.Screenshots)

		if n != capture.MaxScreenshots {
			tr.halt()
			tr.Cursor = n - 1
			tr.sig = sig
			continue
		}
		if tr.Playing && tr.sig == sig {
			continue
		}
		tr.halt()
		tr.sig = sig
		tr.Cursor = 0
		tr.Playing = true
		tr.stop = make(chan struct{})
		go s.loop(e.ID, tr.stop)
	}

	for id, tr := range s.tracks {
		if !seen[id] {
			tr.halt()
			delete(s.tracks, id)
		}
	}
}

// State returns the playback of id.
func (s *Scheduler) State(id string) (Playback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tracks[id]
	if !ok {
		return Playback{Cursor: -1}, false
	}
	return tr.Playback, true
}

// Playing returns how many entries are cycling.
func (s *Scheduler) Playing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tr := range s.tracks {
		if tr.Playing {
			n++
		}
	}
	return n
}

// Stop cancels every ticker. Later Apply calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, tr := range s.tracks {
		tr.halt()
		delete(s.tracks, id)
	}
}

func (s *Scheduler) loop(id string, stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.advance(id, stop)
		}
	}
}

// advance moves the cursor of id if stop still identifies its running cycle.
func (s *Scheduler) advance(id string, stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tracks[id]
	if !ok || tr.stop != stop || !tr.Playing {
		return
	}
	tr.Cursor = (tr.Cursor + 1) % capture.MaxScreenshots
}

// signature identifies a screenshot set by insertion timestamps, so phase
// changes from upload reconciliation do not restart a cycle.
func signature(shots []capture.Screenshot) string {
	var b strings.Builder
	for _, s := range shots {
		b.WriteString(strconv.FormatInt(s.Timestamp.UnixNano(), 36))
		b.WriteByte('.')
	}
	return b.String()
}
