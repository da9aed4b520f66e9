// Package cache contains the bounded in-memory window of capture entries
// shown to the view, ordered newest first.
package cache

import (
	"sort"
	"sync"

	"github.com/jnovack/capture-client/pkg/capture"
)

// DefaultMaxEntries is the window size used when New is given zero.
const DefaultMaxEntries = 10

// Listener is notified with a snapshot after every change.
type Listener func([]capture.Entry)

// Cache is a concurrency-safe bounded window of entries sorted by descending
// timestamp. Eviction only drops entries from memory; records stay persisted.
type Cache struct {
	mu        sync.Mutex
	notifyMu  sync.Mutex
	entries   []capture.Entry
	max       int
	listeners []Listener
}

// New creates a Cache holding at most maxEntries entries.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{max: maxEntries}
}

// Subscribe registers fn to receive a snapshot after each change. Listeners
// run synchronously and must not call back into the cache.
func (c *Cache) Subscribe(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Upsert inserts or replaces the entry with the same id, restores ordering and
// evicts the oldest entries beyond the bound. It returns the evicted ids.
func (c *Cache) Upsert(e capture.Entry) []string {
	c.mu.Lock()
	idx := c.indexOf(e.ID)
	if idx >= 0 {
		c.entries[idx] = e.Clone()
	} else {
		c.entries = append(c.entries, e.Clone())
	}
	c.sortLocked()
	var evicted []string
	for len(c.entries) > c.max {
		// evict the oldest entry
		last := len(c.entries) - 1
		evicted = append(evicted, c.entries[last].ID)
		c.entries = c.entries[:last]
	}
	c.publishLocked()
	return evicted
}

// Update replaces an entry only if it is currently in the window. It reports
// whether the entry was present.
func (c *Cache) Update(e capture.Entry) bool {
	c.mu.Lock()
	idx := c.indexOf(e.ID)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.entries[idx] = e.Clone()
	c.sortLocked()
	c.publishLocked()
	return true
}

// Replace swaps the whole window, keeping at most the newest max entries.
func (c *Cache) Replace(entries []capture.Entry) {
	c.mu.Lock()
	c.entries = make([]capture.Entry, 0, len(entries))
	for _, e := range entries {
		c.entries = append(c.entries, e.Clone())
	}
	c.sortLocked()
	if len(c.entries) > c.max {
		c.entries = c.entries[:c.max]
	}
	c.publishLocked()
}

// Remove drops the entry with id from the window.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	idx := c.indexOf(id)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	c.publishLocked()
	return true
}

// Clear empties the window.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = nil
	c.publishLocked()
}

// Get returns a copy of the entry with id.
func (c *Cache) Get(id string) (capture.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOf(id)
	if idx < 0 {
		return capture.Entry{}, false
	}
	return c.entries[idx].Clone(), true
}

// List returns a snapshot copy of the window, newest first.
func (c *Cache) List() []capture.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ForApp returns the entries belonging to appID, newest first.
func (c *Cache) ForApp(appID string) []capture.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capture.Entry
	for _, e := range c.entries {
		if e.AppID == appID {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Len returns the number of entries in the window.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) indexOf(id string) int {
	for i := range c.entries {
		if c.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Cache) sortLocked() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].Timestamp.After(c.entries[j].Timestamp)
	})
}

func (c *Cache) snapshotLocked() []capture.Entry {
	out := make([]capture.Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Clone()
	}
	return out
}

// publishLocked releases c.mu and hands the snapshot to listeners. notifyMu
// is taken before c.mu is released so listeners see snapshots in order.
func (c *Cache) publishLocked() {
	snap := c.snapshotLocked()
	ls := c.listeners
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	for _, fn := range ls {
		fn(snap)
	}
}
