// Package dedup drops retried duplicate inbound messages within a time
// window.
package dedup

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a (channel, messageID) pair is remembered.
	DefaultTTL = 60 * time.Second
	// DefaultMaxSize bounds the number of remembered pairs.
	DefaultMaxSize = 1000
)

// Deduplicator remembers recently seen message keys in insertion order.
// Safe for concurrent use.
type Deduplicator struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[string]time.Time
	order []string

	now func() time.Time // overridable in tests
}

// New creates a deduplicator with the given retention window and size cap.
// Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxSize int) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Deduplicator{
		ttl:  ttl,
		max:  maxSize,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// IsDuplicate reports whether the (channel, messageID) pair was already seen
// within the TTL. A first-seen pair is recorded and reported as not
// duplicate; a repeat does not refresh the original timestamp.
func (d *Deduplicator) IsDuplicate(messageID, channel string) bool {
	key := channel + ":" + messageID
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cleanup(now)

	if _, ok := d.seen[key]; ok {
		slog.Debug("duplicate message detected", "key", key)
		return true
	}

	d.seen[key] = now
	d.order = append(d.order, key)
	return false
}

// cleanup evicts expired entries from the oldest end, then enforces the
// size cap leaving room for one new entry. Caller holds the lock.
func (d *Deduplicator) cleanup(now time.Time) {
	cutoff := now.Add(-d.ttl)

	for len(d.order) > 0 {
		key := d.order[0]
		if !d.seen[key].Before(cutoff) {
			break
		}
		delete(d.seen, key)
		d.order = d.order[1:]
	}

	for len(d.order) >= d.max {
		key := d.order[0]
		delete(d.seen, key)
		d.order = d.order[1:]
	}
}

// Len returns the current number of remembered pairs.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
