// Package errortracker records per-message failure counts so the
// retry step can decide when a message has become poison.
package errortracker

import (
	"sync"
	"time"

	"github.com/chris-alexander-pop/gobus/pkg/datastructures/concurrentmap"
)

// entry tracks the failures seen for a single message-id.
type entry struct {
	mu         sync.Mutex
	firstSeen  time.Time
	lastSeen   time.Time
	exceptions []string
}

// Tracker is a map of message-id to failure history, backed by a
// sharded concurrent map to keep lock contention low under high worker
// parallelism. It has no size bound: entries leave it through Clear,
// or through Purge once older than maxAge, and the tracker never calls
// Purge on its own.
type Tracker struct {
	maxAge time.Duration
	data   *concurrentmap.ShardedMap[string, *entry]
}

// New creates a Tracker. maxAge bounds how long a stale entry (no
// further failures) is retained before Purge evicts it; 0 disables
// age-based eviction.
func New(maxAge time.Duration) *Tracker {
	return &Tracker{
		maxAge: maxAge,
		data:   concurrentmap.New[string, *entry](64),
	}
}

// RecordFailure appends err's message to message-id's history and
// returns the new failure count.
func (t *Tracker) RecordFailure(messageID string, errMsg string) int {
	now := time.Now()
	e, ok := t.data.Get(messageID)
	if !ok {
		e = &entry{firstSeen: now}
		t.data.Set(messageID, e)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = now
	e.exceptions = append(e.exceptions, errMsg)
	return len(e.exceptions)
}

// FailureCount returns the number of recorded failures for message-id.
func (t *Tracker) FailureCount(messageID string) int {
	e, ok := t.data.Get(messageID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.exceptions)
}

// Details returns a human-readable summary of every recorded failure
// for message-id, newest last.
func (t *Tracker) Details(messageID string) string {
	e, ok := t.data.Get(messageID)
	if !ok {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := ""
	for i, msg := range e.exceptions {
		if i > 0 {
			out += "\n"
		}
		out += msg
	}
	return out
}

// Clear removes message-id's tracked history, e.g. after a successful
// handling or after dead-lettering.
func (t *Tracker) Clear(messageID string) {
	t.data.Delete(messageID)
}

// Purge evicts entries whose last failure is older than maxAge. A
// no-op if the tracker was created with maxAge == 0.
func (t *Tracker) Purge() {
	if t.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-t.maxAge)
	var stale []string
	t.data.ForEach(func(key string, e *entry) {
		e.mu.Lock()
		last := e.lastSeen
		e.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, key)
		}
	})
	for _, key := range stale {
		t.data.Delete(key)
	}
}
