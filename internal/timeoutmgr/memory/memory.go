// Package memory provides an in-process timeoutmgr.Store backed by a
// min-heap scored by due time.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/gobus/internal/timeoutmgr"
	"github.com/chris-alexander-pop/gobus/pkg/datastructures/heap"
)

// Store is a heap-backed timeoutmgr.Store. Removed entries are
// tombstoned rather than spliced out of the heap (container/heap only
// supports removal by index, and concurrent Defer calls would race
// with the index); PeekDue filters them out and they are dropped for
// good the next time they would otherwise be popped.
type Store struct {
	mu        sync.Mutex
	heap      *heap.MinHeap[timeoutmgr.Envelope]
	tombstone map[string]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		heap:      heap.NewMinHeap[timeoutmgr.Envelope](),
		tombstone: make(map[string]struct{}),
	}
}

func (s *Store) Defer(ctx context.Context, env timeoutmgr.Envelope) (timeoutmgr.Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	s.mu.Lock()
	s.heap.PushItem(env, float64(env.ApproximateDueTime.UnixNano()))
	s.mu.Unlock()
	return env, nil
}

func (s *Store) PeekDue(ctx context.Context, now time.Time) ([]timeoutmgr.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []timeoutmgr.Envelope
	var requeue []timeoutmgr.Envelope

	cutoff := float64(now.UnixNano())
	for {
		env, score, ok := s.heap.Peek()
		if !ok || score > cutoff {
			break
		}
		env, _, _ = s.heap.PopItem()
		if _, tombstoned := s.tombstone[env.ID]; tombstoned {
			delete(s.tombstone, env.ID)
			continue
		}
		due = append(due, env)
		requeue = append(requeue, env)
	}

	// PeekDue must not remove entries (Manager deletes explicitly via
	// Remove after a successful resend), so due envelopes are popped
	// only to inspect their score and immediately pushed back.
	for _, env := range requeue {
		s.heap.PushItem(env, float64(env.ApproximateDueTime.UnixNano()))
	}

	return due, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstone[id] = struct{}{}
	return nil
}
