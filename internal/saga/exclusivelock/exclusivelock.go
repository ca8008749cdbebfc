// Package exclusivelock provides the keyed lock the saga engine uses
// to serialize access to correlation buckets, with an in-process
// (semaphore array) implementation and an external, distributed one
// backed by pkg/concurrency/distlock for multi-instance deployments.
package exclusivelock

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/chris-alexander-pop/gobus/pkg/concurrency"
	"github.com/chris-alexander-pop/gobus/pkg/concurrency/distlock"
)

// Lock is a keyed mutual-exclusion primitive over a fixed number of
// buckets. Bucket is an index in [0, bucketCount); callers compute it
// with Bucket(lockID, bucketCount).
type Lock interface {
	// Acquire blocks until bucket is available or ctx is cancelled,
	// returning false only on cancellation.
	Acquire(ctx context.Context, bucket int) (bool, error)

	// Release releases bucket. Must be called exactly once per
	// successful Acquire.
	Release(bucket int)
}

// Bucket maps lockID (typically "sagaDataType:propertyName:value") to
// a bucket index using FNV-1a, the same hash family
// pkg/datastructures/concurrentmap uses for shard selection.
func Bucket(lockID string, bucketCount int) int {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(lockID))
	return int(h.Sum32() % uint32(bucketCount))
}

// InProcess is the default Lock: one binary semaphore per bucket.
type InProcess struct {
	sems []*concurrency.Semaphore
}

// NewInProcess creates an InProcess lock with bucketCount buckets.
func NewInProcess(bucketCount int) *InProcess {
	if bucketCount <= 0 {
		bucketCount = 1024
	}
	sems := make([]*concurrency.Semaphore, bucketCount)
	for i := range sems {
		sems[i] = concurrency.NewSemaphore(1)
	}
	return &InProcess{sems: sems}
}

func (l *InProcess) Acquire(ctx context.Context, bucket int) (bool, error) {
	if err := l.sems[bucket].Acquire(ctx, 1); err != nil {
		return false, nil
	}
	return true, nil
}

func (l *InProcess) Release(bucket int) {
	l.sems[bucket].Release(1)
}

// External is a Lock backed by a distlock.Locker, for saga processing
// distributed across multiple bus instances.
type External struct {
	locker      distlock.Locker
	ttl         time.Duration
	keyPrefix   string
	activeLocks map[int]distlock.Lock
}

// NewExternal creates an External lock. keyPrefix namespaces this
// bus's buckets within a shared distlock backend.
func NewExternal(locker distlock.Locker, keyPrefix string, ttl time.Duration) *External {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &External{locker: locker, ttl: ttl, keyPrefix: keyPrefix, activeLocks: make(map[int]distlock.Lock)}
}

func (l *External) Acquire(ctx context.Context, bucket int) (bool, error) {
	key := l.bucketKey(bucket)
	lock := l.locker.NewLock(key, l.ttl)

	for {
		held, err := lock.Acquire(ctx)
		if err != nil {
			return false, err
		}
		if held {
			l.activeLocks[bucket] = lock
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *External) Release(bucket int) {
	lock, ok := l.activeLocks[bucket]
	if !ok {
		return
	}
	_ = lock.Release(context.Background())
	delete(l.activeLocks, bucket)
}

func (l *External) bucketKey(bucket int) string {
	return l.keyPrefix + ":bucket:" + strconv.Itoa(bucket)
}
