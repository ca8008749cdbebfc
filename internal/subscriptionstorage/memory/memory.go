// Package memory provides the local (non-centralized) subscription
// storage.Store: a sharded, sync.RWMutex-guarded map of topic to
// subscriber-address set.
package memory

import (
	"context"
	"sync"
)

const defaultShardCount = 32

// Store is a local subscriptionstorage.Storage.
type Store struct {
	shards []*shard
	mask   uint32
}

type shard struct {
	mu   sync.RWMutex
	data map[string]map[string]struct{}
}

// New creates a Store with shardCount shards, rounded up to the next
// power of two (0 selects the default).
func New(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	n := uint32(1)
	for int(n) < shardCount {
		n <<= 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{data: make(map[string]map[string]struct{})}
	}
	return &Store{shards: shards, mask: n - 1}
}

func (s *Store) shardFor(topic string) *shard {
	var hash uint32 = 2166136261
	for i := 0; i < len(topic); i++ {
		hash ^= uint32(topic[i])
		hash *= 16777619
	}
	return s.shards[hash&s.mask]
}

func (s *Store) GetSubscribers(ctx context.Context, topic string) ([]string, error) {
	sh := s.shardFor(topic)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	subs := sh.data[topic]
	out := make([]string, 0, len(subs))
	for addr := range subs {
		out = append(out, addr)
	}
	return out, nil
}

func (s *Store) Register(ctx context.Context, topic, subscriberAddress string) error {
	sh := s.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	subs, ok := sh.data[topic]
	if !ok {
		subs = make(map[string]struct{})
		sh.data[topic] = subs
	}
	subs[subscriberAddress] = struct{}{}
	return nil
}

func (s *Store) Unregister(ctx context.Context, topic, subscriberAddress string) error {
	sh := s.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if subs, ok := sh.data[topic]; ok {
		delete(subs, subscriberAddress)
	}
	return nil
}

func (s *Store) IsCentralized() bool { return false }
