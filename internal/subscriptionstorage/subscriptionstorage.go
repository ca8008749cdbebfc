// Package subscriptionstorage defines the Storage port pub/sub
// subscriptions are kept in, plus an in-memory (local) implementation.
package subscriptionstorage

import "context"

// Storage is the subscription persistence port. IsCentralized tells
// the pub/sub engine whether subscribe/unsubscribe can mutate storage
// directly (centralized) or must route a command to the topic's
// publisher (local, per spec.md §4.9).
type Storage interface {
	GetSubscribers(ctx context.Context, topic string) ([]string, error)
	Register(ctx context.Context, topic, subscriberAddress string) error
	Unregister(ctx context.Context, topic, subscriberAddress string) error
	IsCentralized() bool
}
