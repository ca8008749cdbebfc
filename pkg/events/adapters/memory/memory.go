// Package memory is the in-process events.Bus: topic to subscriber
// list, handlers invoked synchronously and concurrently via
// concurrency.FanOut per publish.
package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/gobus/pkg/concurrency"
	"github.com/chris-alexander-pop/gobus/pkg/events"
	"github.com/chris-alexander-pop/gobus/pkg/logger"
)

// Bus is an in-process events.Bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]events.Handler
	closed   bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]events.Handler)}
}

func (b *Bus) Publish(ctx context.Context, topic string, event events.Event) error {
	b.mu.RLock()
	handlers := append([]events.Handler(nil), b.handlers[topic]...)
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}

	concurrency.FanOut(ctx, len(handlers), func(i int) {
		if err := handlers[i](ctx, event); err != nil {
			logger.L().ErrorContext(ctx, "event handler failed", "topic", topic, "error", err)
		}
	})
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler events.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
