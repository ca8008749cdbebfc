// Package pubsub implements topic-based publish/subscribe over the
// transport layer: resolving subscriber addresses from
// subscriptionstorage.Storage and fanning a publish out to every
// subscriber concurrently.
package pubsub

import (
	"context"

	"github.com/chris-alexander-pop/gobus/internal/subscriptionstorage"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/concurrency"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
	"github.com/chris-alexander-pop/gobus/pkg/logger"
)

// SendFunc delivers msg to a single destination address, the same
// contract transport.Port.Send exposes.
type SendFunc func(ctx context.Context, destination string, msg *transport.Message) error

// CommandSender sends a subscribe/unsubscribe command to a topic's
// owning publisher, used only when storage is not centralized.
type CommandSender func(ctx context.Context, publisherAddress, topic, subscriberAddress string, subscribe bool) error

// Engine mediates Publish/Subscribe/Unsubscribe.
type Engine struct {
	storage subscriptionstorage.Storage
	send    SendFunc
	command CommandSender
}

// New creates an Engine. command may be nil if storage.IsCentralized()
// is always true for this deployment.
func New(storage subscriptionstorage.Storage, send SendFunc, command CommandSender) *Engine {
	return &Engine{storage: storage, send: send, command: command}
}

// Publish resolves topic's subscribers and sends msg to each
// concurrently, stamping intent=pub-sub. A single subscriber failure
// is logged and does not abort the publish; returns an error only if
// every subscriber failed (or there is at least one subscriber and all
// failed) — a topic with zero subscribers is not an error.
func (e *Engine) Publish(ctx context.Context, topic string, msg *transport.Message) error {
	subscribers, err := e.storage.GetSubscribers(ctx, topic)
	if err != nil {
		return errors.Wrap(err, "failed to resolve subscribers")
	}
	if len(subscribers) == 0 {
		return nil
	}

	msg.Headers.Set(transport.HeaderIntent, transport.IntentPubSub)

	failures := make([]error, len(subscribers))
	concurrency.FanOut(ctx, len(subscribers), func(i int) {
		addr := subscribers[i]
		copied := &transport.Message{Headers: msg.Headers.Clone(), Body: append([]byte(nil), msg.Body...)}
		if err := e.send(ctx, addr, copied); err != nil {
			logger.L().ErrorContext(ctx, "failed to deliver publish to subscriber", "topic", topic, "subscriber", addr, "error", err)
			failures[i] = err
		}
	})

	for _, f := range failures {
		if f == nil {
			return nil
		}
	}
	return errors.New("BUS_PUBLISH_FAILED", "all subscribers failed to receive the published message", failures[0])
}

// Subscribe registers subscriberAddress as interested in topic,
// publisherAddress being the bus that owns topic's subscriptions (used
// for non-centralized storage to route a SubscribeRequest command).
func (e *Engine) Subscribe(ctx context.Context, publisherAddress, topic, subscriberAddress string) error {
	if e.storage.IsCentralized() {
		return e.storage.Register(ctx, topic, subscriberAddress)
	}
	if e.command == nil {
		return errors.New("BUS_PUBSUB_NOT_CONFIGURED", "non-centralized subscription storage requires a command sender", nil)
	}
	return e.command(ctx, publisherAddress, topic, subscriberAddress, true)
}

// Unsubscribe removes subscriberAddress's interest in topic.
func (e *Engine) Unsubscribe(ctx context.Context, publisherAddress, topic, subscriberAddress string) error {
	if e.storage.IsCentralized() {
		return e.storage.Unregister(ctx, topic, subscriberAddress)
	}
	if e.command == nil {
		return errors.New("BUS_PUBSUB_NOT_CONFIGURED", "non-centralized subscription storage requires a command sender", nil)
	}
	return e.command(ctx, publisherAddress, topic, subscriberAddress, false)
}

// HandleSubscriptionCommand applies an incoming subscribe/unsubscribe
// command against local storage, invoked by the publisher side when
// storage is not centralized.
func (e *Engine) HandleSubscriptionCommand(ctx context.Context, topic, subscriberAddress string, subscribe bool) error {
	if subscribe {
		return e.storage.Register(ctx, topic, subscriberAddress)
	}
	return e.storage.Unregister(ctx, topic, subscriberAddress)
}
