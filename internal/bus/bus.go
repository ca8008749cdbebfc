// Package bus assembles every component into the public send/publish/
// reply/subscribe/defer surface. New validates the transport and
// serializer first, then builds the dispatcher and error tracker, the
// saga engine, the pub/sub engine and the timeout manager, then the
// incoming pipeline, and the worker pool last. The worker pool and
// timeout manager are the only pieces that start background
// goroutines, and they do so only in Start.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/gobus/internal/dispatcher"
	"github.com/chris-alexander-pop/gobus/internal/errortracker"
	"github.com/chris-alexander-pop/gobus/internal/pipeline"
	"github.com/chris-alexander-pop/gobus/internal/pubsub"
	"github.com/chris-alexander-pop/gobus/internal/router"
	"github.com/chris-alexander-pop/gobus/internal/saga"
	"github.com/chris-alexander-pop/gobus/internal/saga/exclusivelock"
	"github.com/chris-alexander-pop/gobus/internal/serializer"
	"github.com/chris-alexander-pop/gobus/internal/steps"
	"github.com/chris-alexander-pop/gobus/internal/subscriptionstorage"
	"github.com/chris-alexander-pop/gobus/internal/timeoutmgr"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/internal/worker"
	"github.com/chris-alexander-pop/gobus/pkg/config"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
	"github.com/chris-alexander-pop/gobus/pkg/events"
	eventsmemory "github.com/chris-alexander-pop/gobus/pkg/events/adapters/memory"
	"github.com/chris-alexander-pop/gobus/pkg/logger"
)

// Dependencies are the pluggable ports a deployment supplies
// programmatically; unlike Options these cannot come from
// environment variables.
type Dependencies struct {
	Transport     transport.Port
	Serializer    serializer.Serializer
	Router        *router.Router
	TypeRegistry  *dispatcher.TypeRegistry
	Activator     dispatcher.Activator
	TimeoutStore  timeoutmgr.Store // nil when Options.TransportSupportsNativeDelay
	SagaStorage   saga.Storage     // nil disables the saga engine entirely
	SagaSnapshots saga.SnapshotStorage
	SagaLock      exclusivelock.Lock // defaults to exclusivelock.NewInProcess(opts.MaxLockBuckets)
	Subscriptions subscriptionstorage.Storage
	SubCommand    pubsub.CommandSender
	Events        events.Bus // defaults to an in-process memory bus
}

// Bus is the assembled message bus.
type Bus struct {
	opts       Options
	transport  transport.Port
	serializer serializer.Serializer
	router     *router.Router
	dispatcher *dispatcher.Dispatcher
	sagas      *saga.Engine
	pubsub     *pubsub.Engine
	timeouts   *timeoutmgr.Manager
	tracker    *errortracker.Tracker
	events     events.Bus
	workers    *worker.Pool
}

// New assembles a Bus from opts and deps. It does not start any
// background goroutines; call Start for that.
func New(opts Options, deps Dependencies) (*Bus, error) {
	opts = opts.withDefaults()

	if deps.Transport == nil {
		return nil, errors.New("BUS_MISSING_DEPENDENCY", "transport is required", nil)
	}
	if deps.Serializer == nil {
		return nil, errors.New("BUS_MISSING_DEPENDENCY", "serializer is required", nil)
	}
	if deps.Router == nil {
		deps.Router = router.New(nil)
	}
	if deps.TypeRegistry == nil {
		deps.TypeRegistry = dispatcher.NewTypeRegistry()
	}
	if deps.Activator == nil {
		deps.Activator = dispatcher.NewReflectActivator()
	}
	if deps.Events == nil {
		deps.Events = eventsmemory.New()
	}

	b := &Bus{
		opts:       opts,
		transport:  deps.Transport,
		serializer: deps.Serializer,
		router:     deps.Router,
		dispatcher: dispatcher.New(deps.TypeRegistry, deps.Activator),
		events:     deps.Events,
		tracker:    errortracker.New(opts.ErrorTrackerMaxAge),
	}

	if deps.SagaStorage != nil {
		lock := deps.SagaLock
		if lock == nil {
			lock = exclusivelock.NewInProcess(opts.MaxLockBuckets)
		}
		b.sagas = saga.New(lock, deps.SagaStorage, deps.SagaSnapshots, saga.Config{MaxLockBuckets: opts.MaxLockBuckets})
	}

	if deps.Subscriptions != nil {
		b.pubsub = pubsub.New(deps.Subscriptions, b.sendRaw, deps.SubCommand)
	}

	if !opts.TransportSupportsNativeDelay {
		if deps.TimeoutStore == nil {
			return nil, errors.New("BUS_MISSING_DEPENDENCY", "a timeout store is required unless the transport supports native delay", nil)
		}
		b.timeouts = timeoutmgr.New(deps.TimeoutStore, b.sendRaw, timeoutmgr.Config{
			TickInterval:      opts.TimeoutTickInterval,
			ResendConcurrency: opts.TimeoutResendConcurrency,
		})
	}

	incoming := pipeline.New()
	if err := incoming.Insert(&steps.RetryStep{
		Tracker:             b.tracker,
		MaxDeliveryAttempts: opts.MaxDeliveryAttempts,
		ErrorQueueAddress:   opts.ErrorQueueAddress,
		Forward:             b.sendRaw,
	}, pipeline.Last()); err != nil {
		return nil, err
	}

	if !opts.TransportSupportsNativeDelay {
		if err := incoming.Insert(&steps.DeferredMessagesStep{Manager: b.timeouts}, pipeline.Last()); err != nil {
			return nil, err
		}
		if err := incoming.Insert(&steps.HandleDeferredStep{Forward: b.sendRaw}, pipeline.Last()); err != nil {
			return nil, err
		}
	}

	if err := incoming.Insert(&steps.DispatchStep{
		Serializer: b.serializer,
		Dispatcher: b.dispatcher,
		Sagas:      b.sagas,
	}, pipeline.Last()); err != nil {
		return nil, err
	}

	b.workers = worker.New(worker.Config{
		NumberOfWorkers:         opts.NumberOfWorkers,
		MaxParallelismPerWorker: opts.MaxParallelismPerWorker,
		ShutdownDrainDeadline:   opts.ShutdownDrainDeadline,
	}, b.transport, pipeline.NewInvoker(incoming))

	return b, nil
}

// NewFromEnv loads Options from the environment (and a .env file, if
// present) via pkg/config.Load, falling back to each field's
// env-default tag, then assembles a Bus the same way New does.
// Dependencies still cannot come from the environment and must be
// supplied programmatically.
func NewFromEnv(deps Dependencies) (*Bus, error) {
	var opts Options
	if err := config.Load(&opts); err != nil {
		return nil, errors.Wrap(err, "failed to load bus options from environment")
	}
	return New(opts, deps)
}

// Start starts the worker pool and, unless the transport provides
// native delayed delivery, the timeout manager tick loop. Both are
// started last, after every other component is fully wired.
func (b *Bus) Start(ctx context.Context) {
	if b.timeouts != nil {
		b.timeouts.Start(ctx)
	}
	b.workers.Start(ctx)
}

// Stop drains in-flight messages up to ShutdownDrainDeadline and stops
// background loops.
func (b *Bus) Stop() {
	b.workers.Stop()
	if b.timeouts != nil {
		b.timeouts.Stop()
	}
}

func (b *Bus) sendRaw(ctx context.Context, destination string, msg *transport.Message) error {
	return b.transport.Send(ctx, destination, msg)
}

// send serializes logical and delivers it to destination, registering
// the actual transport.Send on the ambient transaction's commit if one
// is active (so a failed handler never leaks a side-effecting send),
// or sending immediately otherwise.
func (b *Bus) send(ctx context.Context, destination string, logical *dispatcher.LogicalMessage) error {
	if _, ok := logical.Headers.Get(transport.HeaderMessageID); !ok {
		logical.Headers.Set(transport.HeaderMessageID, uuid.New().String())
	}
	logical.Headers.Set(transport.HeaderSentTime, time.Now().UTC().Format(time.RFC3339))

	msg, err := b.serializer.Serialize(logical)
	if err != nil {
		return err
	}

	if mc, ok := steps.FromContext(ctx); ok {
		return mc.Tx.OnCommit(func() error {
			return b.sendRaw(ctx, destination, msg)
		})
	}
	return b.sendRaw(ctx, destination, msg)
}

// Send routes msg by its registered type name through the router and
// delivers it.
func (b *Bus) Send(ctx context.Context, typeName string, body interface{}, headers transport.Headers) error {
	dest, err := b.router.GetDestination(typeName)
	if err != nil {
		return err
	}
	return b.send(ctx, dest, &dispatcher.LogicalMessage{TypeName: typeName, Body: body, Headers: headers})
}

// SendLocal delivers msg to this bus's own input queue, bypassing the
// router.
func (b *Bus) SendLocal(ctx context.Context, typeName string, body interface{}, headers transport.Headers) error {
	return b.send(ctx, b.transport.Address(), &dispatcher.LogicalMessage{TypeName: typeName, Body: body, Headers: headers})
}

// Reply sends msg to the return-address of the message currently being
// handled, failing if called outside a handler invocation or if the
// message being handled carried no return-address.
func (b *Bus) Reply(ctx context.Context, typeName string, body interface{}, headers transport.Headers) error {
	mc, ok := steps.FromContext(ctx)
	if !ok {
		return errors.New("BUS_NO_AMBIENT_MESSAGE", "reply called outside of message handling", nil)
	}
	returnAddr, ok := mc.Message.Headers.Get(transport.HeaderReturnAddress)
	if !ok {
		return errors.New("BUS_NO_RETURN_ADDRESS", "the message being handled carries no return-address", nil)
	}
	return b.send(ctx, returnAddr, &dispatcher.LogicalMessage{TypeName: typeName, Body: body, Headers: headers})
}

// Defer stamps msg with a deferred-until header delay in the future
// and a deferred-recipient of this bus's own input queue, then sends
// it to the timeout manager's endpoint (its own input queue, since the
// deferred-messages step intercepts it on receive).
func (b *Bus) Defer(ctx context.Context, delay time.Duration, typeName string, body interface{}, headers transport.Headers) error {
	if headers.Len() == 0 {
		headers = transport.NewHeaders()
	}
	headers.Set(transport.HeaderDeferredUntil, time.Now().UTC().Add(delay).Format(time.RFC3339Nano))
	headers.Set(transport.HeaderDeferredRecipient, b.transport.Address())
	return b.send(ctx, b.transport.Address(), &dispatcher.LogicalMessage{TypeName: typeName, Body: body, Headers: headers})
}

// Publish resolves topic's subscribers and delivers msg to each.
func (b *Bus) Publish(ctx context.Context, typeName string, body interface{}, headers transport.Headers) error {
	if b.pubsub == nil {
		return errors.New("BUS_PUBSUB_NOT_CONFIGURED", "no subscription storage configured", nil)
	}
	if headers.Len() == 0 {
		headers = transport.NewHeaders()
	}
	if _, ok := headers.Get(transport.HeaderMessageID); !ok {
		headers.Set(transport.HeaderMessageID, uuid.New().String())
	}
	headers.Set(transport.HeaderSentTime, time.Now().UTC().Format(time.RFC3339))
	logical := &dispatcher.LogicalMessage{TypeName: typeName, Body: body, Headers: headers}
	msg, err := b.serializer.Serialize(logical)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(ctx, typeName, msg)
}

// Subscribe registers this bus's input queue as interested in typeName.
func (b *Bus) Subscribe(ctx context.Context, typeName string) error {
	if b.pubsub == nil {
		return errors.New("BUS_PUBSUB_NOT_CONFIGURED", "no subscription storage configured", nil)
	}
	return b.pubsub.Subscribe(ctx, b.transport.Address(), typeName, b.transport.Address())
}

// Unsubscribe removes this bus's input queue's interest in typeName.
func (b *Bus) Unsubscribe(ctx context.Context, typeName string) error {
	if b.pubsub == nil {
		return errors.New("BUS_PUBSUB_NOT_CONFIGURED", "no subscription storage configured", nil)
	}
	return b.pubsub.Unsubscribe(ctx, b.transport.Address(), typeName, b.transport.Address())
}

// Dispatcher exposes the underlying dispatcher so callers can register
// plain (non-saga) handlers before Start.
func (b *Bus) Dispatcher() *dispatcher.Dispatcher { return b.dispatcher }

// Sagas exposes the underlying saga engine, or nil if no saga storage
// was configured.
func (b *Bus) Sagas() *saga.Engine { return b.sagas }

// Events exposes the bus's internal lifecycle event emitter.
func (b *Bus) Events() events.Bus { return b.events }
