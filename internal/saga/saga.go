// Package saga implements the saga engine: correlation-based lookup,
// exclusive-access locking across correlation buckets, and optimistic
// concurrency on persistence.
package saga

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/gobus/internal/dispatcher"
	"github.com/chris-alexander-pop/gobus/internal/saga/exclusivelock"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

// Data is a persisted saga instance: a stable ID, a monotonically
// increasing Revision used for optimistic concurrency, and the
// domain-defined payload.
type Data struct {
	ID       string
	Revision int
	Type     string
	Payload  interface{}
}

// CorrelationProperty names a path into a saga's Payload and the
// function that extracts its value from an incoming LogicalMessage.
// Persistence must enforce that this value is unique per saga
// instance of Type.
type CorrelationProperty struct {
	PropertyPath string
	Extract      func(msg *dispatcher.LogicalMessage) (string, bool)
}

// Handler is a saga-targeted message handler: it declares the saga
// data type it operates on, its correlation properties, whether it can
// initiate a new saga instance for a given message type, and the
// handling logic itself.
type Handler interface {
	SagaDataType() string
	CorrelationProperties() []CorrelationProperty
	IsInitiatedBy(messageTypeName string) bool
	// Handle processes msg against data (which is freshly created if
	// this handler initiated it). It returns markComplete=true to have
	// the engine delete the saga instance instead of persisting it.
	Handle(ctx context.Context, data *Data, msg *dispatcher.LogicalMessage) (markComplete bool, err error)
}

// Storage is the persistence port for saga data.
type Storage interface {
	// Find looks up a saga instance of sagaType by a correlation
	// property value. Returns (nil, nil) if none matches.
	Find(ctx context.Context, sagaType, propertyPath, value string) (*Data, error)

	// Insert persists a brand-new saga instance at revision 0. Returns
	// a BUS_SAGA_CORRELATION_CONFLICT error if a correlation property
	// value collides with an existing instance.
	Insert(ctx context.Context, data *Data, correlationValues map[string]string) error

	// Update persists data conditionally on the stored revision still
	// equaling expectedRevision, then increments it. Returns
	// BUS_SAGA_CONCURRENCY_CONFLICT if the stored revision had already
	// moved on, or BUS_SAGA_CORRELATION_CONFLICT on a uniqueness
	// violation.
	Update(ctx context.Context, data *Data, expectedRevision int, correlationValues map[string]string) error

	// Delete removes a completed saga instance.
	Delete(ctx context.Context, data *Data) error
}

// SnapshotStorage optionally records an immutable audit trail of every
// saga revision. Disabled by default.
type SnapshotStorage interface {
	Save(ctx context.Context, data *Data, headers transport.Headers) error
}

// Engine mediates saga-targeted handler invocation: lock acquisition,
// correlation lookup, optimistic persistence.
type Engine struct {
	lock            exclusivelock.Lock
	maxLockBuckets  int
	storage         Storage
	snapshots       SnapshotStorage
	handlersByType  map[string][]Handler
}

// Config controls lock striping.
type Config struct {
	MaxLockBuckets int
}

// New creates an Engine.
func New(lock exclusivelock.Lock, storage Storage, snapshots SnapshotStorage, cfg Config) *Engine {
	if cfg.MaxLockBuckets <= 0 {
		cfg.MaxLockBuckets = 1024
	}
	return &Engine{
		lock:           lock,
		maxLockBuckets: cfg.MaxLockBuckets,
		storage:        storage,
		snapshots:      snapshots,
		handlersByType: make(map[string][]Handler),
	}
}

// Register adds h as a saga handler for messageTypeName.
func (e *Engine) Register(messageTypeName string, h Handler) {
	e.handlersByType[messageTypeName] = append(e.handlersByType[messageTypeName], h)
}

// HasHandlers reports whether any saga handler is registered for
// messageTypeName, letting the caller fall back to plain dispatch
// otherwise.
func (e *Engine) HasHandlers(messageTypeName string) bool {
	return len(e.handlersByType[messageTypeName]) > 0
}

type lockTarget struct {
	lockID string
	bucket int
}

// Dispatch resolves, locks, and invokes every saga handler registered
// for msg's type, persisting each touched saga instance with
// optimistic concurrency.
func (e *Engine) Dispatch(ctx context.Context, msg *dispatcher.LogicalMessage, headers transport.Headers) error {
	handlers := e.handlersByType[msg.TypeName]
	if len(handlers) == 0 {
		return nil
	}

	correlationValues := make(map[Handler]map[string]string, len(handlers))
	lockSet := make(map[int]lockTarget)
	for _, h := range handlers {
		values := make(map[string]string)
		for _, cp := range h.CorrelationProperties() {
			v, ok := cp.Extract(msg)
			if !ok {
				continue
			}
			values[cp.PropertyPath] = v
			lockID := h.SagaDataType() + ":" + cp.PropertyPath + ":" + v
			bucket := exclusivelock.Bucket(lockID, e.maxLockBuckets)
			lockSet[bucket] = lockTarget{lockID: lockID, bucket: bucket}
		}
		correlationValues[h] = values
	}

	targets := make([]lockTarget, 0, len(lockSet))
	for _, t := range lockSet {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].bucket < targets[j].bucket })

	acquired := make([]int, 0, len(targets))
	defer func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			e.lock.Release(acquired[i])
		}
	}()
	for _, t := range targets {
		ok, err := e.lock.Acquire(ctx, t.bucket)
		if err != nil {
			return errors.Wrap(err, "failed to acquire saga lock")
		}
		if !ok {
			return errors.New("BUS_SAGA_LOCK_CANCELLED", "saga lock acquisition cancelled", ctx.Err())
		}
		acquired = append(acquired, t.bucket)
	}

	for _, h := range handlers {
		values := correlationValues[h]
		if len(values) == 0 && !h.IsInitiatedBy(msg.TypeName) {
			continue
		}

		data, err := e.find(ctx, h, values)
		if err != nil {
			return err
		}

		isNew := false
		if data == nil {
			if !h.IsInitiatedBy(msg.TypeName) {
				continue
			}
			data = &Data{ID: uuid.New().String(), Revision: 0, Type: h.SagaDataType()}
			isNew = true
		}

		complete, err := h.Handle(ctx, data, msg)
		if err != nil {
			return errors.New("BUS_HANDLER_FAILURE", "saga handler failed", err)
		}

		if complete {
			if !isNew {
				if err := e.storage.Delete(ctx, data); err != nil {
					return err
				}
			}
			continue
		}

		if isNew {
			if err := e.storage.Insert(ctx, data, values); err != nil {
				return err
			}
		} else {
			expected := data.Revision
			if err := e.storage.Update(ctx, data, expected, values); err != nil {
				return err
			}
			data.Revision = expected + 1
		}

		if e.snapshots != nil {
			if err := e.snapshots.Save(ctx, data, headers); err != nil {
				return errors.Wrap(err, "failed to save saga snapshot")
			}
		}
	}

	return nil
}

func (e *Engine) find(ctx context.Context, h Handler, values map[string]string) (*Data, error) {
	for path, v := range values {
		data, err := e.storage.Find(ctx, h.SagaDataType(), path, v)
		if err != nil {
			return nil, errors.Wrap(err, "failed to look up saga by correlation property")
		}
		if data != nil {
			return data, nil
		}
	}
	return nil, nil
}
