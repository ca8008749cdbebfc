// Package timeoutmgr defines the deferred-envelope store and the
// periodic manager that turns due envelopes back into live messages.
package timeoutmgr

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/concurrency"
)

// Envelope is a message deferred until ApproximateDueTime, to be
// delivered to RecipientAddress once due. ID is assigned by Store.Defer
// and is used to remove the envelope after its resend has succeeded;
// the resend and the removal are two separate calls, not one atomic
// step.
type Envelope struct {
	ID                 string
	ApproximateDueTime time.Time
	Headers            transport.Headers
	Body               []byte
	RecipientAddress   string
}

// Store is the durable backing for deferred envelopes, sorted by due
// time. Implementations: in-memory (heap-backed) and Redis
// (sorted-set-backed). Envelopes are deleted only after a successful
// resend (see Manager.tick) so a crash between PeekDue and the actual
// send redelivers rather than silently drops the message.
type Store interface {
	// Defer persists env for later delivery and returns it with ID
	// populated.
	Defer(ctx context.Context, env Envelope) (Envelope, error)

	// PeekDue returns every envelope whose due time is at or before
	// now, without removing them.
	PeekDue(ctx context.Context, now time.Time) ([]Envelope, error)

	// Remove deletes the envelope with the given ID, e.g. after a
	// successful resend. A no-op if the ID is not present.
	Remove(ctx context.Context, id string) error
}

// SendFunc delivers an envelope's message to its recipient. The bus
// supplies a direct transport send; no pipeline steps run on it.
type SendFunc func(ctx context.Context, destination string, msg *transport.Message) error

// Manager polls Store on a fixed interval and re-sends due envelopes.
type Manager struct {
	store        Store
	send         SendFunc
	tickInterval time.Duration
	pool         *concurrency.WorkerPool

	cancel context.CancelFunc
	done   chan struct{}
}

// Config controls the manager's poll cadence and resend concurrency.
type Config struct {
	TickInterval          time.Duration
	ResendConcurrency     int
}

// New creates a Manager. send is called once per due envelope, fanned
// out across ResendConcurrency pkg/concurrency.WorkerPool workers so a
// large batch of simultaneously-due messages is not serialized behind
// a single goroutine.
func New(store Store, send SendFunc, cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ResendConcurrency <= 0 {
		cfg.ResendConcurrency = 8
	}
	return &Manager{
		store:        store,
		send:         send,
		tickInterval: cfg.TickInterval,
		pool:         concurrency.NewWorkerPool(cfg.ResendConcurrency, cfg.ResendConcurrency*4),
		done:         make(chan struct{}),
	}
}

// Defer stores a new deferred envelope.
func (m *Manager) Defer(ctx context.Context, env Envelope) error {
	_, err := m.store.Defer(ctx, env)
	return err
}

// Start begins the periodic tick loop in its own goroutine.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.pool.Start(ctx)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

func (m *Manager) tick(ctx context.Context) {
	due, err := m.store.PeekDue(ctx, time.Now())
	if err != nil || len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(due))
	for _, env := range due {
		env := env
		m.pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			msg := &transport.Message{Headers: env.Headers, Body: env.Body}
			if sendErr := m.send(ctx, env.RecipientAddress, msg); sendErr == nil {
				_ = m.store.Remove(ctx, env.ID)
			}
		})
	}
	wg.Wait()
}

// Stop cancels the tick loop, waits for it to exit, and drains the
// resend worker pool.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.pool.Stop()
}
