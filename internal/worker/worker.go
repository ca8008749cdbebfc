// Package worker implements the bus's worker pool: a fixed number of
// receive/process/commit loops, each bounded by a parallelism
// semaphore and backed by the teacher concurrency toolkit's
// panic-recovering goroutine spawner.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/gobus/internal/pipeline"
	"github.com/chris-alexander-pop/gobus/internal/steps"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/internal/txcontext"
	"github.com/chris-alexander-pop/gobus/pkg/concurrency"
	"github.com/chris-alexander-pop/gobus/pkg/logger"
	"github.com/chris-alexander-pop/gobus/pkg/resilience"
)

// Config controls the pool's concurrency and shutdown behavior.
type Config struct {
	// NumberOfWorkers is the fixed count of receive loops. 0 selects
	// one-way client mode: the pool never starts and Send/Publish
	// remain the only way to use the bus.
	NumberOfWorkers int

	// MaxParallelismPerWorker bounds the in-flight pipeline
	// invocations per worker.
	MaxParallelismPerWorker int

	// IdleBackoff is how long a worker waits after an empty Receive
	// before polling again.
	IdleBackoff time.Duration

	// ErrorBackoffBase/Max/Jitter parameterize the exponential backoff
	// applied after a transport error, via
	// pkg/resilience.ExponentialBackoff.
	ErrorBackoffBase   time.Duration
	ErrorBackoffMax    time.Duration
	ErrorBackoffJitter float64

	// ShutdownDrainDeadline bounds how long Stop waits for in-flight
	// messages to finish before returning anyway.
	ShutdownDrainDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.NumberOfWorkers < 0 {
		c.NumberOfWorkers = 0
	}
	if c.MaxParallelismPerWorker <= 0 {
		c.MaxParallelismPerWorker = 1
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 100 * time.Millisecond
	}
	if c.ErrorBackoffBase <= 0 {
		c.ErrorBackoffBase = 100 * time.Millisecond
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = 10 * time.Second
	}
	if c.ShutdownDrainDeadline <= 0 {
		c.ShutdownDrainDeadline = 30 * time.Second
	}
	return c
}

// Pool runs Config.NumberOfWorkers independent receive loops against
// Transport, each invoking Invoker per message within a fresh
// transaction context.
type Pool struct {
	cfg     Config
	t       transport.Port
	invoker *pipeline.Invoker

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Pool. invoker is the fully-assembled incoming pipeline
// invoker; it is built once at bus-construction time and reused by
// every worker goroutine (pipeline.Invoker has no per-call mutable
// state).
func New(cfg Config, t transport.Port, invoker *pipeline.Invoker) *Pool {
	return &Pool{cfg: cfg.withDefaults(), t: t, invoker: invoker, done: make(chan struct{})}
}

// Start launches the configured number of worker goroutines. A
// NumberOfWorkers of 0 makes Start a no-op (one-way client mode).
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.NumberOfWorkers == 0 {
		close(p.done)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(p.cfg.NumberOfWorkers)
	for i := 0; i < p.cfg.NumberOfWorkers; i++ {
		workerID := i
		sem := concurrency.NewSemaphore(int64(p.cfg.MaxParallelismPerWorker))
		concurrency.SafeGo(ctx, func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID, sem)
		})
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
}

func (p *Pool) runWorker(ctx context.Context, workerID int, sem *concurrency.Semaphore) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		msg, err := p.t.Receive(ctx)
		if err != nil {
			sem.Release(1)
			attempt++
			delay := resilience.ExponentialBackoff(attempt, p.cfg.ErrorBackoffBase, p.cfg.ErrorBackoffMax, p.cfg.ErrorBackoffJitter)
			logger.L().ErrorContext(ctx, "transport receive failed", "worker", workerID, "error", err)
			sleep(ctx, delay)
			continue
		}

		if msg == nil {
			sem.Release(1)
			sleep(ctx, p.cfg.IdleBackoff)
			continue
		}

		attempt = 0
		concurrency.SafeGo(ctx, func() {
			defer sem.Release(1)
			p.processOne(ctx, msg)
		})
	}
}

func (p *Pool) processOne(ctx context.Context, msg *transport.Message) {
	tx := txcontext.New()
	mc := &steps.MessageContext{Message: msg, Tx: tx}
	stepCtx := steps.WithMessageContext(ctx, mc)

	// The transport's Receive is an immediate-ack pop (Port has no
	// separate Ack/Nack): on abort the only way to make the message
	// available for redelivery is to explicitly send it back to this
	// worker's own queue. Registered before Invoke so a retry step that
	// aborts the context (rather than dead-lettering) actually results
	// in another delivery attempt, as the retry step's contract requires.
	if err := tx.OnAborted(func() error {
		return p.t.Send(context.WithoutCancel(ctx), p.t.Address(), msg)
	}); err != nil {
		logger.L().ErrorContext(ctx, "failed to register requeue-on-abort callback", "error", err)
	}

	err := p.invoker.Invoke(stepCtx)
	if err != nil {
		tx.Abort()
		logger.L().ErrorContext(ctx, "message processing aborted", "error", err)
	} else if cerr := tx.Complete(); cerr != nil {
		logger.L().ErrorContext(ctx, "transaction commit failed", "error", cerr)
	}
	tx.Dispose()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Stop cancels every worker and waits up to ShutdownDrainDeadline for
// in-flight messages to finish.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(p.cfg.ShutdownDrainDeadline):
		logger.L().Warn("worker pool stop deadline exceeded, some messages may still be in flight")
	}
}
