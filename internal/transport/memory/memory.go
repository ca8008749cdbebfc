// Package memory provides an in-process transport.Port backed by
// buffered channels, used in every package's own tests.
package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

// defaultBufferSize is the per-address channel capacity used when a
// Network is created without an explicit size.
const defaultBufferSize = 256

// Network is a shared, in-process "wire" that multiple Endpoints send
// to and receive from by address. It exists so that a test can wire up
// several bus instances that talk to one another without a real
// broker.
type Network struct {
	mu        sync.Mutex
	queues    map[string]chan *transport.Message
	bufferCap int
}

// NewNetwork creates an empty Network. bufferSize controls the
// capacity of each address's channel; 0 selects a default.
func NewNetwork(bufferSize int) *Network {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Network{
		queues:    make(map[string]chan *transport.Message),
		bufferCap: bufferSize,
	}
}

func (n *Network) queue(address string) chan *transport.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[address]
	if !ok {
		q = make(chan *transport.Message, n.bufferCap)
		n.queues[address] = q
	}
	return q
}

// Endpoint returns a transport.Port bound to address on this network.
func (n *Network) Endpoint(address string) transport.Port {
	return &endpoint{network: n, address: address, own: n.queue(address)}
}

type endpoint struct {
	network *Network
	address string
	own     chan *transport.Message
	closed  bool
	mu      sync.Mutex
}

// New creates a standalone, single-endpoint memory transport backed by
// its own private Network. Most callers that need more than one
// endpoint should share a Network via Endpoint instead.
func New(address string, bufferSize int) transport.Port {
	return NewNetwork(bufferSize).Endpoint(address)
}

func (e *endpoint) Send(ctx context.Context, destination string, msg *transport.Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errors.New("BUS_TRANSPORT_CLOSED", "memory transport endpoint is closed", nil)
	}

	q := e.network.queue(destination)
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Receive(ctx context.Context) (*transport.Message, error) {
	select {
	case msg := <-e.own:
		return msg, nil
	case <-ctx.Done():
		return nil, nil
	default:
	}

	select {
	case msg := <-e.own:
		return msg, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (e *endpoint) Address() string {
	return e.address
}

func (e *endpoint) CreateQueue(ctx context.Context, address string) error {
	e.network.queue(address)
	return nil
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
