// Package dispatcher resolves and invokes handlers for an incoming
// logical message, including handlers registered for the message
// type's declared ancestor types.
package dispatcher

import (
	"context"

	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/datastructures/concurrentmap"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

// LogicalMessage is the decoded form of a received TransportMessage: a
// domain object plus the headers it arrived with.
type LogicalMessage struct {
	TypeName string
	Body     interface{}
	Headers  transport.Headers
}

// Handler processes one LogicalMessage within the active transaction.
type Handler interface {
	Handle(ctx context.Context, msg *LogicalMessage) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, msg *LogicalMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *LogicalMessage) error {
	return f(ctx, msg)
}

// Activator resolves the handlers registered for a logical type name.
// Implementations produce handlers in a per-message scope (e.g. a
// reflect-based constructor call per dispatch, or a DI-container
// resolution); the dispatcher does not assume handlers are reused
// across messages.
type Activator interface {
	Handlers(ctx context.Context, typeName string) ([]Handler, error)
}

// TypeRegistry records each logical type's declared ancestor types (Go
// has no class inheritance, so "is-a" relationships are explicit
// registrations rather than inferred from struct embedding).
type TypeRegistry struct {
	ancestors map[string][]string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{ancestors: make(map[string][]string)}
}

// Register declares typeName's direct ancestors, in the order a
// handler lookup should prefer them after typeName itself.
func (r *TypeRegistry) Register(typeName string, ancestors ...string) {
	r.ancestors[typeName] = ancestors
}

// AncestorChain returns typeName followed by its full ancestor chain,
// deepest (most specific) first, each ancestor visited in declaration
// order and deduplicated.
func (r *TypeRegistry) AncestorChain(typeName string) []string {
	var chain []string
	seen := make(map[string]bool)
	var visit func(t string)
	visit = func(t string) {
		if seen[t] {
			return
		}
		seen[t] = true
		chain = append(chain, t)
		for _, a := range r.ancestors[t] {
			visit(a)
		}
	}
	visit(typeName)
	return chain
}

// Dispatcher resolves and invokes handlers for incoming logical
// messages. The ancestor chain for a type is cached after first
// resolution (backed by the same sharded-map primitive the error
// tracker uses) so repeated messages of the same type don't re-walk
// the ancestor registry; the handlers for each type in the chain are
// still resolved from the activator on every dispatch.
type Dispatcher struct {
	registry  *TypeRegistry
	activator Activator
	cache     *concurrentmap.ShardedMap[string, []string]
}

// New creates a Dispatcher.
func New(registry *TypeRegistry, activator Activator) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		activator: activator,
		cache:     concurrentmap.New[string, []string](32),
	}
}

// Dispatch invokes, in order, every handler registered for msg's type
// and each of its ancestor types (deepest first, then declaration
// order). A handler error aborts the remaining handlers in the set and
// is returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *LogicalMessage) error {
	chain, ok := d.cache.Get(msg.TypeName)
	if !ok {
		chain = d.registry.AncestorChain(msg.TypeName)
		d.cache.Set(msg.TypeName, chain)
	}

	dispatched := false
	for _, typeName := range chain {
		handlers, err := d.activator.Handlers(ctx, typeName)
		if err != nil {
			return errors.Wrap(err, "failed to resolve handlers for "+typeName)
		}
		for _, h := range handlers {
			dispatched = true
			if err := h.Handle(ctx, msg); err != nil {
				return errors.New("BUS_HANDLER_FAILURE", "handler failed for "+typeName, err)
			}
		}
	}

	if !dispatched {
		return errors.New("BUS_NO_HANDLER", "no handler registered for "+msg.TypeName, nil)
	}
	return nil
}
