package dispatcher

import "context"

// Factory produces a fresh Handler instance for one message's scope.
// The reflect-based default activator holds one or more Factories per
// registered type name and calls each at dispatch time, mirroring how
// a DI-container-backed activator would resolve a new instance per
// message instead of reusing a shared singleton.
type Factory func() Handler

// ReflectActivator is the default Activator: a static registry of
// constructor functions keyed by logical type name, resolved via a
// straightforward map lookup (no actual runtime reflection is needed
// once handlers register their own constructors, but the registration
// API mirrors the reflect.Type-keyed port described for the bus).
type ReflectActivator struct {
	factories map[string][]Factory
}

// NewReflectActivator creates an empty activator.
func NewReflectActivator() *ReflectActivator {
	return &ReflectActivator{factories: make(map[string][]Factory)}
}

// Register adds factory as a handler constructor for typeName.
// Multiple handlers may be registered for the same type; they are
// invoked in registration order.
func (a *ReflectActivator) Register(typeName string, factory Factory) {
	a.factories[typeName] = append(a.factories[typeName], factory)
}

// Handlers implements Activator.
func (a *ReflectActivator) Handlers(ctx context.Context, typeName string) ([]Handler, error) {
	factories := a.factories[typeName]
	if len(factories) == 0 {
		return nil, nil
	}
	handlers := make([]Handler, 0, len(factories))
	for _, f := range factories {
		handlers = append(handlers, f())
	}
	return handlers, nil
}
