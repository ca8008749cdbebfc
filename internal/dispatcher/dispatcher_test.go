package dispatcher

import (
	"context"
	"testing"

	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

func TestAncestorChainDeepestFirst(t *testing.T) {
	r := NewTypeRegistry()
	r.Register("OrderPlaced", "OrderEvent", "DomainEvent")
	r.Register("OrderEvent", "DomainEvent")

	chain := r.AncestorChain("OrderPlaced")
	want := []string{"OrderPlaced", "OrderEvent", "DomainEvent"}
	if len(chain) != len(want) {
		t.Fatalf("unexpected chain: %v", chain)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("position %d: want %s got %s", i, want[i], chain[i])
		}
	}
}

func TestDispatchInvokesSpecificAndAncestorHandlers(t *testing.T) {
	r := NewTypeRegistry()
	r.Register("OrderPlaced", "DomainEvent")

	var invoked []string
	act := NewReflectActivator()
	act.Register("OrderPlaced", func() Handler {
		return HandlerFunc(func(ctx context.Context, msg *LogicalMessage) error {
			invoked = append(invoked, "specific")
			return nil
		})
	})
	act.Register("DomainEvent", func() Handler {
		return HandlerFunc(func(ctx context.Context, msg *LogicalMessage) error {
			invoked = append(invoked, "ancestor")
			return nil
		})
	})

	d := New(r, act)
	err := d.Dispatch(context.Background(), &LogicalMessage{TypeName: "OrderPlaced"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(invoked) != 2 || invoked[0] != "specific" || invoked[1] != "ancestor" {
		t.Fatalf("unexpected invocation order: %v", invoked)
	}
}

func TestDispatchAbortsOnHandlerError(t *testing.T) {
	r := NewTypeRegistry()
	act := NewReflectActivator()
	boom := errors.New("X", "boom", nil)
	act.Register("Foo", func() Handler {
		return HandlerFunc(func(ctx context.Context, msg *LogicalMessage) error {
			return boom
		})
	})

	d := New(r, act)
	err := d.Dispatch(context.Background(), &LogicalMessage{TypeName: "Foo"})
	if err == nil {
		t.Fatalf("expected dispatch error")
	}
}

func TestDispatchFailsWithNoHandler(t *testing.T) {
	r := NewTypeRegistry()
	act := NewReflectActivator()
	d := New(r, act)
	err := d.Dispatch(context.Background(), &LogicalMessage{TypeName: "Unregistered"})
	if err == nil {
		t.Fatalf("expected error for unregistered type")
	}
}

func TestDispatchCachesAncestorChain(t *testing.T) {
	r := NewTypeRegistry()
	r.Register("A", "B")
	act := NewReflectActivator()
	count := 0
	act.Register("A", func() Handler {
		return HandlerFunc(func(ctx context.Context, msg *LogicalMessage) error {
			count++
			return nil
		})
	})

	d := New(r, act)
	for i := 0; i < 3; i++ {
		if err := d.Dispatch(context.Background(), &LogicalMessage{TypeName: "A"}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if count != 3 {
		t.Fatalf("expected handler invoked 3 times, got %d", count)
	}
	if chain, ok := d.cache.Get("A"); !ok || len(chain) != 2 || chain[0] != "A" || chain[1] != "B" {
		t.Fatalf("expected cached ancestor chain [A B], got %v (cached=%v)", chain, ok)
	}
}
