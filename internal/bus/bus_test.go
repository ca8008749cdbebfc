package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chris-alexander-pop/gobus/internal/dispatcher"
	"github.com/chris-alexander-pop/gobus/internal/router"
	"github.com/chris-alexander-pop/gobus/internal/timeoutmgr/memory"
	jsonserializer "github.com/chris-alexander-pop/gobus/internal/serializer/json"
	memorytransport "github.com/chris-alexander-pop/gobus/internal/transport/memory"
	"github.com/chris-alexander-pop/gobus/internal/transport"
)

type greeting struct {
	Text string
}

func newGreetingSerializer() *jsonserializer.Serializer {
	ser := jsonserializer.New()
	ser.Register("Greeting", func() interface{} { return &greeting{} })
	return ser
}

func TestBusDeliversLocallySentMessageToHandler(t *testing.T) {
	network := memorytransport.NewNetwork(16)
	var received int32

	activator := dispatcher.NewReflectActivator()
	activator.Register("Greeting", func() dispatcher.Handler {
		return dispatcher.HandlerFunc(func(ctx context.Context, msg *dispatcher.LogicalMessage) error {
			atomic.AddInt32(&received, 1)
			return nil
		})
	})

	registry := dispatcher.NewTypeRegistry()
	b, err := New(Options{NumberOfWorkers: 1, MaxParallelismPerWorker: 1}, Dependencies{
		Transport:    network.Endpoint("self"),
		Serializer:   newGreetingSerializer(),
		Router:       router.New(map[string]string{"Greeting": "self"}),
		TypeRegistry: registry,
		Activator:    activator,
		TimeoutStore: memory.New(),
	})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	if err := b.SendLocal(context.Background(), "Greeting", &greeting{Text: "hi"}, transport.NewHeaders()); err != nil {
		t.Fatalf("send local: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&received) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("handler was never invoked")
}

func TestBusRoutesSendThroughRouterToDestination(t *testing.T) {
	network := memorytransport.NewNetwork(16)
	var received int32

	senderRegistry := dispatcher.NewTypeRegistry()
	sender, err := New(Options{NumberOfWorkers: 0}, Dependencies{
		Transport:    network.Endpoint("sender"),
		Serializer:   newGreetingSerializer(),
		Router:       router.New(map[string]string{"Greeting": "receiver"}),
		TypeRegistry: senderRegistry,
		TimeoutStore: memory.New(),
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	activator := dispatcher.NewReflectActivator()
	activator.Register("Greeting", func() dispatcher.Handler {
		return dispatcher.HandlerFunc(func(ctx context.Context, msg *dispatcher.LogicalMessage) error {
			atomic.AddInt32(&received, 1)
			return nil
		})
	})
	receiverRegistry := dispatcher.NewTypeRegistry()
	receiver, err := New(Options{NumberOfWorkers: 1, MaxParallelismPerWorker: 1}, Dependencies{
		Transport:    network.Endpoint("receiver"),
		Serializer:   newGreetingSerializer(),
		Router:       router.New(nil),
		TypeRegistry: receiverRegistry,
		Activator:    activator,
		TimeoutStore: memory.New(),
	})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver.Start(ctx)
	defer receiver.Stop()

	if err := sender.Send(context.Background(), "Greeting", &greeting{Text: "hi"}, transport.NewHeaders()); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&received) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("receiver never got the routed message")
}

func TestOneWayClientModeNeverReceives(t *testing.T) {
	network := memorytransport.NewNetwork(16)

	b, err := New(Options{NumberOfWorkers: 0}, Dependencies{
		Transport:    network.Endpoint("client"),
		Serializer:   newGreetingSerializer(),
		Router:       router.New(map[string]string{"Greeting": "somewhere-else"}),
		TimeoutStore: memory.New(),
	})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop()

	if err := b.Send(ctx, "Greeting", &greeting{Text: "hi"}, transport.NewHeaders()); err != nil {
		t.Fatalf("send: %v", err)
	}

	// No worker loop is running, so a message sent to the client's own
	// queue is still waiting there.
	if err := b.SendLocal(ctx, "Greeting", &greeting{Text: "to self"}, transport.NewHeaders()); err != nil {
		t.Fatalf("send local: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if msg, _ := network.Endpoint("client").Receive(recvCtx); msg == nil {
		t.Fatal("expected the message on the client's own queue to be left unreceived")
	}
}
