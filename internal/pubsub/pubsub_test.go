package pubsub

import (
	"context"
	"sync"
	"testing"

	"github.com/chris-alexander-pop/gobus/internal/subscriptionstorage/memory"
	"github.com/chris-alexander-pop/gobus/internal/transport"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	storage := memory.New(0)
	ctx := context.Background()
	_ = storage.Register(ctx, "orders.placed", "addr-1")
	_ = storage.Register(ctx, "orders.placed", "addr-2")

	var mu sync.Mutex
	delivered := make(map[string]bool)
	send := func(ctx context.Context, destination string, msg *transport.Message) error {
		mu.Lock()
		defer mu.Unlock()
		delivered[destination] = true
		return nil
	}

	e := New(storage, send, nil)
	msg := &transport.Message{Headers: transport.NewHeaders(), Body: []byte("x")}
	if err := e.Publish(ctx, "orders.placed", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if !delivered["addr-1"] || !delivered["addr-2"] {
		t.Fatalf("expected delivery to both subscribers, got %v", delivered)
	}
}

func TestPublishWithNoSubscribersIsNotAnError(t *testing.T) {
	storage := memory.New(0)
	e := New(storage, func(ctx context.Context, destination string, msg *transport.Message) error {
		t.Fatal("send should not be called with no subscribers")
		return nil
	}, nil)

	msg := &transport.Message{Headers: transport.NewHeaders(), Body: []byte("x")}
	if err := e.Publish(context.Background(), "nobody.listening", msg); err != nil {
		t.Fatalf("expected no error for topic with no subscribers, got %v", err)
	}
}

func TestPublishFailsOnlyWhenAllSubscribersFail(t *testing.T) {
	storage := memory.New(0)
	ctx := context.Background()
	_ = storage.Register(ctx, "orders.placed", "addr-1")

	e := New(storage, func(ctx context.Context, destination string, msg *transport.Message) error {
		return errBoom
	}, nil)

	msg := &transport.Message{Headers: transport.NewHeaders(), Body: []byte("x")}
	if err := e.Publish(ctx, "orders.placed", msg); err == nil {
		t.Fatal("expected error when the only subscriber fails")
	}
}

func TestSubscribeOnLocalStorageRoutesThroughCommandSender(t *testing.T) {
	storage := memory.New(0)
	var sentTopic, sentSubscriber string
	var sentSubscribe bool
	cmd := func(ctx context.Context, publisherAddress, topic, subscriberAddress string, subscribe bool) error {
		sentTopic, sentSubscriber, sentSubscribe = topic, subscriberAddress, subscribe
		return nil
	}

	e := New(storage, nil, cmd)
	if err := e.Subscribe(context.Background(), "publisher-addr", "orders.placed", "subscriber-addr"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sentTopic != "orders.placed" || sentSubscriber != "subscriber-addr" || !sentSubscribe {
		t.Fatalf("unexpected command: topic=%s subscriber=%s subscribe=%v", sentTopic, sentSubscriber, sentSubscribe)
	}

	subs, _ := storage.GetSubscribers(context.Background(), "orders.placed")
	if len(subs) != 0 {
		t.Fatal("local storage should only be mutated by HandleSubscriptionCommand, not Subscribe directly")
	}
}

func TestSubscribeWithoutCommandSenderFailsOnLocalStorage(t *testing.T) {
	storage := memory.New(0)
	e := New(storage, nil, nil)
	if err := e.Subscribe(context.Background(), "publisher-addr", "orders.placed", "subscriber-addr"); err == nil {
		t.Fatal("expected error subscribing to local storage without a command sender")
	}
}

type boom struct{}

func (boom) Error() string { return "boom" }

var errBoom = boom{}
