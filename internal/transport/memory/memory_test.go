package memory

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/gobus/internal/transport"
)

func TestEndpointSendReceive(t *testing.T) {
	net := NewNetwork(8)
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	ctx := context.Background()
	msg := &transport.Message{Headers: transport.NewHeaders(), Body: []byte("hello")}
	msg.Headers.Set(transport.HeaderMessageID, "m1")

	if err := a.Send(ctx, "b", msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got == nil {
		t.Fatal("expected a message, got nil")
	}
	if string(got.Body) != "hello" {
		t.Fatalf("unexpected body: %s", got.Body)
	}
	if v, ok := got.Headers.Get(transport.HeaderMessageID); !ok || v != "m1" {
		t.Fatalf("unexpected message-id header: %q %v", v, ok)
	}
}

func TestEndpointReceiveTimesOutWithNil(t *testing.T) {
	net := NewNetwork(8)
	a := net.Endpoint("a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	msg, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message on empty queue with cancelled context, got %+v", msg)
	}
}

func TestHeadersPreserveInsertionOrder(t *testing.T) {
	h := transport.NewHeaders()
	h.Set("z", "1")
	h.Set("a", "2")
	h.Set("m", "3")
	h.Set("a", "4") // update, should not move position

	keys := h.Keys()
	want := []string{"z", "a", "m"}
	if len(keys) != len(want) {
		t.Fatalf("unexpected key count: %v", keys)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("position %d: want %q got %q", i, k, keys[i])
		}
	}
	v, _ := h.Get("a")
	if v != "4" {
		t.Fatalf("expected updated value 4, got %s", v)
	}
}
