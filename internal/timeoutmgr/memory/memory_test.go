package memory

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/gobus/internal/timeoutmgr"
	"github.com/chris-alexander-pop/gobus/internal/transport"
)

func TestPeekDueReturnsOnlyDueEnvelopes(t *testing.T) {
	store := New()
	ctx := context.Background()

	past, _ := store.Defer(ctx, timeoutmgr.Envelope{
		ApproximateDueTime: time.Now().Add(-time.Second),
		Headers:            transport.NewHeaders(),
		RecipientAddress:   "a",
	})
	_, _ = store.Defer(ctx, timeoutmgr.Envelope{
		ApproximateDueTime: time.Now().Add(time.Hour),
		Headers:            transport.NewHeaders(),
		RecipientAddress:   "b",
	})

	due, err := store.PeekDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(due) != 1 || due[0].ID != past.ID {
		t.Fatalf("expected exactly the past envelope, got %+v", due)
	}
}

func TestRemoveDropsEnvelopePermanently(t *testing.T) {
	store := New()
	ctx := context.Background()

	env, _ := store.Defer(ctx, timeoutmgr.Envelope{
		ApproximateDueTime: time.Now().Add(-time.Second),
		Headers:            transport.NewHeaders(),
		RecipientAddress:   "a",
	})

	if err := store.Remove(ctx, env.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	due, _ := store.PeekDue(ctx, time.Now())
	if len(due) != 0 {
		t.Fatalf("expected removed envelope to be gone, got %+v", due)
	}

	due, _ = store.PeekDue(ctx, time.Now())
	if len(due) != 0 {
		t.Fatalf("expected envelope to stay gone on a second peek, got %+v", due)
	}
}
