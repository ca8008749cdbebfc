package memory

import (
	"context"
	"testing"

	"github.com/chris-alexander-pop/gobus/internal/saga"
)

func TestInsertAndFindByCorrelation(t *testing.T) {
	s := New()
	ctx := context.Background()
	data := &saga.Data{ID: "s-1", Revision: 0, Type: "OrderSaga", Payload: "p"}
	if err := s.Insert(ctx, data, map[string]string{"OrderID": "o-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := s.Find(ctx, "OrderSaga", "OrderID", "o-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != "s-1" {
		t.Fatalf("expected to find s-1, got %+v", found)
	}
}

func TestInsertRejectsCorrelationConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := &saga.Data{ID: "s-1", Revision: 0, Type: "OrderSaga"}
	if err := s.Insert(ctx, first, map[string]string{"OrderID": "o-1"}); err != nil {
		t.Fatalf("insert first: %v", err)
	}

	second := &saga.Data{ID: "s-2", Revision: 0, Type: "OrderSaga"}
	if err := s.Insert(ctx, second, map[string]string{"OrderID": "o-1"}); err == nil {
		t.Fatal("expected correlation conflict")
	}
}

func TestUpdateRejectsStaleRevision(t *testing.T) {
	s := New()
	ctx := context.Background()
	data := &saga.Data{ID: "s-1", Revision: 0, Type: "OrderSaga"}
	if err := s.Insert(ctx, data, map[string]string{"OrderID": "o-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.Update(ctx, data, 0, map[string]string{"OrderID": "o-1"}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := s.Update(ctx, data, 0, map[string]string{"OrderID": "o-1"}); err == nil {
		t.Fatal("expected concurrency conflict on stale revision")
	}
}

func TestDeleteRemovesInstanceAndCorrelations(t *testing.T) {
	s := New()
	ctx := context.Background()
	data := &saga.Data{ID: "s-1", Revision: 0, Type: "OrderSaga"}
	if err := s.Insert(ctx, data, map[string]string{"OrderID": "o-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Delete(ctx, data); err != nil {
		t.Fatalf("delete: %v", err)
	}

	found, err := s.Find(ctx, "OrderSaga", "OrderID", "o-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found != nil {
		t.Fatal("expected instance to be gone after delete")
	}
}
