// Package memory provides an in-process saga.Storage backed by a map
// plus a correlation-property index, used by default and in tests.
package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/gobus/internal/saga"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

type correlationKey struct {
	sagaType string
	path     string
	value    string
}

// Store is an in-memory saga.Storage.
type Store struct {
	mu          sync.Mutex
	byID        map[string]*saga.Data
	byCorrelate map[correlationKey]string // -> saga ID
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID:        make(map[string]*saga.Data),
		byCorrelate: make(map[correlationKey]string),
	}
}

func (s *Store) Find(ctx context.Context, sagaType, propertyPath, value string) (*saga.Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCorrelate[correlationKey{sagaType, propertyPath, value}]
	if !ok {
		return nil, nil
	}
	data, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	copy := *data
	return &copy, nil
}

func (s *Store) Insert(ctx context.Context, data *saga.Data, correlationValues map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, v := range correlationValues {
		key := correlationKey{data.Type, path, v}
		if existingID, exists := s.byCorrelate[key]; exists && existingID != data.ID {
			return errors.New("BUS_SAGA_CORRELATION_CONFLICT", "correlation property already bound to another saga instance", nil)
		}
	}

	stored := *data
	s.byID[data.ID] = &stored
	for path, v := range correlationValues {
		s.byCorrelate[correlationKey{data.Type, path, v}] = data.ID
	}
	return nil
}

func (s *Store) Update(ctx context.Context, data *saga.Data, expectedRevision int, correlationValues map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[data.ID]
	if !ok || existing.Revision != expectedRevision {
		return errors.New("BUS_SAGA_CONCURRENCY_CONFLICT", "saga revision mismatch", nil)
	}

	for path, v := range correlationValues {
		key := correlationKey{data.Type, path, v}
		if existingID, exists := s.byCorrelate[key]; exists && existingID != data.ID {
			return errors.New("BUS_SAGA_CORRELATION_CONFLICT", "correlation property already bound to another saga instance", nil)
		}
	}

	stored := *data
	stored.Revision = expectedRevision + 1
	s.byID[data.ID] = &stored
	for path, v := range correlationValues {
		s.byCorrelate[correlationKey{data.Type, path, v}] = data.ID
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, data *saga.Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byID, data.ID)
	for key, id := range s.byCorrelate {
		if id == data.ID {
			delete(s.byCorrelate, key)
		}
	}
	return nil
}
