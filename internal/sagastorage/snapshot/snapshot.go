// Package snapshot provides saga.SnapshotStorage implementations that
// record an immutable audit trail of every persisted saga revision.
package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/chris-alexander-pop/gobus/internal/saga"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

// Record is one immutable snapshot of a saga instance at the moment it
// was persisted.
type Record struct {
	SagaID    string
	Revision  int
	Type      string
	Payload   interface{}
	Headers   transport.Headers
	Timestamp time.Time
}

// MemoryStore is an in-process saga.SnapshotStorage, mainly useful for
// tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Save(ctx context.Context, data *saga.Data, headers transport.Headers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{
		SagaID:    data.ID,
		Revision:  data.Revision,
		Type:      data.Type,
		Payload:   data.Payload,
		Headers:   headers.Clone(),
		Timestamp: s.now(),
	})
	return nil
}

// History returns every recorded snapshot for sagaID, oldest first.
func (s *MemoryStore) History(sagaID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.SagaID == sagaID {
			out = append(out, r)
		}
	}
	return out
}

// snapshotRow is the gorm model backing the saga_snapshots table, an
// append-only audit log keyed by (saga_id, revision).
type snapshotRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SagaID    string `gorm:"column:saga_id;index"`
	Revision  int    `gorm:"column:revision"`
	Type      string `gorm:"column:saga_type"`
	Payload   []byte `gorm:"column:payload"`
	Headers   []byte `gorm:"column:headers"`
	CreatedAt time.Time
}

func (snapshotRow) TableName() string { return "saga_snapshots" }

// PostgresStore persists snapshots to the saga_snapshots table using an
// already-opened *gorm.DB, reusing the connection the saga instance
// storage itself opened rather than managing its own pool.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStoreFrom wires a PostgresStore to db, migrating its own
// table independently so the snapshot store stays decoupled from
// internal/sagastorage/postgres's schema.
func NewPostgresStoreFrom(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate saga snapshot table")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Save(ctx context.Context, data *saga.Data, headers transport.Headers) error {
	payload, err := json.Marshal(data.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal saga snapshot payload")
	}
	headerJSON, err := marshalHeaders(headers)
	if err != nil {
		return errors.Wrap(err, "failed to marshal saga snapshot headers")
	}

	row := &snapshotRow{SagaID: data.ID, Revision: data.Revision, Type: data.Type, Payload: payload, Headers: headerJSON}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "failed to persist saga snapshot")
	}
	return nil
}

func marshalHeaders(h transport.Headers) ([]byte, error) {
	keys := h.Keys()
	ordered := make(map[string]string, len(keys))
	for _, k := range keys {
		v, _ := h.Get(k)
		ordered[k] = v
	}
	return json.Marshal(struct {
		Order  []string          `json:"order"`
		Values map[string]string `json:"values"`
	}{Order: keys, Values: ordered})
}
