// Package postgres provides a saga.Storage backed by PostgreSQL via
// gorm, expressing optimistic concurrency as a conditional UPDATE
// (Where(id, revision).Updates(...)) the way
// pkg/database/sql/adapters/postgres connects and configures its pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chris-alexander-pop/gobus/internal/saga"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
	"github.com/chris-alexander-pop/gobus/pkg/servicemesh/circuitbreaker"
)

// Config configures the Postgres connection for saga storage.
type Config struct {
	Host            string        `env:"BUS_SAGA_PG_HOST" env-default:"localhost"`
	Port            string        `env:"BUS_SAGA_PG_PORT" env-default:"5432"`
	User            string        `env:"BUS_SAGA_PG_USER" validate:"required"`
	Password        string        `env:"BUS_SAGA_PG_PASSWORD"`
	Name            string        `env:"BUS_SAGA_PG_DATABASE" validate:"required"`
	SSLMode         string        `env:"BUS_SAGA_PG_SSLMODE" env-default:"disable"`
	MaxIdleConns    int           `env:"BUS_SAGA_PG_MAX_IDLE_CONNS" env-default:"5"`
	MaxOpenConns    int           `env:"BUS_SAGA_PG_MAX_OPEN_CONNS" env-default:"20"`
	ConnMaxLifetime time.Duration `env:"BUS_SAGA_PG_CONN_MAX_LIFETIME" env-default:"1h"`
}

// sagaRow is the gorm model backing the saga_instances table.
type sagaRow struct {
	ID       string `gorm:"column:id;primaryKey"`
	Type     string `gorm:"column:saga_type;index"`
	Revision int    `gorm:"column:revision"`
	Payload  []byte `gorm:"column:payload"`
}

func (sagaRow) TableName() string { return "saga_instances" }

// correlationRow is the unique-index table mapping a
// (saga_type, property_path, value) triple to a saga instance.
type correlationRow struct {
	SagaType     string `gorm:"column:saga_type;uniqueIndex:idx_saga_correlation"`
	PropertyPath string `gorm:"column:property_path;uniqueIndex:idx_saga_correlation"`
	Value        string `gorm:"column:value;uniqueIndex:idx_saga_correlation"`
	SagaID       string `gorm:"column:saga_id;index"`
}

func (correlationRow) TableName() string { return "saga_correlations" }

// Store is a gorm-backed saga.Storage.
type Store struct {
	db *gorm.DB
	cb *circuitbreaker.CircuitBreaker
}

// DB returns the underlying connection, so a caller can hand it to
// internal/sagastorage/snapshot.NewPostgresStoreFrom instead of opening
// a second pool for the snapshot audit table.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// New connects to Postgres and auto-migrates the saga tables.
func New(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres saga storage")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql.DB")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&sagaRow{}, &correlationRow{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate saga storage tables")
	}

	cb := circuitbreaker.New("sagastorage-postgres", circuitbreaker.Options{FailureThreshold: 5, Timeout: 30 * time.Second})
	return &Store{db: db, cb: cb}, nil
}

func (s *Store) Find(ctx context.Context, sagaType, propertyPath, value string) (*saga.Data, error) {
	result, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		var corr correlationRow
		err := s.db.WithContext(ctx).
			Where("saga_type = ? AND property_path = ? AND value = ?", sagaType, propertyPath, value).
			First(&corr).Error
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to query saga correlation")
		}

		var row sagaRow
		if err := s.db.WithContext(ctx).Where("id = ?", corr.SagaID).First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, nil
			}
			return nil, errors.Wrap(err, "failed to load saga instance")
		}

		return rowToData(row)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*saga.Data), nil
}

func (s *Store) Insert(ctx context.Context, data *saga.Data, correlationValues map[string]string) error {
	payload, err := json.Marshal(data.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal saga payload")
	}

	_, err = s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&sagaRow{ID: data.ID, Type: data.Type, Revision: data.Revision, Payload: payload}).Error; err != nil {
				return errors.Wrap(err, "failed to insert saga instance")
			}
			for path, v := range correlationValues {
				if err := tx.Create(&correlationRow{SagaType: data.Type, PropertyPath: path, Value: v, SagaID: data.ID}).Error; err != nil {
					return errors.New("BUS_SAGA_CORRELATION_CONFLICT", "correlation property already bound to another saga instance", err)
				}
			}
			return nil
		})
	})
	return err
}

func (s *Store) Update(ctx context.Context, data *saga.Data, expectedRevision int, correlationValues map[string]string) error {
	payload, err := json.Marshal(data.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal saga payload")
	}

	_, err = s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&sagaRow{}).
				Where("id = ? AND revision = ?", data.ID, expectedRevision).
				Updates(map[string]interface{}{"revision": expectedRevision + 1, "payload": payload})
			if result.Error != nil {
				return errors.Wrap(result.Error, "failed to update saga instance")
			}
			if result.RowsAffected == 0 {
				return errors.New("BUS_SAGA_CONCURRENCY_CONFLICT", "saga revision mismatch", nil)
			}

			for path, v := range correlationValues {
				if err := tx.Where("saga_type = ? AND property_path = ?", data.Type, path).
					Assign(correlationRow{SagaType: data.Type, PropertyPath: path, Value: v, SagaID: data.ID}).
					FirstOrCreate(&correlationRow{}).Error; err != nil {
					return errors.New("BUS_SAGA_CORRELATION_CONFLICT", "correlation property already bound to another saga instance", err)
				}
			}
			return nil
		})
	})
	return err
}

func (s *Store) Delete(ctx context.Context, data *saga.Data) error {
	_, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("saga_id = ?", data.ID).Delete(&correlationRow{}).Error; err != nil {
				return errors.Wrap(err, "failed to delete saga correlations")
			}
			if err := tx.Where("id = ?", data.ID).Delete(&sagaRow{}).Error; err != nil {
				return errors.Wrap(err, "failed to delete saga instance")
			}
			return nil
		})
	})
	return err
}

func rowToData(row sagaRow) (*saga.Data, error) {
	var payload interface{}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal saga payload")
		}
	}
	return &saga.Data{ID: row.ID, Revision: row.Revision, Type: row.Type, Payload: payload}, nil
}
