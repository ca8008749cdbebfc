// Package redis provides a timeoutmgr.Store backed by a Redis sorted
// set, scored by due time, for multi-process bus deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/gobus/internal/timeoutmgr"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
	"github.com/chris-alexander-pop/gobus/pkg/servicemesh/circuitbreaker"
)

// Config configures the Redis-backed timeout store.
type Config struct {
	Host     string `env:"BUS_TIMEOUT_REDIS_HOST" env-default:"localhost"`
	Port     string `env:"BUS_TIMEOUT_REDIS_PORT" env-default:"6379"`
	Password string `env:"BUS_TIMEOUT_REDIS_PASSWORD"`
	DB       int    `env:"BUS_TIMEOUT_REDIS_DB" env-default:"0"`
	// Key is the sorted-set key holding due-time scores; MembersKey is
	// the hash key holding envelope payloads by ID.
	Key        string `env:"BUS_TIMEOUT_REDIS_KEY" env-default:"gobus:timeouts"`
	MembersKey string `env:"BUS_TIMEOUT_REDIS_MEMBERS_KEY" env-default:"gobus:timeouts:data"`
}

type wireEnvelope struct {
	ID               string            `json:"id"`
	DueUnixNano      int64             `json:"due_unix_nano"`
	Headers          map[string]string `json:"headers"`
	HeaderOrder      []string          `json:"header_order"`
	Body             []byte            `json:"body"`
	RecipientAddress string            `json:"recipient_address"`
}

// Store is a Redis-backed timeoutmgr.Store.
type Store struct {
	client *goredis.Client
	cfg    Config
	cb     *circuitbreaker.CircuitBreaker
}

// New connects to Redis and returns a ready-to-use Store.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.New("BUS_TIMEOUT_STORE_UNAVAILABLE", "failed to connect to redis timeout store", err)
	}
	cb := circuitbreaker.New("timeoutmgr-redis", circuitbreaker.Options{FailureThreshold: 5, Timeout: 30 * time.Second})
	return &Store{client: client, cfg: cfg, cb: cb}, nil
}

func (s *Store) Defer(ctx context.Context, env timeoutmgr.Envelope) (timeoutmgr.Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}

	w := wireEnvelope{
		ID:               env.ID,
		DueUnixNano:      env.ApproximateDueTime.UnixNano(),
		Headers:          make(map[string]string, env.Headers.Len()),
		HeaderOrder:      env.Headers.Keys(),
		Body:             env.Body,
		RecipientAddress: env.RecipientAddress,
	}
	env.Headers.Range(func(k, v string) { w.Headers[k] = v })

	payload, err := json.Marshal(w)
	if err != nil {
		return env, errors.Wrap(err, "failed to marshal deferred envelope")
	}

	_, err = s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, s.cfg.MembersKey, env.ID, payload)
		pipe.ZAdd(ctx, s.cfg.Key, goredis.Z{Score: float64(w.DueUnixNano), Member: env.ID})
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return env, errors.New("BUS_TIMEOUT_STORE_UNAVAILABLE", "failed to persist deferred envelope", err)
	}
	return env, nil
}

func (s *Store) PeekDue(ctx context.Context, now time.Time) ([]timeoutmgr.Envelope, error) {
	idsResult, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.ZRangeByScore(ctx, s.cfg.Key, &goredis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", now.UnixNano()),
		}).Result()
	})
	if err != nil {
		return nil, errors.New("BUS_TIMEOUT_STORE_UNAVAILABLE", "failed to query due envelopes", err)
	}
	ids := idsResult.([]string)
	if len(ids) == 0 {
		return nil, nil
	}

	payloadsResult, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.HMGet(ctx, s.cfg.MembersKey, ids...).Result()
	})
	if err != nil {
		return nil, errors.New("BUS_TIMEOUT_STORE_UNAVAILABLE", "failed to load due envelope payloads", err)
	}
	payloads := payloadsResult.([]interface{})

	envelopes := make([]timeoutmgr.Envelope, 0, len(ids))
	for _, raw := range payloads {
		s, ok := raw.(string)
		if !ok {
			continue // payload already removed by a concurrent Remove
		}
		var w wireEnvelope
		if err := json.Unmarshal([]byte(s), &w); err != nil {
			continue
		}
		headers := headersFrom(w)
		envelopes = append(envelopes, timeoutmgr.Envelope{
			ID:                 w.ID,
			ApproximateDueTime: time.Unix(0, w.DueUnixNano),
			Headers:            headers,
			Body:               w.Body,
			RecipientAddress:   w.RecipientAddress,
		})
	}
	return envelopes, nil
}

func headersFrom(w wireEnvelope) transport.Headers {
	headers := transport.NewHeaders()
	for _, k := range w.HeaderOrder {
		if v, ok := w.Headers[k]; ok {
			headers.Set(k, v)
		}
	}
	return headers
}

func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.cfg.Key, id)
		pipe.HDel(ctx, s.cfg.MembersKey, id)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return errors.New("BUS_TIMEOUT_STORE_UNAVAILABLE", "failed to remove deferred envelope", err)
	}
	return nil
}
