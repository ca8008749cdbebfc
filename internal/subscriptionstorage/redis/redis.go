// Package redis provides a centralized subscriptionstorage.Storage,
// keeping each topic's subscriber set as a Redis set so multiple bus
// instances share one subscription view.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/gobus/pkg/errors"
	"github.com/chris-alexander-pop/gobus/pkg/servicemesh/circuitbreaker"
)

// Config configures the Redis connection, matching the env-tagged
// shape pkg/cache/adapters/redis.New's cache.Config exposes.
type Config struct {
	Host      string `env:"BUS_SUBS_REDIS_HOST" env-default:"localhost"`
	Port      string `env:"BUS_SUBS_REDIS_PORT" env-default:"6379"`
	Password  string `env:"BUS_SUBS_REDIS_PASSWORD"`
	DB        int    `env:"BUS_SUBS_REDIS_DB" env-default:"0"`
	KeyPrefix string `env:"BUS_SUBS_REDIS_KEY_PREFIX" env-default:"bus:subs:"`
}

// Store is a Redis-backed, centralized subscriptionstorage.Storage.
type Store struct {
	client    *redis.Client
	keyPrefix string
	cb        *circuitbreaker.CircuitBreaker
}

// New connects to Redis and pings to verify reachability.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis subscription storage")
	}
	cb := circuitbreaker.New("subscriptionstorage-redis", circuitbreaker.Options{FailureThreshold: 5, Timeout: 30 * time.Second})
	return &Store{client: client, keyPrefix: cfg.KeyPrefix, cb: cb}, nil
}

func (s *Store) key(topic string) string {
	return s.keyPrefix + topic
}

func (s *Store) GetSubscribers(ctx context.Context, topic string) ([]string, error) {
	result, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.SMembers(ctx, s.key(topic)).Result()
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read subscribers from redis")
	}
	return result.([]string), nil
}

func (s *Store) Register(ctx context.Context, topic, subscriberAddress string) error {
	_, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.SAdd(ctx, s.key(topic), subscriberAddress).Err()
	})
	if err != nil {
		return errors.Wrap(err, "failed to register subscriber in redis")
	}
	return nil
}

func (s *Store) Unregister(ctx context.Context, topic, subscriberAddress string) error {
	_, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.SRem(ctx, s.key(topic), subscriberAddress).Err()
	})
	if err != nil {
		return errors.Wrap(err, "failed to unregister subscriber in redis")
	}
	return nil
}

func (s *Store) IsCentralized() bool { return true }

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
