// Package rabbitmq provides a transport.Port backed by RabbitMQ, using
// pull semantics (Channel.Get) rather than a push consumer so Receive
// maps directly onto the bus's synchronous receive loop without a
// separate consumer-goroutine/session to manage.
package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
	"github.com/chris-alexander-pop/gobus/pkg/servicemesh/circuitbreaker"
)

// Config configures the RabbitMQ transport adapter.
type Config struct {
	URL     string `env:"BUS_RABBITMQ_URL" validate:"required"`
	Address string `env:"BUS_RABBITMQ_ADDRESS" validate:"required"`
	// Durable controls whether declared queues survive a broker
	// restart.
	Durable bool `env:"BUS_RABBITMQ_DURABLE" env-default:"true"`
}

type portAdapter struct {
	cfg  Config
	conn *amqp.Connection
	ch   *amqp.Channel
	cb   *circuitbreaker.CircuitBreaker
}

// New dials RabbitMQ and declares the adapter's own address as a
// durable queue. Every call that crosses the wire to the broker after
// that goes through a circuit breaker, so a broker outage fails fast
// for the worker pool instead of blocking on a dead connection.
func New(cfg Config) (transport.Port, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.New("BUS_TRANSPORT_TRANSIENT", "failed to connect to rabbitmq", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.New("BUS_TRANSPORT_TRANSIENT", "failed to open rabbitmq channel", err)
	}

	a := &portAdapter{
		cfg:  cfg,
		conn: conn,
		ch:   ch,
		cb:   circuitbreaker.New("rabbitmq-transport", circuitbreaker.Options{FailureThreshold: 5, Timeout: 30 * time.Second}),
	}
	if err := a.CreateQueue(context.Background(), cfg.Address); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *portAdapter) Send(ctx context.Context, destination string, msg *transport.Message) error {
	if err := a.CreateQueue(ctx, destination); err != nil {
		return err
	}

	headers := amqp.Table{}
	msg.Headers.Range(func(k, v string) {
		headers[k] = v
	})

	_, err := a.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, a.ch.PublishWithContext(ctx, "", destination, false, false, amqp.Publishing{
			Headers: headers,
			Body:    msg.Body,
		})
	})
	if err != nil {
		return errors.New("BUS_TRANSPORT_TRANSIENT", "failed to publish to rabbitmq", err)
	}
	return nil
}

func (a *portAdapter) Receive(ctx context.Context) (*transport.Message, error) {
	type getResult struct {
		delivery amqp.Delivery
		ok       bool
	}
	res, err := a.cb.ExecuteContext(ctx, func(context.Context) (interface{}, error) {
		delivery, ok, err := a.ch.Get(a.cfg.Address, false)
		return getResult{delivery, ok}, err
	})
	if err != nil {
		return nil, errors.New("BUS_TRANSPORT_TRANSIENT", "failed to get message from rabbitmq", err)
	}
	gr := res.(getResult)
	if !gr.ok {
		return nil, nil
	}

	headers := transport.NewHeaders()
	for k, v := range gr.delivery.Headers {
		if s, ok := v.(string); ok {
			headers.Set(k, s)
		}
	}

	if err := gr.delivery.Ack(false); err != nil {
		return nil, errors.New("BUS_TRANSPORT_TRANSIENT", "failed to ack rabbitmq delivery", err)
	}

	return &transport.Message{Headers: headers, Body: gr.delivery.Body}, nil
}

func (a *portAdapter) Address() string {
	return a.cfg.Address
}

func (a *portAdapter) CreateQueue(ctx context.Context, address string) error {
	_, err := a.cb.ExecuteContext(ctx, func(context.Context) (interface{}, error) {
		return a.ch.QueueDeclare(address, a.cfg.Durable, false, false, false, nil)
	})
	if err != nil {
		return errors.New("BUS_TRANSPORT_TRANSIENT", "failed to declare rabbitmq queue "+address, err)
	}
	return nil
}

func (a *portAdapter) Close() error {
	if err := a.ch.Close(); err != nil {
		return errors.Wrap(err, "failed to close rabbitmq channel")
	}
	return a.conn.Close()
}
