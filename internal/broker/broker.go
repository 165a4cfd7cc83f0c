package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ogozo/service-order/internal/metrics"
)

type TraceCarrier map[string]interface{}

func (c TraceCarrier) Get(key string) string {
	if val, ok := c[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func (c TraceCarrier) Set(key, val string) {
	c[key] = val
}

func (c TraceCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

const confirmTimeout = 5 * time.Second

// Broker owns the AMQP connection and declares every queue this service
// publishes to or consumes from, each paired with a dead-letter queue.
// Publishing waits for broker confirms; consuming uses manual acks with a
// bounded redelivery count before dead-lettering.
type Broker struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	confirms   chan amqp.Confirmation
	tracer     trace.Tracer
	metrics    *metrics.Registry
	maxRetries int

	pubMu sync.Mutex
}

func NewBroker(ctx context.Context, amqpURL string, maxRetries int, m *metrics.Registry) (*Broker, error) {
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(amqpURL)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to put channel into confirm mode: %w", err)
	}
	confirms := channel.NotifyPublish(make(chan amqp.Confirmation, 1))

	b := &Broker{
		conn:       conn,
		channel:    channel,
		confirms:   confirms,
		tracer:     otel.Tracer("service-order.broker"),
		metrics:    m,
		maxRetries: maxRetries,
	}

	for _, q := range []string{QueueOrderCreated, QueueOrderConfirmed, QueueOrderCancelled, QueueStockResult} {
		if err := b.declareQueue(q); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// declareQueue declares a durable queue whose rejected messages are routed to
// a paired durable dead-letter queue through the default exchange.
func (b *Broker) declareQueue(name string) error {
	dlq := DLQName(name)
	if _, err := b.channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := b.channel.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

func (b *Broker) Close() {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
