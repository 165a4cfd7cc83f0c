package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"
)

func (b *Broker) PublishOrderCreated(ctx context.Context, event OrderCreatedEvent) (string, error) {
	return b.publishEvent(ctx, QueueOrderCreated, EventOrderCreated, event)
}

func (b *Broker) PublishOrderConfirmed(ctx context.Context, event OrderConfirmedEvent) (string, error) {
	return b.publishEvent(ctx, QueueOrderConfirmed, EventOrderConfirmed, event)
}

func (b *Broker) PublishOrderCancelled(ctx context.Context, event OrderCancelledEvent) (string, error) {
	return b.publishEvent(ctx, QueueOrderCancelled, EventOrderCancelled, event)
}

func (b *Broker) PublishStockUpdateResult(ctx context.Context, event StockUpdateResultEvent) (string, error) {
	return b.publishEvent(ctx, QueueStockResult, EventStockUpdateResult, event)
}

// publishEvent wraps the payload in an envelope and publishes it durably,
// returning the envelope's event id once the broker has confirmed the write.
func (b *Broker) publishEvent(ctx context.Context, queue string, t EventType, payload any) (string, error) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return "", err
	}

	spanCtx, span := b.tracer.Start(ctx, queue+" publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingDestinationName(queue),
			semconv.MessagingMessageID(env.EventID),
		),
	)
	defer span.End()

	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := make(TraceCarrier)
	otel.GetTextMapPropagator().Inject(spanCtx, headers)

	_, err = backoff.Retry(spanCtx, func() (struct{}, error) {
		return struct{}{}, b.publishConfirmed(queue, body, amqp.Table(headers))
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		return "", fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return env.EventID, nil
}

// publishConfirmed publishes one persistent message on the default exchange
// and blocks until the broker acks it. Publishes are serialized so confirms
// can be matched to the message just sent.
func (b *Broker) publishConfirmed(queue string, body []byte, headers amqp.Table) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := b.channel.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case confirm, ok := <-b.confirms:
		if !ok {
			return fmt.Errorf("confirm channel closed")
		}
		if !confirm.Ack {
			return fmt.Errorf("broker nacked publish to %s", queue)
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("timed out waiting for publish confirm on %s", queue)
	}
}
