package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ogozo/service-order/internal/logging"
	"go.uber.org/zap"
)

const retryCountHeader = "x-retry-count"

// ErrPoison marks a message that can never be processed (malformed body,
// unknown event type). Such messages are dead-lettered without retries.
var ErrPoison = errors.New("poison message")

func (b *Broker) StartOrderCreatedConsumer(handler func(ctx context.Context, event OrderCreatedEvent) error) error {
	return b.consume(QueueOrderCreated, func(ctx context.Context, env Envelope) error {
		event, err := decodeAs[OrderCreatedEvent](env)
		if err != nil {
			return err
		}
		return handler(ctx, event)
	})
}

func (b *Broker) StartOrderCancelledConsumer(handler func(ctx context.Context, event OrderCancelledEvent) error) error {
	return b.consume(QueueOrderCancelled, func(ctx context.Context, env Envelope) error {
		event, err := decodeAs[OrderCancelledEvent](env)
		if err != nil {
			return err
		}
		return handler(ctx, event)
	})
}

func (b *Broker) StartStockResultConsumer(handler func(ctx context.Context, event StockUpdateResultEvent) error) error {
	return b.consume(QueueStockResult, func(ctx context.Context, env Envelope) error {
		event, err := decodeAs[StockUpdateResultEvent](env)
		if err != nil {
			return err
		}
		return handler(ctx, event)
	})
}

func decodeAs[T any](env Envelope) (T, error) {
	var zero T
	payload, err := env.Decode()
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	event, ok := payload.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected payload %T on %s envelope", ErrPoison, payload, env.Type)
	}
	return event, nil
}

// EnvelopeHandler is invoked once per delivery with the consumer span on ctx.
type EnvelopeHandler func(ctx context.Context, env Envelope) error

func (b *Broker) consume(queue string, handler EnvelopeHandler) error {
	msgs, err := b.channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	go func() {
		for d := range msgs {
			b.handleDelivery(queue, d, handler)
		}
	}()
	logging.Info(context.Background(), "listening for events", zap.String("queue", queue))
	return nil
}

func (b *Broker) handleDelivery(queue string, d amqp.Delivery, handler EnvelopeHandler) {
	carrier := make(TraceCarrier)
	for k, v := range d.Headers {
		carrier[k] = v
	}
	parentCtx := otel.GetTextMapPropagator().Extract(context.Background(), carrier)

	ctx, span := b.tracer.Start(parentCtx, queue+" receive", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingDestinationName(queue),
		),
	)
	defer span.End()

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		logging.Error(ctx, "malformed message, dead-lettering", err, zap.String("queue", queue))
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal envelope")
		b.deadLetter(queue, d)
		return
	}

	err := handler(ctx, env)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logging.Error(ctx, "failed to ack message", ackErr, zap.String("queue", queue))
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "handler failed")

	if errors.Is(err, ErrPoison) {
		logging.Error(ctx, "poison message, dead-lettering", err,
			zap.String("queue", queue), zap.String("event_id", env.EventID))
		b.deadLetter(queue, d)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= b.maxRetries {
		logging.Error(ctx, "retries exhausted, dead-lettering", err,
			zap.String("queue", queue), zap.String("event_id", env.EventID), zap.Int("retries", retries))
		b.deadLetter(queue, d)
		return
	}

	logging.Warn(ctx, "handler failed, requeueing",
		zap.String("queue", queue), zap.String("event_id", env.EventID),
		zap.Int("retry", retries+1), zap.Error(err))
	if pubErr := b.requeue(queue, d, retries+1); pubErr != nil {
		logging.Error(ctx, "failed to requeue, nacking for redelivery", pubErr, zap.String("queue", queue))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// deadLetter rejects the delivery without requeue; the queue's dead-letter
// args route it to the paired DLQ.
func (b *Broker) deadLetter(queue string, d amqp.Delivery) {
	if b.metrics != nil {
		b.metrics.DLQMessages.WithLabelValues(queue).Inc()
	}
	_ = d.Nack(false, false)
}

// requeue republishes the delivery to its own queue with an incremented retry
// counter, then the caller acks the original.
func (b *Broker) requeue(queue string, d amqp.Delivery, retries int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(retries)

	return b.publishConfirmed(queue, d.Body, headers)
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
