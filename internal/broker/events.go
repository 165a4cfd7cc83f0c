package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	QueueOrderCreated   = "order.created"
	QueueOrderConfirmed = "order.confirmed"
	QueueOrderCancelled = "order.cancelled"
	QueueStockResult    = "stock.update.result"
)

// DLQName returns the dead-letter queue paired with a work queue.
func DLQName(queue string) string { return queue + ".dlq" }

type EventType string

const (
	EventOrderCreated      EventType = "order.created"
	EventOrderConfirmed    EventType = "order.confirmed"
	EventOrderCancelled    EventType = "order.cancelled"
	EventStockUpdateResult EventType = "stock.update.result"
)

type EventItem struct {
	ProductID string  `json:"product_id"`
	Quantity  int32   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type OrderCreatedEvent struct {
	OrderID string      `json:"order_id"`
	UserID  string      `json:"user_id"`
	Items   []EventItem `json:"items"`
}

type OrderConfirmedEvent struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

type OrderCancelledEvent struct {
	OrderID string      `json:"order_id"`
	Items   []EventItem `json:"items"`
}

type StockUpdateResultEvent struct {
	OrderID string `json:"order_id"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Envelope is the wire frame around every event. Payloads form a closed set:
// decoding anything outside it fails instead of being silently ignored.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

var ErrUnknownEventType = errors.New("unknown event type")

func NewEnvelope(t EventType, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Envelope{
		EventID:    uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Payload:    body,
	}, nil
}

// Decode returns the typed payload for the envelope's event type.
func (e Envelope) Decode() (any, error) {
	switch e.Type {
	case EventOrderCreated:
		var ev OrderCreatedEvent
		return ev, strictUnmarshal(e.Payload, &ev)
	case EventOrderConfirmed:
		var ev OrderConfirmedEvent
		return ev, strictUnmarshal(e.Payload, &ev)
	case EventOrderCancelled:
		var ev OrderCancelledEvent
		return ev, strictUnmarshal(e.Payload, &ev)
	case EventStockUpdateResult:
		var ev StockUpdateResultEvent
		return ev, strictUnmarshal(e.Payload, &ev)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
