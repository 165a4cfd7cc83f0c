package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ogozo/service-order/internal/broker"
	"github.com/ogozo/service-order/internal/catalog"
	"github.com/ogozo/service-order/internal/logging"
	"github.com/ogozo/service-order/internal/metrics"
)

// Pricer resolves the current unit price of a product. The catalog client
// implements it behind the circuit breaker.
type Pricer interface {
	GetPrice(ctx context.Context, productID string) (float64, error)
}

// Charger is the synchronous payment collaborator.
type Charger interface {
	Charge(ctx context.Context, orderID string, amount float64) (approved bool, err error)
}

// EventPublisher is the durable publish side of the message channel. Each
// publish returns the event id once the broker has confirmed the write.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event broker.OrderCreatedEvent) (string, error)
	PublishOrderConfirmed(ctx context.Context, event broker.OrderConfirmedEvent) (string, error)
	PublishOrderCancelled(ctx context.Context, event broker.OrderCancelledEvent) (string, error)
}

// Service owns the order lifecycle and drives the saga: price the items,
// persist Pending, publish order.created, wait for the stock reservation
// result, charge payment, then confirm or compensate.
type Service struct {
	store   Store
	events  EventPublisher
	pricer  Pricer
	charger Charger
	waiter  *stockWaiter
	metrics *metrics.Registry

	stockResultTimeout time.Duration
}

func NewService(store Store, events EventPublisher, pricer Pricer, charger Charger, m *metrics.Registry, stockResultTimeout time.Duration) *Service {
	return &Service{
		store:              store,
		events:             events,
		pricer:             pricer,
		charger:            charger,
		waiter:             newStockWaiter(),
		metrics:            m,
		stockResultTimeout: stockResultTimeout,
	}
}

// CreateOrder runs one saga to completion. Business failures (declined
// payment, insufficient stock) come back as a Failed Result; only validation
// problems and infrastructure faults before the order.created publish are
// returned as errors.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []ItemRequest) (*Result, error) {
	started := time.Now()

	if err := validateRequest(userID, items); err != nil {
		return nil, err
	}

	// Capture unit prices up front. Any unpriceable item aborts before
	// anything is persisted, so no partial order ever exists.
	lineItems := make([]LineItem, 0, len(items))
	for _, it := range items {
		price, err := s.pricer.GetPrice(ctx, it.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrUnknownProduct) {
				return nil, &ValidationError{Msg: err.Error()}
			}
			return nil, fmt.Errorf("price lookup failed: %w", err)
		}
		lineItems = append(lineItems, LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: price})
	}

	o := &Order{
		ID:     uuid.NewString(),
		UserID: userID,
		Items:  lineItems,
		Status: StatusPending,
	}
	o.ComputeTotal()

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}
	s.metrics.OrdersCreated.Inc()
	logging.Info(ctx, "order created",
		zap.String("order_id", o.ID), zap.String("user_id", userID), zap.Float64("total", o.Total))

	// Register before publishing so a fast consumer result is not lost.
	resultCh := s.waiter.register(o.ID)
	defer s.waiter.cancel(o.ID)

	if _, err := s.events.PublishOrderCreated(ctx, broker.OrderCreatedEvent{
		OrderID: o.ID,
		UserID:  userID,
		Items:   toEventItems(o.Items),
	}); err != nil {
		// Nothing has been reserved: mark Failed without a compensating
		// event, which would wrongly inflate stock.
		if stErr := s.store.UpdateStatus(ctx, o.ID, StatusPending, StatusFailed, ReasonServiceUnavailable); stErr != nil {
			logging.Error(ctx, "failed to mark unpublished order failed", stErr, zap.String("order_id", o.ID))
		}
		s.metrics.OrdersFailed.WithLabelValues(ReasonServiceUnavailable).Inc()
		return nil, fmt.Errorf("failed to publish order.created: %w", err)
	}

	// order.created is the commit point: from here the saga runs to a
	// terminal status even if the caller goes away, and compensation is the
	// only recovery path.
	sagaCtx := context.WithoutCancel(ctx)

	select {
	case res := <-resultCh:
		if !res.Success {
			logging.Info(sagaCtx, "stock reservation rejected",
				zap.String("order_id", o.ID), zap.String("reason", res.Reason))
			return s.fail(sagaCtx, o, ReasonInsufficientStock, started), nil
		}
	case <-time.After(s.stockResultTimeout):
		logging.Error(sagaCtx, "timed out waiting for stock reservation result", nil, zap.String("order_id", o.ID))
		return s.fail(sagaCtx, o, ReasonServiceUnavailable, started), nil
	}

	approved, err := s.charger.Charge(sagaCtx, o.ID, o.Total)
	if err != nil {
		logging.Error(sagaCtx, "payment call failed", err, zap.String("order_id", o.ID))
		return s.fail(sagaCtx, o, ReasonServiceUnavailable, started), nil
	}
	if !approved {
		return s.fail(sagaCtx, o, ReasonPaymentDeclined, started), nil
	}

	if err := s.store.UpdateStatus(sagaCtx, o.ID, StatusPending, StatusConfirmed, ""); err != nil {
		logging.Error(sagaCtx, "failed to confirm order", err, zap.String("order_id", o.ID))
		return s.fail(sagaCtx, o, ReasonServiceUnavailable, started), nil
	}
	if _, err := s.events.PublishOrderConfirmed(sagaCtx, broker.OrderConfirmedEvent{OrderID: o.ID, UserID: userID}); err != nil {
		logging.Error(sagaCtx, "CRITICAL: order confirmed but order.confirmed publish failed", err,
			zap.String("order_id", o.ID))
	}

	s.metrics.OrdersConfirmed.Inc()
	s.metrics.SagaDurationSec.Observe(time.Since(started).Seconds())
	logging.Info(sagaCtx, "order confirmed", zap.String("order_id", o.ID))
	return &Result{OrderID: o.ID, Status: StatusConfirmed}, nil
}

// fail durably marks the order Failed, then publishes the compensating
// order.cancelled carrying the items from the original request. The event id
// is recorded so the reconciliation sweep can spot a crash between the two
// writes.
func (s *Service) fail(ctx context.Context, o *Order, reason string, started time.Time) *Result {
	if err := s.store.UpdateStatus(ctx, o.ID, StatusPending, StatusFailed, reason); err != nil {
		logging.Error(ctx, "failed to mark order failed", err, zap.String("order_id", o.ID))
	}

	eventID, err := s.events.PublishOrderCancelled(ctx, broker.OrderCancelledEvent{
		OrderID: o.ID,
		Items:   toEventItems(o.Items),
	})
	if err != nil {
		// The reconciler re-publishes for Failed orders missing an event id.
		logging.Error(ctx, "failed to publish order.cancelled, leaving to reconciliation", err,
			zap.String("order_id", o.ID))
	} else if err := s.store.SetCancelEventID(ctx, o.ID, eventID); err != nil {
		logging.Error(ctx, "failed to record cancellation event id", err, zap.String("order_id", o.ID))
	}

	s.metrics.OrdersFailed.WithLabelValues(reason).Inc()
	s.metrics.SagaDurationSec.Observe(time.Since(started).Seconds())
	logging.Info(ctx, "order failed", zap.String("order_id", o.ID), zap.String("reason", reason))
	return &Result{OrderID: o.ID, Status: StatusFailed, Reason: reason}
}

// HandleStockResult feeds consumer results back to waiting sagas. A result
// nobody waits for is dropped: its saga already timed out and compensated.
func (s *Service) HandleStockResult(ctx context.Context, event broker.StockUpdateResultEvent) error {
	if !s.waiter.resolve(event.OrderID, event) {
		logging.Warn(ctx, "dropping stock result with no waiting saga", zap.String("order_id", event.OrderID))
	}
	return nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.GetByID(ctx, id)
}

func toEventItems(items []LineItem) []broker.EventItem {
	out := make([]broker.EventItem, len(items))
	for i, li := range items {
		out[i] = broker.EventItem{ProductID: li.ProductID, Quantity: li.Quantity, UnitPrice: li.UnitPrice}
	}
	return out
}
