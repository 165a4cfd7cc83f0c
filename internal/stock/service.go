// Package stock is the reservation consumer: it reacts to order lifecycle
// events by atomically adjusting inventory, with local compensation for
// partial reservations and idempotent handling of redeliveries.
package stock

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ogozo/service-order/internal/broker"
	"github.com/ogozo/service-order/internal/logging"
	"github.com/ogozo/service-order/internal/metrics"
)

// ResultPublisher reports reservation outcomes back to the orchestrator.
type ResultPublisher interface {
	PublishStockUpdateResult(ctx context.Context, event broker.StockUpdateResultEvent) (string, error)
}

type Service struct {
	store   Store
	marker  Marker
	events  ResultPublisher
	metrics *metrics.Registry
}

func NewService(store Store, marker Marker, events ResultPublisher, m *metrics.Registry) *Service {
	return &Service{store: store, marker: marker, events: events, metrics: m}
}

// HandleOrderCreated reserves stock for each line item one at a time. When an
// item cannot be reserved, everything reserved so far is released before the
// failure is reported, so a partial reservation never survives.
func (s *Service) HandleOrderCreated(ctx context.Context, event broker.OrderCreatedEvent) error {
	logging.Info(ctx, "processing OrderCreated event", zap.String("order_id", event.OrderID))

	first, err := s.marker.BeginOrder(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if !first {
		s.metrics.DuplicatesSkipped.Inc()
		logging.Info(ctx, "skipping duplicate OrderCreated", zap.String("order_id", event.OrderID))
		return nil
	}

	reserved := make([]broker.EventItem, 0, len(event.Items))
	var reserveErr error
	for _, it := range event.Items {
		if err := s.store.Reserve(ctx, it.ProductID, it.Quantity); err != nil {
			reserveErr = err
			break
		}
		reserved = append(reserved, it)
	}

	if reserveErr == nil {
		if err := s.marker.SetReserved(ctx, event.OrderID); err != nil {
			logging.Error(ctx, "failed to record reservation", err, zap.String("order_id", event.OrderID))
		}
		s.metrics.StockReserved.Inc()
		logging.Info(ctx, "stock reservation successful", zap.String("order_id", event.OrderID))
		s.publishResult(ctx, broker.StockUpdateResultEvent{OrderID: event.OrderID, Success: true})
		return nil
	}

	// Local compensation: undo the items already taken.
	if len(reserved) > 0 {
		if err := s.store.Release(ctx, reserved); err != nil {
			logging.Error(ctx, "CRITICAL: failed to roll back partial reservation", err,
				zap.String("order_id", event.OrderID))
		}
	}

	if errors.Is(reserveErr, ErrInsufficientStock) || errors.Is(reserveErr, ErrUnknownProduct) {
		// A business rejection, not a fault: report it and ack.
		s.metrics.StockRejected.Inc()
		logging.Info(ctx, "stock reservation rejected",
			zap.String("order_id", event.OrderID), zap.String("reason", reserveErr.Error()))
		s.publishResult(ctx, broker.StockUpdateResultEvent{
			OrderID: event.OrderID,
			Success: false,
			Reason:  reserveErr.Error(),
		})
		return nil
	}

	// Infrastructure failure: clear the seen-marker so the redelivery is
	// processed instead of skipped.
	if err := s.marker.AbortOrder(ctx, event.OrderID); err != nil {
		logging.Error(ctx, "failed to clear order marker", err, zap.String("order_id", event.OrderID))
	}
	logging.Error(ctx, "stock reservation failed", reserveErr, zap.String("order_id", event.OrderID))
	return reserveErr
}

// HandleOrderCancelled releases the carried quantities, at most once per
// order and only when a reservation is actually held.
func (s *Service) HandleOrderCancelled(ctx context.Context, event broker.OrderCancelledEvent) error {
	logging.Info(ctx, "processing OrderCancelled event", zap.String("order_id", event.OrderID))

	held, err := s.marker.ClearReserved(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if !held {
		s.metrics.DuplicatesSkipped.Inc()
		logging.Info(ctx, "no reservation held, nothing to release", zap.String("order_id", event.OrderID))
		return nil
	}

	if err := s.store.Release(ctx, event.Items); err != nil {
		// Put the reservation marker back so the redelivery retries the
		// release; the Release transaction is all-or-nothing.
		if markErr := s.marker.SetReserved(ctx, event.OrderID); markErr != nil {
			logging.Error(ctx, "CRITICAL: failed to restore reservation marker", markErr,
				zap.String("order_id", event.OrderID))
		}
		return err
	}

	s.metrics.StockReleased.Inc()
	logging.Info(ctx, "stock released", zap.String("order_id", event.OrderID))
	return nil
}

func (s *Service) publishResult(ctx context.Context, event broker.StockUpdateResultEvent) {
	if _, err := s.events.PublishStockUpdateResult(ctx, event); err != nil {
		logging.Error(ctx, "CRITICAL: failed to publish StockUpdateResult event", err,
			zap.String("order_id", event.OrderID))
	}
}
