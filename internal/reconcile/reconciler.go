// Package reconcile closes the crash window between marking an order Failed
// and publishing its compensating order.cancelled: a periodic sweep finds
// Failed orders with no recorded cancellation event and re-publishes. The
// stock consumer is idempotent, so a duplicate publish is harmless.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ogozo/service-order/internal/broker"
	"github.com/ogozo/service-order/internal/logging"
	"github.com/ogozo/service-order/internal/metrics"
	"github.com/ogozo/service-order/internal/order"
)

type CancelPublisher interface {
	PublishOrderCancelled(ctx context.Context, event broker.OrderCancelledEvent) (string, error)
}

const sweepBatchSize = 100

type Reconciler struct {
	store    order.Store
	events   CancelPublisher
	metrics  *metrics.Registry
	interval time.Duration
}

func New(store order.Store, events CancelPublisher, m *metrics.Registry, interval time.Duration) *Reconciler {
	return &Reconciler{store: store, events: events, metrics: m, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep re-publishes order.cancelled for every Failed order missing one.
func (r *Reconciler) Sweep(ctx context.Context) {
	orders, err := r.store.FailedWithoutCancellation(ctx, sweepBatchSize)
	if err != nil {
		logging.Error(ctx, "reconciliation scan failed", err)
		return
	}

	for _, o := range orders {
		event := broker.OrderCancelledEvent{OrderID: o.ID, Items: toEventItems(o.Items)}
		eventID, err := r.events.PublishOrderCancelled(ctx, event)
		if err != nil {
			logging.Error(ctx, "failed to re-publish order.cancelled", err, zap.String("order_id", o.ID))
			continue
		}
		if err := r.store.SetCancelEventID(ctx, o.ID, eventID); err != nil {
			logging.Error(ctx, "failed to record replayed cancellation", err, zap.String("order_id", o.ID))
			continue
		}
		r.metrics.CancelsReplayed.Inc()
		logging.Info(ctx, "re-published cancellation for failed order",
			zap.String("order_id", o.ID), zap.String("event_id", eventID))
	}
}

func toEventItems(items []order.LineItem) []broker.EventItem {
	out := make([]broker.EventItem, len(items))
	for i, li := range items {
		out[i] = broker.EventItem{ProductID: li.ProductID, Quantity: li.Quantity, UnitPrice: li.UnitPrice}
	}
	return out
}
