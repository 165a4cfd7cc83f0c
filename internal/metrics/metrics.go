package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	OrdersCreated     prometheus.Counter
	OrdersConfirmed   prometheus.Counter
	OrdersFailed      *prometheus.CounterVec
	StockReserved     prometheus.Counter
	StockReleased     prometheus.Counter
	StockRejected     prometheus.Counter
	DLQMessages       *prometheus.CounterVec
	BreakerState      prometheus.Gauge
	SagaDurationSec   prometheus.Histogram
	CancelsReplayed   prometheus.Counter
	DuplicatesSkipped prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	created := prometheus.NewCounter(prometheus.CounterOpts{Name: "order_created_total"})
	confirmed := prometheus.NewCounter(prometheus.CounterOpts{Name: "order_confirmed_total"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "order_failed_total"}, []string{"reason"})
	reserved := prometheus.NewCounter(prometheus.CounterOpts{Name: "stock_reserved_total"})
	released := prometheus.NewCounter(prometheus.CounterOpts{Name: "stock_released_total"})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "stock_rejected_total"})
	dlq := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_dlq_messages_total"}, []string{"queue"})
	breakerState := prometheus.NewGauge(prometheus.GaugeOpts{Name: "catalog_breaker_state"})
	sagaDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_saga_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	replayed := prometheus.NewCounter(prometheus.CounterOpts{Name: "order_cancellations_replayed_total"})
	dupes := prometheus.NewCounter(prometheus.CounterOpts{Name: "stock_duplicate_events_skipped_total"})

	r.MustRegister(created, confirmed, failed, reserved, released, rejected, dlq, breakerState, sagaDuration, replayed, dupes)
	return &Registry{
		reg:               r,
		OrdersCreated:     created,
		OrdersConfirmed:   confirmed,
		OrdersFailed:      failed,
		StockReserved:     reserved,
		StockReleased:     released,
		StockRejected:     rejected,
		DLQMessages:       dlq,
		BreakerState:      breakerState,
		SagaDurationSec:   sagaDuration,
		CancelsReplayed:   replayed,
		DuplicatesSkipped: dupes,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
