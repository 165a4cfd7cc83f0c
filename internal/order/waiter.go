package order

import (
	"sync"

	"github.com/ogozo/service-order/internal/broker"
)

// stockWaiter matches asynchronous stock.update.result events to the saga
// waiting on them, keyed by order id.
type stockWaiter struct {
	mu      sync.Mutex
	waiting map[string]chan broker.StockUpdateResultEvent
}

func newStockWaiter() *stockWaiter {
	return &stockWaiter{waiting: make(map[string]chan broker.StockUpdateResultEvent)}
}

// register must be called before the OrderCreated publish so a fast consumer
// result cannot be missed.
func (w *stockWaiter) register(orderID string) <-chan broker.StockUpdateResultEvent {
	ch := make(chan broker.StockUpdateResultEvent, 1)
	w.mu.Lock()
	w.waiting[orderID] = ch
	w.mu.Unlock()
	return ch
}

// resolve delivers the result to the registered saga. It reports false when
// no saga is waiting (the saga already timed out, or this is a redelivery).
func (w *stockWaiter) resolve(orderID string, ev broker.StockUpdateResultEvent) bool {
	w.mu.Lock()
	ch, ok := w.waiting[orderID]
	if ok {
		delete(w.waiting, orderID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ev
	return true
}

func (w *stockWaiter) cancel(orderID string) {
	w.mu.Lock()
	delete(w.waiting, orderID)
	w.mu.Unlock()
}
