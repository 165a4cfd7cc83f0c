package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ogozo/service-order/internal/broker"
	"github.com/ogozo/service-order/internal/catalog"
	"github.com/ogozo/service-order/internal/metrics"
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]*Order)}
}

func (s *memStore) Create(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	s.orders[o.ID] = &cp
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id string, from, to Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if o.Status != from {
		return fmt.Errorf("%w: order %s is %s, expected %s", ErrInvalidState, id, o.Status, from)
	}
	o.Status = to
	o.Reason = reason
	return nil
}

func (s *memStore) SetCancelEventID(ctx context.Context, id, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	o.CancelEventID = eventID
	return nil
}

func (s *memStore) FailedWithoutCancellation(ctx context.Context, limit int) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == StatusFailed && o.CancelEventID == "" {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

type capturePublisher struct {
	mu        sync.Mutex
	created   []broker.OrderCreatedEvent
	confirmed []broker.OrderConfirmedEvent
	cancelled []broker.OrderCancelledEvent

	failCreated error
	onCreated   func(ev broker.OrderCreatedEvent)
	seq         int
}

func (p *capturePublisher) nextID() string {
	p.seq++
	return fmt.Sprintf("evt-%d", p.seq)
}

func (p *capturePublisher) PublishOrderCreated(ctx context.Context, ev broker.OrderCreatedEvent) (string, error) {
	p.mu.Lock()
	if p.failCreated != nil {
		err := p.failCreated
		p.mu.Unlock()
		return "", err
	}
	p.created = append(p.created, ev)
	id := p.nextID()
	hook := p.onCreated
	p.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return id, nil
}

func (p *capturePublisher) PublishOrderConfirmed(ctx context.Context, ev broker.OrderConfirmedEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, ev)
	return p.nextID(), nil
}

func (p *capturePublisher) PublishOrderCancelled(ctx context.Context, ev broker.OrderCancelledEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, ev)
	return p.nextID(), nil
}

type fakePricer struct {
	prices map[string]float64
	err    error
}

func (f *fakePricer) GetPrice(ctx context.Context, productID string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	price, ok := f.prices[productID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", catalog.ErrUnknownProduct, productID)
	}
	return price, nil
}

type fakeCharger struct {
	approved bool
	err      error
	charged  []float64
	mu       sync.Mutex
}

func (f *fakeCharger) Charge(ctx context.Context, orderID string, amount float64) (bool, error) {
	f.mu.Lock()
	f.charged = append(f.charged, amount)
	f.mu.Unlock()
	return f.approved, f.err
}

type fixture struct {
	store   *memStore
	pub     *capturePublisher
	pricer  *fakePricer
	charger *fakeCharger
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(),
		pub:     &capturePublisher{},
		pricer:  &fakePricer{prices: map[string]float64{"p-1": 10.0, "p-2": 4.5}},
		charger: &fakeCharger{approved: true},
	}
	f.svc = NewService(f.store, f.pub, f.pricer, f.charger, metrics.NewRegistry(), 200*time.Millisecond)
	// Simulate the stock consumer approving every reservation.
	f.pub.onCreated = func(ev broker.OrderCreatedEvent) {
		f.svc.HandleStockResult(context.Background(), broker.StockUpdateResultEvent{
			OrderID: ev.OrderID,
			Success: true,
		})
	}
	return f
}

func TestCreateOrder_Confirmed(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{{ProductID: "p-1", Quantity: 2}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if result.Status != StatusConfirmed {
		t.Fatalf("expected Confirmed, got %s (%s)", result.Status, result.Reason)
	}

	o, err := f.store.GetByID(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if o.Status != StatusConfirmed {
		t.Errorf("stored status: expected Confirmed, got %s", o.Status)
	}
	if o.Total != 20.0 {
		t.Errorf("expected total 20.0, got %.2f", o.Total)
	}
	if len(f.pub.confirmed) != 1 {
		t.Errorf("expected exactly one order.confirmed event, got %d", len(f.pub.confirmed))
	}
	if len(f.pub.cancelled) != 0 {
		t.Errorf("confirmed saga must not publish order.cancelled, got %d", len(f.pub.cancelled))
	}
	if got := f.charger.charged; len(got) != 1 || got[0] != 20.0 {
		t.Errorf("expected one charge of 20.0, got %v", got)
	}
}

func TestCreateOrder_TotalDerivedFromItems(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{
		{ProductID: "p-1", Quantity: 3},
		{ProductID: "p-2", Quantity: 2},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	o, _ := f.store.GetByID(context.Background(), result.OrderID)
	var want float64
	for _, li := range o.Items {
		want += li.Subtotal()
	}
	if o.Total != want {
		t.Errorf("total %.2f does not equal sum of item subtotals %.2f", o.Total, want)
	}
	if want != 3*10.0+2*4.5 {
		t.Errorf("captured prices wrong, subtotal sum %.2f", want)
	}
}

func TestCreateOrder_PaymentDeclined(t *testing.T) {
	f := newFixture(t)
	f.charger.approved = false

	result, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{{ProductID: "p-1", Quantity: 2}})
	if err != nil {
		t.Fatalf("a declined payment is a result, not an error: %v", err)
	}
	if result.Status != StatusFailed || result.Reason != ReasonPaymentDeclined {
		t.Fatalf("expected Failed/payment_declined, got %s/%s", result.Status, result.Reason)
	}

	if len(f.pub.cancelled) != 1 {
		t.Fatalf("expected exactly one order.cancelled, got %d", len(f.pub.cancelled))
	}
	// Compensation carries exactly the items from the original order.created.
	created := f.pub.created[0]
	cancelled := f.pub.cancelled[0]
	if cancelled.OrderID != created.OrderID {
		t.Errorf("cancelled order id %s != created %s", cancelled.OrderID, created.OrderID)
	}
	if len(cancelled.Items) != len(created.Items) {
		t.Fatalf("cancelled items %d != created items %d", len(cancelled.Items), len(created.Items))
	}
	for i := range created.Items {
		if cancelled.Items[i] != created.Items[i] {
			t.Errorf("item %d mismatch: %+v vs %+v", i, cancelled.Items[i], created.Items[i])
		}
	}

	o, _ := f.store.GetByID(context.Background(), result.OrderID)
	if o.Status != StatusFailed || o.Reason != ReasonPaymentDeclined {
		t.Errorf("stored order: expected Failed/payment_declined, got %s/%s", o.Status, o.Reason)
	}
	if o.CancelEventID == "" {
		t.Error("expected cancellation event id to be recorded")
	}
	if len(f.pub.confirmed) != 0 {
		t.Errorf("failed saga must not publish order.confirmed, got %d", len(f.pub.confirmed))
	}
}

func TestCreateOrder_PaymentError(t *testing.T) {
	f := newFixture(t)
	f.charger.err = errors.New("gateway unreachable")

	result, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{{ProductID: "p-1", Quantity: 1}})
	if err != nil {
		t.Fatalf("payment transport failure must compensate, not fault: %v", err)
	}
	if result.Status != StatusFailed || result.Reason != ReasonServiceUnavailable {
		t.Fatalf("expected Failed/service_unavailable, got %s/%s", result.Status, result.Reason)
	}
	if len(f.pub.cancelled) != 1 {
		t.Errorf("expected one order.cancelled, got %d", len(f.pub.cancelled))
	}
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.pub.onCreated = func(ev broker.OrderCreatedEvent) {
		f.svc.HandleStockResult(context.Background(), broker.StockUpdateResultEvent{
			OrderID: ev.OrderID,
			Success: false,
			Reason:  "insufficient stock for product p-1",
		})
	}

	result, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{{ProductID: "p-1", Quantity: 10}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if result.Status != StatusFailed || result.Reason != ReasonInsufficientStock {
		t.Fatalf("expected Failed/insufficient_stock, got %s/%s", result.Status, result.Reason)
	}
	if len(f.charger.charged) != 0 {
		t.Error("payment must not be attempted after a rejected reservation")
	}
	if len(f.pub.cancelled) != 1 {
		t.Errorf("expected one order.cancelled, got %d", len(f.pub.cancelled))
	}
}

func TestCreateOrder_StockResultTimeout(t *testing.T) {
	f := newFixture(t)
	f.pub.onCreated = nil // consumer never answers

	result, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{{ProductID: "p-1", Quantity: 1}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if result.Status != StatusFailed || result.Reason != ReasonServiceUnavailable {
		t.Fatalf("expected Failed/service_unavailable, got %s/%s", result.Status, result.Reason)
	}
	if len(f.pub.cancelled) != 1 {
		t.Errorf("timed-out reservation must still be compensated, got %d cancel events", len(f.pub.cancelled))
	}
}

func TestCreateOrder_PriceLookupFailureAbortsBeforePersist(t *testing.T) {
	f := newFixture(t)
	f.pricer.err = fmt.Errorf("%w for p-1: circuit open", catalog.ErrPriceUnavailable)

	_, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{{ProductID: "p-1", Quantity: 1}})
	if !errors.Is(err, catalog.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if len(f.store.orders) != 0 {
		t.Error("no order may be persisted when pricing fails")
	}
	if len(f.pub.created) != 0 {
		t.Error("no event may be published when pricing fails")
	}
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{{ProductID: "ghost", Quantity: 1}})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for unknown product, got %v", err)
	}
	if len(f.store.orders) != 0 {
		t.Error("no order may be persisted for an unknown product")
	}
}

func TestCreateOrder_InvalidInput(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		userID string
		items  []ItemRequest
	}{
		{"missing user", "", []ItemRequest{{ProductID: "p-1", Quantity: 1}}},
		{"no items", "u-1", nil},
		{"zero quantity", "u-1", []ItemRequest{{ProductID: "p-1", Quantity: 0}}},
		{"negative quantity", "u-1", []ItemRequest{{ProductID: "p-1", Quantity: -2}}},
		{"missing product id", "u-1", []ItemRequest{{ProductID: "", Quantity: 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), tc.userID, tc.items)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if len(f.store.orders) != 0 {
		t.Error("invalid requests must not persist anything")
	}
}

func TestCreateOrder_PublishFailureMarksFailedWithoutCancel(t *testing.T) {
	f := newFixture(t)
	f.pub.failCreated = errors.New("broker down")

	_, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemRequest{{ProductID: "p-1", Quantity: 1}})
	if err == nil {
		t.Fatal("expected a fault when order.created cannot be published")
	}

	var stored *Order
	for _, o := range f.store.orders {
		stored = o
	}
	if stored == nil {
		t.Fatal("order should have been persisted before the publish attempt")
	}
	if stored.Status != StatusFailed || stored.Reason != ReasonServiceUnavailable {
		t.Errorf("expected Failed/service_unavailable, got %s/%s", stored.Status, stored.Reason)
	}
	// Nothing was reserved, so no compensating event may be published.
	if len(f.pub.cancelled) != 0 {
		t.Errorf("expected no order.cancelled, got %d", len(f.pub.cancelled))
	}
}

func TestHandleStockResult_NoWaitingSaga(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleStockResult(context.Background(), broker.StockUpdateResultEvent{OrderID: "gone", Success: true})
	if err != nil {
		t.Fatalf("unmatched results must be dropped, not retried: %v", err)
	}
}

func TestMemStore_TerminalStatusIsFinal(t *testing.T) {
	// Guards the fake used above so the saga tests actually exercise the
	// state machine contract the SQL store enforces.
	s := newMemStore()
	o := &Order{ID: "o-1", Status: StatusPending}
	s.Create(context.Background(), o)

	if err := s.UpdateStatus(context.Background(), "o-1", StatusPending, StatusConfirmed, ""); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	err := s.UpdateStatus(context.Background(), "o-1", StatusPending, StatusFailed, "x")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second transition, got %v", err)
	}
}
