package order

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Reason codes surfaced to the caller when an order does not confirm.
const (
	ReasonPaymentDeclined    = "payment_declined"
	ReasonInsufficientStock  = "insufficient_stock"
	ReasonInvalidInput       = "invalid_input"
	ReasonServiceUnavailable = "service_unavailable"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrInvalidState is returned on a transition attempt against an order
	// that has already reached a terminal status.
	ErrInvalidState = errors.New("order status does not allow this transition")
)

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "invalid order request: " + e.Msg }

// LineItem carries the unit price captured at order creation. Later catalog
// price changes never affect a placed order.
type LineItem struct {
	ProductID string
	Quantity  int32
	UnitPrice float64
}

func (li LineItem) Subtotal() float64 { return li.UnitPrice * float64(li.Quantity) }

type Order struct {
	ID            string
	UserID        string
	Items         []LineItem
	Total         float64
	Status        Status
	Reason        string
	CancelEventID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ComputeTotal derives the total from the captured line items. The total is
// never taken from input.
func (o *Order) ComputeTotal() {
	var total float64
	for _, li := range o.Items {
		total += li.Subtotal()
	}
	o.Total = total
}

// ItemRequest is the client's view of a line item: the price is resolved by
// the service, never supplied.
type ItemRequest struct {
	ProductID string
	Quantity  int32
}

func validateRequest(userID string, items []ItemRequest) error {
	if userID == "" {
		return &ValidationError{Msg: "user id is required"}
	}
	if len(items) == 0 {
		return &ValidationError{Msg: "at least one item is required"}
	}
	for _, it := range items {
		if it.ProductID == "" {
			return &ValidationError{Msg: "item product id is required"}
		}
		if it.Quantity <= 0 {
			return &ValidationError{Msg: fmt.Sprintf("quantity for product %s must be positive", it.ProductID)}
		}
	}
	return nil
}

// Result is the business outcome of a saga run. A failed payment or
// reservation is a Result, not an error.
type Result struct {
	OrderID string
	Status  Status
	Reason  string
}
