// Package payment simulates the synchronous payment gateway collaborator.
// Charges above the configured limit are declined; everything else is
// approved after a short gateway latency. A real gateway client satisfies the
// same Charge contract.
package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/ogozo/service-order/internal/logging"
)

type Client struct {
	timeout     time.Duration
	declineOver float64
}

// NewClient builds a simulated gateway. declineOver <= 0 approves every
// amount.
func NewClient(timeout time.Duration, declineOver float64) *Client {
	return &Client{timeout: timeout, declineOver: declineOver}
}

// Charge returns (approved, nil) for a processed charge, or an error when the
// gateway could not be reached in time. A decline is a result, not an error.
func (c *Client) Charge(ctx context.Context, orderID string, amount float64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("charge amount must be positive, got %.2f", amount)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	latency := time.Duration(10+rand.IntN(40)) * time.Millisecond
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return false, fmt.Errorf("payment gateway timed out for order %s: %w", orderID, ctx.Err())
	}

	if c.declineOver > 0 && amount > c.declineOver {
		logging.Info(ctx, "payment declined",
			zap.String("order_id", orderID), zap.Float64("amount", amount))
		return false, nil
	}

	logging.Info(ctx, "payment approved",
		zap.String("order_id", orderID), zap.Float64("amount", amount))
	return true, nil
}
