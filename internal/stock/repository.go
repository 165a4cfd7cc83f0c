package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ogozo/service-order/internal/broker"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownProduct    = errors.New("unknown product")
)

// Store mutates product stock. Reserve must be atomic so concurrent
// reservations for the same product can never drive stock negative.
type Store interface {
	Reserve(ctx context.Context, productID string, quantity int32) error
	Release(ctx context.Context, items []broker.EventItem) error
}

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Reserve decrements stock in a single conditional UPDATE: the availability
// pre-check and the decrement are one statement, so two racing reservations
// cannot both pass the check.
func (r *Repository) Reserve(ctx context.Context, productID string, quantity int32) error {
	query := `UPDATE products SET stock_quantity = stock_quantity - $2
	          WHERE id = $1 AND stock_quantity >= $2`
	tag, err := r.db.Exec(ctx, query, productID, quantity)
	if err != nil {
		return fmt.Errorf("failed to reserve stock for product %s: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		var available int32
		err := r.db.QueryRow(ctx, `SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
		}
		if err != nil {
			return fmt.Errorf("failed to read stock for product %s: %w", productID, err)
		}
		return fmt.Errorf("%w for product %s: available %d, requested %d", ErrInsufficientStock, productID, available, quantity)
	}
	return nil
}

// Release returns quantities to stock for every item in one transaction.
func (r *Repository) Release(ctx context.Context, items []broker.EventItem) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, it := range items {
		query := `UPDATE products SET stock_quantity = stock_quantity + $2 WHERE id = $1`
		if _, err := tx.Exec(ctx, query, it.ProductID, it.Quantity); err != nil {
			return fmt.Errorf("failed to release stock for product %s: %w", it.ProductID, err)
		}
	}
	return tx.Commit(ctx)
}
