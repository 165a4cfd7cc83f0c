package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the order aggregate and enforces the status state machine.
type Store interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, reason string) error
	SetCancelEventID(ctx context.Context, id, eventID string) error
	FailedWithoutCancellation(ctx context.Context, limit int) ([]*Order, error)
}

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, o *Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO orders (id, user_id, status, total, reason, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, '', now(), now())`
	if _, err := tx.Exec(ctx, query, o.ID, o.UserID, o.Status, o.Total); err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}

	for _, li := range o.Items {
		itemQuery := `INSERT INTO order_items (order_id, product_id, quantity, unit_price)
		              VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, itemQuery, o.ID, li.ProductID, li.Quantity, li.UnitPrice); err != nil {
			return fmt.Errorf("failed to insert item %s for order %s: %w", li.ProductID, o.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Order, error) {
	var o Order
	var cancelEventID *string
	query := `SELECT id, user_id, status, total, reason, cancel_event_id, created_at, updated_at
	          FROM orders WHERE id = $1`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.UserID, &o.Status, &o.Total, &o.Reason, &cancelEventID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if cancelEventID != nil {
		o.CancelEventID = *cancelEventID
	}

	items, err := r.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

// UpdateStatus moves the order from one status to another in a single
// conditional UPDATE, so a concurrent or repeated transition loses cleanly.
func (r *Repository) UpdateStatus(ctx context.Context, id string, from, to Status, reason string) error {
	query := `UPDATE orders SET status = $3, reason = $4, updated_at = now()
	          WHERE id = $1 AND status = $2`
	tag, err := r.db.Exec(ctx, query, id, from, to, reason)
	if err != nil {
		return fmt.Errorf("failed to update status of order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var current Status
		err := r.db.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: order %s is %s, expected %s", ErrInvalidState, id, current, from)
	}
	return nil
}

func (r *Repository) SetCancelEventID(ctx context.Context, id, eventID string) error {
	query := `UPDATE orders SET cancel_event_id = $2, updated_at = now() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, eventID)
	if err != nil {
		return fmt.Errorf("failed to record cancellation event for order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// FailedWithoutCancellation lists Failed orders whose compensating event was
// never recorded, for the reconciliation sweep.
func (r *Repository) FailedWithoutCancellation(ctx context.Context, limit int) ([]*Order, error) {
	query := `SELECT id, user_id, status, total, reason, created_at, updated_at
	          FROM orders WHERE status = $1 AND cancel_event_id IS NULL
	          ORDER BY updated_at LIMIT $2`
	rows, err := r.db.Query(ctx, query, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.Total, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range orders {
		items, err := r.loadItems(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		o.Items = items
	}
	return orders, nil
}

func (r *Repository) loadItems(ctx context.Context, orderID string) ([]LineItem, error) {
	query := `SELECT product_id, quantity, unit_price FROM order_items WHERE order_id = $1`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ProductID, &li.Quantity, &li.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}
