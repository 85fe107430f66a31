package order

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/common/money"
)

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// MarkPaid sets status to paid if the order is still payable. Returns
	// false when the row had already moved on.
	MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL order store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts an order with its line-item snapshots.
func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO orders (
			id, order_number, status,
			subtotal_minor, shipping_minor, tax_minor, discount_minor, total_minor, currency,
			items, created_at, updated_at, paid_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, query,
		o.ID, o.Number, o.Status,
		o.Subtotal.AmountMinor, o.Shipping.AmountMinor, o.Tax.AmountMinor,
		o.Discount.AmountMinor, o.Total.AmountMinor, o.Total.Currency,
		items, o.CreatedAt, o.UpdatedAt, o.PaidAt,
	)
	return err
}

// Get retrieves an order by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	query := `
		SELECT id, order_number, status,
		       subtotal_minor, shipping_minor, tax_minor, discount_minor, total_minor, currency,
		       items, created_at, updated_at, paid_at
		FROM orders
		WHERE id = $1
	`

	row := s.pool.QueryRow(ctx, query, id)

	var o Order
	var currency string
	var items []byte

	err := row.Scan(
		&o.ID, &o.Number, &o.Status,
		&o.Subtotal.AmountMinor, &o.Shipping.AmountMinor, &o.Tax.AmountMinor,
		&o.Discount.AmountMinor, &o.Total.AmountMinor, &currency,
		&items, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	o.Subtotal.Currency = money.Currency(currency)
	o.Shipping.Currency = o.Subtotal.Currency
	o.Tax.Currency = o.Subtotal.Currency
	o.Discount.Currency = o.Subtotal.Currency
	o.Total.Currency = o.Subtotal.Currency

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, err
	}

	return &o, nil
}

// MarkPaid transitions a payable order to paid.
func (s *PostgresStore) MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET status = $2, paid_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`

	tag, err := s.pool.Exec(ctx, query, id, StatusPaid, paidAt.UTC(), StatusPending, StatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
