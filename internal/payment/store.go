package payment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cryptocheckout/internal/common/database"
)

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	// GetActiveByOrder returns the order's non-terminal payment, or
	// database.ErrNotFound when every attempt is terminal.
	GetActiveByOrder(ctx context.Context, orderID string) (*Payment, error)
	// Update writes the payment back, guarded by the status the caller
	// read. Returns database.ErrConflict when another writer moved the
	// row first.
	Update(ctx context.Context, p *Payment, expected Status) error
	// ListExpired returns pending payments whose window closed before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Payment, error)
	// ListMonitorable returns payments that need an active watcher, used
	// to rebuild watchers after a restart.
	ListMonitorable(ctx context.Context, limit int) ([]*Payment, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL payment store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const paymentColumns = `
	id, order_id, method, status,
	fiat_amount_minor, fiat_currency,
	crypto_currency, crypto_amount, exchange_rate,
	wallet_id, address,
	tx_hash, received_amount, confirmations,
	expires_at, detected_at, confirmed_at, created_at, updated_at
`

// Create inserts a payment. A unique partial index on (order_id) over
// non-terminal statuses backs the one-active-payment rule; its violation
// surfaces as database.ErrAlreadyExists.
func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.OrderID, p.Method, p.Status,
		p.FiatAmount.AmountMinor, p.FiatAmount.Currency,
		p.CryptoCurrency, p.CryptoAmount, p.ExchangeRate,
		p.WalletID, p.Address,
		nullStr(p.TxHash), p.ReceivedAmount, p.Confirmations,
		p.ExpiresAt, p.DetectedAt, p.ConfirmedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get retrieves a payment by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return s.scan(s.pool.QueryRow(ctx, query, id))
}

// GetActiveByOrder retrieves the order's non-terminal payment.
func (s *PostgresStore) GetActiveByOrder(ctx context.Context, orderID string) (*Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE order_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scan(s.pool.QueryRow(ctx, query, orderID, StatusPending, StatusProcessing))
}

// Update writes the payment guarded by the expected current status.
func (s *PostgresStore) Update(ctx context.Context, p *Payment, expected Status) error {
	query := `
		UPDATE payments
		SET status = $2,
		    tx_hash = $3, received_amount = $4, confirmations = $5,
		    detected_at = $6, confirmed_at = $7, updated_at = $8
		WHERE id = $1 AND status = $9
	`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Status,
		nullStr(p.TxHash), p.ReceivedAmount, p.Confirmations,
		p.DetectedAt, p.ConfirmedAt, p.UpdatedAt,
		expected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrConflict
	}
	return nil
}

// ListExpired returns pending payments whose window closed before now.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	return s.list(ctx, query, StatusPending, now.UTC(), limit)
}

// ListMonitorable returns pending and processing payments.
func (s *PostgresStore) ListMonitorable(ctx context.Context, limit int) ([]*Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
		LIMIT $3
	`
	return s.list(ctx, query, StatusPending, StatusProcessing, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Payment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *PostgresStore) scan(row pgx.Row) (*Payment, error) {
	var p Payment
	var txHash *string

	err := row.Scan(
		&p.ID, &p.OrderID, &p.Method, &p.Status,
		&p.FiatAmount.AmountMinor, &p.FiatAmount.Currency,
		&p.CryptoCurrency, &p.CryptoAmount, &p.ExchangeRate,
		&p.WalletID, &p.Address,
		&txHash, &p.ReceivedAmount, &p.Confirmations,
		&p.ExpiresAt, &p.DetectedAt, &p.ConfirmedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	if txHash != nil {
		p.TxHash = *txHash
	}

	return &p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
