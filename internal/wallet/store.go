package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/ledgerclient"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL wallet store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a new wallet record.
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO wallets (
			id, payment_id, currency, address, key_handle, used,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, nullStr(rec.PaymentID), rec.Currency, rec.Address, rec.KeyHandle, rec.Used,
		rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// Get retrieves a wallet record by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, payment_id, currency, address, key_handle, used,
		       created_at, updated_at
		FROM wallets
		WHERE id = $1
	`

	return s.scan(s.pool.QueryRow(ctx, query, id))
}

// AcquireReusable claims a pooled address for a payment. SKIP LOCKED keeps
// concurrent initiations from claiming the same row.
func (s *PostgresStore) AcquireReusable(ctx context.Context, currency ledgerclient.Currency, paymentID string) (*Record, error) {
	query := `
		UPDATE wallets
		SET payment_id = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM wallets
			WHERE currency = $3 AND used = false AND payment_id IS NULL
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payment_id, currency, address, key_handle, used,
		          created_at, updated_at
	`

	rec, err := s.scan(s.pool.QueryRow(ctx, query, paymentID, time.Now().UTC(), currency))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Release returns a never-funded wallet to the reuse pool.
func (s *PostgresStore) Release(ctx context.Context, id string) error {
	query := `
		UPDATE wallets
		SET payment_id = NULL, used = false, updated_at = $2
		WHERE id = $1 AND used = false
	`

	tag, err := s.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrConflict
	}
	return nil
}

// MarkUsed permanently retires a wallet address.
func (s *PostgresStore) MarkUsed(ctx context.Context, id string) error {
	query := `
		UPDATE wallets
		SET used = true, updated_at = $2
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scan(row pgx.Row) (*Record, error) {
	var rec Record
	var paymentID *string

	err := row.Scan(
		&rec.ID, &paymentID, &rec.Currency, &rec.Address, &rec.KeyHandle, &rec.Used,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	if paymentID != nil {
		rec.PaymentID = *paymentID
	}

	return &rec, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
