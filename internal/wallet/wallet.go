// Package wallet issues receiving addresses for payments and tracks their
// reuse eligibility. Key material stays behind the custody boundary; records
// hold only an opaque key handle.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"cryptocheckout/internal/ledgerclient"
)

// Record is the receiving-address/key-handle pair allocated to one payment
// attempt. Once a transaction is observed on the address it is permanently
// marked used and never recycled.
type Record struct {
	ID        string                `json:"id"`
	PaymentID string                `json:"payment_id,omitempty"`
	Currency  ledgerclient.Currency `json:"currency"`
	Address   string                `json:"address"`
	KeyHandle string                `json:"-"`
	Used      bool                  `json:"used"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Store persists wallet records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// AcquireReusable claims a released, never-used address from the pool
	// for the given payment. Returns database.ErrNotFound when the pool
	// is empty.
	AcquireReusable(ctx context.Context, currency ledgerclient.Currency, paymentID string) (*Record, error)
	// Release returns a never-funded address to the reuse pool.
	Release(ctx context.Context, id string) error
	// MarkUsed permanently retires an address.
	MarkUsed(ctx context.Context, id string) error
}

// Allocator issues a fresh receiving address per payment, preferring the
// reuse pool over minting new addresses.
type Allocator struct {
	store   Store
	ledgers *ledgerclient.Registry
	logger  *slog.Logger
}

// NewAllocator creates a wallet allocator.
func NewAllocator(store Store, ledgers *ledgerclient.Registry, logger *slog.Logger) *Allocator {
	return &Allocator{
		store:   store,
		ledgers: ledgers,
		logger:  logger,
	}
}

// Allocate returns a wallet record bound to the payment: a pooled address if
// one is free, otherwise a newly minted one.
func (a *Allocator) Allocate(ctx context.Context, currency ledgerclient.Currency, paymentID string) (*Record, error) {
	rec, err := a.store.AcquireReusable(ctx, currency, paymentID)
	if err == nil {
		a.logger.Debug("reusing pooled address",
			"wallet_id", rec.ID,
			"currency", currency,
			"payment_id", paymentID,
		)
		return rec, nil
	}

	client, err := a.ledgers.ForCurrency(currency)
	if err != nil {
		return nil, err
	}

	addr, err := client.NewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint address: %w", err)
	}

	now := time.Now().UTC()
	rec = &Record{
		ID:        ulid.Make().String(),
		PaymentID: paymentID,
		Currency:  currency,
		Address:   addr.Address,
		KeyHandle: addr.KeyHandle,
		Used:      false,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := a.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store wallet record: %w", err)
	}

	a.logger.Info("allocated wallet",
		"wallet_id", rec.ID,
		"currency", currency,
		"payment_id", paymentID,
	)

	return rec, nil
}

// Release returns a never-funded wallet to the pool.
func (a *Allocator) Release(ctx context.Context, id string) error {
	if err := a.store.Release(ctx, id); err != nil {
		return fmt.Errorf("release wallet %s: %w", id, err)
	}
	a.logger.Info("wallet released to pool", "wallet_id", id)
	return nil
}

// MarkUsed permanently retires a wallet once funds were seen on its address.
func (a *Allocator) MarkUsed(ctx context.Context, id string) error {
	if err := a.store.MarkUsed(ctx, id); err != nil {
		return fmt.Errorf("mark wallet %s used: %w", id, err)
	}
	return nil
}
