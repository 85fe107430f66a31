// Package ledgerclient defines the per-currency blockchain capability used by
// the payment workflow: address creation, transaction lookup and chain height.
package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is a supported crypto currency.
type Currency string

const (
	BTC  Currency = "BTC"
	ETH  Currency = "ETH"
	USDT Currency = "USDT"
)

// Params holds the chain-specific behavior of a client. Precision and
// confirmation thresholds are currency properties, not global constants.
type Params struct {
	Currency              Currency
	Precision             int32 // decimal places of the smallest displayed unit
	RequiredConfirmations int
	PendingPollInterval   time.Duration // while waiting for an incoming tx
	ConfirmingPollInterval time.Duration // while tracking confirmation depth
	RequestTimeout        time.Duration
}

// Address is a freshly issued receiving address. KeyHandle is an opaque
// reference into the key-custody boundary, never raw key material.
type Address struct {
	Address   string
	KeyHandle string
}

// Output is a value credited to an address by a transaction. Account-style
// chains report a transfer as a single output.
type Output struct {
	Address string
	Value   decimal.Decimal
}

// Transaction is the normalized shape of an on-chain transaction.
type Transaction struct {
	Hash          string
	Confirmations int
	Outputs       []Output
}

// Client is the capability set every chain variant conforms to.
type Client interface {
	Params() Params
	NewAddress(ctx context.Context) (Address, error)
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
	ListAddressTransactions(ctx context.Context, address string) ([]Transaction, error)
	CurrentHeight(ctx context.Context) (int64, error)
}

// Sentinel errors
var (
	// ErrUnavailable marks a transient node/network fault. Callers retry
	// with backoff instead of failing the payment.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrTxNotFound means the chain does not know the transaction hash.
	ErrTxNotFound = errors.New("transaction not found")
)

// IsUnavailable reports whether an error is a transient ledger fault.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Registry resolves a crypto currency to its ledger client.
type Registry struct {
	clients map[Currency]Client
}

// NewRegistry creates a registry from the given clients.
func NewRegistry(clients ...Client) *Registry {
	m := make(map[Currency]Client, len(clients))
	for _, c := range clients {
		m[c.Params().Currency] = c
	}
	return &Registry{clients: m}
}

// Register adds or replaces the client for a currency.
func (r *Registry) Register(currency Currency, c Client) {
	r.clients[currency] = c
}

// ForCurrency returns the client serving a currency.
func (r *Registry) ForCurrency(currency Currency) (Client, error) {
	c, ok := r.clients[currency]
	if !ok {
		return nil, fmt.Errorf("no ledger client for currency %s", currency)
	}
	return c, nil
}
