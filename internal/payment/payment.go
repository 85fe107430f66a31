// Package payment implements the crypto payment lifecycle: initiation,
// on-chain observation, confirmation tracking, expiry and failure.
package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/common/money"
	"cryptocheckout/internal/ledgerclient"
)

// Status represents the lifecycle state of a payment.
type Status string

const (
	// StatusPending means an address is allocated and no transaction has
	// been seen yet.
	StatusPending Status = "pending"
	// StatusProcessing means a matching transaction was observed and is
	// accumulating confirmations.
	StatusProcessing Status = "processing"
	// StatusConfirmed means the transaction reached the confirmation
	// threshold. Terminal.
	StatusConfirmed Status = "confirmed"
	// StatusExpired means the payment window closed with no transaction
	// observed. Terminal.
	StatusExpired Status = "expired"
	// StatusFailed means the payment was abandoned by operator action or an
	// unrecoverable fault. Terminal.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusFailed
}

// Method is the payment method chosen at checkout.
type Method string

const (
	MethodCryptoBTC  Method = "crypto_btc"
	MethodCryptoETH  Method = "crypto_eth"
	MethodCryptoUSDT Method = "crypto_usdt"
)

var methodCurrencies = map[Method]ledgerclient.Currency{
	MethodCryptoBTC:  ledgerclient.BTC,
	MethodCryptoETH:  ledgerclient.ETH,
	MethodCryptoUSDT: ledgerclient.USDT,
}

// CurrencyForMethod maps a checkout method to its crypto currency.
func CurrencyForMethod(m Method) (ledgerclient.Currency, error) {
	c, ok := methodCurrencies[m]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMethod, m)
	}
	return c, nil
}

// Payment is one payment attempt against an order. An order may accumulate
// several attempts over time but at most one non-terminal one.
type Payment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Method   Method `json:"method"`
	Status   Status `json:"status"`

	FiatAmount     money.Money           `json:"fiat_amount"`
	CryptoCurrency ledgerclient.Currency `json:"crypto_currency"`
	CryptoAmount   decimal.Decimal       `json:"crypto_amount"`
	ExchangeRate   decimal.Decimal       `json:"exchange_rate"`

	WalletID string `json:"-"`
	Address  string `json:"address"`

	TxHash         string          `json:"tx_hash,omitempty"`
	ReceivedAmount decimal.Decimal `json:"received_amount"`
	Confirmations  int             `json:"confirmations"`

	ExpiresAt   time.Time  `json:"expires_at"`
	DetectedAt  *time.Time `json:"detected_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsExpired reports whether the payment window has closed as of now.
func (p *Payment) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// MinimumAccepted is the smallest received amount that settles the payment,
// one percent under the quoted amount to absorb fee and rounding drift.
func (p *Payment) MinimumAccepted() decimal.Decimal {
	return p.CryptoAmount.Mul(decimal.NewFromFloat(0.99))
}

// AmountSufficient reports whether a received amount settles the payment.
func (p *Payment) AmountSufficient(received decimal.Decimal) bool {
	return received.GreaterThanOrEqual(p.MinimumAccepted())
}

// MarkProcessing records the observed transaction and moves the payment to
// processing. Calling it again with the same hash is a no-op.
func (p *Payment) MarkProcessing(txHash string, received decimal.Decimal, confirmations int, now time.Time) error {
	if p.Status == StatusProcessing && p.TxHash == txHash {
		return nil
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: %s -> processing", ErrInvalidStateTransition, p.Status)
	}

	detectedAt := now.UTC()
	p.Status = StatusProcessing
	p.TxHash = txHash
	p.ReceivedAmount = received
	p.Confirmations = confirmations
	p.DetectedAt = &detectedAt
	p.UpdatedAt = detectedAt
	return nil
}

// UpdateConfirmations raises the confirmation count. Counts never go down;
// a lower reading from a lagging node is ignored.
func (p *Payment) UpdateConfirmations(confirmations int, now time.Time) error {
	if p.Status != StatusProcessing {
		return fmt.Errorf("%w: confirmations in %s", ErrInvalidStateTransition, p.Status)
	}
	if confirmations <= p.Confirmations {
		return nil
	}
	p.Confirmations = confirmations
	p.UpdatedAt = now.UTC()
	return nil
}

// MarkConfirmed finalizes the payment once the threshold is reached.
func (p *Payment) MarkConfirmed(now time.Time) error {
	if p.Status == StatusConfirmed {
		return nil
	}
	if p.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> confirmed", ErrInvalidStateTransition, p.Status)
	}

	confirmedAt := now.UTC()
	p.Status = StatusConfirmed
	p.ConfirmedAt = &confirmedAt
	p.UpdatedAt = confirmedAt
	return nil
}

// MarkExpired closes an unfunded payment window. Only pending payments
// expire; once a transaction is observed the attempt runs to completion.
func (p *Payment) MarkExpired(now time.Time) error {
	if p.Status == StatusExpired {
		return nil
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: %s -> expired", ErrInvalidStateTransition, p.Status)
	}
	p.Status = StatusExpired
	p.UpdatedAt = now.UTC()
	return nil
}

// MarkFailed abandons a payment that has not yet settled.
func (p *Payment) MarkFailed(now time.Time) error {
	if p.Status == StatusFailed {
		return nil
	}
	if p.Status != StatusPending && p.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidStateTransition, p.Status)
	}
	p.Status = StatusFailed
	p.UpdatedAt = now.UTC()
	return nil
}

// PaymentURI renders the wallet-app deep link for this payment.
func (p *Payment) PaymentURI() string {
	scheme := strings.ToLower(string(p.CryptoCurrency))
	return fmt.Sprintf("%s:%s?amount=%s", scheme, p.Address, p.CryptoAmount.String())
}
