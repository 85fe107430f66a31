package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/common/events"
	"cryptocheckout/internal/common/money"
	"cryptocheckout/internal/ledgerclient"
	"cryptocheckout/internal/order"
	"cryptocheckout/internal/pricing"
	"cryptocheckout/internal/wallet"
)

// Config holds payment workflow configuration.
type Config struct {
	ExpiryWindow time.Duration `envconfig:"PAYMENT_EXPIRY_WINDOW" default:"30m"`
	QRCodeSize   int           `envconfig:"PAYMENT_QR_SIZE" default:"256"`
}

// OrderCoordinator is the slice of the order package the workflow needs.
type OrderCoordinator interface {
	MarkPaid(ctx context.Context, orderID, paymentID string) error
}

// Descriptor is what clients see of a payment: what to pay and where, plus
// confirmation progress once a transaction is bound.
type Descriptor struct {
	PaymentID      string      `json:"payment_id"`
	OrderID        string      `json:"order_id"`
	OrderNumber    string      `json:"order_number,omitempty"`
	Status         Status      `json:"status"`
	FiatAmount     money.Money `json:"fiat_amount"`
	CryptoCurrency string      `json:"crypto_currency"`
	CryptoAmount   string      `json:"crypto_amount"`
	ExchangeRate   string      `json:"exchange_rate"`
	Address        string      `json:"address"`
	PaymentURI     string      `json:"payment_uri"`
	QRCodePNG      []byte      `json:"qr_code_png"`
	ExpiresAt      time.Time   `json:"expires_at"`

	TxHash                string     `json:"tx_hash,omitempty"`
	Confirmations         int        `json:"confirmations"`
	RequiredConfirmations int        `json:"required_confirmations"`
	ConfirmedAt           *time.Time `json:"confirmed_at,omitempty"`
}

// Orchestrator drives payments through their lifecycle. Observation paths
// (watcher polls and provider webhooks) funnel into the same methods, so
// every transition is applied exactly once regardless of source.
type Orchestrator struct {
	store       Store
	coordinator OrderCoordinator
	allocator   *wallet.Allocator
	ledgers     *ledgerclient.Registry
	oracle      pricing.Oracle
	publisher   events.Publisher
	config      Config
	logger      *slog.Logger
}

// NewOrchestrator creates a payment orchestrator.
func NewOrchestrator(
	store Store,
	coordinator OrderCoordinator,
	allocator *wallet.Allocator,
	ledgers *ledgerclient.Registry,
	oracle pricing.Oracle,
	publisher events.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:       store,
		coordinator: coordinator,
		allocator:   allocator,
		ledgers:     ledgers,
		oracle:      oracle,
		publisher:   publisher,
		config:      cfg,
		logger:      logger,
	}
}

// Initiate opens a payment window for an order: quotes the crypto amount at
// spot, allocates a receiving address and returns the checkout descriptor.
func (s *Orchestrator) Initiate(ctx context.Context, o *order.Order, method Method) (*Descriptor, error) {
	if !o.IsPayable() {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, database.ErrConflict)
	}

	currency, err := CurrencyForMethod(method)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetActiveByOrder(ctx, o.ID); err == nil {
		return nil, ErrDuplicateActivePayment
	} else if !database.IsNotFound(err) {
		return nil, fmt.Errorf("check active payment: %w", err)
	}

	client, err := s.ledgers.ForCurrency(currency)
	if err != nil {
		return nil, err
	}
	params := client.Params()

	rate, err := s.oracle.SpotPrice(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", currency, err)
	}

	cryptoAmount := o.Total.Decimal().Div(rate).Round(params.Precision)

	paymentID := ulid.Make().String()
	rec, err := s.allocator.Allocate(ctx, currency, paymentID)
	if err != nil {
		return nil, fmt.Errorf("allocate address: %w", err)
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:             paymentID,
		OrderID:        o.ID,
		Method:         method,
		Status:         StatusPending,
		FiatAmount:     o.Total,
		CryptoCurrency: currency,
		CryptoAmount:   cryptoAmount,
		ExchangeRate:   rate,
		WalletID:       rec.ID,
		Address:        rec.Address,
		ExpiresAt:      now.Add(s.config.ExpiryWindow),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, p); err != nil {
		if relErr := s.allocator.Release(ctx, rec.ID); relErr != nil {
			s.logger.Warn("release wallet after failed create", "wallet_id", rec.ID, "error", relErr)
		}
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil, ErrDuplicateActivePayment
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}

	s.logger.Info("payment initiated",
		"payment_id", p.ID,
		"order_id", o.ID,
		"currency", currency,
		"crypto_amount", cryptoAmount.String(),
		"rate", rate.String(),
		"expires_at", p.ExpiresAt,
	)

	s.publish(ctx, events.EventPaymentInitiated, p.ID, events.PaymentInitiatedData{
		PaymentID:      p.ID,
		OrderID:        p.OrderID,
		Method:         string(p.Method),
		CryptoCurrency: string(p.CryptoCurrency),
		CryptoAmount:   p.CryptoAmount.String(),
		Address:        p.Address,
		ExpiresAt:      p.ExpiresAt.Format(time.RFC3339),
	})

	return s.descriptor(p, o.Number)
}

// Get returns a payment by ID.
func (s *Orchestrator) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// Describe returns the client-facing descriptor for an existing payment.
func (s *Orchestrator) Describe(ctx context.Context, id string) (*Descriptor, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.descriptor(p, "")
}

func (s *Orchestrator) descriptor(p *Payment, orderNumber string) (*Descriptor, error) {
	uri := p.PaymentURI()
	png, err := qrcode.Encode(uri, qrcode.Medium, s.config.QRCodeSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}

	required := 0
	if client, err := s.ledgers.ForCurrency(p.CryptoCurrency); err == nil {
		required = client.Params().RequiredConfirmations
	}

	return &Descriptor{
		PaymentID:      p.ID,
		OrderID:        p.OrderID,
		OrderNumber:    orderNumber,
		Status:         p.Status,
		FiatAmount:     p.FiatAmount,
		CryptoCurrency: string(p.CryptoCurrency),
		CryptoAmount:   p.CryptoAmount.String(),
		ExchangeRate:   p.ExchangeRate.String(),
		Address:        p.Address,
		PaymentURI:     uri,
		QRCodePNG:      png,
		ExpiresAt:      p.ExpiresAt,

		TxHash:                p.TxHash,
		Confirmations:         p.Confirmations,
		RequiredConfirmations: required,
		ConfirmedAt:           p.ConfirmedAt,
	}, nil
}

// ObserveTransaction binds an on-chain transaction to a payment. It is
// idempotent for the bound hash and rejects hashes that pay a different
// address or fall short of the tolerated amount. Both the watcher and
// provider webhooks land here.
func (s *Orchestrator) ObserveTransaction(ctx context.Context, paymentID, txHash, source string) (*Payment, error) {
	var result *Payment

	err := database.RetryConflict(ctx, 3, func() error {
		p, err := s.store.Get(ctx, paymentID)
		if err != nil {
			return err
		}

		switch p.Status {
		case StatusConfirmed, StatusProcessing:
			if p.TxHash != txHash {
				return fmt.Errorf("%w: have %s, got %s", ErrStaleTransaction, p.TxHash, txHash)
			}
			result = p
			return nil
		case StatusExpired:
			return ErrPaymentExpired
		case StatusFailed:
			return fmt.Errorf("%w: %s is failed", ErrInvalidStateTransition, paymentID)
		}

		client, err := s.ledgers.ForCurrency(p.CryptoCurrency)
		if err != nil {
			return err
		}

		tx, err := client.GetTransaction(ctx, txHash)
		if err != nil {
			return fmt.Errorf("lookup tx %s: %w", txHash, err)
		}

		received := receivedByAddress(tx, p.Address)
		if received.IsZero() {
			return fmt.Errorf("%w: tx %s", ErrForeignTransaction, txHash)
		}
		if !p.AmountSufficient(received) {
			return fmt.Errorf("%w: received %s, expected at least %s",
				ErrAmountInsufficient, received.String(), p.MinimumAccepted().String())
		}

		if err := p.MarkProcessing(txHash, received, tx.Confirmations, time.Now()); err != nil {
			return err
		}
		if err := s.store.Update(ctx, p, StatusPending); err != nil {
			return err
		}

		s.logger.Info("payment transaction observed",
			"payment_id", p.ID,
			"tx_hash", txHash,
			"received", received.String(),
			"confirmations", tx.Confirmations,
			"source", source,
		)

		s.publish(ctx, events.EventPaymentDetected, p.ID, events.PaymentDetectedData{
			PaymentID: p.ID,
			OrderID:   p.OrderID,
			TxHash:    txHash,
			Source:    source,
		})

		if err := s.allocator.MarkUsed(ctx, p.WalletID); err != nil {
			s.logger.Warn("mark wallet used", "wallet_id", p.WalletID, "error", err)
		}

		if tx.Confirmations >= client.Params().RequiredConfirmations {
			if err := s.settle(ctx, p); err != nil {
				return err
			}
		}

		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefreshConfirmations re-reads the bound transaction's confirmation depth
// and settles the payment once the threshold is reached. Returns the
// payment and whether it is now terminal.
func (s *Orchestrator) RefreshConfirmations(ctx context.Context, paymentID string) (*Payment, bool, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if p.Status != StatusProcessing {
		return p, p.Status.IsTerminal(), nil
	}

	client, err := s.ledgers.ForCurrency(p.CryptoCurrency)
	if err != nil {
		return nil, false, err
	}

	tx, err := client.GetTransaction(ctx, p.TxHash)
	if err != nil {
		return nil, false, fmt.Errorf("lookup tx %s: %w", p.TxHash, err)
	}

	before := p.Confirmations
	if err := p.UpdateConfirmations(tx.Confirmations, time.Now()); err != nil {
		return nil, false, err
	}

	if p.Confirmations >= client.Params().RequiredConfirmations {
		if err := s.settle(ctx, p); err != nil {
			return nil, false, err
		}
		return p, true, nil
	}

	if p.Confirmations != before {
		if err := s.store.Update(ctx, p, StatusProcessing); err != nil {
			if database.IsConflict(err) {
				// Another path settled or failed the payment meanwhile.
				return p, true, nil
			}
			return nil, false, err
		}
		s.logger.Debug("confirmations updated",
			"payment_id", p.ID,
			"confirmations", p.Confirmations,
			"required", client.Params().RequiredConfirmations,
		)
	}

	return p, false, nil
}

// settle moves a processing payment to confirmed and applies the outcome to
// the order.
func (s *Orchestrator) settle(ctx context.Context, p *Payment) error {
	now := time.Now()
	if err := p.MarkConfirmed(now); err != nil {
		return err
	}
	if err := s.store.Update(ctx, p, StatusProcessing); err != nil {
		if database.IsConflict(err) {
			s.logger.Debug("payment settled concurrently", "payment_id", p.ID)
			return nil
		}
		return err
	}

	s.logger.Info("payment confirmed",
		"payment_id", p.ID,
		"order_id", p.OrderID,
		"tx_hash", p.TxHash,
		"confirmations", p.Confirmations,
	)

	s.publish(ctx, events.EventPaymentConfirmed, p.ID, events.PaymentConfirmedData{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		TxHash:        p.TxHash,
		Confirmations: p.Confirmations,
		ConfirmedAt:   *p.ConfirmedAt,
	})

	if err := s.coordinator.MarkPaid(ctx, p.OrderID, p.ID); err != nil {
		// The payment is confirmed either way. Resync or the next
		// confirmation event reconciles the order.
		s.logger.Error("apply payment to order",
			"payment_id", p.ID,
			"order_id", p.OrderID,
			"error", err,
		)
	}

	return nil
}

// Expire closes an unfunded payment window and returns its address to the
// pool. A payment that picked up a transaction meanwhile is left alone.
func (s *Orchestrator) Expire(ctx context.Context, paymentID string) error {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return nil
	}
	if !p.IsExpired(time.Now()) {
		return nil
	}

	if err := p.MarkExpired(time.Now()); err != nil {
		return err
	}
	if err := s.store.Update(ctx, p, StatusPending); err != nil {
		if database.IsConflict(err) {
			// A transaction was observed between the read and the write.
			s.logger.Debug("expiry lost to observation", "payment_id", p.ID)
			return nil
		}
		return err
	}

	if err := s.allocator.Release(ctx, p.WalletID); err != nil {
		s.logger.Warn("release wallet on expiry", "wallet_id", p.WalletID, "error", err)
	}

	s.logger.Info("payment expired", "payment_id", p.ID, "order_id", p.OrderID)

	s.publish(ctx, events.EventPaymentExpired, p.ID, map[string]string{
		"payment_id": p.ID,
		"order_id":   p.OrderID,
	})

	return nil
}

// Fail abandons a payment that has not settled yet.
func (s *Orchestrator) Fail(ctx context.Context, paymentID, reason string) error {
	return database.RetryConflict(ctx, 3, func() error {
		p, err := s.store.Get(ctx, paymentID)
		if err != nil {
			return err
		}

		expected := p.Status
		if err := p.MarkFailed(time.Now()); err != nil {
			return err
		}
		if p.Status == expected {
			// Already failed, nothing to write.
			return nil
		}
		if err := s.store.Update(ctx, p, expected); err != nil {
			return err
		}

		if expected == StatusPending {
			if err := s.allocator.Release(ctx, p.WalletID); err != nil {
				s.logger.Warn("release wallet on failure", "wallet_id", p.WalletID, "error", err)
			}
		}

		s.logger.Info("payment failed",
			"payment_id", p.ID,
			"order_id", p.OrderID,
			"reason", reason,
		)

		s.publish(ctx, events.EventPaymentFailed, p.ID, map[string]string{
			"payment_id": p.ID,
			"order_id":   p.OrderID,
			"reason":     reason,
		})

		return nil
	})
}

// ListExpired surfaces pending payments whose window closed, for the sweeper.
func (s *Orchestrator) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	return s.store.ListExpired(ctx, now, limit)
}

// ListMonitorable surfaces payments that need a watcher, for resync.
func (s *Orchestrator) ListMonitorable(ctx context.Context, limit int) ([]*Payment, error) {
	return s.store.ListMonitorable(ctx, limit)
}

func (s *Orchestrator) publish(ctx context.Context, eventType, paymentID string, data interface{}) {
	event, err := events.NewEvent(eventType, "payment", paymentID, data)
	if err != nil {
		s.logger.Error("build event", "type", eventType, "payment_id", paymentID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publish event", "type", eventType, "payment_id", paymentID, "error", err)
	}
}

// receivedByAddress sums a transaction's outputs credited to one address.
func receivedByAddress(tx *ledgerclient.Transaction, address string) decimal.Decimal {
	sum := decimal.Zero
	for _, out := range tx.Outputs {
		if out.Address == address {
			sum = sum.Add(out.Value)
		}
	}
	return sum
}
