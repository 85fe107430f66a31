// Package events defines the domain event envelope published to NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventPaymentInitiated = "payment.initiated"
	EventPaymentDetected  = "payment.detected"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentExpired   = "payment.expired"
	EventPaymentFailed    = "payment.failed"
	EventOrderPaid        = "order.paid"
)

// PaymentInitiatedData is the data for payment.initiated events
type PaymentInitiatedData struct {
	PaymentID      string `json:"payment_id"`
	OrderID        string `json:"order_id"`
	Method         string `json:"method"`
	CryptoCurrency string `json:"crypto_currency"`
	CryptoAmount   string `json:"crypto_amount"`
	Address        string `json:"address"`
	ExpiresAt      string `json:"expires_at"`
}

// PaymentDetectedData is the data for payment.detected events
type PaymentDetectedData struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	TxHash    string `json:"tx_hash"`
	Source    string `json:"source"`
}

// PaymentConfirmedData is the data for payment.confirmed events
type PaymentConfirmedData struct {
	PaymentID     string    `json:"payment_id"`
	OrderID       string    `json:"order_id"`
	TxHash        string    `json:"tx_hash"`
	Confirmations int       `json:"confirmations"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// OrderPaidData is the data for order.paid events
type OrderPaidData struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	PaymentID   string    `json:"payment_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	PaidAt      time.Time `json:"paid_at"`
}
