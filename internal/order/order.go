// Package order holds the order aggregate and the coordinator that applies
// payment outcomes to order state.
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cryptocheckout/internal/common/money"
)

// Status represents the fulfillment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Item is an immutable snapshot of a product line at order time, independent
// of later catalog changes.
type Item struct {
	ProductID   string      `json:"product_id"`
	ProductName string      `json:"product_name"`
	ProductSKU  string      `json:"product_sku"`
	UnitPrice   money.Money `json:"unit_price"`
	Quantity    int         `json:"quantity"`
	Subtotal    money.Money `json:"subtotal"`
}

// Order is the aggregate root for a purchase. Stock is reserved when the
// order is created; the payment workflow never touches inventory.
type Order struct {
	ID          string      `json:"id"`
	Number      string      `json:"order_number"`
	Status      Status      `json:"status"`
	Subtotal    money.Money `json:"subtotal"`
	Shipping    money.Money `json:"shipping_cost"`
	Tax         money.Money `json:"tax_amount"`
	Discount    money.Money `json:"discount_amount"`
	Total       money.Money `json:"total"`
	Items       []Item      `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	PaidAt      *time.Time  `json:"paid_at,omitempty"`
}

var errTotalsMismatch = errors.New("order total does not match item components")

// New creates an order with its line-item snapshots. The totals invariant
// total = subtotal + shipping + tax - discount is fixed here and never
// recomputed.
func New(id string, items []Item, shipping, tax, discount money.Money) (*Order, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if len(items) == 0 {
		return nil, errors.New("at least one item is required")
	}

	subtotals := make([]money.Money, 0, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("item %d: quantity must be positive", i)
		}
		expected := item.UnitPrice.Multiply(int64(item.Quantity))
		if !item.Subtotal.Equal(expected) {
			return nil, fmt.Errorf("item %d: %w", i, errTotalsMismatch)
		}
		subtotals = append(subtotals, item.Subtotal)
	}

	subtotal, err := money.Sum(subtotals...)
	if err != nil {
		return nil, err
	}

	total := subtotal.MustAdd(shipping).MustAdd(tax)
	total, err = total.Sub(discount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Order{
		ID:        id,
		Number:    orderNumber(id),
		Status:    StatusPending,
		Subtotal:  subtotal,
		Shipping:  shipping,
		Tax:       tax,
		Discount:  discount,
		Total:     total,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func orderNumber(id string) string {
	frag := id
	if len(frag) > 8 {
		frag = frag[len(frag)-8:]
	}
	return "ORD-" + strings.ToUpper(frag)
}

// IsPaidOrBeyond reports whether payment has already been applied.
func (o *Order) IsPaidOrBeyond() bool {
	switch o.Status {
	case StatusPaid, StatusShipped, StatusDelivered, StatusRefunded:
		return true
	}
	return false
}

// IsPayable reports whether the order can still accept a payment outcome.
func (o *Order) IsPayable() bool {
	return o.Status == StatusPending || o.Status == StatusProcessing
}
