package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/common/events"
	"cryptocheckout/internal/storefront"
)

// Coordinator applies payment outcomes to order state. It is the only
// component that moves orders into paid; fulfillment transitions live
// elsewhere.
type Coordinator struct {
	store       Store
	publisher   events.Publisher
	revalidator storefront.Revalidator
	logger      *slog.Logger
}

// NewCoordinator creates an order coordinator.
func NewCoordinator(store Store, publisher events.Publisher, revalidator storefront.Revalidator, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		publisher:   publisher,
		revalidator: revalidator,
		logger:      logger,
	}
}

// MarkPaid records that the given payment settled the order. Calling it
// again for an already-paid order is a no-op, so confirmation paths that
// race (watcher vs webhook) converge on one outcome.
func (c *Coordinator) MarkPaid(ctx context.Context, orderID, paymentID string) error {
	o, err := c.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("get order %s: %w", orderID, err)
	}

	if o.IsPaidOrBeyond() {
		c.logger.Debug("order already paid, skipping",
			"order_id", orderID,
			"payment_id", paymentID,
		)
		return nil
	}
	if !o.IsPayable() {
		return fmt.Errorf("order %s is %s: %w", orderID, o.Status, database.ErrConflict)
	}

	paidAt := time.Now().UTC()
	updated, err := c.store.MarkPaid(ctx, orderID, paidAt)
	if err != nil {
		return fmt.Errorf("mark order %s paid: %w", orderID, err)
	}
	if !updated {
		// Lost the race to another confirmation path. The order is paid
		// either way.
		c.logger.Debug("order paid concurrently", "order_id", orderID)
		return nil
	}

	c.logger.Info("order paid",
		"order_id", orderID,
		"order_number", o.Number,
		"payment_id", paymentID,
		"total", o.Total.String(),
	)

	c.publishPaid(ctx, o, paymentID, paidAt)
	c.revalidate(ctx, o)

	return nil
}

// publishPaid emits the order.paid event. Failures are logged, never
// propagated: the order state change already committed.
func (c *Coordinator) publishPaid(ctx context.Context, o *Order, paymentID string, paidAt time.Time) {
	event, err := events.NewEvent(events.EventOrderPaid, "order", o.ID, events.OrderPaidData{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		PaymentID:   paymentID,
		AmountMinor: o.Total.AmountMinor,
		Currency:    string(o.Total.Currency),
		PaidAt:      paidAt,
	})
	if err != nil {
		c.logger.Error("build order.paid event", "order_id", o.ID, "error", err)
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Error("publish order.paid event", "order_id", o.ID, "error", err)
	}
}

// revalidate refreshes the storefront pages that show stock and order state.
func (c *Coordinator) revalidate(ctx context.Context, o *Order) {
	paths := []string{"/", "/orders/" + o.ID}
	tags := []string{"products"}
	if err := c.revalidator.Revalidate(ctx, paths, tags); err != nil {
		c.logger.Warn("storefront revalidation failed", "order_id", o.ID, "error", err)
	}
}
