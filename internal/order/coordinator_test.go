package order

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/common/events"
	"cryptocheckout/internal/common/money"
	"cryptocheckout/internal/storefront"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]*Order)}
}

func (s *memStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) MarkPaid(_ context.Context, id string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, database.ErrNotFound
	}
	if !o.IsPayable() {
		return false, nil
	}
	o.Status = StatusPaid
	o.PaidAt = &paidAt
	o.UpdatedAt = paidAt
	return true, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	o, err := New("ord_1", []Item{{
		ProductID:   "prod_1",
		ProductName: "Widget",
		ProductSKU:  "W-1",
		UnitPrice:   money.New(4900, money.EUR),
		Quantity:    1,
		Subtotal:    money.New(4900, money.EUR),
	}}, money.Zero(money.EUR), money.Zero(money.EUR), money.Zero(money.EUR))
	require.NoError(t, err)
	return o
}

func TestCoordinatorMarkPaid(t *testing.T) {
	store := newMemStore()
	publisher := &capturePublisher{}
	c := NewCoordinator(store, publisher, storefront.NopRevalidator{}, testLogger())
	ctx := context.Background()

	o := newTestOrder(t)
	require.NoError(t, store.Create(ctx, o))

	require.NoError(t, c.MarkPaid(ctx, o.ID, "pay_1"))

	stored, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, 1, publisher.count(events.EventOrderPaid))
}

func TestCoordinatorMarkPaidIdempotent(t *testing.T) {
	store := newMemStore()
	publisher := &capturePublisher{}
	c := NewCoordinator(store, publisher, storefront.NopRevalidator{}, testLogger())
	ctx := context.Background()

	o := newTestOrder(t)
	require.NoError(t, store.Create(ctx, o))

	require.NoError(t, c.MarkPaid(ctx, o.ID, "pay_1"))
	require.NoError(t, c.MarkPaid(ctx, o.ID, "pay_1"))

	// Only the first call publishes.
	assert.Equal(t, 1, publisher.count(events.EventOrderPaid))
}

func TestCoordinatorMarkPaidUnpayable(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store, &capturePublisher{}, storefront.NopRevalidator{}, testLogger())
	ctx := context.Background()

	o := newTestOrder(t)
	o.Status = StatusCancelled
	require.NoError(t, store.Create(ctx, o))

	err := c.MarkPaid(ctx, o.ID, "pay_1")
	assert.True(t, database.IsConflict(err))
}

func TestCoordinatorMarkPaidUnknownOrder(t *testing.T) {
	c := NewCoordinator(newMemStore(), &capturePublisher{}, storefront.NopRevalidator{}, testLogger())

	err := c.MarkPaid(context.Background(), "missing", "pay_1")
	assert.True(t, database.IsNotFound(err))
}

func TestCoordinatorPublishFailureDoesNotFailPaid(t *testing.T) {
	store := newMemStore()
	publisher := &capturePublisher{err: errors.New("nats down")}
	c := NewCoordinator(store, publisher, storefront.NopRevalidator{}, testLogger())
	ctx := context.Background()

	o := newTestOrder(t)
	require.NoError(t, store.Create(ctx, o))

	require.NoError(t, c.MarkPaid(ctx, o.ID, "pay_1"))

	stored, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, stored.Status)
}
