package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptocheckout/internal/common/money"
)

func testItems() []Item {
	return []Item{
		{
			ProductID:   "prod_1",
			ProductName: "Widget",
			ProductSKU:  "W-1",
			UnitPrice:   money.New(1500, money.EUR),
			Quantity:    2,
			Subtotal:    money.New(3000, money.EUR),
		},
		{
			ProductID:   "prod_2",
			ProductName: "Gadget",
			ProductSKU:  "G-1",
			UnitPrice:   money.New(1900, money.EUR),
			Quantity:    1,
			Subtotal:    money.New(1900, money.EUR),
		},
	}
}

func TestNewComputesTotals(t *testing.T) {
	o, err := New("01HTEST0000000000000000001", testItems(),
		money.New(500, money.EUR), money.New(250, money.EUR), money.New(100, money.EUR))
	require.NoError(t, err)

	assert.Equal(t, money.New(4900, money.EUR), o.Subtotal)
	// 4900 + 500 + 250 - 100
	assert.Equal(t, money.New(5550, money.EUR), o.Total)
	assert.Equal(t, StatusPending, o.Status)
	assert.Nil(t, o.PaidAt)
}

func TestNewOrderNumber(t *testing.T) {
	o, err := New("01htest0000000000000000abc", testItems(),
		money.Zero(money.EUR), money.Zero(money.EUR), money.Zero(money.EUR))
	require.NoError(t, err)

	assert.Equal(t, "ORD-00000ABC", o.Number)
}

func TestNewRejectsItemSubtotalMismatch(t *testing.T) {
	items := testItems()
	items[0].Subtotal = money.New(2999, money.EUR)

	_, err := New("id", items, money.Zero(money.EUR), money.Zero(money.EUR), money.Zero(money.EUR))
	assert.Error(t, err)
}

func TestNewRejectsEmptyOrder(t *testing.T) {
	_, err := New("id", nil, money.Zero(money.EUR), money.Zero(money.EUR), money.Zero(money.EUR))
	assert.Error(t, err)

	_, err = New("", testItems(), money.Zero(money.EUR), money.Zero(money.EUR), money.Zero(money.EUR))
	assert.Error(t, err)
}

func TestNewRejectsNonPositiveQuantity(t *testing.T) {
	items := testItems()
	items[1].Quantity = 0

	_, err := New("id", items, money.Zero(money.EUR), money.Zero(money.EUR), money.Zero(money.EUR))
	assert.Error(t, err)
}

func TestStatusPredicates(t *testing.T) {
	o := &Order{Status: StatusPending}
	assert.True(t, o.IsPayable())
	assert.False(t, o.IsPaidOrBeyond())

	o.Status = StatusProcessing
	assert.True(t, o.IsPayable())

	o.Status = StatusPaid
	assert.False(t, o.IsPayable())
	assert.True(t, o.IsPaidOrBeyond())

	o.Status = StatusCancelled
	assert.False(t, o.IsPayable())
	assert.False(t, o.IsPaidOrBeyond())

	o.Status = StatusShipped
	assert.True(t, o.IsPaidOrBeyond())
}
