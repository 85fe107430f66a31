package payment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/common/events"
	"cryptocheckout/internal/common/money"
	"cryptocheckout/internal/ledgerclient"
	"cryptocheckout/internal/order"
	"cryptocheckout/internal/pricing"
	"cryptocheckout/internal/wallet"
)

type fixture struct {
	store        *memStore
	wallets      *memWalletStore
	btc          *fakeLedger
	usdt         *fakeLedger
	coordinator  *fakeCoordinator
	publisher    *fakePublisher
	orchestrator *Orchestrator
}

func newFixture(t *testing.T, expiry time.Duration) *fixture {
	t.Helper()

	btc := newFakeLedger(ledgerclient.BTC, 8, 3)
	usdt := newFakeLedger(ledgerclient.USDT, 6, 12)
	registry := ledgerclient.NewRegistry(btc, usdt)

	f := &fixture{
		store:       newMemStore(),
		wallets:     newMemWalletStore(),
		btc:         btc,
		usdt:        usdt,
		coordinator: &fakeCoordinator{},
		publisher:   &fakePublisher{},
	}

	allocator := wallet.NewAllocator(f.wallets, registry, testLogger())
	oracle := &pricing.FixedOracle{Prices: map[ledgerclient.Currency]decimal.Decimal{
		ledgerclient.BTC:  decimal.RequireFromString("35000"),
		ledgerclient.USDT: decimal.RequireFromString("0.92"),
	}}

	f.orchestrator = NewOrchestrator(
		f.store, f.coordinator, allocator, registry, oracle, f.publisher,
		Config{ExpiryWindow: expiry, QRCodeSize: 128},
		testLogger(),
	)
	return f
}

func testOrder(t *testing.T, id string, totalMinor int64) *order.Order {
	t.Helper()
	o, err := order.New(id, []order.Item{{
		ProductID:   "prod_1",
		ProductName: "Widget",
		ProductSKU:  "W-1",
		UnitPrice:   money.New(totalMinor, money.EUR),
		Quantity:    1,
		Subtotal:    money.New(totalMinor, money.EUR),
	}}, money.Zero(money.EUR), money.Zero(money.EUR), money.Zero(money.EUR))
	require.NoError(t, err)
	return o
}

func TestInitiate(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	o := testOrder(t, "ord_1", 4900)

	desc, err := f.orchestrator.Initiate(context.Background(), o, MethodCryptoBTC)
	require.NoError(t, err)

	assert.Equal(t, "ord_1", desc.OrderID)
	assert.Equal(t, StatusPending, desc.Status)
	assert.Equal(t, "BTC", desc.CryptoCurrency)
	assert.Equal(t, "0.0014", desc.CryptoAmount)
	assert.Equal(t, "addr_1", desc.Address)
	assert.Equal(t, "btc:addr_1?amount=0.0014", desc.PaymentURI)
	assert.NotEmpty(t, desc.QRCodePNG)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), desc.ExpiresAt, 5*time.Second)
	assert.Equal(t, o.Number, desc.OrderNumber)
	assert.Equal(t, o.Total, desc.FiatAmount)
	assert.Equal(t, 3, desc.RequiredConfirmations)
	assert.Empty(t, desc.TxHash)
	assert.Zero(t, desc.Confirmations)

	p, err := f.orchestrator.Get(context.Background(), desc.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.True(t, p.ExchangeRate.Equal(decimal.RequireFromString("35000")))

	assert.Contains(t, f.publisher.typesSeen(), events.EventPaymentInitiated)
}

func TestInitiateUSDTPrecision(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	o := testOrder(t, "ord_1", 4900)

	desc, err := f.orchestrator.Initiate(context.Background(), o, MethodCryptoUSDT)
	require.NoError(t, err)

	// 49.00 / 0.92 rounded to 6 decimal places.
	amount := decimal.RequireFromString(desc.CryptoAmount)
	assert.True(t, amount.Equal(decimal.RequireFromString("53.26087")), desc.CryptoAmount)
}

func TestInitiateUnsupportedMethod(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	o := testOrder(t, "ord_1", 4900)

	_, err := f.orchestrator.Initiate(context.Background(), o, Method("card"))
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestInitiateDuplicateActive(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	o := testOrder(t, "ord_1", 4900)

	_, err := f.orchestrator.Initiate(context.Background(), o, MethodCryptoBTC)
	require.NoError(t, err)

	_, err = f.orchestrator.Initiate(context.Background(), o, MethodCryptoBTC)
	assert.ErrorIs(t, err, ErrDuplicateActivePayment)
}

func TestInitiateReusesPooledAddress(t *testing.T) {
	f := newFixture(t, -time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	require.NoError(t, f.orchestrator.Expire(ctx, desc.PaymentID))
	require.Equal(t, 1, f.wallets.free(ledgerclient.BTC))

	desc2, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_2", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	assert.Equal(t, desc.Address, desc2.Address)
}

func TestObserveTransaction(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)

	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.0014"), 1)

	p, err := f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "webhook:test")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, "tx1", p.TxHash)
	assert.Equal(t, 1, p.Confirmations)

	// The funded address is retired, not pooled.
	rec, err := f.wallets.Get(ctx, p.WalletID)
	require.NoError(t, err)
	assert.True(t, rec.Used)

	assert.Contains(t, f.publisher.typesSeen(), events.EventPaymentDetected)
	assert.Zero(t, f.coordinator.paidCount())
}

func TestObserveTransactionIdempotent(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.0014"), 1)

	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "watcher")
	require.NoError(t, err)
	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "webhook:test")
	require.NoError(t, err)

	detected := 0
	for _, typ := range f.publisher.typesSeen() {
		if typ == events.EventPaymentDetected {
			detected++
		}
	}
	assert.Equal(t, 1, detected)
}

func TestObserveTransactionStaleHash(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.0014"), 1)
	f.btc.addTx("tx2", desc.Address, decimal.RequireFromString("0.0014"), 1)

	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "watcher")
	require.NoError(t, err)

	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx2", "webhook:test")
	assert.ErrorIs(t, err, ErrStaleTransaction)
}

func TestObserveTransactionForeignHash(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	f.btc.addTx("tx_other", "someone_else", decimal.RequireFromString("5"), 1)

	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx_other", "webhook:test")
	assert.ErrorIs(t, err, ErrForeignTransaction)

	p, err := f.orchestrator.Get(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
}

func TestObserveTransactionUnderpaid(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)

	// 0.98 of the quoted amount is outside the tolerance.
	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.001372"), 1)

	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "webhook:test")
	assert.ErrorIs(t, err, ErrAmountInsufficient)

	p, err := f.orchestrator.Get(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
}

func TestObserveTransactionWithinTolerance(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)

	// 0.995 of the quoted amount is inside the 1% tolerance.
	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.001393"), 1)

	p, err := f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "webhook:test")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
}

func TestObserveTransactionImmediatelyConfirmed(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.0014"), 3)

	p, err := f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "webhook:test")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, p.Status)
	assert.Equal(t, 1, f.coordinator.paidCount())
	assert.Contains(t, f.publisher.typesSeen(), events.EventPaymentConfirmed)
}

func TestRefreshConfirmationsToSettlement(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.0014"), 0)

	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "watcher")
	require.NoError(t, err)

	f.btc.setConfirmations("tx1", 2)
	p, done, err := f.orchestrator.RefreshConfirmations(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, p.Confirmations)
	assert.Equal(t, StatusProcessing, p.Status)

	f.btc.setConfirmations("tx1", 3)
	p, done, err = f.orchestrator.RefreshConfirmations(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StatusConfirmed, p.Status)
	assert.Equal(t, 1, f.coordinator.paidCount())

	// A further poll settles nothing twice.
	_, done, err = f.orchestrator.RefreshConfirmations(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, f.coordinator.paidCount())
}

func TestExpireReleasesWallet(t *testing.T) {
	f := newFixture(t, -time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Expire(ctx, desc.PaymentID))

	p, err := f.orchestrator.Get(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, p.Status)
	assert.Equal(t, 1, f.wallets.free(ledgerclient.BTC))
	assert.Contains(t, f.publisher.typesSeen(), events.EventPaymentExpired)
}

func TestExpireSkipsFundedPayment(t *testing.T) {
	f := newFixture(t, -time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)

	// The transaction was observed before the sweeper got to the payment.
	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.0014"), 1)
	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "webhook:test")
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Expire(ctx, desc.PaymentID))

	p, err := f.orchestrator.Get(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, 0, f.wallets.free(ledgerclient.BTC))
}

func TestObserveOnExpiredPayment(t *testing.T) {
	f := newFixture(t, -time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	require.NoError(t, f.orchestrator.Expire(ctx, desc.PaymentID))

	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.0014"), 1)
	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "webhook:test")
	assert.ErrorIs(t, err, ErrPaymentExpired)
}

func TestFailReleasesUnfundedWallet(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Fail(ctx, desc.PaymentID, "operator"))

	p, err := f.orchestrator.Get(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, 1, f.wallets.free(ledgerclient.BTC))
	assert.Contains(t, f.publisher.typesSeen(), events.EventPaymentFailed)
}

func TestFailKeepsFundedWalletRetired(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	desc, err := f.orchestrator.Initiate(ctx, testOrder(t, "ord_1", 4900), MethodCryptoBTC)
	require.NoError(t, err)
	f.btc.addTx("tx1", desc.Address, decimal.RequireFromString("0.0014"), 1)
	_, err = f.orchestrator.ObserveTransaction(ctx, desc.PaymentID, "tx1", "watcher")
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Fail(ctx, desc.PaymentID, "operator"))

	p, err := f.orchestrator.Get(ctx, desc.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, 0, f.wallets.free(ledgerclient.BTC))
}

func TestObserveUnknownPayment(t *testing.T) {
	f := newFixture(t, 30*time.Minute)

	_, err := f.orchestrator.ObserveTransaction(context.Background(), "nope", "tx1", "webhook:test")
	assert.True(t, database.IsNotFound(err))
}
