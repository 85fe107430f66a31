package payment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/common/events"
	"cryptocheckout/internal/ledgerclient"
	"cryptocheckout/internal/wallet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory payment Store with the same CAS semantics as the
// Postgres one.
type memStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

func newMemStore() *memStore {
	return &memStore{payments: make(map[string]*Payment)}
}

func (s *memStore) Create(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.OrderID == p.OrderID && !existing.Status.IsTerminal() {
			return database.ErrAlreadyExists
		}
	}
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) GetActiveByOrder(_ context.Context, orderID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrderID == orderID && !p.Status.IsTerminal() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) Update(_ context.Context, p *Payment, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.payments[p.ID]
	if !ok {
		return database.ErrNotFound
	}
	if current.Status != expected {
		return database.ErrConflict
	}
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if p.Status == StatusPending && p.ExpiresAt.Before(now) && len(out) < limit {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListMonitorable(_ context.Context, limit int) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if !p.Status.IsTerminal() && len(out) < limit {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memWalletStore is an in-memory wallet Store.
type memWalletStore struct {
	mu      sync.Mutex
	records map[string]*wallet.Record
}

func newMemWalletStore() *memWalletStore {
	return &memWalletStore{records: make(map[string]*wallet.Record)}
}

func (s *memWalletStore) Create(_ context.Context, rec *wallet.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *memWalletStore) Get(_ context.Context, id string) (*wallet.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memWalletStore) AcquireReusable(_ context.Context, currency ledgerclient.Currency, paymentID string) (*wallet.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Currency == currency && !rec.Used && rec.PaymentID == "" {
			rec.PaymentID = paymentID
			cp := *rec
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memWalletStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return database.ErrNotFound
	}
	if rec.Used {
		return database.ErrConflict
	}
	rec.PaymentID = ""
	return nil
}

func (s *memWalletStore) MarkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return database.ErrNotFound
	}
	rec.Used = true
	return nil
}

func (s *memWalletStore) free(currency ledgerclient.Currency) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.Currency == currency && !rec.Used && rec.PaymentID == "" {
			n++
		}
	}
	return n
}

// fakeLedger is a scriptable ledger client.
type fakeLedger struct {
	mu          sync.Mutex
	params      ledgerclient.Params
	txs         map[string]*ledgerclient.Transaction
	addrTxs     map[string][]ledgerclient.Transaction
	unavailable bool
	minted      int
}

func newFakeLedger(currency ledgerclient.Currency, precision int32, confirmations int) *fakeLedger {
	return &fakeLedger{
		params: ledgerclient.Params{
			Currency:               currency,
			Precision:              precision,
			RequiredConfirmations:  confirmations,
			PendingPollInterval:    10 * time.Millisecond,
			ConfirmingPollInterval: 10 * time.Millisecond,
			RequestTimeout:         time.Second,
		},
		txs:     make(map[string]*ledgerclient.Transaction),
		addrTxs: make(map[string][]ledgerclient.Transaction),
	}
}

func (f *fakeLedger) Params() ledgerclient.Params {
	return f.params
}

func (f *fakeLedger) NewAddress(context.Context) (ledgerclient.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return ledgerclient.Address{}, ledgerclient.ErrUnavailable
	}
	f.minted++
	return ledgerclient.Address{
		Address:   fmt.Sprintf("addr_%d", f.minted),
		KeyHandle: fmt.Sprintf("kh_%d", f.minted),
	}, nil
}

func (f *fakeLedger) GetTransaction(_ context.Context, hash string) (*ledgerclient.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return nil, ledgerclient.ErrUnavailable
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, ledgerclient.ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeLedger) ListAddressTransactions(_ context.Context, address string) ([]ledgerclient.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return nil, ledgerclient.ErrUnavailable
	}
	return append([]ledgerclient.Transaction(nil), f.addrTxs[address]...), nil
}

func (f *fakeLedger) CurrentHeight(context.Context) (int64, error) {
	return 100, nil
}

func (f *fakeLedger) addTx(hash, address string, value decimal.Decimal, confirmations int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := ledgerclient.Transaction{
		Hash:          hash,
		Confirmations: confirmations,
		Outputs:       []ledgerclient.Output{{Address: address, Value: value}},
	}
	f.txs[hash] = &tx
	f.addrTxs[address] = append(f.addrTxs[address], tx)
}

func (f *fakeLedger) setConfirmations(hash string, confirmations int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[hash]; ok {
		tx.Confirmations = confirmations
	}
}

func (f *fakeLedger) setUnavailable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = down
}

// fakeCoordinator records MarkPaid calls.
type fakeCoordinator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeCoordinator) MarkPaid(_ context.Context, orderID, paymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, orderID+"/"+paymentID)
	return nil
}

func (c *fakeCoordinator) paidCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *fakePublisher) Publish(_ context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) typesSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
