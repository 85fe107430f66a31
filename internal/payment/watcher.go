package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/ledgerclient"
)

// WatcherConfig holds watcher manager configuration.
type WatcherConfig struct {
	// ResyncInterval is how often the manager re-lists monitorable
	// payments and ensures each has a live watcher. This is what makes
	// watching survive restarts and suspended watchers.
	ResyncInterval time.Duration `envconfig:"WATCHER_RESYNC_INTERVAL" default:"1m"`
	ResyncBatch    int           `envconfig:"WATCHER_RESYNC_BATCH" default:"500"`
	// MaxUnavailable is how many consecutive ledger faults a watcher
	// tolerates before suspending. Resync revives suspended payments.
	MaxUnavailable int           `envconfig:"WATCHER_MAX_UNAVAILABLE" default:"8"`
	MaxBackoff     time.Duration `envconfig:"WATCHER_MAX_BACKOFF" default:"5m"`
}

// Manager runs one watcher goroutine per open payment. A watcher polls the
// chain on a phase-dependent interval, funnels observations into the
// orchestrator and exits when the payment turns terminal.
type Manager struct {
	orchestrator *Orchestrator
	ledgers      *ledgerclient.Registry
	config       WatcherConfig
	logger       *slog.Logger

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// NewManager creates a watcher manager.
func NewManager(orchestrator *Orchestrator, ledgers *ledgerclient.Registry, cfg WatcherConfig, logger *slog.Logger) *Manager {
	return &Manager{
		orchestrator: orchestrator,
		ledgers:      ledgers,
		config:       cfg,
		logger:       logger,
		watchers:     make(map[string]context.CancelFunc),
	}
}

// Watch ensures a watcher goroutine is running for the payment.
func (m *Manager) Watch(ctx context.Context, paymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, running := m.watchers[paymentID]; running {
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.watchers[paymentID] = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer m.remove(paymentID)
		m.run(watchCtx, paymentID)
	}()
}

func (m *Manager) remove(paymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.watchers[paymentID]; ok {
		cancel()
		delete(m.watchers, paymentID)
	}
}

// Watching reports whether a watcher is live for the payment.
func (m *Manager) Watching(paymentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[paymentID]
	return ok
}

// Resync lists open payments and ensures each has a watcher, then repeats on
// the configured interval until the context ends. Run it in its own
// goroutine; it also serves as the initial recovery pass after a restart.
func (m *Manager) Resync(ctx context.Context) {
	ticker := time.NewTicker(m.config.ResyncInterval)
	defer ticker.Stop()

	for {
		m.resyncOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) resyncOnce(ctx context.Context) {
	payments, err := m.orchestrator.ListMonitorable(ctx, m.config.ResyncBatch)
	if err != nil {
		m.logger.Error("list monitorable payments", "error", err)
		return
	}

	started := 0
	for _, p := range payments {
		if !m.Watching(p.ID) {
			m.Watch(ctx, p.ID)
			started++
		}
	}
	if started > 0 {
		m.logger.Info("watchers resynced", "started", started, "open", len(payments))
	}
}

// Stop cancels every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.watchers {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// run is the per-payment poll loop.
func (m *Manager) run(ctx context.Context, paymentID string) {
	logger := m.logger.With("payment_id", paymentID)
	unavailable := 0

	for {
		p, err := m.orchestrator.Get(ctx, paymentID)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !database.IsNotFound(err) {
				logger.Error("watcher read payment", "error", err)
			}
			return
		}
		if p.Status.IsTerminal() {
			return
		}

		client, err := m.ledgers.ForCurrency(p.CryptoCurrency)
		if err != nil {
			logger.Error("watcher has no ledger client", "currency", p.CryptoCurrency, "error", err)
			return
		}
		params := client.Params()

		var interval time.Duration
		var pollErr error
		switch p.Status {
		case StatusPending:
			interval = params.PendingPollInterval
			if p.IsExpired(time.Now()) {
				pollErr = m.orchestrator.Expire(ctx, paymentID)
				if pollErr == nil {
					continue
				}
				break
			}
			pollErr = m.scanPending(ctx, client, p)
		case StatusProcessing:
			interval = params.ConfirmingPollInterval
			var done bool
			_, done, pollErr = m.orchestrator.RefreshConfirmations(ctx, paymentID)
			if pollErr == nil && done {
				return
			}
		}

		switch {
		case pollErr == nil:
			unavailable = 0
		case errors.Is(pollErr, context.Canceled):
			return
		case ledgerclient.IsUnavailable(pollErr):
			unavailable++
			if unavailable > m.config.MaxUnavailable {
				logger.Error("ledger unavailable, suspending watcher",
					"currency", p.CryptoCurrency,
					"attempts", unavailable,
				)
				return
			}
			interval = backoff(interval, unavailable, m.config.MaxBackoff)
			logger.Warn("ledger unavailable, backing off",
				"attempt", unavailable,
				"retry_in", interval,
			)
		default:
			logger.Error("watcher poll", "error", pollErr)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// scanPending looks for an incoming transaction on the payment's address.
func (m *Manager) scanPending(ctx context.Context, client ledgerclient.Client, p *Payment) error {
	txs, err := client.ListAddressTransactions(ctx, p.Address)
	if err != nil {
		return err
	}

	for _, tx := range txs {
		if receivedByAddress(&tx, p.Address).IsZero() {
			continue
		}

		_, err := m.orchestrator.ObserveTransaction(ctx, p.ID, tx.Hash, "watcher")
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrAmountInsufficient):
			m.logger.Warn("underpaid transaction ignored",
				"payment_id", p.ID,
				"tx_hash", tx.Hash,
				"error", err,
			)
		case errors.Is(err, ErrPaymentExpired), errors.Is(err, ErrStaleTransaction):
			return nil
		default:
			return err
		}
	}
	return nil
}

// backoff doubles the base interval per consecutive fault, capped.
func backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
