// Package pricing converts fiat totals into crypto amounts at market rate.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/common/money"
	"cryptocheckout/internal/ledgerclient"
)

// Oracle reports the spot price of a crypto currency in the shop's fiat
// currency. Implementations may serve cached or slightly stale quotes.
type Oracle interface {
	SpotPrice(ctx context.Context, currency ledgerclient.Currency) (decimal.Decimal, error)
}

// Config holds market oracle configuration.
type Config struct {
	APIURL         string        `envconfig:"PRICE_API_URL" default:"https://api.rapira.net"`
	FiatCurrency   string        `envconfig:"PRICE_FIAT_CURRENCY" default:"EUR"`
	PlateDepth     int           `envconfig:"PRICE_PLATE_DEPTH" default:"5"`
	CacheTTL       time.Duration `envconfig:"PRICE_CACHE_TTL" default:"30s"`
	RequestTimeout time.Duration `envconfig:"PRICE_REQUEST_TIMEOUT" default:"10s"`
	FallbackBTC    string        `envconfig:"PRICE_FALLBACK_BTC" default:"35000.00"`
	FallbackETH    string        `envconfig:"PRICE_FALLBACK_ETH" default:"2500.00"`
	FallbackUSDT   string        `envconfig:"PRICE_FALLBACK_USDT" default:"0.92"`
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// MarketOracle fetches spot prices from an exchange order-plate API with a
// short TTL cache and static fallback rates for when the API is down.
type MarketOracle struct {
	config     Config
	httpClient *http.Client
	fiat       money.Currency
	fallbacks  map[ledgerclient.Currency]decimal.Decimal
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[ledgerclient.Currency]cachedPrice
}

// NewMarketOracle creates a market price oracle.
func NewMarketOracle(cfg Config, logger *slog.Logger) (*MarketOracle, error) {
	fallbacks := make(map[ledgerclient.Currency]decimal.Decimal, 3)
	for currency, raw := range map[ledgerclient.Currency]string{
		ledgerclient.BTC:  cfg.FallbackBTC,
		ledgerclient.ETH:  cfg.FallbackETH,
		ledgerclient.USDT: cfg.FallbackUSDT,
	} {
		if raw == "" {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback price for %s: %w", currency, err)
		}
		fallbacks[currency] = price
	}

	return &MarketOracle{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		fiat:      money.Currency(cfg.FiatCurrency),
		fallbacks: fallbacks,
		logger:    logger,
		cache:     make(map[ledgerclient.Currency]cachedPrice),
	}, nil
}

type plateItem struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type plateResponse struct {
	Ask struct {
		Symbol string      `json:"symbol"`
		Items  []plateItem `json:"items"`
	} `json:"ask"`
}

// SpotPrice returns the fiat price of one unit of the given crypto currency.
func (o *MarketOracle) SpotPrice(ctx context.Context, currency ledgerclient.Currency) (decimal.Decimal, error) {
	o.mu.Lock()
	cached, ok := o.cache[currency]
	o.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < o.config.CacheTTL {
		return cached.price, nil
	}

	price, err := o.fetch(ctx, currency)
	if err != nil {
		if fallback, ok := o.fallbacks[currency]; ok {
			o.logger.Warn("price fetch failed, using fallback rate",
				"currency", currency,
				"fallback", fallback,
				"error", err,
			)
			return fallback, nil
		}
		return decimal.Decimal{}, fmt.Errorf("spot price for %s: %w", currency, err)
	}

	o.mu.Lock()
	o.cache[currency] = cachedPrice{price: price, fetchedAt: time.Now()}
	o.mu.Unlock()

	return price, nil
}

// fetch averages the top ask levels of the exchange plate.
func (o *MarketOracle) fetch(ctx context.Context, currency ledgerclient.Currency) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/market/exchange-plate-mini?symbol=%s/%s", o.config.APIURL, currency, o.fiat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decimal.Decimal{}, fmt.Errorf("price api error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var plate plateResponse
	if err := json.Unmarshal(body, &plate); err != nil {
		return decimal.Decimal{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(plate.Ask.Items) == 0 {
		return decimal.Decimal{}, fmt.Errorf("empty order plate for %s", currency)
	}

	depth := o.config.PlateDepth
	if depth <= 0 || depth > len(plate.Ask.Items) {
		depth = len(plate.Ask.Items)
	}

	sum := decimal.Zero
	for _, item := range plate.Ask.Items[:depth] {
		sum = sum.Add(item.Price)
	}

	return sum.Div(decimal.NewFromInt(int64(depth))), nil
}

// FixedOracle returns preset prices. Used in tests and development.
type FixedOracle struct {
	Prices map[ledgerclient.Currency]decimal.Decimal
}

// SpotPrice returns the preset price for a currency.
func (o *FixedOracle) SpotPrice(_ context.Context, currency ledgerclient.Currency) (decimal.Decimal, error) {
	price, ok := o.Prices[currency]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no price for %s", currency)
	}
	return price, nil
}
