// Package bitcoin provides the UTXO-style ledger client, backed by an
// esplora-compatible chain index and a key-custody service for addresses.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/ledgerclient"
)

// Config holds Bitcoin client configuration.
type Config struct {
	NodeURL                string        `envconfig:"BTC_NODE_URL" default:"http://localhost:3002"`
	WalletURL              string        `envconfig:"BTC_WALLET_URL" default:"http://localhost:3003"`
	APIKey                 string        `envconfig:"BTC_API_KEY"`
	RequiredConfirmations  int           `envconfig:"BTC_REQUIRED_CONFIRMATIONS" default:"3"`
	PendingPollInterval    time.Duration `envconfig:"BTC_PENDING_POLL_INTERVAL" default:"30s"`
	ConfirmingPollInterval time.Duration `envconfig:"BTC_CONFIRMING_POLL_INTERVAL" default:"60s"`
	RequestTimeout         time.Duration `envconfig:"BTC_REQUEST_TIMEOUT" default:"15s"`
}

var satoshisPerBTC = decimal.New(1, 8)

// Client implements ledgerclient.Client for Bitcoin.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new Bitcoin client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

// Params returns the Bitcoin chain parameters.
func (c *Client) Params() ledgerclient.Params {
	return ledgerclient.Params{
		Currency:               ledgerclient.BTC,
		Precision:              8,
		RequiredConfirmations:  c.config.RequiredConfirmations,
		PendingPollInterval:    c.config.PendingPollInterval,
		ConfirmingPollInterval: c.config.ConfirmingPollInterval,
		RequestTimeout:         c.config.RequestTimeout,
	}
}

type newAddressRequest struct {
	Currency string `json:"currency"`
}

type newAddressResponse struct {
	Address   string `json:"address"`
	KeyHandle string `json:"key_handle"`
}

// NewAddress requests a fresh receiving address from the custody service.
func (c *Client) NewAddress(ctx context.Context) (ledgerclient.Address, error) {
	body, err := json.Marshal(newAddressRequest{Currency: string(ledgerclient.BTC)})
	if err != nil {
		return ledgerclient.Address{}, fmt.Errorf("marshal request: %w", err)
	}

	var resp newAddressResponse
	if err := c.doJSON(ctx, http.MethodPost, c.config.WalletURL+"/addresses", body, &resp); err != nil {
		return ledgerclient.Address{}, fmt.Errorf("new btc address: %w", err)
	}

	c.logger.Debug("issued btc address", "address", resp.Address)

	return ledgerclient.Address{Address: resp.Address, KeyHandle: resp.KeyHandle}, nil
}

// esplora transaction shape
type chainTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"` // satoshis
	} `json:"vout"`
}

// GetTransaction looks up a transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*ledgerclient.Transaction, error) {
	var tx chainTx
	if err := c.doJSON(ctx, http.MethodGet, c.config.NodeURL+"/tx/"+hash, nil, &tx); err != nil {
		return nil, fmt.Errorf("get btc transaction %s: %w", hash, err)
	}

	tip, err := c.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	return c.normalize(tx, tip), nil
}

// ListAddressTransactions returns transactions touching an address.
func (c *Client) ListAddressTransactions(ctx context.Context, address string) ([]ledgerclient.Transaction, error) {
	var txs []chainTx
	if err := c.doJSON(ctx, http.MethodGet, c.config.NodeURL+"/address/"+address+"/txs", nil, &txs); err != nil {
		return nil, fmt.Errorf("list btc address txs: %w", err)
	}

	tip, err := c.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]ledgerclient.Transaction, 0, len(txs))
	for _, tx := range txs {
		result = append(result, *c.normalize(tx, tip))
	}
	return result, nil
}

// CurrentHeight returns the current chain tip height.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	raw, err := c.doRaw(ctx, http.MethodGet, c.config.NodeURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, fmt.Errorf("get btc tip height: %w", err)
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse btc tip height: %w", err)
	}
	return height, nil
}

func (c *Client) normalize(tx chainTx, tip int64) *ledgerclient.Transaction {
	confirmations := 0
	if tx.Status.Confirmed && tx.Status.BlockHeight > 0 {
		confirmations = int(tip - tx.Status.BlockHeight + 1)
	}

	outputs := make([]ledgerclient.Output, 0, len(tx.Vout))
	for _, out := range tx.Vout {
		outputs = append(outputs, ledgerclient.Output{
			Address: out.Address,
			Value:   decimal.NewFromInt(out.Value).Div(satoshisPerBTC),
		})
	}

	return &ledgerclient.Transaction{
		Hash:          tx.TxID,
		Confirmations: confirmations,
		Outputs:       outputs,
	}
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) error {
	raw, err := c.doRaw(ctx, method, url, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledgerclient.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ledgerclient.ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ledgerclient.ErrTxNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status=%d body=%s", ledgerclient.ErrUnavailable, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("btc api error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
