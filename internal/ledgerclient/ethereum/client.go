// Package ethereum provides the account-style ledger client over JSON-RPC.
// One instance serves native ETH transfers, another serves ERC-20 USDT.
package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/ledgerclient"
)

// Config holds Ethereum client configuration.
type Config struct {
	NodeURL                string        `envconfig:"ETH_NODE_URL" default:"http://localhost:8545"`
	WalletURL              string        `envconfig:"ETH_WALLET_URL" default:"http://localhost:3003"`
	APIKey                 string        `envconfig:"ETH_API_KEY"`
	RequiredConfirmations  int           `envconfig:"ETH_REQUIRED_CONFIRMATIONS" default:"12"`
	PendingPollInterval    time.Duration `envconfig:"ETH_PENDING_POLL_INTERVAL" default:"10s"`
	ConfirmingPollInterval time.Duration `envconfig:"ETH_CONFIRMING_POLL_INTERVAL" default:"15s"`
	RequestTimeout         time.Duration `envconfig:"ETH_REQUEST_TIMEOUT" default:"15s"`
	ScanDepth              int64         `envconfig:"ETH_SCAN_DEPTH" default:"40"`
	USDTContract           string        `envconfig:"ETH_USDT_CONTRACT" default:"0xdac17f958d2ee523a2206206994597c13d831ec7"`
}

var (
	weiPerEther = decimal.New(1, 18)
	usdtPerUnit = decimal.New(1, 6)
	transferSig = "a9059cbb" // transfer(address,uint256)
)

// Client implements ledgerclient.Client for account-style chains.
type Client struct {
	config     Config
	currency   ledgerclient.Currency
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client for ETH or USDT.
func New(cfg Config, currency ledgerclient.Currency, logger *slog.Logger) *Client {
	return &Client{
		config:   cfg,
		currency: currency,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

// Params returns the chain parameters for this client's currency.
func (c *Client) Params() ledgerclient.Params {
	return ledgerclient.Params{
		Currency:               c.currency,
		Precision:              6,
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
	body, err := json.Marshal(newAddressRequest{Currency: string(c.currency)})
	if err != nil {
		return ledgerclient.Address{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WalletURL+"/addresses", bytes.NewReader(body))
	if err != nil {
		return ledgerclient.Address{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ledgerclient.Address{}, fmt.Errorf("%w: %v", ledgerclient.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ledgerclient.Address{}, fmt.Errorf("%w: read response: %v", ledgerclient.ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return ledgerclient.Address{}, fmt.Errorf("custody api error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var addr newAddressResponse
	if err := json.Unmarshal(respBody, &addr); err != nil {
		return ledgerclient.Address{}, fmt.Errorf("unmarshal response: %w", err)
	}

	c.logger.Debug("issued address", "currency", c.currency, "address", addr.Address)

	return ledgerclient.Address{Address: addr.Address, KeyHandle: addr.KeyHandle}, nil
}

// rpcTx is the JSON-RPC transaction shape.
type rpcTx struct {
	Hash        string  `json:"hash"`
	To          *string `json:"to"`
	Value       string  `json:"value"`
	Input       string  `json:"input"`
	BlockNumber *string `json:"blockNumber"`
}

// GetTransaction looks up a transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*ledgerclient.Transaction, error) {
	var tx *rpcTx
	if err := c.call(ctx, "eth_getTransactionByHash", []interface{}{hash}, &tx); err != nil {
		return nil, fmt.Errorf("get eth transaction %s: %w", hash, err)
	}
	if tx == nil {
		return nil, ledgerclient.ErrTxNotFound
	}

	tip, err := c.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	return c.normalize(*tx, tip), nil
}

// ListAddressTransactions scans recent blocks for transfers to an address.
// Account-style nodes have no address index; the scan window is bounded by
// ScanDepth, which must exceed the pending poll interval in blocks.
func (c *Client) ListAddressTransactions(ctx context.Context, address string) ([]ledgerclient.Transaction, error) {
	tip, err := c.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	from := tip - c.config.ScanDepth + 1
	if from < 0 {
		from = 0
	}

	want := strings.ToLower(address)
	var result []ledgerclient.Transaction

	for num := from; num <= tip; num++ {
		var block *struct {
			Transactions []rpcTx `json:"transactions"`
		}
		if err := c.call(ctx, "eth_getBlockByNumber", []interface{}{hexUint(num), true}, &block); err != nil {
			return nil, fmt.Errorf("get eth block %d: %w", num, err)
		}
		if block == nil {
			continue
		}

		for _, tx := range block.Transactions {
			norm := c.normalize(tx, tip)
			for _, out := range norm.Outputs {
				if strings.ToLower(out.Address) == want {
					result = append(result, *norm)
					break
				}
			}
		}
	}

	return result, nil
}

// CurrentHeight returns the current block number.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	var raw string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &raw); err != nil {
		return 0, fmt.Errorf("get eth block number: %w", err)
	}
	return parseHexUint(raw)
}

// normalize maps an RPC transaction to the capability shape. Native transfers
// become one output to tx.To; USDT transfer calls are decoded from calldata.
func (c *Client) normalize(tx rpcTx, tip int64) *ledgerclient.Transaction {
	confirmations := 0
	if tx.BlockNumber != nil {
		if blockNum, err := parseHexUint(*tx.BlockNumber); err == nil {
			// A transaction in the tip block has one confirmation, same
			// convention as the bitcoin client.
			confirmations = int(tip - blockNum + 1)
			if confirmations < 0 {
				confirmations = 0
			}
		}
	}

	var outputs []ledgerclient.Output

	switch c.currency {
	case ledgerclient.USDT:
		if tx.To != nil && strings.EqualFold(*tx.To, c.config.USDTContract) {
			if recipient, value, ok := decodeTransfer(tx.Input); ok {
				outputs = append(outputs, ledgerclient.Output{
					Address: recipient,
					Value:   value.Div(usdtPerUnit),
				})
			}
		}
	default:
		if tx.To != nil {
			if wei, err := parseHexBig(tx.Value); err == nil {
				outputs = append(outputs, ledgerclient.Output{
					Address: *tx.To,
					Value:   decimal.NewFromBigInt(wei, 0).Div(weiPerEther),
				})
			}
		}
	}

	return &ledgerclient.Transaction{
		Hash:          tx.Hash,
		Confirmations: confirmations,
		Outputs:       outputs,
	}
}

// decodeTransfer extracts the recipient and raw token value from an ERC-20
// transfer(address,uint256) call.
func decodeTransfer(input string) (string, decimal.Decimal, bool) {
	data := strings.TrimPrefix(input, "0x")
	if len(data) < 8+64+64 || data[:8] != transferSig {
		return "", decimal.Decimal{}, false
	}

	recipient := "0x" + data[8+24:8+64]
	value, ok := new(big.Int).SetString(data[8+64:8+128], 16)
	if !ok {
		return "", decimal.Decimal{}, false
	}
	return recipient, decimal.NewFromBigInt(value, 0), true
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.NodeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ledgerclient.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ledgerclient.ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status=%d body=%s", ledgerclient.ErrUnavailable, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("eth rpc error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("eth rpc error: code=%d message=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if string(rpcResp.Result) == "null" {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func hexUint(n int64) string {
	return fmt.Sprintf("0x%x", n)
}

func parseHexUint(s string) (int64, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex number %q", s)
	}
	return v.Int64(), nil
}

func parseHexBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex number %q", s)
	}
	return v, nil
}
