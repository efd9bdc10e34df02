package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"token-payment-reconciler/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// ERC-20 function selectors.
var (
	selectorBalanceOf = []byte{0x70, 0xa0, 0x82, 0x31} // balanceOf(address)
	selectorDecimals  = []byte{0x31, 0x3c, 0xe5, 0x67} // decimals()
	selectorTransfer  = []byte{0xa9, 0x05, 0x9c, 0xbb} // transfer(address,uint256)
)

// HTTPClient implements RPCClient using HTTP JSON-RPC 2.0.
type HTTPClient struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new EVM RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC call with retries and exponential backoff.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	return c.do(ctx, method, params, result, c.maxRetries)
}

// callOnce performs a JSON-RPC call without retries, for methods that must
// not be repeated after an ambiguous failure.
func (c *HTTPClient) callOnce(ctx context.Context, method string, params []interface{}, result interface{}) error {
	return c.do(ctx, method, params, result, 0)
}

func (c *HTTPClient) do(ctx context.Context, method string, params []interface{}, result interface{}, maxRetries int) error {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	if params == nil {
		params = []interface{}{}
	}
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "create request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = errors.Wrap(err, "http request")
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = errors.Wrap(err, "read response")
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = errors.New("rate limited (429)")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = errors.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = errors.Wrap(err, "unmarshal response")
			continue
		}

		if rpcResp.Error != nil {
			// RPC errors are not retried
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return errors.Wrap(err, "unmarshal result")
			}
		}

		return nil
	}

	if maxRetries == 0 {
		return lastErr
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// ChainID returns the chain id reported by eth_chainId.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.call(ctx, "eth_chainId", nil, &result); err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

// BlockNumber returns the current head height.
func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, "eth_blockNumber", nil, &result); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// GasPrice returns the suggested legacy gas price.
func (c *HTTPClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.call(ctx, "eth_gasPrice", nil, &result); err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

// GetTransaction retrieves a transaction by hash.
func (c *HTTPClient) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	var result *rpcTransaction
	if err := c.call(ctx, "eth_getTransactionByHash", []interface{}{hash}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		// Transaction not found
		return nil, nil
	}

	tx := &Transaction{
		Hash:  strings.ToLower(result.Hash),
		From:  strings.ToLower(result.From),
		Nonce: uint64(result.Nonce),
		Input: result.Input,
		Value: new(big.Int),
	}
	if result.To != nil {
		tx.To = strings.ToLower(*result.To)
	}
	if result.Value != nil {
		tx.Value = (*big.Int)(result.Value)
	}
	if result.BlockNumber != nil {
		n := uint64(*result.BlockNumber)
		tx.BlockNumber = &n
	}
	tx.ChainID = result.chainID()

	return tx, nil
}

// rpcTransaction is the raw RPC response for eth_getTransactionByHash.
type rpcTransaction struct {
	Hash        string          `json:"hash"`
	From        string          `json:"from"`
	To          *string         `json:"to"`
	ChainID     *hexutil.Big    `json:"chainId"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	Value       *hexutil.Big    `json:"value"`
	Input       hexutil.Bytes   `json:"input"`
	V           *hexutil.Big    `json:"v"`
}

// chainID returns the explicit chainId field, or derives it from an EIP-155 v value.
// Returns nil for unprotected legacy transactions.
func (t *rpcTransaction) chainID() *big.Int {
	if t.ChainID != nil {
		return (*big.Int)(t.ChainID)
	}
	if t.V == nil {
		return nil
	}
	v := (*big.Int)(t.V)
	if v.Cmp(big.NewInt(35)) < 0 {
		return nil
	}
	id := new(big.Int).Sub(v, big.NewInt(35))
	return id.Rsh(id, 1)
}

// GetReceipt retrieves a receipt by transaction hash.
func (c *HTTPClient) GetReceipt(ctx context.Context, hash string) (*Receipt, error) {
	var result *rpcReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	receipt := &Receipt{
		TxHash: strings.ToLower(result.TransactionHash),
		Logs:   make([]Log, 0, len(result.Logs)),
	}
	if result.Status != nil {
		receipt.Status = uint64(*result.Status)
	}
	if result.BlockNumber != nil {
		receipt.BlockNumber = uint64(*result.BlockNumber)
	}
	for _, l := range result.Logs {
		receipt.Logs = append(receipt.Logs, l.toLog())
	}

	return receipt, nil
}

// rpcReceipt is the raw RPC response for eth_getTransactionReceipt.
type rpcReceipt struct {
	TransactionHash string          `json:"transactionHash"`
	Status          *hexutil.Uint64 `json:"status"`
	BlockNumber     *hexutil.Uint64 `json:"blockNumber"`
	Logs            []rpcLog        `json:"logs"`
}

// rpcLog is a log entry as returned by receipts, eth_getLogs and log subscriptions.
type rpcLog struct {
	Address         string          `json:"address"`
	Topics          []string        `json:"topics"`
	Data            hexutil.Bytes   `json:"data"`
	BlockNumber     *hexutil.Uint64 `json:"blockNumber"`
	TransactionHash string          `json:"transactionHash"`
	LogIndex        *hexutil.Uint   `json:"logIndex"`
	Removed         bool            `json:"removed"`
}

func (l rpcLog) toLog() Log {
	out := Log{
		Address: strings.ToLower(l.Address),
		Topics:  make([]string, len(l.Topics)),
		Data:    l.Data,
		TxHash:  strings.ToLower(l.TransactionHash),
		Removed: l.Removed,
	}
	for i, t := range l.Topics {
		out.Topics[i] = strings.ToLower(t)
	}
	if l.BlockNumber != nil {
		out.BlockNumber = uint64(*l.BlockNumber)
	}
	if l.LogIndex != nil {
		out.LogIndex = uint(*l.LogIndex)
	}
	return out
}

// TokenBalance returns balanceOf(owner) on the token contract.
func (c *HTTPClient) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	data := append(append([]byte{}, selectorBalanceOf...), common.LeftPadBytes(common.HexToAddress(owner).Bytes(), 32)...)
	out, err := c.Call(ctx, CallMsg{To: token, Data: data})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.Errorf("empty balanceOf result from %s", token)
	}
	return new(big.Int).SetBytes(out), nil
}

// TokenDecimals returns decimals() of the token contract.
func (c *HTTPClient) TokenDecimals(ctx context.Context, token string) (uint8, error) {
	out, err := c.Call(ctx, CallMsg{To: token, Data: selectorDecimals})
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, errors.Errorf("empty decimals result from %s", token)
	}
	return uint8(new(big.Int).SetBytes(out).Uint64()), nil
}

// Call executes eth_call against the latest block.
func (c *HTTPClient) Call(ctx context.Context, msg CallMsg) ([]byte, error) {
	var result hexutil.Bytes
	if err := c.call(ctx, "eth_call", []interface{}{msg.toArg(), "latest"}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (m CallMsg) toArg() map[string]interface{} {
	arg := map[string]interface{}{
		"to":   m.To,
		"data": hexutil.Encode(m.Data),
	}
	if m.From != "" {
		arg["from"] = m.From
	}
	return arg
}

// EstimateGas estimates gas for the message.
func (c *HTTPClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, "eth_estimateGas", []interface{}{msg.toArg()}, &result); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// PendingNonce returns the next nonce for address, counting pending transactions.
func (c *HTTPClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"}, &result); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
// It is never retried: a repeat after a lost response is rejected as already
// known, which would hide that the first attempt went through.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var result string
	if err := c.callOnce(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)}, &result); err != nil {
		return "", err
	}
	return strings.ToLower(result), nil
}

// GetLogs returns logs matching the filter.
func (c *HTTPClient) GetLogs(ctx context.Context, filter LogFilter) ([]Log, error) {
	var result []rpcLog
	if err := c.call(ctx, "eth_getLogs", []interface{}{filter.toArg()}, &result); err != nil {
		return nil, err
	}

	logs := make([]Log, len(result))
	for i, l := range result {
		logs[i] = l.toLog()
	}
	return logs, nil
}

func (f LogFilter) toArg() map[string]interface{} {
	arg := make(map[string]interface{})
	if len(f.Addresses) == 1 {
		arg["address"] = f.Addresses[0]
	} else if len(f.Addresses) > 1 {
		arg["address"] = f.Addresses
	}
	if len(f.Topics) > 0 {
		topics := make([]interface{}, len(f.Topics))
		for i, t := range f.Topics {
			switch len(t) {
			case 0:
				topics[i] = nil
			case 1:
				topics[i] = t[0]
			default:
				topics[i] = t
			}
		}
		arg["topics"] = topics
	}
	if f.FromBlock != nil {
		arg["fromBlock"] = hexutil.EncodeUint64(*f.FromBlock)
	}
	if f.ToBlock != nil {
		arg["toBlock"] = hexutil.EncodeUint64(*f.ToBlock)
	}
	return arg
}

// Verify interface compliance at compile time.
var _ RPCClient = (*HTTPClient)(nil)
