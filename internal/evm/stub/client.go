// Package stub provides an in-memory EVM gateway for tests.
package stub

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"token-payment-reconciler/internal/evm"
)

// Method names used for call counting and error injection.
const (
	MethodChainID        = "ChainID"
	MethodBlockNumber    = "BlockNumber"
	MethodGetTransaction = "GetTransaction"
	MethodGetReceipt     = "GetReceipt"
	MethodTokenBalance   = "TokenBalance"
	MethodGetLogs        = "GetLogs"
	MethodGasPrice       = "GasPrice"
	MethodSubmitTransfer = "SubmitTransfer"
)

// Submission records a SubmitTransfer call.
type Submission struct {
	Token  string
	To     string
	Amount *big.Int
}

// Client implements evm.RPCClient and a transfer submitter for testing.
// Safe for concurrent use.
type Client struct {
	mu sync.Mutex

	chainID  *big.Int
	height   uint64
	gasPrice *big.Int
	// heightStep is added to height after every BlockNumber call.
	heightStep uint64

	txs      map[string]*evm.Transaction
	receipts map[string]*evm.Receipt
	balances map[string]*big.Int
	logs     []evm.Log

	errs  map[string]error
	calls map[string]int

	// balanceErrs fails TokenBalance for specific owners.
	balanceErrs map[string]error

	submitReceipt *evm.Receipt
	submitErr     error
	submissions   []Submission
}

// NewClient creates a stub client serving the given chain id.
func NewClient(chainID int64) *Client {
	return &Client{
		chainID:     big.NewInt(chainID),
		gasPrice:    big.NewInt(3_000_000_000),
		txs:         make(map[string]*evm.Transaction),
		receipts:    make(map[string]*evm.Receipt),
		balances:    make(map[string]*big.Int),
		errs:        make(map[string]error),
		calls:       make(map[string]int),
		balanceErrs: make(map[string]error),
	}
}

func key(s string) string { return strings.ToLower(s) }

// SetChainID changes the reported chain id.
func (c *Client) SetChainID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainID = big.NewInt(id)
}

// SetHeight sets the current head height.
func (c *Client) SetHeight(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = h
}

// AdvanceHeightPerCall makes every BlockNumber call move the head forward by step.
func (c *Client) AdvanceHeightPerCall(step uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heightStep = step
}

// AddTransaction stores a transaction.
func (c *Client) AddTransaction(tx *evm.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[key(tx.Hash)] = tx
}

// AddReceipt stores a receipt.
func (c *Client) AddReceipt(r *evm.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[key(r.TxHash)] = r
}

// SetBalance sets the token balance of owner.
func (c *Client) SetBalance(owner string, balance *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[key(owner)] = balance
}

// SetBalanceError makes TokenBalance fail for owner.
func (c *Client) SetBalanceError(owner string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceErrs[key(owner)] = err
}

// AddLogs appends logs returned by GetLogs.
func (c *Client) AddLogs(logs ...evm.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, logs...)
}

// SetError makes every call of method fail with err. A nil err clears it.
func (c *Client) SetError(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, method)
		return
	}
	c.errs[method] = err
}

// SetSubmitResult sets what SubmitTransfer returns.
func (c *Client) SetSubmitResult(r *evm.Receipt, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitReceipt = r
	c.submitErr = err
}

// Calls returns how many times method was invoked.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Submissions returns the recorded SubmitTransfer calls.
func (c *Client) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Submission, len(c.submissions))
	copy(out, c.submissions)
	return out
}

// begin counts the call and returns the injected error, if any. Caller holds mu.
func (c *Client) begin(method string) error {
	c.calls[method]++
	return c.errs[method]
}

func (c *Client) ChainID(_ context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(MethodChainID); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.chainID), nil
}

func (c *Client) BlockNumber(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(MethodBlockNumber); err != nil {
		return 0, err
	}
	h := c.height
	c.height += c.heightStep
	return h, nil
}

func (c *Client) GetTransaction(_ context.Context, hash string) (*evm.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(MethodGetTransaction); err != nil {
		return nil, err
	}
	tx, ok := c.txs[key(hash)]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

func (c *Client) GetReceipt(_ context.Context, hash string) (*evm.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(MethodGetReceipt); err != nil {
		return nil, err
	}
	r, ok := c.receipts[key(hash)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (c *Client) TokenBalance(_ context.Context, _ string, owner string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(MethodTokenBalance); err != nil {
		return nil, err
	}
	if err := c.balanceErrs[key(owner)]; err != nil {
		return nil, err
	}
	b, ok := c.balances[key(owner)]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b), nil
}

func (c *Client) GetLogs(_ context.Context, filter evm.LogFilter) ([]evm.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(MethodGetLogs); err != nil {
		return nil, err
	}
	var out []evm.Log
	for _, l := range c.logs {
		if filter.FromBlock != nil && l.BlockNumber < *filter.FromBlock {
			continue
		}
		if filter.ToBlock != nil && l.BlockNumber > *filter.ToBlock {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *Client) GasPrice(_ context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(MethodGasPrice); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.gasPrice), nil
}

// SubmitTransfer records the submission and returns the configured result.
func (c *Client) SubmitTransfer(_ context.Context, token, to string, amount *big.Int) (*evm.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[MethodSubmitTransfer]++
	c.submissions = append(c.submissions, Submission{Token: token, To: to, Amount: new(big.Int).Set(amount)})
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	if c.submitReceipt == nil {
		return &evm.Receipt{TxHash: "0x" + strings.Repeat("ab", 32), Status: evm.ReceiptStatusSuccess, BlockNumber: c.height}, nil
	}
	cp := *c.submitReceipt
	return &cp, nil
}

var _ evm.RPCClient = (*Client)(nil)
