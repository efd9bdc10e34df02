// Package withdrawal sends token from the system wallet after a fixed
// sequence of pre-flight checks.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"token-payment-reconciler/internal/amount"
	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
	"token-payment-reconciler/internal/observability"
)

// Outcome is the machine-readable withdrawal status.
type Outcome string

const (
	OutcomeInvalidInput      Outcome = "invalid_input"
	OutcomeNetworkMismatch   Outcome = "network_mismatch"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeFailed            Outcome = "failed"
	OutcomeSuccess           Outcome = "success"
	OutcomeError             Outcome = "error"
)

// Gateway is the ledger read surface used for pre-flight checks.
type Gateway interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
}

// Submitter signs, sends and awaits a token transfer.
type Submitter interface {
	SubmitTransfer(ctx context.Context, token, to string, amount *big.Int) (*evm.Receipt, error)
}

// Result is the outcome of one withdrawal. Which fields are set depends on Outcome.
type Result struct {
	Outcome   Outcome
	Message   string
	TxHash    string
	ToAddress string
	Amount    string
	Network   domain.Network
	ChainID   int64
	Available string // insufficient_funds only
	Required  string // insufficient_funds only
	Err       error  // error only
}

// Options contains configuration for creating an Executor.
type Options struct {
	Gateway       Gateway
	Submitter     Submitter
	Chain         domain.ChainConfig
	SystemAddress string // sending wallet
	Logger        *zap.SugaredLogger
}

// Executor performs withdrawals. Safe for concurrent use; each call is
// independent and strictly sequential internally.
type Executor struct {
	gateway   Gateway
	submitter Submitter
	chain     domain.ChainConfig
	system    string
	logger    *zap.SugaredLogger
}

// NewExecutor creates a new Executor.
func NewExecutor(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		gateway:   opts.Gateway,
		submitter: opts.Submitter,
		chain:     opts.Chain,
		system:    evm.NormalizeAddress(opts.SystemAddress),
		logger:    logger,
	}
}

// Withdraw transfers amt tokens to toAddress. Checks run in order:
// address and amount format, gateway chain id, recipient reachability, system
// balance, then submission. The first failing check decides the outcome.
// Blocks until the receipt is available or ctx ends.
func (e *Executor) Withdraw(ctx context.Context, toAddress, amt string) *Result {
	start := time.Now()
	res := e.withdraw(ctx, toAddress, amt)
	observability.RecordWithdrawal(string(res.Outcome), time.Since(start).Seconds())
	return res
}

func (e *Executor) withdraw(ctx context.Context, toAddress, amt string) *Result {
	log := e.logger.With("to", toAddress, "amount", amt)

	if !evm.IsValidAddress(toAddress) {
		return &Result{Outcome: OutcomeInvalidInput, Message: "Invalid recipient address"}
	}
	value, err := amount.ToRaw(amt, e.chain.TokenDecimals)
	if err != nil {
		return &Result{Outcome: OutcomeInvalidInput, Message: "Invalid withdrawal amount"}
	}

	chainID, err := e.gateway.ChainID(ctx)
	if err != nil {
		return e.fail(log, pkgerrors.Wrap(err, "get chain id"), "")
	}
	if !chainID.IsInt64() || chainID.Int64() != e.chain.ChainID {
		log.Warnw("gateway connected to wrong network", "chainId", chainID, "expected", e.chain.ChainID)
		return &Result{
			Outcome: OutcomeNetworkMismatch,
			Message: fmt.Sprintf("Connected to wrong network (expected chainId=%d, got=%s)", e.chain.ChainID, chainID),
		}
	}

	// Any balance query failure counts as an unreachable recipient.
	if _, err := e.gateway.TokenBalance(ctx, e.chain.TokenContractAddress, toAddress); err != nil {
		log.Warnw("recipient balance check failed", "error", err)
		return &Result{
			Outcome: OutcomeNetworkMismatch,
			Message: "Recipient address not reachable or not active on this network",
		}
	}

	balance, err := e.gateway.TokenBalance(ctx, e.chain.TokenContractAddress, e.system)
	if err != nil {
		return e.fail(log, pkgerrors.Wrap(err, "get system balance"), "")
	}
	if balance.Cmp(value) < 0 {
		log.Warnw("insufficient system balance", "available", balance.String(), "required", value.String())
		return &Result{
			Outcome:   OutcomeInsufficientFunds,
			Message:   "System wallet has insufficient token balance",
			Available: amount.FromRaw(balance, e.chain.TokenDecimals),
			Required:  amt,
		}
	}

	receipt, err := e.submitter.SubmitTransfer(ctx, e.chain.TokenContractAddress, toAddress, value)
	if err != nil {
		var subErr *evm.SubmitError
		txHash := ""
		if errors.As(err, &subErr) {
			txHash = subErr.TxHash
		}
		return e.fail(log, pkgerrors.Wrap(err, "submit transfer"), txHash)
	}
	if !receipt.Succeeded() {
		log.Warnw("withdrawal reverted", "tx", receipt.TxHash)
		return &Result{Outcome: OutcomeFailed, Message: "Withdraw transaction failed", TxHash: receipt.TxHash}
	}

	log.Infow("withdrawal sent", "tx", receipt.TxHash, "block", receipt.BlockNumber)
	return &Result{
		Outcome:   OutcomeSuccess,
		Message:   "Withdrawal successful",
		TxHash:    receipt.TxHash,
		ToAddress: toAddress,
		Amount:    amt,
		Network:   e.chain.Network,
		ChainID:   e.chain.ChainID,
	}
}

func (e *Executor) fail(log *zap.SugaredLogger, err error, txHash string) *Result {
	log.Errorw("withdrawal error", "error", err, "tx", txHash)
	return &Result{Outcome: OutcomeError, Message: "Withdrawal failed", TxHash: txHash, Err: err}
}
