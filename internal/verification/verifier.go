// Package verification checks that a transaction paid an expected token
// amount to an expected address. It is read-only: no payment state is touched.
package verification

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"token-payment-reconciler/internal/amount"
	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
	"token-payment-reconciler/internal/observability"
)

// Outcome is the machine-readable verification status.
type Outcome string

const (
	OutcomeNotFound Outcome = "not_found"
	OutcomeFailed   Outcome = "failed"
	OutcomeMismatch Outcome = "mismatch"
	OutcomeSuccess  Outcome = "success"
)

// Message returns the human-readable description of the outcome.
func (o Outcome) Message() string {
	switch o {
	case OutcomeNotFound:
		return "Transaction not found"
	case OutcomeFailed:
		return "Transaction failed"
	case OutcomeMismatch:
		return "No matching token transfer found"
	case OutcomeSuccess:
		return "Payment verified successfully"
	default:
		return ""
	}
}

// Gateway is the ledger read surface the verifier needs.
type Gateway interface {
	GetTransaction(ctx context.Context, hash string) (*evm.Transaction, error)
	GetReceipt(ctx context.Context, hash string) (*evm.Receipt, error)
}

// Result is the outcome of one verification.
// Matched fields are only set for OutcomeSuccess.
type Result struct {
	Outcome     Outcome
	TxHash      string
	ToAddress   string
	Amount      string
	Network     domain.Network
	BlockNumber uint64
	LogIndex    uint
}

// Verifier checks payments against receipts. Safe for concurrent use.
type Verifier struct {
	gateway Gateway
	chain   domain.ChainConfig
	logger  *zap.SugaredLogger
}

// NewVerifier creates a verifier for the token of chain.
func NewVerifier(gateway Gateway, chain domain.ChainConfig, logger *zap.SugaredLogger) *Verifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Verifier{gateway: gateway, chain: chain, logger: logger}
}

// Verify reports whether txHash carries a token Transfer to toAddress for amount.
// The first qualifying log wins. An error is returned only for ledger failures.
func (v *Verifier) Verify(ctx context.Context, txHash, toAddress, amt string) (*Result, error) {
	res, err := v.verify(ctx, txHash, toAddress, amt)
	if err != nil {
		observability.RecordVerification("error")
		return nil, err
	}
	observability.RecordVerification(string(res.Outcome))
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, txHash, toAddress, amt string) (*Result, error) {
	res := &Result{TxHash: txHash}

	tx, err := v.gateway.GetTransaction(ctx, txHash)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "get transaction %s", txHash)
	}
	if tx == nil {
		res.Outcome = OutcomeNotFound
		return res, nil
	}

	receipt, err := v.gateway.GetReceipt(ctx, txHash)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "get receipt %s", txHash)
	}
	if receipt == nil || !receipt.Succeeded() {
		res.Outcome = OutcomeFailed
		return res, nil
	}

	for _, l := range receipt.Logs {
		if !evm.SameAddress(l.Address, v.chain.TokenContractAddress) {
			continue
		}

		transfer, err := evm.DecodeTransfer(l)
		if err != nil {
			var decErr *evm.DecodeError
			if errors.As(err, &decErr) {
				observability.RecordDecodeError()
				v.logger.Debugw("skipping undecodable token log", "tx", txHash, "logIndex", l.LogIndex, "reason", decErr.Reason)
			}
			continue
		}

		if !evm.SameAddress(transfer.To, toAddress) || !amount.Matches(transfer.Value, amt) {
			continue
		}

		res.Outcome = OutcomeSuccess
		res.ToAddress = toAddress
		res.Amount = amt
		res.Network = v.chain.Network
		res.BlockNumber = receipt.BlockNumber
		res.LogIndex = transfer.LogIndex
		return res, nil
	}

	res.Outcome = OutcomeMismatch
	return res, nil
}
