package evm

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// DefaultReceiptPollInterval is how often SubmitTransfer polls for the receipt.
const DefaultReceiptPollInterval = 2 * time.Second

// TxBackend is the subset of the RPC surface needed to sign and broadcast transactions.
type TxBackend interface {
	PendingNonce(ctx context.Context, address string) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	GetReceipt(ctx context.Context, hash string) (*Receipt, error)
}

// SubmitError reports a failure after the transaction may have reached the
// network. TxHash identifies the transaction whose outcome is unknown.
type SubmitError struct {
	TxHash string
	Err    error
}

func (e *SubmitError) Error() string {
	return "transaction " + e.TxHash + " outcome unknown: " + e.Err.Error()
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Wallet signs and sends token transfers from a single key.
type Wallet struct {
	backend      TxBackend
	key          *ecdsa.PrivateKey
	address      string
	chainID      *big.Int
	pollInterval time.Duration
}

// NewWallet creates a wallet from a hex private key (with or without 0x prefix).
func NewWallet(backend TxBackend, privateKeyHex string, chainID int64) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return &Wallet{
		backend:      backend,
		key:          key,
		address:      strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		chainID:      big.NewInt(chainID),
		pollInterval: DefaultReceiptPollInterval,
	}, nil
}

// SetReceiptPollInterval overrides the receipt polling interval.
func (w *Wallet) SetReceiptPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// Address returns the wallet address in lowercase hex.
func (w *Wallet) Address() string {
	return w.address
}

// SubmitTransfer sends transfer(to, amount) on the token contract and blocks
// until the receipt is available or ctx ends.
func (w *Wallet) SubmitTransfer(ctx context.Context, token, to string, amount *big.Int) (*Receipt, error) {
	data := EncodeTransferCall(to, amount)

	nonce, err := w.backend.PendingNonce(ctx, w.address)
	if err != nil {
		return nil, errors.Wrap(err, "get nonce")
	}
	gasPrice, err := w.backend.GasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get gas price")
	}
	gas, err := w.backend.EstimateGas(ctx, CallMsg{From: w.address, To: token, Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "estimate gas")
	}

	tokenAddr := common.HexToAddress(token)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &tokenAddr,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}

	// The hash is fixed by the signed payload, so it is known even when the
	// broadcast response never arrives.
	hash := strings.ToLower(signed.Hash().Hex())

	if _, err := w.backend.SendRawTransaction(ctx, raw); err != nil {
		var rpcErr *RPCError
		switch {
		case errors.As(err, &rpcErr) && isAlreadyKnown(rpcErr):
			// A node already holds this exact transaction.
		case errors.As(err, &rpcErr):
			return nil, errors.Wrap(err, "send transaction")
		default:
			return nil, &SubmitError{TxHash: hash, Err: errors.Wrap(err, "send transaction")}
		}
	}

	receipt, err := w.waitReceipt(ctx, hash)
	if err != nil {
		return nil, &SubmitError{TxHash: hash, Err: err}
	}
	return receipt, nil
}

// isAlreadyKnown reports whether the node rejected a broadcast because it
// already has the same transaction.
func isAlreadyKnown(err *RPCError) bool {
	msg := strings.ToLower(err.Message)
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func (w *Wallet) waitReceipt(ctx context.Context, hash string) (*Receipt, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.GetReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			if receipt.TxHash == "" {
				receipt.TxHash = hash
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
