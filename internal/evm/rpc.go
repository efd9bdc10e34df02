package evm

import (
	"context"
	"math/big"
)

// RPCClient defines the read side of an EVM JSON-RPC endpoint.
type RPCClient interface {
	// ChainID returns the chain id the endpoint is serving.
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber returns the current head height.
	BlockNumber(ctx context.Context) (uint64, error)

	// GetTransaction retrieves a transaction by hash. Returns nil, nil if unknown.
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)

	// GetReceipt retrieves a receipt by transaction hash. Returns nil, nil if not mined.
	GetReceipt(ctx context.Context, hash string) (*Receipt, error)

	// TokenBalance returns the ERC-20 balance of owner in raw units.
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)

	// GetLogs returns logs matching the filter.
	GetLogs(ctx context.Context, filter LogFilter) ([]Log, error)

	// GasPrice returns the node's suggested legacy gas price in wei.
	GasPrice(ctx context.Context) (*big.Int, error)
}
