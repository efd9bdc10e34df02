package domain

import "time"

// Network selects which ChainConfig the process runs against.
type Network string

const (
	NetworkMain Network = "main"
	NetworkTest Network = "test"
)

// ChainConfig holds static per-network parameters.
// Selected once at startup and never mutated.
type ChainConfig struct {
	Network               Network
	ChainID               int64
	TokenContractAddress  string // lowercase hex
	TokenDecimals         int32
	RequiredConfirmations uint64
	RPCEndpoint           string
	WSEndpoint            string
}

// ConfirmationPolicy governs the confirmation watcher's retry budget.
type ConfirmationPolicy struct {
	RequiredConfirmations uint64
	PollInterval          time.Duration
	MaxAttempts           int
}

// DefaultConfirmationPolicy mirrors the production defaults: 3 blocks, 5s polls, 60 attempts.
func DefaultConfirmationPolicy() ConfirmationPolicy {
	return ConfirmationPolicy{
		RequiredConfirmations: 3,
		PollInterval:          5 * time.Second,
		MaxAttempts:           60,
	}
}
