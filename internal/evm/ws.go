package evm

import "context"

// WSClient defines EVM WebSocket subscription interface.
type WSClient interface {
	// SubscribeLogs subscribes to logs matching the filter (block range fields are ignored).
	SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan Log, error)

	// Close closes the WebSocket connection.
	Close() error
}
