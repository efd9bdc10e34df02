package evm

import "math/big"

// Transaction is the subset of an EVM transaction the service inspects.
type Transaction struct {
	Hash        string
	From        string
	To          string // empty for contract creation
	ChainID     *big.Int
	BlockNumber *uint64 // nil while pending
	Nonce       uint64
	Value       *big.Int
	Input       []byte
}

// Receipt status values.
const (
	ReceiptStatusFailed  uint64 = 0
	ReceiptStatusSuccess uint64 = 1
)

// Receipt is a transaction receipt.
type Receipt struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64 // zero when the node did not report one
	Logs        []Log
}

// Succeeded reports whether the receipt indicates successful execution.
func (r *Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccess
}

// Log is a single event log entry.
type Log struct {
	Address     string   // emitting contract, lowercase hex
	Topics      []string // lowercase hex, topic0 is the event signature
	Data        []byte
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Removed     bool // true when the log was dropped by a reorg
}

// LogFilter selects logs for eth_getLogs and eth_subscribe.
type LogFilter struct {
	Addresses []string
	// Topics is positional; a nil entry matches any value at that position.
	Topics    [][]string
	FromBlock *uint64
	ToBlock   *uint64
}

// CallMsg is the argument of eth_call and eth_estimateGas.
type CallMsg struct {
	From string
	To   string
	Data []byte
}
