package domain

import "math/big"

// TransferEvent is a token Transfer observed on the ledger.
// Ephemeral: consumed once by the reconciliation engine and journaled, never mutated.
type TransferEvent struct {
	From        string   // lowercase hex address
	To          string   // lowercase hex address
	ValueRaw    *big.Int // smallest-unit value
	TxHash      string   // transaction hash, lowercase hex
	BlockNumber uint64   // inclusion block
	LogIndex    uint     // position of the log within the block
}

// Disposition records what the reconciliation engine did with a TransferEvent.
type Disposition string

const (
	DispositionMatched    Disposition = "matched"
	DispositionUnmatched  Disposition = "unmatched"
	DispositionIgnored    Disposition = "ignored"
	DispositionWrongChain Disposition = "wrong_chain"
	DispositionReverted   Disposition = "reverted"
	DispositionDuplicate  Disposition = "duplicate"
	DispositionError      Disposition = "error"
)

// JournalEntry is the append-only record of one processed TransferEvent.
type JournalEntry struct {
	EntryID     string      // sha256(tx_hash|log_index)
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	From        string
	To          string
	ValueRaw    string // decimal string; avoids precision loss in analytics stores
	Disposition Disposition
	PaymentID   *string // set when Disposition == matched
	ObservedAt  int64   // Unix timestamp in milliseconds
}
