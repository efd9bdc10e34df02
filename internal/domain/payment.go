package domain

import "math/big"

// PaymentStatus is the reconciliation state of a PaymentRecord.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentDetected  PaymentStatus = "detected"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// String returns the string representation of PaymentStatus.
func (s PaymentStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known value.
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentPending, PaymentDetected, PaymentConfirmed, PaymentFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no transition out of the status is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed
}

// PaymentRecord is an expected inbound token transfer.
type PaymentRecord struct {
	ID                string        // opaque record id
	ExpectedAmountRaw *big.Int      // amount in the token's smallest unit
	Status            PaymentStatus // pending -> detected -> confirmed|failed
	TxHash            *string       // set once on detection, immutable afterwards
	LogIndex          *uint         // position of the matched Transfer log within TxHash
	CreatedAt         int64         // Unix timestamp in milliseconds, FIFO order key
	UpdatedAt         int64         // Unix timestamp in milliseconds
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (p *PaymentRecord) Clone() *PaymentRecord {
	c := *p
	if p.ExpectedAmountRaw != nil {
		c.ExpectedAmountRaw = new(big.Int).Set(p.ExpectedAmountRaw)
	}
	if p.TxHash != nil {
		h := *p.TxHash
		c.TxHash = &h
	}
	if p.LogIndex != nil {
		i := *p.LogIndex
		c.LogIndex = &i
	}
	return &c
}

// PaymentStatusChange describes a single state transition, published downstream.
type PaymentStatusChange struct {
	PaymentID string        `json:"payment_id"`
	From      PaymentStatus `json:"from"`
	To        PaymentStatus `json:"to"`
	TxHash    string        `json:"tx_hash,omitempty"`
	LogIndex  *uint         `json:"log_index,omitempty"`
	ChainID   int64         `json:"chain_id"`
	Timestamp int64         `json:"timestamp"`
}
