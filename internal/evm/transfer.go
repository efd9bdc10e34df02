package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is topic0 of the ERC-20 Transfer(address,address,uint256) event.
var TransferTopic = strings.ToLower(crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex())

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Token       string // emitting contract
	From        string
	To          string
	Value       *big.Int
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// DecodeError describes why a log is not a well-formed Transfer event.
type DecodeError struct {
	TxHash   string
	LogIndex uint
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode transfer log %s#%d: %s", e.TxHash, e.LogIndex, e.Reason)
}

// IsTransferLog reports whether the log carries the Transfer signature, well-formed or not.
func IsTransferLog(l Log) bool {
	return len(l.Topics) > 0 && strings.EqualFold(l.Topics[0], TransferTopic)
}

// DecodeTransfer decodes an ERC-20 Transfer log.
// Returns *DecodeError when the signature, topic count or data length is wrong.
func DecodeTransfer(l Log) (*Transfer, error) {
	fail := func(reason string) (*Transfer, error) {
		return nil, &DecodeError{TxHash: l.TxHash, LogIndex: l.LogIndex, Reason: reason}
	}

	if !IsTransferLog(l) {
		return fail("not a Transfer event")
	}
	if len(l.Topics) != 3 {
		return fail(fmt.Sprintf("expected 3 topics, got %d", len(l.Topics)))
	}
	if len(l.Data) != 32 {
		return fail(fmt.Sprintf("expected 32 data bytes, got %d", len(l.Data)))
	}

	from, ok := topicAddress(l.Topics[1])
	if !ok {
		return fail("malformed from topic")
	}
	to, ok := topicAddress(l.Topics[2])
	if !ok {
		return fail("malformed to topic")
	}

	return &Transfer{
		Token:       NormalizeAddress(l.Address),
		From:        from,
		To:          to,
		Value:       new(big.Int).SetBytes(l.Data),
		TxHash:      strings.ToLower(l.TxHash),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.LogIndex,
	}, nil
}

// topicAddress extracts the address from a 32-byte indexed topic.
func topicAddress(topic string) (string, bool) {
	b := common.FromHex(topic)
	if len(b) != 32 {
		return "", false
	}
	return strings.ToLower(common.BytesToAddress(b[12:]).Hex()), true
}

// AddressTopic left-pads an address to a 32-byte topic for log filters.
func AddressTopic(addr string) string {
	return strings.ToLower(common.BytesToHash(common.HexToAddress(addr).Bytes()).Hex())
}

// EncodeTransferCall builds calldata for transfer(to, amount).
func EncodeTransferCall(to string, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, selectorTransfer...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
