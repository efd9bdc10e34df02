package ingestion

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"token-payment-reconciler/internal/evm"
)

const (
	token  = "0x55d398326f99059ff775485246999027b3197955"
	wallet = "0x2222222222222222222222222222222222222222"
	payer  = "0x1111111111111111111111111111111111111111"
)

func transferLog(block uint64, index uint, txHash string, value int64) evm.Log {
	return evm.Log{
		Address:     token,
		Topics:      []string{evm.TransferTopic, evm.AddressTopic(payer), evm.AddressTopic(wallet)},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		TxHash:      txHash,
		LogIndex:    index,
	}
}
