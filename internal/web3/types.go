package web3

import (
	"context"
	"math/big"
)

// ReceiptStatus 描述交易在链上的确认状态。
type ReceiptStatus string

const (
	// ReceiptPending 表示交易尚未被打包，或节点还不知道该交易。
	ReceiptPending ReceiptStatus = "pending"
	// ReceiptConfirmed 表示交易已打包且执行成功。
	ReceiptConfirmed ReceiptStatus = "confirmed"
	// ReceiptFailed 表示交易已打包但执行被回滚。
	ReceiptFailed ReceiptStatus = "failed"
)

// Receipt 汇总支付校验所需的交易回执信息。
type Receipt struct {
	TxHash        string
	Status        ReceiptStatus
	From          string
	Recipient     string
	Value         *big.Int
	BlockNumber   uint64
	Confirmations uint64
}

// ReceiptReader 查询交易回执。找不到交易时返回 ReceiptPending 而不是错误。
type ReceiptReader interface {
	GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines the chain access needed by the payment flow and the
// status endpoint.
type Client interface {
	ReceiptReader
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
