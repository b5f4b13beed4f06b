package payment

import (
	"context"
	"math/big"
	"time"

	xerrors "OnyxLab-Core/internal/errors"
)

// Status 描述一次支付尝试所处的阶段。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
)

const (
	// CodePaymentTimeout 表示在轮询上限内交易未被确认。
	CodePaymentTimeout xerrors.Code = "PAYMENT_TIMEOUT"
	// CodePaymentMismatch 表示交易收款地址或金额与支付请求不一致。
	CodePaymentMismatch xerrors.Code = "PAYMENT_MISMATCH"
	// CodePaymentReverted 表示交易已上链但执行失败。
	CodePaymentReverted xerrors.Code = "PAYMENT_REVERTED"
	// CodePaymentExpired 表示支付请求已过期。
	CodePaymentExpired xerrors.Code = "PAYMENT_EXPIRED"
)

func init() {
	xerrors.Register(CodePaymentTimeout, xerrors.Attributes{
		Message:   "payment not confirmed in time",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Category:  xerrors.CategoryExternalTimeout,
	})
	xerrors.Register(CodePaymentMismatch, xerrors.Attributes{
		Message:   "payment does not match the request",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
		Category:  xerrors.CategoryMismatch,
	})
	xerrors.Register(CodePaymentReverted, xerrors.Attributes{
		Message:   "payment transaction reverted",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Category:  xerrors.CategoryMismatch,
	})
	xerrors.Register(CodePaymentExpired, xerrors.Attributes{
		Message:   "payment request expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Category:  xerrors.CategoryMismatch,
	})
}

// Payment 是一次支付尝试。Verified 只会从 false 变为 true。
type Payment struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Protocol      string     `json:"payment_protocol"`
	Amount        string     `json:"amount"`
	AmountWei     string     `json:"amount_wei"`
	Recipient     string     `json:"recipient_address"`
	TxHash        string     `json:"tx_hash,omitempty"`
	Verified      bool       `json:"verified"`
	BlockNumber   uint64     `json:"block_number,omitempty"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	Status        Status     `json:"status"`
	FailureCode   string     `json:"failure_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// Wei 返回以 wei 计的应付金额。
func (p *Payment) Wei() *big.Int {
	value, ok := new(big.Int).SetString(p.AmountWei, 10)
	if !ok {
		return new(big.Int)
	}
	return value
}

// Store 持久化支付记录。
//
// AttachTransaction 将交易哈希绑定到未完成的支付并置为 processing，
// 同一交易哈希只能绑定一个支付。MarkVerified 在同会话已有其他已验证支付时
// 返回 CONFLICT。已验证的支付不能再被 MarkFailed 或 AttachTransaction 修改。
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	AttachTransaction(ctx context.Context, id, txHash string) error
	MarkVerified(ctx context.Context, id string, blockNumber uint64, verifiedAt time.Time) error
	MarkFailed(ctx context.Context, id, code, reason string) error
	VerifiedPayment(ctx context.Context, sessionID string) (*Payment, error)
}
