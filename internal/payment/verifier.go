package payment

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/web3"
	"OnyxLab-Core/pkg/logger"
)

const (
	defaultProtocol      = "x402"
	defaultPollInterval  = 3 * time.Second
	defaultPollTimeout   = 60 * time.Second
	defaultConfirmations = 1
	defaultRequestTTL    = 30 * time.Minute
	defaultCacheSize     = 1024
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Result 是一次校验的结果。
type Result struct {
	PaymentID   string    `json:"payment_id"`
	SessionID   string    `json:"session_id"`
	TxHash      string    `json:"tx_hash"`
	Verified    bool      `json:"verified"`
	BlockNumber uint64    `json:"block_number"`
	VerifiedAt  time.Time `json:"verified_at"`
	Cached      bool      `json:"cached"`
}

// Verifier 创建支付请求并在链上校验对应交易。
type Verifier struct {
	reader        web3.ReceiptReader
	store         Store
	recipient     common.Address
	price         *big.Int
	protocol      string
	interval      time.Duration
	timeout       time.Duration
	confirmations uint64
	ttl           time.Duration
	cacheSize     int
	cache         *lru.Cache[string, Result]
	now           func() time.Time
}

// Option 定义可选的 Verifier 配置。
type Option func(*Verifier)

// WithPollInterval 设置回执轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithPollTimeout 设置单次校验的最长等待时间。
func WithPollTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithConfirmations 设置确认所需的区块数。
func WithConfirmations(n uint64) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.confirmations = n
		}
	}
}

// WithRequestTTL 设置支付请求的有效期。
func WithRequestTTL(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.ttl = d
		}
	}
}

// WithCacheSize 设置已验证支付缓存的容量。
func WithCacheSize(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.cacheSize = n
		}
	}
}

// WithProtocol 设置支付协议标识。
func WithProtocol(protocol string) Option {
	return func(v *Verifier) {
		if strings.TrimSpace(protocol) != "" {
			v.protocol = strings.TrimSpace(protocol)
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier 创建支付校验器。price 是最低收费，例如 "0.002"。
func NewVerifier(reader web3.ReceiptReader, store Store, recipient, price string, opts ...Option) (*Verifier, error) {
	if reader == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付校验器缺少链客户端或存储")
	}
	if !common.IsHexAddress(recipient) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的收款地址: %q", recipient))
	}
	minimum, err := ParseEther(price)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的收费金额")
	}

	v := &Verifier{
		reader:        reader,
		store:         store,
		recipient:     common.HexToAddress(recipient),
		price:         minimum,
		protocol:      defaultProtocol,
		interval:      defaultPollInterval,
		timeout:       defaultPollTimeout,
		confirmations: defaultConfirmations,
		ttl:           defaultRequestTTL,
		cacheSize:     defaultCacheSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	cache, err := lru.New[string, Result](v.cacheSize)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化支付缓存失败")
	}
	v.cache = cache
	return v, nil
}

// Recipient 返回收款地址。
func (v *Verifier) Recipient() string { return v.recipient.Hex() }

// Price 返回最低收费（ETH）。
func (v *Verifier) Price() string { return FormatEther(v.price) }

// CreateRequest 记录一笔待支付请求。amount 为空时使用最低收费。
func (v *Verifier) CreateRequest(ctx context.Context, sessionID, amount string) (*Payment, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	wei := new(big.Int).Set(v.price)
	if strings.TrimSpace(amount) != "" {
		parsed, err := ParseEther(amount)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的支付金额")
		}
		if parsed.Cmp(v.price) < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("支付金额 %s ETH 低于最低收费 %s ETH", FormatEther(parsed), FormatEther(v.price)))
		}
		wei = parsed
	}

	now := v.now().UTC()
	p := &Payment{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Protocol:  v.protocol,
		Amount:    FormatEther(wei),
		AmountWei: wei.String(),
		Recipient: v.recipient.Hex(),
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(v.ttl),
	}
	if err := v.store.CreatePayment(ctx, p); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存支付请求失败")
	}
	logger.Audit().Info("创建支付请求",
		slog.String("session_id", sessionID),
		slog.String("payment_id", p.ID),
		slog.String("amount", p.Amount),
		slog.String("recipient", p.Recipient))
	return p, nil
}

// Status 返回支付记录。
func (v *Verifier) Status(ctx context.Context, paymentID string) (*Payment, error) {
	p, err := v.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, storeError(err, "查询支付失败")
	}
	return p, nil
}

// VerifiedPayment 返回会话已验证的支付，不存在时返回 NOT_FOUND。
func (v *Verifier) VerifiedPayment(ctx context.Context, sessionID string) (*Payment, error) {
	p, err := v.store.VerifiedPayment(ctx, sessionID)
	if err != nil {
		return nil, storeError(err, "查询已验证支付失败")
	}
	return p, nil
}

// Verify 轮询链上回执直到交易确认、失败或超时。
// 已验证的支付直接返回缓存结果，不再访问链。
func (v *Verifier) Verify(ctx context.Context, sessionID, paymentID, txHash string) (*Result, error) {
	if cached, ok := v.cache.Get(paymentID); ok && cached.SessionID == sessionID {
		cached.Cached = true
		return &cached, nil
	}

	p, err := v.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, storeError(err, "查询支付失败")
	}
	if p.SessionID != sessionID {
		return nil, xerrors.New(xerrors.CodeNotFound, "支付不属于该会话")
	}
	if p.Verified {
		result := resultOf(p)
		v.cache.Add(p.ID, result)
		result.Cached = true
		return &result, nil
	}
	if p.Status == StatusFailed {
		code := xerrors.Code(p.FailureCode)
		if code == "" {
			code = CodePaymentMismatch
		}
		return nil, xerrors.New(code, p.FailureReason)
	}

	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		txHash = p.TxHash
	}
	if !txHashPattern.MatchString(txHash) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的交易哈希")
	}
	txHash = common.HexToHash(txHash).Hex()

	if !strings.EqualFold(p.TxHash, txHash) {
		if v.now().After(p.ExpiresAt) {
			return nil, v.fail(ctx, p, CodePaymentExpired, fmt.Sprintf("支付请求已于 %s 过期", p.ExpiresAt.Format(time.RFC3339)))
		}
		if err := v.store.AttachTransaction(ctx, p.ID, txHash); err != nil {
			return nil, storeError(err, "绑定交易失败")
		}
		p.TxHash = txHash
		p.Status = StatusProcessing
	}

	receipt, err := v.poll(ctx, p)
	if err != nil {
		return nil, err
	}

	switch {
	case receipt.Status == web3.ReceiptFailed:
		return nil, v.fail(ctx, p, CodePaymentReverted, fmt.Sprintf("交易 %s 在区块 %d 执行失败", txHash, receipt.BlockNumber))
	case !strings.EqualFold(receipt.Recipient, p.Recipient):
		return nil, v.fail(ctx, p, CodePaymentMismatch, fmt.Sprintf("收款地址不一致: 期望 %s, 实际 %s", p.Recipient, receipt.Recipient))
	case receipt.Value == nil || receipt.Value.Cmp(p.Wei()) != 0:
		actual := "0"
		if receipt.Value != nil {
			actual = receipt.Value.String()
		}
		return nil, v.fail(ctx, p, CodePaymentMismatch, fmt.Sprintf("支付金额不一致: 期望 %s wei, 实际 %s wei", p.AmountWei, actual))
	}

	verifiedAt := v.now().UTC()
	if err := v.store.MarkVerified(context.WithoutCancel(ctx), p.ID, receipt.BlockNumber, verifiedAt); err != nil {
		return nil, storeError(err, "标记支付成功失败")
	}
	p.Verified = true
	p.Status = StatusVerified
	p.BlockNumber = receipt.BlockNumber
	p.VerifiedAt = &verifiedAt

	result := resultOf(p)
	v.cache.Add(p.ID, result)
	logger.Audit().Info("支付校验成功",
		slog.String("session_id", sessionID),
		slog.String("payment_id", p.ID),
		slog.String("tx_hash", txHash),
		slog.Uint64("block_number", receipt.BlockNumber))
	return &result, nil
}

// poll 在超时上限内轮询回执，首次查询立即进行。
func (v *Verifier) poll(ctx context.Context, p *Payment) (*web3.Receipt, error) {
	pollCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		receipt, err := v.lookup(pollCtx, p.TxHash)
		switch {
		case err == nil && receipt != nil && receipt.Status == web3.ReceiptFailed:
			return receipt, nil
		case err == nil && receipt != nil && receipt.Status == web3.ReceiptConfirmed && receipt.Confirmations >= v.confirmations:
			return receipt, nil
		case err != nil && pollCtx.Err() == nil:
			logger.L().Warn("查询交易回执失败，稍后重试",
				slog.String("payment_id", p.ID),
				slog.String("tx_hash", p.TxHash),
				slog.Int("attempt", attempts),
				slog.Any("error", err))
		}

		select {
		case <-pollCtx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logger.L().Info("支付确认超时",
				slog.String("payment_id", p.ID),
				slog.String("tx_hash", p.TxHash),
				slog.Int("attempts", attempts))
			return nil, xerrors.New(CodePaymentTimeout,
				fmt.Sprintf("交易 %s 在 %s 内未确认", p.TxHash, v.timeout),
				xerrors.WithMetadata("attempts", strconv.Itoa(attempts)))
		case <-ticker.C:
		}
	}
}

// lookup 在截止时间到达时放弃仍未返回的查询。
func (v *Verifier) lookup(ctx context.Context, txHash string) (*web3.Receipt, error) {
	type outcome struct {
		receipt *web3.Receipt
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		receipt, err := v.reader.GetTransactionReceipt(ctx, txHash)
		done <- outcome{receipt: receipt, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.receipt, out.err
	}
}

func (v *Verifier) fail(ctx context.Context, p *Payment, code xerrors.Code, reason string) error {
	if err := v.store.MarkFailed(context.WithoutCancel(ctx), p.ID, string(code), reason); err != nil {
		logger.L().Error("回写支付失败状态出错", slog.Any("error", err), slog.String("payment_id", p.ID))
	}
	logger.Audit().Warn("支付校验失败",
		slog.String("session_id", p.SessionID),
		slog.String("payment_id", p.ID),
		slog.String("tx_hash", p.TxHash),
		slog.String("error_code", string(code)),
		slog.String("reason", reason))
	return xerrors.New(code, reason, xerrors.WithMetadata("payment_id", p.ID))
}

func resultOf(p *Payment) Result {
	result := Result{
		PaymentID:   p.ID,
		SessionID:   p.SessionID,
		TxHash:      p.TxHash,
		Verified:    p.Verified,
		BlockNumber: p.BlockNumber,
	}
	if p.VerifiedAt != nil {
		result.VerifiedAt = *p.VerifiedAt
	}
	return result
}

func storeError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
