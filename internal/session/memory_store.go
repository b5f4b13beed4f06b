package session

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/payment"
	"OnyxLab-Core/internal/proposal"
)

var (
	errPaymentNotFound   = xerrors.New(xerrors.CodeNotFound, "payment not found")
	errIterationNotFound = xerrors.New(xerrors.CodeNotFound, "iteration not found")
)

// MemoryStore 以内存方式保存会话状态，用于测试与单机演示。
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	iterations  map[string][]proposal.Iteration
	payments    map[string]*payment.Payment
	deployments map[string]*DeployedWorkflow
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		iterations:  make(map[string][]proposal.Iteration),
		payments:    make(map[string]*payment.Payment),
		deployments: make(map[string]*DeployedWorkflow),
	}
}

// CreateSession 实现 Store 接口。
func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话已存在")
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// GetSession 返回会话。
func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

// UpdateSession 在状态仍为 expected 时写入会话。
func (m *MemoryStore) UpdateSession(_ context.Context, s *Session, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if current.Status != expected {
		return ErrStaleSession
	}
	next := cloneSession(s)
	next.WalletAddress = current.WalletAddress
	next.Prompt = current.Prompt
	next.CreatedAt = current.CreatedAt
	m.sessions[s.ID] = next
	return nil
}

// ListSessions 返回符合条件的会话。
func (m *MemoryStore) ListSessions(_ context.Context, opts ListOptions) ([]*Session, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if matchesListFilters(s, opts) {
			results = append(results, cloneSession(s))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID > b.ID
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})

	if opts.Offset >= len(results) {
		return []*Session{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func matchesListFilters(s *Session, opts ListOptions) bool {
	if opts.Wallet != "" && normalizeWallet(s.WalletAddress) != opts.Wallet {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if s.Status == status {
			return true
		}
	}
	return false
}

// AppendIteration 分配下一个提案编号并保存。
func (m *MemoryStore) AppendIteration(_ context.Context, it *proposal.Iteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[it.SessionID]; !ok {
		return ErrSessionNotFound
	}
	list := m.iterations[it.SessionID]
	it.Number = len(list) + 1
	it.Approved = false
	m.iterations[it.SessionID] = append(list, *it)
	return nil
}

// ListIterations 按编号升序返回会话的全部提案。
func (m *MemoryStore) ListIterations(_ context.Context, sessionID string) ([]proposal.Iteration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.iterations[sessionID]
	out := make([]proposal.Iteration, len(list))
	copy(out, list)
	return out, nil
}

// LatestIteration 返回编号最大的提案。
func (m *MemoryStore) LatestIteration(_ context.Context, sessionID string) (*proposal.Iteration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.iterations[sessionID]
	if len(list) == 0 {
		return nil, errIterationNotFound
	}
	latest := list[len(list)-1]
	return &latest, nil
}

// ApproveIteration 批准指定提案并清除其他提案的批准标记。
func (m *MemoryStore) ApproveIteration(_ context.Context, sessionID string, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.iterations[sessionID]
	if number < 1 || number > len(list) {
		return errIterationNotFound
	}
	for i := range list {
		list[i].Approved = list[i].Number == number
	}
	return nil
}

// CreatePayment 保存支付请求。
func (m *MemoryStore) CreatePayment(_ context.Context, p *payment.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "支付已存在")
	}
	clone := *p
	m.payments[p.ID] = &clone
	return nil
}

// GetPayment 返回支付记录。
func (m *MemoryStore) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, errPaymentNotFound
	}
	return clonePayment(p), nil
}

// AttachTransaction 绑定交易哈希，同一交易只能绑定一个支付。
func (m *MemoryStore) AttachTransaction(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return errPaymentNotFound
	}
	if p.Verified || p.Status == payment.StatusFailed {
		return xerrors.New(xerrors.CodeAlreadyCompleted, "支付已结束，不能绑定新的交易")
	}
	for _, other := range m.payments {
		if other.ID != id && strings.EqualFold(other.TxHash, txHash) {
			return xerrors.New(xerrors.CodeConflict, "交易已被其他支付使用")
		}
	}
	p.TxHash = txHash
	p.Status = payment.StatusProcessing
	return nil
}

// MarkVerified 将支付标记为已验证，每个会话最多一笔。
func (m *MemoryStore) MarkVerified(_ context.Context, id string, blockNumber uint64, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return errPaymentNotFound
	}
	if p.Verified {
		return nil
	}
	if p.Status == payment.StatusFailed {
		return xerrors.New(xerrors.CodeConflict, "支付已失败")
	}
	for _, other := range m.payments {
		if other.ID != id && other.SessionID == p.SessionID && other.Verified {
			return xerrors.New(xerrors.CodeConflict, "会话已有其他已验证的支付")
		}
	}
	at := verifiedAt
	p.Verified = true
	p.Status = payment.StatusVerified
	p.BlockNumber = blockNumber
	p.VerifiedAt = &at
	return nil
}

// MarkFailed 记录支付失败原因，已验证的支付不会被修改。
func (m *MemoryStore) MarkFailed(_ context.Context, id, code, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return errPaymentNotFound
	}
	if p.Verified {
		return xerrors.New(xerrors.CodeAlreadyCompleted, "支付已验证")
	}
	p.Status = payment.StatusFailed
	p.FailureCode = code
	p.FailureReason = reason
	return nil
}

// VerifiedPayment 返回会话唯一的已验证支付。
func (m *MemoryStore) VerifiedPayment(_ context.Context, sessionID string) (*payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.SessionID == sessionID && p.Verified {
			return clonePayment(p), nil
		}
	}
	return nil, errPaymentNotFound
}

// CreateDeployment 保存部署记录，每个会话只能有一条。
func (m *MemoryStore) CreateDeployment(_ context.Context, d *DeployedWorkflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.SessionID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话已有部署记录")
	}
	clone := *d
	m.deployments[d.SessionID] = &clone
	return nil
}

// GetDeployment 返回会话的部署记录。
func (m *MemoryStore) GetDeployment(_ context.Context, sessionID string) (*DeployedWorkflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[sessionID]
	if !ok {
		return nil, ErrDeploymentNotFound
	}
	clone := *d
	return &clone, nil
}

// WalletStats 聚合钱包的会话、部署与支付情况。
func (m *MemoryStore) WalletStats(_ context.Context, wallet string) (*WalletStats, error) {
	wallet = normalizeWallet(wallet)
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &WalletStats{Address: wallet}
	paid := new(big.Int)
	for _, s := range m.sessions {
		if normalizeWallet(s.WalletAddress) != wallet {
			continue
		}
		stats.TotalSessions++
		if stats.FirstSeen.IsZero() || s.CreatedAt.Before(stats.FirstSeen) {
			stats.FirstSeen = s.CreatedAt
		}
		if s.UpdatedAt.After(stats.LastActive) {
			stats.LastActive = s.UpdatedAt
		}
		if _, ok := m.deployments[s.ID]; ok {
			stats.TotalWorkflows++
		}
		for _, p := range m.payments {
			if p.SessionID == s.ID && p.Verified {
				paid.Add(paid, p.Wei())
			}
		}
	}
	if stats.TotalSessions == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "钱包没有任何会话")
	}
	stats.TotalPaidETH = payment.FormatEther(paid)
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func clonePayment(p *payment.Payment) *payment.Payment {
	clone := *p
	if p.VerifiedAt != nil {
		at := *p.VerifiedAt
		clone.VerifiedAt = &at
	}
	return &clone
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
