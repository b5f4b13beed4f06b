package session

import (
	"context"

	"OnyxLab-Core/internal/payment"
	"OnyxLab-Core/internal/proposal"
)

// Store 抽象了会话及其关联实体的持久化接口。
//
// UpdateSession 以 expected 作为比较条件写入会话的全部可变字段，
// 状态已被其他操作修改时返回 ErrStaleSession。CreateDeployment 在会话
// 已有部署记录时返回 CONFLICT。
type Store interface {
	proposal.IterationStore
	payment.Store

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session, expected Status) error
	ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error)

	CreateDeployment(ctx context.Context, d *DeployedWorkflow) error
	GetDeployment(ctx context.Context, sessionID string) (*DeployedWorkflow, error)

	WalletStats(ctx context.Context, wallet string) (*WalletStats, error)
	Close() error
}
