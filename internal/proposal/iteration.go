package proposal

import (
	"context"
	"time"
)

// Iteration 是会话中的一次架构提案，创建后仅 Approved 字段可变。
type Iteration struct {
	SessionID string    `json:"session_id"`
	Number    int       `json:"iteration_number"`
	Diagram   string    `json:"diagram"`
	Feedback  string    `json:"feedback,omitempty"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"created_at"`
}

// IterationStore 持久化架构提案。
//
// AppendIteration 必须原子地分配编号（同会话最新编号 + 1，从 1 开始），
// 并回写到传入的 Iteration 上。ApproveIteration 将指定编号标记为已批准，
// 同时清除该会话其他提案的批准标记。
type IterationStore interface {
	AppendIteration(ctx context.Context, it *Iteration) error
	ListIterations(ctx context.Context, sessionID string) ([]Iteration, error)
	LatestIteration(ctx context.Context, sessionID string) (*Iteration, error)
	ApproveIteration(ctx context.Context, sessionID string, number int) error
}
