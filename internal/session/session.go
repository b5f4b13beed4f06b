package session

import (
	"time"

	"OnyxLab-Core/internal/artifact"
	xerrors "OnyxLab-Core/internal/errors"
)

// Session 是一次从需求描述到部署完成的完整流程。会话不会被删除。
type Session struct {
	ID             string           `json:"id"`
	WalletAddress  string           `json:"wallet_address"`
	Prompt         string           `json:"prompt"`
	Status         Status           `json:"status"`
	IterationCount int              `json:"iteration_count"`
	Feedback       string           `json:"feedback,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	PendingBundle  *artifact.Bundle `json:"-"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// DeployedWorkflow 是会话成功部署后的记录，每个会话最多一条。
type DeployedWorkflow struct {
	SessionID    string    `json:"session_id"`
	DeploymentID string    `json:"cre_workflow_id"`
	Endpoint     string    `json:"endpoint,omitempty"`
	WorkflowYAML string    `json:"yaml_content"`
	FunctionJS   string    `json:"js_content"`
	Status       string    `json:"cre_status"`
	Attempts     int       `json:"attempts"`
	PaymentID    string    `json:"payment_id"`
	DeployedAt   time.Time `json:"deployed_at"`
}

// DeploymentActive 是部署成功后的运行状态。
const DeploymentActive = "active"

// WalletStats 汇总钱包维度的使用情况。
type WalletStats struct {
	Address        string    `json:"address"`
	FirstSeen      time.Time `json:"first_seen"`
	LastActive     time.Time `json:"last_active"`
	TotalSessions  int       `json:"total_sessions"`
	TotalWorkflows int       `json:"total_workflows"`
	TotalPaidETH   string    `json:"total_paid_eth"`
}

const (
	// CodePaymentRequired 表示会话尚无已验证的支付，不能进入代码生成。
	CodePaymentRequired xerrors.Code = "PAYMENT_REQUIRED"
	// CodeIterationLimit 表示提案次数达到了配置的上限。
	CodeIterationLimit xerrors.Code = "ITERATION_LIMIT"
	// CodeStageInterrupted 表示上一次执行的阶段没有正常结束（例如进程重启）。
	CodeStageInterrupted xerrors.Code = "STAGE_INTERRUPTED"
)

var (
	// ErrSessionNotFound 表示会话不存在。
	ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")
	// ErrDeploymentNotFound 表示会话还没有部署记录。
	ErrDeploymentNotFound = xerrors.New(xerrors.CodeNotFound, "deployment not found")
	// ErrStaleSession 表示会话状态已被其他操作修改。
	ErrStaleSession = xerrors.New(xerrors.CodeConflict, "session was modified concurrently", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodePaymentRequired, xerrors.Attributes{
		Message:   "verified payment required",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
		Category:  xerrors.CategoryState,
	})
	xerrors.Register(CodeIterationLimit, xerrors.Attributes{
		Message:   "proposal iteration limit reached",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Category:  xerrors.CategoryState,
	})
	xerrors.Register(CodeStageInterrupted, xerrors.Attributes{
		Message:   "stage interrupted",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Category:  xerrors.CategoryState,
	})
}

func cloneSession(s *Session) *Session {
	clone := *s
	if s.PendingBundle != nil {
		bundle := *s.PendingBundle
		clone.PendingBundle = &bundle
	}
	return &clone
}
