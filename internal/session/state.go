package session

import (
	"fmt"

	xerrors "OnyxLab-Core/internal/errors"
)

// Status 是会话状态机中的状态。
type Status string

const (
	StatusIdle              Status = "idle"
	StatusAwaitingProposal  Status = "awaitingProposal"
	StatusProposalReady     Status = "proposalReady"
	StatusProposalError     Status = "proposalError"
	StatusPaymentPending    Status = "paymentPending"
	StatusPaymentProcessing Status = "paymentProcessing"
	StatusPaymentVerified   Status = "paymentVerified"
	StatusPaymentFailed     Status = "paymentFailed"
	StatusGeneratingCode    Status = "generatingCode"
	StatusCodeError         Status = "codeError"
	StatusDeploying         Status = "deploying"
	StatusDeployError       Status = "deployError"
	StatusDeployed          Status = "deployed"
)

// Trigger 是驱动状态迁移的事件。
type Trigger string

const (
	TriggerSubmitPrompt      Trigger = "submitPrompt"
	TriggerProposalOK        Trigger = "proposalOK"
	TriggerProposalFail      Trigger = "proposalFail"
	TriggerRetry             Trigger = "retry"
	TriggerReject            Trigger = "reject"
	TriggerApprove           Trigger = "approve"
	TriggerInitiatePay       Trigger = "initiatePay"
	TriggerCancel            Trigger = "cancel"
	TriggerConfirmed         Trigger = "confirmed"
	TriggerRejectedOrTimeout Trigger = "rejectedOrTimeout"
	TriggerAuto              Trigger = "auto"
	TriggerComplete          Trigger = "complete"
	TriggerFail              Trigger = "fail"
	TriggerSuccess           Trigger = "success"
)

type edge struct {
	from    Status
	trigger Trigger
}

// transitions 是完整的状态迁移表，表外的组合一律非法。
// generatingCode 只能从 paymentVerified（auto）或 codeError（retry）进入。
var transitions = map[edge]Status{
	{StatusIdle, TriggerSubmitPrompt}:                   StatusAwaitingProposal,
	{StatusAwaitingProposal, TriggerProposalOK}:         StatusProposalReady,
	{StatusAwaitingProposal, TriggerProposalFail}:       StatusProposalError,
	{StatusProposalError, TriggerRetry}:                 StatusAwaitingProposal,
	{StatusProposalReady, TriggerReject}:                StatusAwaitingProposal,
	{StatusProposalReady, TriggerApprove}:               StatusPaymentPending,
	{StatusPaymentPending, TriggerInitiatePay}:          StatusPaymentProcessing,
	{StatusPaymentPending, TriggerCancel}:               StatusIdle,
	{StatusPaymentProcessing, TriggerConfirmed}:         StatusPaymentVerified,
	{StatusPaymentProcessing, TriggerRejectedOrTimeout}: StatusPaymentFailed,
	{StatusPaymentFailed, TriggerRetry}:                 StatusPaymentPending,
	{StatusPaymentVerified, TriggerAuto}:                StatusGeneratingCode,
	{StatusGeneratingCode, TriggerComplete}:             StatusDeploying,
	{StatusGeneratingCode, TriggerFail}:                 StatusCodeError,
	{StatusCodeError, TriggerRetry}:                     StatusGeneratingCode,
	{StatusDeploying, TriggerSuccess}:                   StatusDeployed,
	{StatusDeploying, TriggerFail}:                      StatusDeployError,
	{StatusDeployError, TriggerRetry}:                   StatusDeploying,
}

// Next 返回 from 在 trigger 作用下的下一个状态。
func Next(from Status, trigger Trigger) (Status, error) {
	to, ok := transitions[edge{from: from, trigger: trigger}]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidTransition,
			fmt.Sprintf("状态 %s 不允许 %s 操作", from, trigger),
			xerrors.WithMetadata("status", string(from)),
			xerrors.WithMetadata("trigger", string(trigger)))
	}
	return to, nil
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusIdle, StatusAwaitingProposal, StatusProposalReady, StatusProposalError,
		StatusPaymentPending, StatusPaymentProcessing, StatusPaymentVerified, StatusPaymentFailed,
		StatusGeneratingCode, StatusCodeError, StatusDeploying, StatusDeployError, StatusDeployed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	return status == StatusDeployed
}

// isWorking 判断状态是否表示有阶段正在执行。
func isWorking(status Status) bool {
	switch status {
	case StatusAwaitingProposal, StatusGeneratingCode, StatusDeploying:
		return true
	default:
		return false
	}
}
