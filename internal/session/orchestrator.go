package session

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"OnyxLab-Core/internal/artifact"
	"OnyxLab-Core/internal/deploy"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/observability/alerting"
	"OnyxLab-Core/internal/observability/metrics"
	"OnyxLab-Core/internal/payment"
	"OnyxLab-Core/internal/proposal"
	"OnyxLab-Core/pkg/logger"
)

const maxPromptLength = 4000

// Proposer 生成与修改架构提案。
type Proposer interface {
	Propose(ctx context.Context, sessionID, prompt string) (*proposal.Iteration, error)
	Regenerate(ctx context.Context, sessionID, previousDiagram, feedback string) (*proposal.Iteration, error)
}

// ArtifactGenerator 根据已批准的架构图生成部署产物。
type ArtifactGenerator interface {
	GenerateArtifacts(ctx context.Context, sessionID, prompt, approvedDiagram string) (*artifact.Bundle, error)
}

// PaymentGateway 创建与校验链上支付。
type PaymentGateway interface {
	CreateRequest(ctx context.Context, sessionID, amount string) (*payment.Payment, error)
	Verify(ctx context.Context, sessionID, paymentID, txHash string) (*payment.Result, error)
	Status(ctx context.Context, paymentID string) (*payment.Payment, error)
}

// Deployer 将产物部署到工作流运行时。
type Deployer interface {
	Deploy(ctx context.Context, sessionID string, bundle artifact.Bundle) (*deploy.Result, error)
}

// Publisher 将已支付的会话投递到自动部署队列。
type Publisher interface {
	Publish(ctx context.Context, sessionID string) error
}

// Archiver 归档已部署的产物。
type Archiver interface {
	Archive(ctx context.Context, d *DeployedWorkflow) error
}

// Dependencies 汇总编排器依赖的组件。
type Dependencies struct {
	Store     Store
	Proposals Proposer
	CodeGen   ArtifactGenerator
	Payments  PaymentGateway
	Deployer  Deployer
}

type operation struct {
	name        string
	cancel      context.CancelFunc
	cancellable bool
	done        chan struct{}
}

// Orchestrator 驱动会话状态机，串联提案、支付、代码生成与部署。
// 同一会话同一时间只允许一个操作，所有状态都通过 Store 持久化。
type Orchestrator struct {
	store     Store
	proposals Proposer
	codegen   ArtifactGenerator
	payments  PaymentGateway
	deployer  Deployer

	locker        Locker
	alerts        alerting.Dispatcher
	publisher     Publisher
	archiver      Archiver
	maxIterations int
	now           func() time.Time

	mu       sync.Mutex
	inflight map[string]*operation
}

// Option 定义编排器的可选配置。
type Option func(*Orchestrator)

// WithLocker 启用分布式会话锁。
func WithLocker(locker Locker) Option {
	return func(o *Orchestrator) { o.locker = locker }
}

// WithAlertDispatcher 设置告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = dispatcher }
}

// WithAutoDeploy 在支付验证后将会话投递到部署队列。
func WithAutoDeploy(publisher Publisher) Option {
	return func(o *Orchestrator) { o.publisher = publisher }
}

// WithArchiver 设置部署产物归档。
func WithArchiver(archiver Archiver) Option {
	return func(o *Orchestrator) { o.archiver = archiver }
}

// WithMaxIterations 设置每个会话的提案次数上限，0 表示不限制。
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxIterations = n
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator 创建会话编排器。
func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Store == nil || deps.Proposals == nil || deps.CodeGen == nil || deps.Payments == nil || deps.Deployer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话编排器缺少依赖组件")
	}
	o := &Orchestrator{
		store:     deps.Store,
		proposals: deps.Proposals,
		codegen:   deps.CodeGen,
		payments:  deps.Payments,
		deployer:  deps.Deployer,
		now:       time.Now,
		inflight:  make(map[string]*operation),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// CreateSession 为钱包创建新的会话，初始状态为 idle。
func (o *Orchestrator) CreateSession(ctx context.Context, wallet, prompt string) (*Session, error) {
	wallet = strings.TrimSpace(wallet)
	if !common.IsHexAddress(wallet) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的钱包地址")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "需求描述不能为空")
	}
	if len([]rune(prompt)) > maxPromptLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("需求描述不能超过 %d 个字符", maxPromptLength))
	}

	now := o.now().UTC()
	s := &Session{
		ID:            uuid.NewString(),
		WalletAddress: normalizeWallet(wallet),
		Prompt:        prompt,
		Status:        StatusIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	logger.Audit().Info("创建会话",
		slog.String("session_id", s.ID),
		slog.String("wallet_address", s.WalletAddress))
	return s, nil
}

// Get 返回会话。
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*Session, error) {
	return o.store.GetSession(ctx, sessionID)
}

// CheckOwner 校验会话属于指定钱包。
func (o *Orchestrator) CheckOwner(ctx context.Context, sessionID, wallet string) error {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if normalizeWallet(wallet) != normalizeWallet(s.WalletAddress) {
		return xerrors.New(xerrors.CodeForbidden, "会话不属于该钱包")
	}
	return nil
}

// Iterations 返回会话的全部提案。
func (o *Orchestrator) Iterations(ctx context.Context, sessionID string) ([]proposal.Iteration, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.store.ListIterations(ctx, sessionID)
}

// History 返回钱包的会话列表。
func (o *Orchestrator) History(ctx context.Context, wallet string, opts ...ListOption) ([]*Session, error) {
	if !common.IsHexAddress(strings.TrimSpace(wallet)) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的钱包地址")
	}
	return o.store.ListSessions(ctx, buildListOptions(wallet, opts))
}

// WalletStats 返回钱包的统计信息。
func (o *Orchestrator) WalletStats(ctx context.Context, wallet string) (*WalletStats, error) {
	if !common.IsHexAddress(strings.TrimSpace(wallet)) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的钱包地址")
	}
	return o.store.WalletStats(ctx, wallet)
}

// Deployment 返回会话的部署记录。
func (o *Orchestrator) Deployment(ctx context.Context, sessionID string) (*DeployedWorkflow, error) {
	return o.store.GetDeployment(ctx, sessionID)
}

// PaymentStatus 返回支付记录。
func (o *Orchestrator) PaymentStatus(ctx context.Context, paymentID string) (*payment.Payment, error) {
	return o.payments.Status(ctx, paymentID)
}

// GenerateProposal 从 idle 提交需求，或在 proposalError 后重试。
// 重试时若有未完成的反馈，会基于上一版架构图重新生成。
func (o *Orchestrator) GenerateProposal(ctx context.Context, sessionID string) (*Session, *proposal.Iteration, error) {
	opCtx, done, err := o.begin(ctx, sessionID, "generate_proposal", true)
	if err != nil {
		return nil, nil, err
	}
	defer done()

	s, err := o.load(opCtx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	trigger := TriggerRetry
	if s.Status == StatusIdle {
		trigger = TriggerSubmitPrompt
	}
	if _, err := Next(s.Status, trigger); err != nil {
		return s, nil, err
	}
	if err := o.checkIterationLimit(s); err != nil {
		return s, nil, err
	}
	if err := o.transition(opCtx, s, trigger, nil); err != nil {
		return s, nil, err
	}
	it, err := o.runProposal(opCtx, s)
	return s, it, err
}

// RegenerateProposal 在用户拒绝当前提案（proposalReady）或失败重试（proposalError）时，
// 带着反馈重新生成架构图。
func (o *Orchestrator) RegenerateProposal(ctx context.Context, sessionID, feedback string) (*Session, *proposal.Iteration, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "反馈内容不能为空")
	}
	opCtx, done, err := o.begin(ctx, sessionID, "regenerate_proposal", true)
	if err != nil {
		return nil, nil, err
	}
	defer done()

	s, err := o.load(opCtx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	trigger := TriggerRetry
	if s.Status == StatusProposalReady {
		trigger = TriggerReject
	}
	if _, err := Next(s.Status, trigger); err != nil {
		return s, nil, err
	}
	if err := o.checkIterationLimit(s); err != nil {
		return s, nil, err
	}
	if err := o.transition(opCtx, s, trigger, func(next *Session) { next.Feedback = feedback }); err != nil {
		return s, nil, err
	}
	it, err := o.runProposal(opCtx, s)
	return s, it, err
}

func (o *Orchestrator) checkIterationLimit(s *Session) error {
	if o.maxIterations > 0 && s.IterationCount >= o.maxIterations {
		return xerrors.New(CodeIterationLimit, fmt.Sprintf("会话已达到 %d 次提案上限", o.maxIterations))
	}
	return nil
}

// runProposal 在 awaitingProposal 状态下调用提案引擎，并落库结果状态。
func (o *Orchestrator) runProposal(ctx context.Context, s *Session) (*proposal.Iteration, error) {
	var (
		it  *proposal.Iteration
		err error
	)
	if s.Feedback != "" {
		latest, latestErr := o.store.LatestIteration(ctx, s.ID)
		switch {
		case latestErr == nil:
			it, err = o.proposals.Regenerate(ctx, s.ID, latest.Diagram, s.Feedback)
		case xerrors.CodeOf(latestErr) == xerrors.CodeNotFound:
			it, err = o.proposals.Propose(ctx, s.ID, s.Prompt+"\n\n"+s.Feedback)
		default:
			err = latestErr
		}
	} else {
		it, err = o.proposals.Propose(ctx, s.ID, s.Prompt)
	}

	if err != nil {
		err = o.cancelled(ctx, err)
		metrics.ObserveStage(metrics.StageProposal, outcomeOf(err))
		if failErr := o.markFailed(ctx, s, TriggerProposalFail, metrics.StageProposal, err); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	metrics.ObserveStage(metrics.StageProposal, metrics.OutcomeSuccess)
	// 提案已经落库，会话状态必须随之更新。
	if err := o.transition(context.WithoutCancel(ctx), s, TriggerProposalOK, func(next *Session) {
		next.IterationCount = it.Number
		next.Feedback = ""
		next.LastError = ""
		next.ErrorCode = ""
	}); err != nil {
		return nil, err
	}
	return it, nil
}

// ApproveProposal 批准最新的提案，会话进入 paymentPending。
func (o *Orchestrator) ApproveProposal(ctx context.Context, sessionID string) (*Session, *proposal.Iteration, error) {
	opCtx, done, err := o.begin(ctx, sessionID, "approve_proposal", false)
	if err != nil {
		return nil, nil, err
	}
	defer done()

	s, err := o.load(opCtx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	it, err := o.approve(opCtx, s)
	return s, it, err
}

func (o *Orchestrator) approve(ctx context.Context, s *Session) (*proposal.Iteration, error) {
	if _, err := Next(s.Status, TriggerApprove); err != nil {
		return nil, err
	}
	latest, err := o.store.LatestIteration(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if err := o.store.ApproveIteration(ctx, s.ID, latest.Number); err != nil {
		return nil, err
	}
	latest.Approved = true
	if err := o.transition(ctx, s, TriggerApprove, nil); err != nil {
		return nil, err
	}
	logger.Audit().Info("批准架构提案",
		slog.String("session_id", s.ID),
		slog.Int("iteration_number", latest.Number))
	return latest, nil
}

// CreatePayment 为会话创建支付请求。proposalReady 时隐式批准最新提案，
// paymentFailed 时重新进入 paymentPending。
func (o *Orchestrator) CreatePayment(ctx context.Context, sessionID, amount string) (*Session, *payment.Payment, error) {
	opCtx, done, err := o.begin(ctx, sessionID, "create_payment", false)
	if err != nil {
		return nil, nil, err
	}
	defer done()

	s, err := o.load(opCtx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	switch s.Status {
	case StatusProposalReady:
		if _, err := o.approve(opCtx, s); err != nil {
			return s, nil, err
		}
	case StatusPaymentFailed:
		if err := o.transition(opCtx, s, TriggerRetry, func(next *Session) {
			next.LastError = ""
			next.ErrorCode = ""
		}); err != nil {
			return s, nil, err
		}
	case StatusPaymentPending:
	default:
		return s, nil, invalidAction(s.Status, "createPayment")
	}

	p, err := o.payments.CreateRequest(opCtx, s.ID, amount)
	if err != nil {
		return s, nil, err
	}
	return s, p, nil
}

// VerifyPayment 校验链上交易。确认后进入 paymentVerified；金额、收款方不符、
// 交易回滚或请求过期进入 paymentFailed；超时保持 paymentProcessing 以便重试。
func (o *Orchestrator) VerifyPayment(ctx context.Context, sessionID, paymentID, txHash string) (*Session, *payment.Result, error) {
	opCtx, done, err := o.begin(ctx, sessionID, "verify_payment", false)
	if err != nil {
		return nil, nil, err
	}
	defer done()

	s, err := o.load(opCtx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	switch s.Status {
	case StatusPaymentPending:
		// 支付记录不存在或不属于该会话时不进入 paymentProcessing。
		p, err := o.payments.Status(opCtx, paymentID)
		if err != nil {
			return s, nil, err
		}
		if p.SessionID != s.ID {
			return s, nil, xerrors.New(xerrors.CodeNotFound, "支付记录不存在")
		}
		if err := o.transition(opCtx, s, TriggerInitiatePay, nil); err != nil {
			return s, nil, err
		}
	case StatusPaymentProcessing:
	case StatusPaymentVerified, StatusGeneratingCode, StatusCodeError, StatusDeploying, StatusDeployError, StatusDeployed:
		// 只有会话已验证的那笔支付返回缓存结果，其他支付不再查询链上交易。
		paid, err := o.store.VerifiedPayment(opCtx, s.ID)
		if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return s, nil, err
		}
		if err != nil || paid.ID != paymentID {
			return s, nil, xerrors.New(xerrors.CodeAlreadyCompleted, "会话已完成支付，不能再校验其他支付",
				xerrors.WithMetadata("status", string(s.Status)))
		}
		res, err := o.payments.Verify(opCtx, s.ID, paymentID, txHash)
		return s, res, err
	default:
		return s, nil, invalidAction(s.Status, "verifyPayment")
	}

	res, err := o.payments.Verify(opCtx, s.ID, paymentID, txHash)
	if err != nil {
		metrics.ObserveStage(metrics.StagePayment, outcomeOf(err))
		if xerrors.CategoryOf(err) == xerrors.CategoryMismatch {
			if failErr := o.markFailed(opCtx, s, TriggerRejectedOrTimeout, metrics.StagePayment, err); failErr != nil {
				return s, nil, failErr
			}
			return s, nil, err
		}
		if xerrors.CodeOf(err) == payment.CodePaymentTimeout {
			o.annotate(opCtx, s, err)
		}
		return s, nil, err
	}

	metrics.ObserveStage(metrics.StagePayment, metrics.OutcomeSuccess)
	if err := o.transition(context.WithoutCancel(opCtx), s, TriggerConfirmed, func(next *Session) {
		next.LastError = ""
		next.ErrorCode = ""
	}); err != nil {
		return s, nil, err
	}
	if o.publisher != nil {
		if err := o.publisher.Publish(context.WithoutCancel(opCtx), s.ID); err != nil {
			logger.L().Error("投递自动部署任务失败", slog.String("session_id", s.ID), slog.Any("error", err))
		}
	}
	return s, res, nil
}

// Deploy 在已验证支付的前提下生成代码并部署。deployed 状态下返回已有部署记录，
// deployError 时使用已保存的产物重新部署。
func (o *Orchestrator) Deploy(ctx context.Context, sessionID string) (*Session, *DeployedWorkflow, error) {
	opCtx, done, err := o.begin(ctx, sessionID, "deploy", true)
	if err != nil {
		return nil, nil, err
	}
	defer done()

	s, err := o.load(opCtx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	switch s.Status {
	case StatusDeployed:
		d, err := o.store.GetDeployment(opCtx, s.ID)
		return s, d, err
	case StatusDeployError:
		if s.PendingBundle == nil || !s.PendingBundle.Complete() {
			return s, nil, xerrors.New(xerrors.CodeConflict, "会话缺少待部署的产物")
		}
		paid, err := o.requireVerifiedPayment(opCtx, s)
		if err != nil {
			return s, nil, err
		}
		if !o.enterDeployStage(opCtx, sessionID) {
			return s, nil, o.cancelled(opCtx, opCtx.Err())
		}
		if err := o.transition(opCtx, s, TriggerRetry, nil); err != nil {
			return s, nil, err
		}
		d, err := o.runDeploy(context.WithoutCancel(opCtx), s, paid)
		return s, d, err
	case StatusPaymentVerified, StatusCodeError:
	default:
		return s, nil, invalidAction(s.Status, "deploy")
	}

	trigger := TriggerAuto
	if s.Status == StatusCodeError {
		trigger = TriggerRetry
	}
	// 每次进入 generatingCode 前都重新确认会话存在已落库的已验证支付。
	paid, err := o.requireVerifiedPayment(opCtx, s)
	if err != nil {
		return s, nil, err
	}
	if err := o.transition(opCtx, s, trigger, nil); err != nil {
		return s, nil, err
	}

	bundle, err := o.runCodegen(opCtx, s)
	if err != nil {
		return s, nil, err
	}

	// 代码生成成功但操作已被取消时不进入部署，会话停在 codeError。
	if !o.enterDeployStage(opCtx, sessionID) {
		err := o.cancelled(opCtx, opCtx.Err())
		if failErr := o.markFailed(opCtx, s, TriggerFail, metrics.StageCodegen, err); failErr != nil {
			return s, nil, failErr
		}
		return s, nil, err
	}
	// 产物只在 generatingCode -> deploying 的边界落库。
	if err := o.transition(context.WithoutCancel(opCtx), s, TriggerComplete, func(next *Session) {
		next.PendingBundle = bundle
		next.LastError = ""
		next.ErrorCode = ""
	}); err != nil {
		return s, nil, err
	}
	d, err := o.runDeploy(context.WithoutCancel(opCtx), s, paid)
	return s, d, err
}

func (o *Orchestrator) requireVerifiedPayment(ctx context.Context, s *Session) (*payment.Payment, error) {
	paid, err := o.store.VerifiedPayment(ctx, s.ID)
	if err == nil && paid.Verified && paid.VerifiedAt != nil {
		return paid, nil
	}
	if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return nil, err
	}
	gateErr := xerrors.New(CodePaymentRequired, "会话没有已验证的支付，不能生成代码",
		xerrors.WithMetadata("status", string(s.Status)))
	logger.Audit().Warn("拒绝进入代码生成", slog.String("session_id", s.ID), slog.String("status", string(s.Status)))
	o.alert(ctx, s.ID, metrics.StageCodegen, gateErr)
	return nil, gateErr
}

func (o *Orchestrator) runCodegen(ctx context.Context, s *Session) (*artifact.Bundle, error) {
	diagram, err := o.approvedDiagram(ctx, s.ID)
	var bundle *artifact.Bundle
	if err == nil {
		bundle, err = o.codegen.GenerateArtifacts(ctx, s.ID, s.Prompt, diagram)
	}
	if err != nil {
		err = o.cancelled(ctx, err)
		metrics.ObserveStage(metrics.StageCodegen, outcomeOf(err))
		if failErr := o.markFailed(ctx, s, TriggerFail, metrics.StageCodegen, err); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}
	metrics.ObserveStage(metrics.StageCodegen, metrics.OutcomeSuccess)
	return bundle, nil
}

func (o *Orchestrator) approvedDiagram(ctx context.Context, sessionID string) (string, error) {
	iterations, err := o.store.ListIterations(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for i := len(iterations) - 1; i >= 0; i-- {
		if iterations[i].Approved {
			return iterations[i].Diagram, nil
		}
	}
	return "", xerrors.New(xerrors.CodeNotFound, "会话没有已批准的架构提案")
}

// runDeploy 在 deploying 状态下调用部署工具。调用方负责传入不可取消的 ctx。
func (o *Orchestrator) runDeploy(ctx context.Context, s *Session, paid *payment.Payment) (*DeployedWorkflow, error) {
	bundle := *s.PendingBundle
	res, err := o.deployer.Deploy(ctx, s.ID, bundle)
	if err != nil {
		metrics.ObserveStage(metrics.StageDeploy, outcomeOf(err))
		if failErr := o.markFailed(ctx, s, TriggerFail, metrics.StageDeploy, err); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}
	metrics.ObserveStage(metrics.StageDeploy, metrics.OutcomeSuccess)

	d := &DeployedWorkflow{
		SessionID:    s.ID,
		DeploymentID: res.DeploymentID,
		Endpoint:     res.Endpoint,
		WorkflowYAML: bundle.WorkflowYAML,
		FunctionJS:   bundle.FunctionJS,
		Status:       DeploymentActive,
		Attempts:     res.Attempts,
		PaymentID:    paid.ID,
		DeployedAt:   o.now().UTC(),
	}
	// 先写部署记录再迁移状态：中途崩溃时 deploying 会在下次访问时补全为 deployed。
	if err := o.store.CreateDeployment(ctx, d); err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeConflict {
			return nil, err
		}
		existing, getErr := o.store.GetDeployment(ctx, s.ID)
		if getErr != nil {
			return nil, getErr
		}
		d = existing
	}
	if err := o.transition(ctx, s, TriggerSuccess, func(next *Session) {
		next.PendingBundle = nil
		next.LastError = ""
		next.ErrorCode = ""
	}); err != nil {
		return nil, err
	}
	logger.Audit().Info("工作流部署完成",
		slog.String("session_id", s.ID),
		slog.String("deployment_id", d.DeploymentID),
		slog.String("payment_id", paid.ID),
		slog.Int("attempts", d.Attempts))

	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, d); err != nil {
			logger.L().Warn("归档部署产物失败", slog.String("session_id", s.ID), slog.Any("error", err))
		}
	}
	return d, nil
}

// Cancel 取消正在执行的提案或代码生成阶段，或把 paymentPending 的会话退回 idle。
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (*Session, bool, error) {
	o.mu.Lock()
	op, running := o.inflight[sessionID]
	cancellable := running && op.cancellable
	if cancellable {
		op.cancel()
	}
	o.mu.Unlock()

	if running {
		if !cancellable {
			return nil, false, xerrors.New(xerrors.CodeSessionBusy, fmt.Sprintf("会话正在执行 %s，无法取消", op.name))
		}
		select {
		case <-op.done:
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
		s, err := o.store.GetSession(ctx, sessionID)
		return s, true, err
	}

	opCtx, done, err := o.begin(ctx, sessionID, "cancel", false)
	if err != nil {
		return nil, false, err
	}
	defer done()

	s, err := o.load(opCtx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := o.transition(opCtx, s, TriggerCancel, nil); err != nil {
		return s, false, err
	}
	return s, true, nil
}

// ResumeVerified 将所有停留在 paymentVerified 的会话重新投递到部署队列，用于启动恢复。
func (o *Orchestrator) ResumeVerified(ctx context.Context) (int, error) {
	if o.publisher == nil {
		return 0, nil
	}
	const pageSize = 100
	published := 0
	for offset := 0; ; offset += pageSize {
		sessions, err := o.store.ListSessions(ctx, ListOptions{
			Limit:    pageSize,
			Offset:   offset,
			Statuses: []Status{StatusPaymentVerified},
			Order:    SortByUpdatedAsc,
		})
		if err != nil {
			return published, err
		}
		for _, s := range sessions {
			if err := o.publisher.Publish(ctx, s.ID); err != nil {
				return published, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递自动部署任务失败")
			}
			published++
		}
		if len(sessions) < pageSize {
			return published, nil
		}
	}
}

// begin 登记会话上的操作，同一会话已有操作时返回 SESSION_BUSY。
func (o *Orchestrator) begin(ctx context.Context, sessionID, name string, cancellable bool) (context.Context, func(), error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	opCtx, cancel := context.WithCancel(ctx)
	op := &operation{name: name, cancel: cancel, cancellable: cancellable, done: make(chan struct{})}

	o.mu.Lock()
	if current, ok := o.inflight[sessionID]; ok {
		o.mu.Unlock()
		cancel()
		return nil, nil, xerrors.New(xerrors.CodeSessionBusy, fmt.Sprintf("会话正在执行 %s", current.name),
			xerrors.WithMetadata("session_id", sessionID))
	}
	o.inflight[sessionID] = op
	o.mu.Unlock()

	release := func() {}
	if o.locker != nil {
		unlock, err := o.locker.Acquire(ctx, sessionID)
		if err != nil {
			o.finish(sessionID, op)
			return nil, nil, err
		}
		release = unlock
	}
	return opCtx, func() {
		release()
		o.finish(sessionID, op)
	}, nil
}

func (o *Orchestrator) finish(sessionID string, op *operation) {
	o.mu.Lock()
	if o.inflight[sessionID] == op {
		delete(o.inflight, sessionID)
	}
	o.mu.Unlock()
	op.cancel()
	close(op.done)
}

// enterDeployStage 标记部署阶段开始，此后该操作不再响应取消。
// 与 Cancel 在同一把锁下判断，操作已被取消时返回 false。
func (o *Orchestrator) enterDeployStage(ctx context.Context, sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if op, ok := o.inflight[sessionID]; ok {
		op.cancellable = false
	}
	return true
}

// load 读取会话，并把上次中断的阶段收敛到可恢复的状态。
func (o *Orchestrator) load(ctx context.Context, sessionID string) (*Session, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !isWorking(s.Status) {
		return s, nil
	}

	interrupted := xerrors.New(CodeStageInterrupted, fmt.Sprintf("阶段 %s 未正常结束", s.Status))
	logger.L().Warn("恢复中断的会话阶段", slog.String("session_id", s.ID), slog.String("status", string(s.Status)))
	switch s.Status {
	case StatusAwaitingProposal:
		err = o.markFailed(ctx, s, TriggerProposalFail, metrics.StageProposal, interrupted)
	case StatusGeneratingCode:
		err = o.markFailed(ctx, s, TriggerFail, metrics.StageCodegen, interrupted)
	case StatusDeploying:
		_, getErr := o.store.GetDeployment(ctx, s.ID)
		switch {
		case getErr == nil:
			err = o.transition(ctx, s, TriggerSuccess, func(next *Session) {
				next.PendingBundle = nil
				next.LastError = ""
				next.ErrorCode = ""
			})
		case xerrors.CodeOf(getErr) == xerrors.CodeNotFound:
			err = o.markFailed(ctx, s, TriggerFail, metrics.StageDeploy, interrupted)
		default:
			err = getErr
		}
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// transition 以比较并交换的方式持久化状态迁移，成功后更新 s。
func (o *Orchestrator) transition(ctx context.Context, s *Session, trigger Trigger, mutate func(*Session)) error {
	to, err := Next(s.Status, trigger)
	if err != nil {
		return err
	}
	from := s.Status
	next := cloneSession(s)
	next.Status = to
	next.UpdatedAt = o.now().UTC()
	if mutate != nil {
		mutate(next)
	}
	if err := o.store.UpdateSession(ctx, next, from); err != nil {
		return err
	}
	*s = *next
	metrics.ObserveTransition(string(to))
	logger.Audit().Info("会话状态迁移",
		slog.String("session_id", s.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("trigger", string(trigger)))
	return nil
}

// markFailed 将会话迁移到失败状态并记录错误，取消之后也必须落库。
func (o *Orchestrator) markFailed(ctx context.Context, s *Session, trigger Trigger, stage string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	code := xerrors.CodeOf(cause)
	detail := errorDetail(cause)
	if err := o.transition(ctx, s, trigger, func(next *Session) {
		next.LastError = detail
		next.ErrorCode = string(code)
	}); err != nil {
		logger.L().Error("记录会话失败状态出错", slog.String("session_id", s.ID), slog.Any("error", err))
		return err
	}
	logger.L().Warn("会话阶段失败",
		slog.String("session_id", s.ID),
		slog.String("stage", stage),
		slog.String("error_code", string(code)),
		slog.String("detail", detail))
	o.alert(ctx, s.ID, stage, cause)
	return nil
}

// annotate 记录错误但不改变状态。
func (o *Orchestrator) annotate(ctx context.Context, s *Session, cause error) {
	next := cloneSession(s)
	next.LastError = errorDetail(cause)
	next.ErrorCode = string(xerrors.CodeOf(cause))
	next.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateSession(context.WithoutCancel(ctx), next, s.Status); err != nil {
		logger.L().Warn("记录会话错误信息失败", slog.String("session_id", s.ID), slog.Any("error", err))
		return
	}
	*s = *next
}

func (o *Orchestrator) alert(ctx context.Context, sessionID, stage string, err error) {
	if o.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := o.alerts.Notify(context.WithoutCancel(ctx), alerting.FromError(sessionID, stage, err)); notifyErr != nil {
		logger.L().Warn("发送告警失败", slog.String("session_id", sessionID), slog.Any("error", notifyErr))
	}
}

// cancelled 把因取消导致的错误统一为 CANCELLED。
func (o *Orchestrator) cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil && (stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded)) {
		return xerrors.Wrap(xerrors.CodeCancelled, err, "操作已取消")
	}
	return err
}

func invalidAction(from Status, action string) error {
	return xerrors.New(xerrors.CodeInvalidTransition,
		fmt.Sprintf("状态 %s 不允许 %s 操作", from, action),
		xerrors.WithMetadata("status", string(from)),
		xerrors.WithMetadata("trigger", action))
}

func errorDetail(err error) string {
	if e, ok := xerrors.From(err); ok {
		if cause := stdErrors.Unwrap(e); cause != nil {
			return logger.Redact(e.Message() + ": " + cause.Error())
		}
		return logger.Redact(e.Message())
	}
	return logger.Redact(err.Error())
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case xerrors.CodeOf(err) == xerrors.CodeCancelled, stdErrors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	case xerrors.CategoryOf(err) == xerrors.CategoryExternalTimeout, xerrors.CodeOf(err) == xerrors.CodeTimeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailure
	}
}
