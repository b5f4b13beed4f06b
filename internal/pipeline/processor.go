package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/observability/alerting"
	"OnyxLab-Core/internal/session"
	"OnyxLab-Core/pkg/logger"
)

// alertStage 是自动部署告警中的阶段名。
const alertStage = "auto_deploy"

// Deployer 定义处理器所需的部署能力，由 session.Orchestrator 实现。
type Deployer interface {
	Deploy(ctx context.Context, sessionID string) (*session.Session, *session.DeployedWorkflow, error)
}

// Processor 从队列消费已支付的会话，并驱动代码生成与部署。
type Processor struct {
	deployer    Deployer
	consumer    Consumer
	producer    Producer
	workerCount int
	maxRetries  int
	retryDelay  time.Duration
	alerter     alerting.Dispatcher

	mu       sync.Mutex
	attempts map[string]int
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxRetries 设置可重试失败的最大重投次数。
func WithMaxRetries(n int) ProcessorOption {
	return func(p *Processor) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryDelay 设置重投前的等待时间。
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.retryDelay = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(deployer Deployer, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		deployer:    deployer,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		maxRetries:  2,
		retryDelay:  time.Second,
		attempts:    make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.deployer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置部署队列")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, sessionID string) error {
	s, d, err := p.deployer.Deploy(ctx, sessionID)
	if err == nil {
		p.reset(sessionID)
		logger.Audit().Info("自动部署完成",
			slog.String("session_id", sessionID),
			slog.String("deployment_id", d.DeploymentID))
		return nil
	}

	switch xerrors.CodeOf(err) {
	case xerrors.CodeSessionBusy, xerrors.CodeInvalidTransition, xerrors.CodeNotFound:
		// 会话正被其他操作处理或已不在可部署状态。
		p.reset(sessionID)
		logger.Named("pipeline").Debug("跳过自动部署", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	attempt := p.bump(sessionID)
	retryable := xerrors.RetryableError(err)
	terminal := !retryable || attempt > p.maxRetries
	status := ""
	if s != nil {
		status = string(s.Status)
	}
	logger.Audit().Warn("自动部署失败",
		slog.String("session_id", sessionID),
		slog.String("status", status),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Int("attempt", attempt),
		slog.Bool("terminal", terminal))

	if terminal {
		p.reset(sessionID)
		p.emitAlert(ctx, sessionID, err)
		return err
	}

	if p.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
	if p.producer == nil {
		return err
	}
	if pubErr := p.producer.Publish(ctx, sessionID); pubErr != nil {
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, "重新投递部署任务失败")
		p.emitAlert(ctx, sessionID, wrapped)
		return wrapped
	}
	return nil
}

func (p *Processor) bump(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[sessionID]++
	return p.attempts[sessionID]
}

func (p *Processor) reset(sessionID string) {
	p.mu.Lock()
	delete(p.attempts, sessionID)
	p.mu.Unlock()
}

func (p *Processor) emitAlert(ctx context.Context, sessionID string, cause error) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), alerting.FromError(sessionID, alertStage, cause)); err != nil {
		logger.Named("pipeline").Error("告警通知失败", slog.Any("error", err), slog.String("session_id", sessionID))
	}
}
