package proposal

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"OnyxLab-Core/internal/artifact"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/knowledge"
	"OnyxLab-Core/internal/llm"
	"OnyxLab-Core/pkg/logger"
)

// CodeProposalGenerationFailed 表示多次尝试后仍未得到合法的架构图。
const CodeProposalGenerationFailed xerrors.Code = "PROPOSAL_GENERATION_FAILED"

func init() {
	xerrors.Register(CodeProposalGenerationFailed, xerrors.Attributes{
		Message:   "proposal generation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
		Category:  xerrors.CategoryValidation,
	})
}

// defaultMaxAttempts 是单次提案允许的大模型调用次数。
const defaultMaxAttempts = 3

var errNoDiagram = stdErrors.New("response contains no flowchart")

// Engine 驱动提示词到架构图的生成循环。
type Engine struct {
	client      llm.Client
	store       IterationStore
	knowledge   knowledge.Provider
	validate    func(string) error
	maxAttempts int
	callTimeout time.Duration
	now         func() time.Time
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithMaxAttempts 设置单次提案的最大调用次数。
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithCallTimeout 设置单次大模型调用的超时时间。
func WithCallTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.callTimeout = timeout
		}
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(e *Engine) {
		e.knowledge = provider
	}
}

// WithValidator 替换架构图校验函数。
func WithValidator(validate func(string) error) Option {
	return func(e *Engine) {
		if validate != nil {
			e.validate = validate
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建提案引擎。
func NewEngine(client llm.Client, store IterationStore, opts ...Option) *Engine {
	e := &Engine{
		client:      client,
		store:       store,
		validate:    artifact.ValidateDiagramSyntax,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Propose 为用户请求生成第一版或重试的架构图，并追加为新的提案。
func (e *Engine) Propose(ctx context.Context, sessionID, prompt string) (*Iteration, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "需求描述不能为空")
	}
	return e.run(ctx, sessionID, "", proposePrompt(prompt, e.query(prompt)))
}

// Regenerate 根据用户反馈修改上一版架构图，总是产生新的提案，不修改旧提案。
func (e *Engine) Regenerate(ctx context.Context, sessionID, previousDiagram, feedback string) (*Iteration, error) {
	if strings.TrimSpace(feedback) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "反馈内容不能为空")
	}
	return e.run(ctx, sessionID, feedback, regeneratePrompt(previousDiagram, feedback, e.query(feedback)))
}

func (e *Engine) run(ctx context.Context, sessionID, feedback string, prompt llm.Prompt) (*Iteration, error) {
	if e.client == nil || e.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "提案引擎未初始化")
	}

	diagram, err := e.generate(ctx, sessionID, prompt)
	if err != nil {
		return nil, err
	}
	// 取消后不再写入，保证只在成功边界落库。
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	it := &Iteration{
		SessionID: sessionID,
		Diagram:   diagram,
		Feedback:  strings.TrimSpace(feedback),
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.AppendIteration(ctx, it); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存架构提案失败")
	}
	return it, nil
}

// generate 是一个计数循环：每次调用（包括失败的调用）都消耗一次机会。
func (e *Engine) generate(ctx context.Context, sessionID string, base llm.Prompt) (string, error) {
	prompt := base
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		attempts = attempt

		raw, err := e.call(ctx, prompt)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			lastErr = err
			logger.L().Warn("大模型调用失败", slog.String("session_id", sessionID), slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		diagram, ok := artifact.ExtractDiagram(raw)
		if !ok {
			lastErr = errNoDiagram
		} else if err := e.validate(diagram); err != nil {
			lastErr = err
		} else {
			logger.L().Info("架构图生成成功", slog.String("session_id", sessionID), slog.Int("attempt", attempt))
			return diagram, nil
		}

		logger.L().Warn("架构图校验失败", slog.String("session_id", sessionID), slog.Int("attempt", attempt), slog.Any("error", lastErr))
		prompt = prompt.WithCorrection(correctionFor(lastErr))
	}

	return "", xerrors.Wrap(CodeProposalGenerationFailed, lastErr, "多次尝试后仍未生成合法的架构图",
		xerrors.WithMetadata("attempts", strconv.Itoa(attempts)))
}

func (e *Engine) call(ctx context.Context, prompt llm.Prompt) (string, error) {
	callCtx := ctx
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	text, err := e.client.GenerateText(callCtx, prompt)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return "", xerrors.Wrap(xerrors.CodeAIProviderFailure, err, "大模型推理失败")
	}
	return text, nil
}

func (e *Engine) query(text string) []knowledge.Snippet {
	if e.knowledge == nil {
		return nil
	}
	return e.knowledge.Query(text)
}
