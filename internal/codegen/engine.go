package codegen

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"OnyxLab-Core/internal/artifact"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/llm"
	"OnyxLab-Core/pkg/logger"
)

const (
	// CodeCodeGenIncomplete 表示模型始终没有同时返回两个产物。
	CodeCodeGenIncomplete xerrors.Code = "CODEGEN_INCOMPLETE"
	// CodeSchemaValidationFailed 表示 workflow.yaml 始终未通过结构校验。
	CodeSchemaValidationFailed xerrors.Code = "SCHEMA_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeCodeGenIncomplete, xerrors.Attributes{
		Message:   "code generation incomplete",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Category:  xerrors.CategoryValidation,
	})
	xerrors.Register(CodeSchemaValidationFailed, xerrors.Attributes{
		Message:   "workflow schema validation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Category:  xerrors.CategoryValidation,
	})
}

// defaultMaxAttempts 是提取与结构校验共享的大模型调用预算。
const defaultMaxAttempts = 3

// SchemaValidator 校验 workflow.yaml，返回是否通过以及违规项。
type SchemaValidator func(structuredText string) (bool, []string)

// Engine 驱动已批准架构图到可部署产物的生成循环。
type Engine struct {
	client      llm.Client
	validate    SchemaValidator
	maxAttempts int
	callTimeout time.Duration
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithMaxAttempts 设置大模型调用总次数上限。
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

// WithSchemaValidator 替换结构校验函数。
func WithSchemaValidator(validate SchemaValidator) Option {
	return func(e *Engine) {
		if validate != nil {
			e.validate = validate
		}
	}
}

// NewEngine 创建代码生成引擎。
func NewEngine(client llm.Client, opts ...Option) *Engine {
	e := &Engine{
		client:      client,
		validate:    artifact.ValidateSchema,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type failureKind int

const (
	failureNone failureKind = iota
	failureProvider
	failureMissing
	failureSchema
)

// GenerateArtifacts 生成并校验 workflow.yaml 与 function.js，结果不落库。
func (e *Engine) GenerateArtifacts(ctx context.Context, sessionID, prompt, approvedDiagram string) (*artifact.Bundle, error) {
	if e.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "代码生成引擎未初始化")
	}
	if strings.TrimSpace(approvedDiagram) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少已批准的架构图")
	}

	request := generatePrompt(prompt, approvedDiagram)
	var (
		// kept 保存此前已通过提取的产物，纠错轮次只需补齐缺失部分。
		kept           artifact.Bundle
		lastErr        error
		lastKind       = failureNone
		lastViolations []string
		attempts       int
	)

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts = attempt

		raw, err := e.call(ctx, request)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr, lastKind = err, failureProvider
			logger.L().Warn("代码生成调用失败", slog.String("session_id", sessionID), slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		bundle := artifact.ExtractArtifacts(raw).Merge(kept)
		if !bundle.Complete() {
			kept = bundle
			lastErr, lastKind = stdErrors.New("response is missing an artifact"), failureMissing
			logger.L().Warn("代码生成缺少产物", slog.String("session_id", sessionID), slog.Int("attempt", attempt),
				slog.Bool("has_workflow", bundle.WorkflowYAML != ""), slog.Bool("has_function", bundle.FunctionJS != ""))
			request = request.WithCorrection(missingCorrection(bundle))
			continue
		}

		ok, violations := e.validate(bundle.WorkflowYAML)
		if !ok {
			// 不合法的 workflow.yaml 不保留，function.js 留给下一轮复用。
			kept = artifact.Bundle{FunctionJS: bundle.FunctionJS}
			lastErr, lastKind, lastViolations = stdErrors.New(strings.Join(violations, "; ")), failureSchema, violations
			logger.L().Warn("workflow.yaml 未通过校验", slog.String("session_id", sessionID), slog.Int("attempt", attempt),
				slog.Int("violations", len(violations)))
			request = request.WithCorrection(schemaCorrection(violations))
			continue
		}

		logger.L().Info("产物生成成功", slog.String("session_id", sessionID), slog.Int("attempt", attempt))
		return &bundle, nil
	}

	opts := []xerrors.Option{xerrors.WithMetadata("attempts", strconv.Itoa(attempts))}
	switch lastKind {
	case failureMissing, failureProvider:
		return nil, xerrors.Wrap(CodeCodeGenIncomplete, lastErr, "多次尝试后仍缺少部署产物", opts...)
	default:
		if len(lastViolations) > 0 {
			opts = append(opts, xerrors.WithMetadata("violations", strings.Join(lastViolations, "\n")))
		}
		return nil, xerrors.Wrap(CodeSchemaValidationFailed, lastErr, "多次尝试后产物仍未通过校验", opts...)
	}
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
