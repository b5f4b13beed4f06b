package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"OnyxLab-Core/internal/artifact"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/pkg/logger"
)

// CodeDeploymentFailed 表示部署工具在全部尝试后仍未成功。
const CodeDeploymentFailed xerrors.Code = "DEPLOYMENT_FAILED"

func init() {
	xerrors.Register(CodeDeploymentFailed, xerrors.Attributes{
		Message:   "deployment tool failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
		Category:  xerrors.CategoryToolFailure,
	})
}

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 2 * time.Minute
	maxDetailBytes        = 2048
)

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Result 描述一次成功的部署。
type Result struct {
	DeploymentID string `json:"deployment_id"`
	Endpoint     string `json:"endpoint"`
	Attempts     int    `json:"attempts"`
}

// Runner 负责准备工作目录并有限次地调用部署工具。
type Runner struct {
	tool           Tool
	workDir        string
	maxAttempts    int
	attemptTimeout time.Duration
	credentials    map[string]string
	removeAll      func(string) error
}

// Option 定义 Runner 的可选配置。
type Option func(*Runner)

// WithMaxAttempts 设置最多调用部署工具的次数。
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithAttemptTimeout 设置单次调用的超时时间。
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.attemptTimeout = d
		}
	}
}

// WithCredentials 设置注入部署工具环境的凭证，键为环境变量名。
func WithCredentials(credentials map[string]string) Option {
	return func(r *Runner) {
		r.credentials = make(map[string]string, len(credentials))
		for k, v := range credentials {
			r.credentials[k] = v
		}
	}
}

// NewRunner 创建部署执行器，workDir 为空时使用系统临时目录。
func NewRunner(tool Tool, workDir string, opts ...Option) (*Runner, error) {
	if tool == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置部署工具")
	}
	r := &Runner{
		tool:           tool,
		workDir:        workDir,
		maxAttempts:    defaultMaxAttempts,
		attemptTimeout: defaultAttemptTimeout,
		credentials:    map[string]string{},
		removeAll:      os.RemoveAll,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Deploy 将产物写入独立工作目录后调用部署工具，目录在返回前删除。
func (r *Runner) Deploy(ctx context.Context, sessionID string, bundle artifact.Bundle) (*Result, error) {
	if !bundle.Complete() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "部署产物不完整")
	}

	workspace, err := r.prepare(sessionID, bundle)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := r.removeAll(workspace); err != nil {
			logger.Named("deploy").Warn("清理部署目录失败", slog.String("workspace", workspace), slog.Any("error", err))
		}
	}()

	var detail string
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		out, attemptDetail, err := r.attempt(ctx, workspace)
		if err != nil {
			return nil, err
		}
		if attemptDetail == "" {
			logger.Audit().Info("部署成功",
				slog.String("session_id", sessionID),
				slog.String("deployment_id", out.DeploymentID),
				slog.Int("attempt", attempt))
			return &Result{DeploymentID: out.DeploymentID, Endpoint: out.Endpoint, Attempts: attempt}, nil
		}
		detail = attemptDetail
		logger.Named("deploy").Warn("部署尝试失败",
			slog.String("session_id", sessionID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.maxAttempts),
			slog.String("detail", detail))
	}

	return nil, xerrors.New(CodeDeploymentFailed,
		fmt.Sprintf("部署在 %d 次尝试后失败: %s", r.maxAttempts, detail),
		xerrors.WithMetadata("attempts", strconv.Itoa(r.maxAttempts)),
		xerrors.WithMetadata("detail", detail))
}

// attempt 执行一次部署。返回非空 detail 表示本次失败但可以重试；
// 返回 error 表示调用方上下文已结束，不再重试。
func (r *Runner) attempt(ctx context.Context, workspace string) (Output, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	res, err := r.tool.RunDeployTool(attemptCtx, workspace, r.credentials)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, "", ctxErr
		}
		if attemptCtx.Err() != nil {
			return Output{}, fmt.Sprintf("部署工具在 %s 内未完成", r.attemptTimeout), nil
		}
		return Output{}, r.sanitize(err.Error()), nil
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(res.Stderr)
		if stderr == "" {
			stderr = strings.TrimSpace(res.Stdout)
		}
		return Output{}, fmt.Sprintf("exit code %d: %s", res.ExitCode, r.sanitize(stderr)), nil
	}
	out, ok := ParseOutput(res.Stdout)
	if !ok {
		return Output{}, "无法从部署工具输出中解析 workflow_id: " + r.sanitize(strings.TrimSpace(res.Stdout)), nil
	}
	return out, "", nil
}

func (r *Runner) prepare(sessionID string, bundle artifact.Bundle) (string, error) {
	base := r.workDir
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", xerrors.Wrap(CodeDeploymentFailed, err, "创建部署根目录失败")
		}
	}
	name := unsafeDirChars.ReplaceAllString(sessionID, "_")
	workspace, err := os.MkdirTemp(base, "session-"+name+"-*")
	if err != nil {
		return "", xerrors.Wrap(CodeDeploymentFailed, err, "创建部署目录失败")
	}
	for file, content := range bundle.Files() {
		if err := os.WriteFile(filepath.Join(workspace, file), []byte(content), 0o600); err != nil {
			_ = r.removeAll(workspace)
			return "", xerrors.Wrap(CodeDeploymentFailed, err, "写入部署产物失败")
		}
	}
	return workspace, nil
}

// sanitize 去除凭证并截断过长的输出。
func (r *Runner) sanitize(text string) string {
	for _, value := range r.credentials {
		if strings.TrimSpace(value) != "" {
			text = strings.ReplaceAll(text, value, "***")
		}
	}
	text = logger.Redact(text)
	if len(text) > maxDetailBytes {
		text = strings.ToValidUTF8(text[:maxDetailBytes], "") + "...(truncated)"
	}
	return text
}
