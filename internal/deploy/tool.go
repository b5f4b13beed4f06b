package deploy

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// ToolResult 是一次部署工具调用的原始输出。
type ToolResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Tool 在指定工作目录中执行一次部署。
// 只有无法启动工具或上下文被取消时才返回 error，非零退出码通过 ToolResult 返回。
type Tool interface {
	RunDeployTool(ctx context.Context, workDir string, credentials map[string]string) (ToolResult, error)
}

// ToolFunc 允许使用普通函数实现 Tool。
type ToolFunc func(ctx context.Context, workDir string, credentials map[string]string) (ToolResult, error)

// RunDeployTool 调用函数本身。
func (f ToolFunc) RunDeployTool(ctx context.Context, workDir string, credentials map[string]string) (ToolResult, error) {
	return f(ctx, workDir, credentials)
}

// CLITool 通过本地命令行程序执行部署。
type CLITool struct {
	binary  string
	args    []string
	passEnv []string
}

// NewCLITool 创建命令行部署工具。passEnv 中的变量会从当前进程环境透传给子进程。
func NewCLITool(binary string, args []string, passEnv []string) (*CLITool, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, fmt.Errorf("未指定部署工具路径")
	}
	return &CLITool{
		binary:  binary,
		args:    append([]string(nil), args...),
		passEnv: append([]string(nil), passEnv...),
	}, nil
}

// RunDeployTool 在 workDir 中运行部署命令，凭证只通过环境变量传递。
func (t *CLITool) RunDeployTool(ctx context.Context, workDir string, credentials map[string]string) (ToolResult, error) {
	command := exec.CommandContext(ctx, t.binary, t.args...)
	command.Dir = workDir
	command.Env = t.environment(workDir, credentials)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	result := ToolResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	var exitErr *exec.ExitError
	if stdErrors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("启动部署工具失败: %w", err)
}

// environment 构造最小化的子进程环境。
func (t *CLITool) environment(workDir string, credentials map[string]string) []string {
	env := []string{"HOME=" + workDir}
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	for _, name := range t.passEnv {
		if name == "PATH" || name == "HOME" {
			continue
		}
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	names := make([]string, 0, len(credentials))
	for name := range credentials {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+credentials[name])
	}
	return env
}

var _ Tool = (*CLITool)(nil)
