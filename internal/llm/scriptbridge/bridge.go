package scriptbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"OnyxLab-Core/internal/llm"
)

// Client 通过调用本地脚本生成文本，用于离线演示与联调。
type Client struct {
	executable string
	scriptPath string
	workingDir string
}

// NewClient 创建脚本桥接客户端。
func NewClient(executable, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定脚本路径")
	}
	if executable == "" {
		executable = "python3"
	}
	return &Client{
		executable: executable,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// GenerateText 将提示词以 JSON 写入脚本标准输入，并读取其输出。
// 脚本可以返回 {"text": "..."}，也可以直接输出纯文本。
func (c *Client) GenerateText(ctx context.Context, prompt llm.Prompt) (string, error) {
	payload := map[string]any{
		"system":      prompt.System,
		"prompt":      prompt.UserText(),
		"corrections": prompt.Corrections,
		"timestamp":   time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.executable, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("执行脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	output := bytes.TrimSpace(stdout.Bytes())
	if len(output) == 0 {
		return "", errors.New("脚本没有输出")
	}

	var resp struct {
		Text string `json:"text"`
	}
	if output[0] == '{' && json.Unmarshal(output, &resp) == nil && strings.TrimSpace(resp.Text) != "" {
		return strings.TrimSpace(resp.Text), nil
	}
	return string(output), nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
