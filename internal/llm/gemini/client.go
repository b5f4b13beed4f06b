package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"OnyxLab-Core/internal/llm"
)

const defaultModelName = "gemini-2.5-flash"

// Config 描述调用 Gemini API 所需的信息。
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// generator 是 genai.Models 中本包用到的部分，便于测试替换。
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client 通过官方 genai SDK 调用 Gemini。
type Client struct {
	models      generator
	model       string
	temperature float32
}

// NewClient 创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 Gemini 客户端失败: %w", err)
	}
	return newClient(cli.Models, cfg), nil
}

func newClient(models generator, cfg Config) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}
	return &Client{models: models, model: model, temperature: temperature}
}

// Name 返回 provider 与模型名称。
func (c *Client) Name() string { return "gemini:" + c.model }

// GenerateText 发送提示词并拼接首个候选结果的文本片段。
func (c *Client) GenerateText(ctx context.Context, prompt llm.Prompt) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.temperature),
	}
	if system := strings.TrimSpace(prompt.System); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(prompt.UserText()), config)
	if err != nil {
		return "", fmt.Errorf("请求 Gemini 失败: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("Gemini 响应中没有候选结果")
	}

	var builder strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		builder.WriteString(part.Text)
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", errors.New("Gemini 响应内容为空")
	}
	return text, nil
}

var _ llm.Client = (*Client)(nil)
