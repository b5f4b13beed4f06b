package llm

import (
	"context"
	"fmt"
	"strings"
)

// Prompt 是发送给大模型的结构化提示词。
type Prompt struct {
	// System 描述角色与输出格式约束。
	System string
	// Sections 是按顺序拼接的上下文段落。
	Sections []Section
	// Task 是本轮需要完成的指令。
	Task string
	// Corrections 记录此前输出未通过校验时追加的纠错要求。
	Corrections []string
}

// Section 是提示词中带标题的一段上下文。
type Section struct {
	Title   string
	Content string
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	GenerateText(ctx context.Context, prompt Prompt) (string, error)
}

// ClientFunc 允许用普通函数实现 Client。
type ClientFunc func(ctx context.Context, prompt Prompt) (string, error)

// GenerateText 实现 Client 接口。
func (f ClientFunc) GenerateText(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

// WithKnowledge 将知识切片追加为一个上下文段落。
func (p Prompt) WithKnowledge(cards []KnowledgeCard) Prompt {
	if len(cards) == 0 {
		return p
	}
	var builder strings.Builder
	for idx, card := range cards {
		fmt.Fprintf(&builder, "[%d] %s: %s\n", idx+1, strings.TrimSpace(card.Title), strings.TrimSpace(card.Content))
	}
	p.Sections = append(append([]Section(nil), p.Sections...), Section{
		Title:   "Runtime knowledge",
		Content: strings.TrimRight(builder.String(), "\n"),
	})
	return p
}

// WithCorrection 返回追加了一条纠错要求的新提示词，原提示词不受影响。
func (p Prompt) WithCorrection(correction string) Prompt {
	correction = strings.TrimSpace(correction)
	if correction == "" {
		return p
	}
	p.Corrections = append(append([]string(nil), p.Corrections...), correction)
	return p
}

// UserText 渲染除 System 以外的全部内容，供只接受单条用户消息的 provider 使用。
func (p Prompt) UserText() string {
	var builder strings.Builder
	for _, section := range p.Sections {
		content := strings.TrimSpace(section.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&builder, "## %s\n%s\n\n", strings.TrimSpace(section.Title), content)
	}
	if task := strings.TrimSpace(p.Task); task != "" {
		fmt.Fprintf(&builder, "## Task\n%s\n", task)
	}
	if len(p.Corrections) > 0 {
		builder.WriteString("\n## Corrections\nYour previous answer was rejected. Fix the following and answer again in full:\n")
		for idx, correction := range p.Corrections {
			fmt.Fprintf(&builder, "%d. %s\n", idx+1, correction)
		}
	}
	return strings.TrimSpace(builder.String())
}

// Render 渲染完整提示词。
func (p Prompt) Render() string {
	user := p.UserText()
	system := strings.TrimSpace(p.System)
	if system == "" {
		return user
	}
	return system + "\n\n" + user
}
