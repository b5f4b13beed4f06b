package knowledge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 根据用户需求检索运行时知识。
type Provider interface {
	Query(text string) []Snippet
}

// Snippet 描述可供大模型引用的一段运行时知识。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 在内存中的条目上按关键词重合度排序检索。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库，maxResults 默认为 3。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 按扩展名从 YAML 或 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		decoder := json.NewDecoder(bytes.NewReader(content))
		decoder.DisallowUnknownFields()
		err = decoder.Decode(&entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	for idx, entry := range entries {
		if strings.TrimSpace(entry.Content) == "" {
			return nil, fmt.Errorf("知识条目 %d (%s) 内容为空", idx+1, entry.Title)
		}
	}
	return NewStaticProvider(entries, maxResults), nil
}

type scored struct {
	snippet Snippet
	score   int
	order   int
}

// Query 返回与文本重合关键词最多的条目；没有关键词的通用条目得分为 0，排在最后。
func (p *StaticProvider) Query(text string) []Snippet {
	if p == nil {
		return nil
	}
	text = strings.ToLower(text)

	var hits []scored
	for idx, item := range p.items {
		score, generic := overlap(item, text)
		if score == 0 && !generic {
			continue
		}
		hits = append(hits, scored{snippet: item, score: score, order: idx})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})
	if len(hits) > p.maxResults {
		hits = hits[:p.maxResults]
	}

	results := make([]Snippet, 0, len(hits))
	for _, hit := range hits {
		results = append(results, hit.snippet)
	}
	return results
}

func overlap(snippet Snippet, text string) (score int, generic bool) {
	terms := append(append([]string(nil), snippet.Keywords...), snippet.Tags...)
	generic = true
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		generic = false
		if strings.Contains(text, term) {
			score++
		}
	}
	return score, generic
}

var _ Provider = (*StaticProvider)(nil)
