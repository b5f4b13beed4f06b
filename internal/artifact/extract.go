package artifact

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[ \\t]*([A-Za-z0-9_.+-]*)[^\\n]*\\n(.*?)```")

type fencedBlock struct {
	lang string
	body string
}

func fencedBlocks(raw string) []fencedBlock {
	matches := fencePattern.FindAllStringSubmatch(raw, -1)
	blocks := make([]fencedBlock, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, fencedBlock{
			lang: strings.ToLower(strings.TrimSpace(m[1])),
			body: strings.TrimSpace(m[2]),
		})
	}
	return blocks
}

// ExtractDiagram 从模型原始输出中提取 Mermaid 图。
// 优先使用 ```mermaid 代码块，其次是以 flowchart/graph 开头的任意代码块，
// 最后接受整段以图声明开头的纯文本。
func ExtractDiagram(raw string) (string, bool) {
	blocks := fencedBlocks(raw)
	for _, block := range blocks {
		if block.lang == "mermaid" && block.body != "" {
			return block.body, true
		}
	}
	for _, block := range blocks {
		if looksLikeFlowchart(block.body) {
			return block.body, true
		}
	}
	trimmed := strings.TrimSpace(raw)
	if looksLikeFlowchart(trimmed) {
		return trimmed, true
	}
	return "", false
}

// ExtractArtifacts 从模型原始输出中提取 workflow.yaml 与 function.js。
// 缺失的部分返回空字符串。
func ExtractArtifacts(raw string) Bundle {
	var bundle Bundle
	for _, block := range fencedBlocks(raw) {
		if block.body == "" {
			continue
		}
		switch block.lang {
		case "yaml", "yml":
			if bundle.WorkflowYAML == "" {
				bundle.WorkflowYAML = block.body
			}
		case "javascript", "js", "typescript", "ts":
			if bundle.FunctionJS == "" {
				bundle.FunctionJS = block.body
			}
		}
	}
	return bundle
}

func looksLikeFlowchart(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		return headerPattern.MatchString(line)
	}
	return false
}
