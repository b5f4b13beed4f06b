package artifact

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	headerPattern     = regexp.MustCompile(`^(flowchart|graph)(\s+(TD|TB|BT|RL|LR))?\s*;?$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_\-]*`)
	directionPattern  = regexp.MustCompile(`^direction\s+(TD|TB|BT|RL|LR)$`)
)

// edgeTokens 覆盖 Mermaid flowchart 的常用连线写法。
var edgeTokens = []string{"-->", "---", "-.->", "-.-", "==>", "===", "--o", "--x", "<-->"}

// directiveKeywords 是不描述节点或连线的语句。
var directiveKeywords = []string{"classDef ", "class ", "style ", "linkStyle ", "click "}

// ErrEmptyDiagram 表示模型没有返回任何图内容。
var ErrEmptyDiagram = errors.New("diagram is empty")

// DiagramError 指出 Mermaid 源码中第一处语法问题。
type DiagramError struct {
	Line   int
	Reason string
}

func (e *DiagramError) Error() string {
	if e.Line <= 0 {
		return "invalid diagram: " + e.Reason
	}
	return fmt.Sprintf("invalid diagram at line %d: %s", e.Line, e.Reason)
}

// ValidateDiagramSyntax 校验 Mermaid flowchart 是否结构完整。
// 该检查不渲染图形，只保证语法层面可被解析。
func ValidateDiagramSyntax(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyDiagram
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	headerSeen := false
	depth := 0
	edges := 0

	for idx, raw := range lines {
		lineNo := idx + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}

		if !headerSeen {
			if !headerPattern.MatchString(line) {
				return &DiagramError{Line: lineNo, Reason: "diagram must start with a flowchart header such as \"flowchart TD\""}
			}
			headerSeen = true
			continue
		}

		for _, statement := range splitStatements(line) {
			switch {
			case statement == "end":
				depth--
				if depth < 0 {
					return &DiagramError{Line: lineNo, Reason: "\"end\" without matching subgraph"}
				}
				continue
			case strings.HasPrefix(statement, "subgraph"):
				if strings.TrimSpace(strings.TrimPrefix(statement, "subgraph")) == "" {
					return &DiagramError{Line: lineNo, Reason: "subgraph requires a title"}
				}
				if err := checkBalanced(statement); err != "" {
					return &DiagramError{Line: lineNo, Reason: err}
				}
				depth++
				continue
			case directionPattern.MatchString(statement):
				continue
			case isDirective(statement):
				continue
			}

			if !identifierPattern.MatchString(statement) {
				return &DiagramError{Line: lineNo, Reason: fmt.Sprintf("unexpected statement %q", truncate(statement, 40))}
			}
			if err := checkBalanced(statement); err != "" {
				return &DiagramError{Line: lineNo, Reason: err}
			}
			if hasEdge(statement) {
				if danglingEdge(statement) {
					return &DiagramError{Line: lineNo, Reason: "edge has no target node"}
				}
				edges++
			}
		}
	}

	if !headerSeen {
		return ErrEmptyDiagram
	}
	if depth > 0 {
		return &DiagramError{Reason: fmt.Sprintf("%d subgraph(s) not closed with \"end\"", depth)}
	}
	if edges == 0 {
		return &DiagramError{Reason: "diagram has no edges"}
	}
	return nil
}

// splitStatements 按分号拆分一行中的多条语句，忽略引号内的分号。
func splitStatements(line string) []string {
	var (
		out     []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == ';' && !quoted:
			if s := strings.TrimSpace(current.String()); s != "" {
				out = append(out, s)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func checkBalanced(statement string) string {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	quoted := false
	for _, r := range statement {
		if r == '"' {
			quoted = !quoted
			continue
		}
		if quoted {
			continue
		}
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return fmt.Sprintf("unbalanced %q", r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if quoted {
		return "unterminated quoted label"
	}
	if len(stack) > 0 {
		return fmt.Sprintf("unclosed %q", stack[len(stack)-1])
	}
	return ""
}

func hasEdge(statement string) bool {
	stripped := stripLabels(statement)
	for _, token := range edgeTokens {
		if strings.Contains(stripped, token) {
			return true
		}
	}
	return false
}

func danglingEdge(statement string) bool {
	stripped := strings.TrimSpace(stripLabels(statement))
	if strings.HasSuffix(stripped, "|") {
		return true
	}
	for _, token := range edgeTokens {
		if strings.HasSuffix(stripped, token) {
			return true
		}
	}
	return false
}

// stripLabels 去掉节点形状与连线文字中的内容，避免误把标签里的箭头当作连线。
func stripLabels(statement string) string {
	var builder strings.Builder
	depth := 0
	quoted := false
	for _, r := range statement {
		switch {
		case r == '"':
			quoted = !quoted
		case quoted:
		case r == '(' || r == '[' || r == '{':
			depth++
		case r == ')' || r == ']' || r == '}':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

func isDirective(statement string) bool {
	for _, keyword := range directiveKeywords {
		if strings.HasPrefix(statement, keyword) {
			return true
		}
	}
	return false
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
