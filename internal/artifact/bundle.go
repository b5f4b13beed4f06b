package artifact

import "strings"

const (
	// WorkflowFileName 是 CRE 工作流定义的文件名。
	WorkflowFileName = "workflow.yaml"
	// FunctionFileName 是 compute 步骤引用的函数源码文件名。
	FunctionFileName = "function.js"
)

// Bundle 是一次代码生成得到的可部署产物。
type Bundle struct {
	WorkflowYAML string `json:"workflow_yaml"`
	FunctionJS   string `json:"function_js"`
}

// Complete 判断两个产物是否都存在。
func (b Bundle) Complete() bool {
	return strings.TrimSpace(b.WorkflowYAML) != "" && strings.TrimSpace(b.FunctionJS) != ""
}

// Merge 用 fallback 中的内容补齐 b 里缺失的产物，b 中已有的内容优先。
func (b Bundle) Merge(fallback Bundle) Bundle {
	if strings.TrimSpace(b.WorkflowYAML) == "" {
		b.WorkflowYAML = fallback.WorkflowYAML
	}
	if strings.TrimSpace(b.FunctionJS) == "" {
		b.FunctionJS = fallback.FunctionJS
	}
	return b
}

// Files 返回落盘时的文件名与内容。
func (b Bundle) Files() map[string]string {
	return map[string]string{
		WorkflowFileName: b.WorkflowYAML,
		FunctionFileName: b.FunctionJS,
	}
}
