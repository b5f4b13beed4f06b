package deploy

import (
	"bufio"
	"encoding/json"
	"strings"
)

// Output 是从部署工具标准输出中解析出的结果。
type Output struct {
	DeploymentID string
	Endpoint     string
}

// ParseOutput 支持两种输出格式：
//
//	{"workflow_id": "cre_wf_1a2b", "endpoint": "https://..."}
//	workflow_id: cre_wf_1a2b
//	endpoint: https://...
//
// 多行输出中以最后出现的值为准。缺少部署 ID 时返回 false。
func ParseOutput(stdout string) (Output, bool) {
	var out Output
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var payload struct {
				WorkflowID   string `json:"workflow_id"`
				DeploymentID string `json:"deployment_id"`
				Endpoint     string `json:"endpoint"`
			}
			if json.Unmarshal([]byte(line), &payload) == nil {
				if id := firstNonEmpty(payload.WorkflowID, payload.DeploymentID); id != "" {
					out.DeploymentID = id
				}
				if payload.Endpoint != "" {
					out.Endpoint = strings.TrimSpace(payload.Endpoint)
				}
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "workflow_id", "workflow id", "deployment_id":
			if value != "" {
				out.DeploymentID = value
			}
		case "endpoint":
			if value != "" {
				out.Endpoint = value
			}
		}
	}
	out.DeploymentID = strings.TrimSpace(out.DeploymentID)
	return out, out.DeploymentID != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
