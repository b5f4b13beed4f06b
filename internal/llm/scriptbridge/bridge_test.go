package scriptbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"OnyxLab-Core/internal/llm"
)

// TestHelperScript 不是真正的测试，而是被桥接客户端拉起的假脚本。
func TestHelperScript(t *testing.T) {
	mode := os.Getenv("ONYX_HELPER_SCRIPT")
	if mode == "" {
		return
	}
	defer os.Exit(0)

	var req struct {
		System string `json:"system"`
		Prompt string `json:"prompt"`
	}
	raw, _ := io.ReadAll(os.Stdin)
	_ = json.Unmarshal(raw, &req)

	switch mode {
	case "json":
		out, _ := json.Marshal(map[string]string{"text": "echo: " + req.Prompt})
		fmt.Fprint(os.Stdout, string(out))
	case "plain":
		fmt.Fprint(os.Stdout, "flowchart TD\nA-->B\n")
	case "fail":
		fmt.Fprint(os.Stderr, "model offline")
		os.Exit(3)
	}
}

func helperClient(t *testing.T, mode string) *Client {
	t.Helper()
	t.Setenv("ONYX_HELPER_SCRIPT", mode)
	client, err := NewClient(os.Args[0], "-test.run=^TestHelperScript$", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client
}

func TestGenerateTextJSON(t *testing.T) {
	client := helperClient(t, "json")
	text, err := client.GenerateText(context.Background(), llm.Prompt{Task: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(text, "echo: ") || !strings.Contains(text, "hello") {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestGenerateTextPlain(t *testing.T) {
	client := helperClient(t, "plain")
	text, err := client.GenerateText(context.Background(), llm.Prompt{Task: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "flowchart TD\nA-->B" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestGenerateTextFailure(t *testing.T) {
	client := helperClient(t, "fail")
	_, err := client.GenerateText(context.Background(), llm.Prompt{Task: "hello"})
	if err == nil || !strings.Contains(err.Error(), "model offline") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "bridge.py"); got != "/srv/bridge.py" {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := ResolveScriptPath("/srv", "/abs/bridge.py"); got != "/abs/bridge.py" {
		t.Fatalf("unexpected path: %s", got)
	}
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error for empty script path")
	}
}
