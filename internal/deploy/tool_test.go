package deploy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
)

// TestHelperDeployTool 不是真正的测试，而是被 CLITool 拉起的假部署工具。
func TestHelperDeployTool(t *testing.T) {
	mode := os.Getenv("ONYX_HELPER_DEPLOY")
	if mode == "" {
		return
	}
	defer os.Exit(0)

	switch mode {
	case "ok":
		if _, err := os.Stat("workflow.yaml"); err != nil {
			fmt.Fprint(os.Stderr, "workflow.yaml not found in working directory")
			os.Exit(4)
		}
		if os.Getenv("CRE_API_KEY") == "" {
			fmt.Fprint(os.Stderr, "missing credential")
			os.Exit(5)
		}
		if os.Getenv("UNRELATED_PARENT_VAR") != "" {
			fmt.Fprint(os.Stderr, "environment leaked")
			os.Exit(6)
		}
		fmt.Fprintf(os.Stdout, "workflow_id: cre_wf_helper\nendpoint: https://cre.example/%s\n", os.Getenv("ONYX_HELPER_DEPLOY"))
	case "fail":
		fmt.Fprint(os.Stderr, "deployment rejected")
		os.Exit(3)
	}
}

func helperTool(t *testing.T, mode string) *CLITool {
	t.Helper()
	t.Setenv("ONYX_HELPER_DEPLOY", mode)
	t.Setenv("UNRELATED_PARENT_VAR", "should-not-leak")
	tool, err := NewCLITool(os.Args[0], []string{"-test.run=^TestHelperDeployTool$"}, []string{"ONYX_HELPER_DEPLOY"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tool
}

func TestCLIToolInjectsCredentialsAndMinimalEnv(t *testing.T) {
	tool := helperTool(t, "ok")
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/workflow.yaml", []byte("name: x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := tool.RunDeployTool(context.Background(), dir, map[string]string{"CRE_API_KEY": "k-123456"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d, stderr=%s", res.ExitCode, res.Stderr)
	}
	out, ok := ParseOutput(res.Stdout)
	if !ok || out.DeploymentID != "cre_wf_helper" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
}

func TestCLIToolReportsExitCode(t *testing.T) {
	tool := helperTool(t, "fail")
	res, err := tool.RunDeployTool(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 || !strings.Contains(res.Stderr, "deployment rejected") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCLIToolMissingBinary(t *testing.T) {
	tool, err := NewCLITool("/nonexistent/cre-binary", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tool.RunDeployTool(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestEnvironmentIsMinimal(t *testing.T) {
	t.Setenv("PASS_ME", "yes")
	t.Setenv("SECRET_PARENT", "no")
	tool, _ := NewCLITool("cre", nil, []string{"PASS_ME"})
	env := tool.environment("/work", map[string]string{"CRE_API_KEY": "v"})

	joined := strings.Join(env, "\n")
	for _, want := range []string{"HOME=/work", "PASS_ME=yes", "CRE_API_KEY=v"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in env %v", want, env)
		}
	}
	if strings.Contains(joined, "SECRET_PARENT") {
		t.Fatalf("unexpected variable leaked: %v", env)
	}
}
