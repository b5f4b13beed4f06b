package codegen

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/llm"
)

const diagram = "flowchart TD\n  A[Cron] --> B[Fetch price]\n  B --> C[Compare]\n  C --> D[Notify]"

const workflowYAML = `name: eth-price-alert
version: 1.0.0
triggers:
  - type: cron
    schedule: "*/5 * * * *"
steps:
  - id: fetch_price
    type: http_fetch
    url: https://api.example.com/eth-usd
  - id: compare
    type: compute
    function: function.js
    depends_on: [fetch_price]
`

const functionJS = "export default async function main(inputs) {\n  return { drop: inputs.fetch_price.change < -0.05 };\n}"

func fenced(lang, body string) string {
	return "```" + lang + "\n" + body + "\n```\n"
}

type recordingLLM struct {
	mu        sync.Mutex
	responses []string
	prompts   []llm.Prompt
}

func (r *recordingLLM) GenerateText(_ context.Context, prompt llm.Prompt) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := len(r.prompts)
	r.prompts = append(r.prompts, prompt)
	if idx >= len(r.responses) {
		idx = len(r.responses) - 1
	}
	return r.responses[idx], nil
}

func TestGenerateArtifactsFirstTry(t *testing.T) {
	client := &recordingLLM{responses: []string{fenced("yaml", workflowYAML) + fenced("javascript", functionJS)}}
	engine := NewEngine(client)

	bundle, err := engine.GenerateArtifacts(context.Background(), "s-1", "Monitor ETH/USD price and alert on 5% drop", diagram)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(workflowYAML), bundle.WorkflowYAML)
	assert.Equal(t, functionJS, bundle.FunctionJS)
	require.Len(t, client.prompts, 1)

	rendered := client.prompts[0].Render()
	assert.Contains(t, rendered, "workflow.yaml schema")
	assert.Contains(t, rendered, "export default async function main")
	assert.Contains(t, rendered, "A[Cron] --> B[Fetch price]")
}

func TestGenerateArtifactsAsksForMissingPiece(t *testing.T) {
	client := &recordingLLM{responses: []string{
		fenced("yaml", workflowYAML),
		fenced("yaml", workflowYAML) + fenced("js", functionJS),
	}}
	engine := NewEngine(client)

	_, err := engine.GenerateArtifacts(context.Background(), "s-2", "prompt", diagram)
	require.NoError(t, err)
	require.Len(t, client.prompts, 2)
	require.Len(t, client.prompts[1].Corrections, 1)
	assert.Contains(t, client.prompts[1].Corrections[0], "function.js")
	assert.NotContains(t, client.prompts[1].Corrections[0], "```yaml block")
}

func TestGenerateArtifactsKeepsPresentPieceAndMerges(t *testing.T) {
	client := &recordingLLM{responses: []string{
		fenced("yaml", workflowYAML),
		fenced("javascript", functionJS),
	}}
	engine := NewEngine(client)

	bundle, err := engine.GenerateArtifacts(context.Background(), "s-2b", "prompt", diagram)
	require.NoError(t, err)
	require.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[1].Corrections[0], "reply with only the missing file")
	assert.Equal(t, strings.TrimSpace(workflowYAML), bundle.WorkflowYAML)
	assert.Equal(t, functionJS, bundle.FunctionJS)
}

func TestGenerateArtifactsReusesFunctionAfterSchemaFix(t *testing.T) {
	invalid := strings.Replace(workflowYAML, "version: 1.0.0\n", "", 1)
	client := &recordingLLM{responses: []string{
		fenced("yaml", invalid) + fenced("javascript", functionJS),
		fenced("yaml", workflowYAML),
	}}
	engine := NewEngine(client)

	bundle, err := engine.GenerateArtifacts(context.Background(), "s-2c", "prompt", diagram)
	require.NoError(t, err)
	assert.Len(t, client.prompts, 2)
	assert.Equal(t, strings.TrimSpace(workflowYAML), bundle.WorkflowYAML)
	assert.Equal(t, functionJS, bundle.FunctionJS)
}

func TestGenerateArtifactsFeedsViolationsBack(t *testing.T) {
	invalid := strings.Replace(workflowYAML, "    url: https://api.example.com/eth-usd\n", "", 1)
	client := &recordingLLM{responses: []string{
		fenced("yaml", invalid) + fenced("javascript", functionJS),
		fenced("yaml", workflowYAML) + fenced("javascript", functionJS),
	}}
	engine := NewEngine(client)

	_, err := engine.GenerateArtifacts(context.Background(), "s-3", "prompt", diagram)
	require.NoError(t, err)
	require.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[1].Corrections[0], "steps[0].url")
}

func TestGenerateArtifactsSchemaExhaustion(t *testing.T) {
	client := &recordingLLM{responses: []string{fenced("yaml", "name: x\n") + fenced("javascript", functionJS)}}
	engine := NewEngine(client)

	_, err := engine.GenerateArtifacts(context.Background(), "s-4", "prompt", diagram)
	require.Error(t, err)
	assert.Equal(t, CodeSchemaValidationFailed, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryValidation, xerrors.CategoryOf(err))
	assert.Len(t, client.prompts, defaultMaxAttempts)

	xerr, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Contains(t, xerr.Metadata()["violations"], "version: is required")
	assert.Equal(t, "3", xerr.Metadata()["attempts"])
}

func TestGenerateArtifactsIncompleteExhaustion(t *testing.T) {
	client := &recordingLLM{responses: []string{
		fenced("yaml", "name: x\n") + fenced("javascript", functionJS),
		"no code here",
	}}
	engine := NewEngine(client, WithMaxAttempts(2))

	_, err := engine.GenerateArtifacts(context.Background(), "s-5", "prompt", diagram)
	require.Error(t, err)
	assert.Equal(t, CodeCodeGenIncomplete, xerrors.CodeOf(err))
	assert.Len(t, client.prompts, 2)
}

func TestGenerateArtifactsSharedBudgetWithStubValidator(t *testing.T) {
	client := &recordingLLM{responses: []string{fenced("yaml", workflowYAML) + fenced("javascript", functionJS)}}
	validations := 0
	engine := NewEngine(client, WithSchemaValidator(func(string) (bool, []string) {
		validations++
		return false, []string{"always wrong"}
	}))

	_, err := engine.GenerateArtifacts(context.Background(), "s-6", "prompt", diagram)
	require.Error(t, err)
	assert.Equal(t, 3, validations)
	assert.Len(t, client.prompts, 3)
}

func TestGenerateArtifactsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client := llm.ClientFunc(func(ctx context.Context, _ llm.Prompt) (string, error) {
		calls++
		cancel()
		return "", ctx.Err()
	})

	_, err := NewEngine(client).GenerateArtifacts(ctx, "s-7", "prompt", diagram)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestGenerateArtifactsRequiresDiagram(t *testing.T) {
	_, err := NewEngine(&recordingLLM{responses: []string{""}}).GenerateArtifacts(context.Background(), "s", "p", " ")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
