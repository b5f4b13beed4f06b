package session

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OnyxLab-Core/internal/codegen"
	"OnyxLab-Core/internal/deploy"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/llm"
	"OnyxLab-Core/internal/observability/alerting"
	"OnyxLab-Core/internal/payment"
	"OnyxLab-Core/internal/proposal"
	"OnyxLab-Core/internal/web3"
)

const (
	testRecipient = "0x1111111111111111111111111111111111111111"
	testPrompt    = "Monitor ETH/USD price and alert on 5% drop"
	diagramReply  = "```mermaid\nflowchart TD\n  A[Fetch ETH/USD] --> B{Drop > 5%?}\n  B -->|yes| C[Alert]\n```"
	workflowYAML  = `name: eth-price-alert
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
	functionJS = "export default async function main(inputs) {\n  return { drop: inputs.fetch_price.change < -0.05 };\n}"

	codegenReply = "```yaml\n" + workflowYAML + "\n```\n```javascript\n" + functionJS + "\n```\n"
)

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func priceWei() *big.Int {
	return big.NewInt(2_000_000_000_000_000)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) codes() []xerrors.Code {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]xerrors.Code, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Code)
	}
	return out
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingPublisher) Publish(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, sessionID)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

type harness struct {
	store  *MemoryStore
	orch   *Orchestrator
	alerts *recordingDispatcher

	mu       sync.Mutex
	propose  func(ctx context.Context) (string, error)
	generate func(ctx context.Context) (string, error)
	receipts map[string]*web3.Receipt
	tool     func(ctx context.Context) (deploy.ToolResult, error)

	codegenCalls atomic.Int32
	toolCalls    atomic.Int32
	receiptCalls atomic.Int32
	frozen       atomic.Pointer[time.Time]
}

// now 是支付校验与编排器共用的时钟，freeze 之后返回固定时间。
func (h *harness) now() time.Time {
	if at := h.frozen.Load(); at != nil {
		return *at
	}
	return time.Now()
}

func (h *harness) freeze(at time.Time) {
	h.frozen.Store(&at)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		alerts:   &recordingDispatcher{},
		receipts: make(map[string]*web3.Receipt),
		propose: func(context.Context) (string, error) {
			return diagramReply, nil
		},
		generate: func(context.Context) (string, error) {
			return codegenReply, nil
		},
		tool: func(context.Context) (deploy.ToolResult, error) {
			return deploy.ToolResult{Stdout: `{"workflow_id":"cre_wf_1a2b","endpoint":"https://cre.example.com/wf/1a2b"}`}, nil
		},
	}

	proposer := proposal.NewEngine(llm.ClientFunc(func(ctx context.Context, _ llm.Prompt) (string, error) {
		h.mu.Lock()
		fn := h.propose
		h.mu.Unlock()
		return fn(ctx)
	}), h.store, proposal.WithMaxAttempts(1))

	generator := codegen.NewEngine(llm.ClientFunc(func(ctx context.Context, _ llm.Prompt) (string, error) {
		h.codegenCalls.Add(1)
		h.mu.Lock()
		fn := h.generate
		h.mu.Unlock()
		return fn(ctx)
	}))

	reader := receiptFunc(func(_ context.Context, hash string) (*web3.Receipt, error) {
		h.receiptCalls.Add(1)
		h.mu.Lock()
		defer h.mu.Unlock()
		if r, ok := h.receipts[hash]; ok {
			clone := *r
			return &clone, nil
		}
		return &web3.Receipt{TxHash: hash, Status: web3.ReceiptPending}, nil
	})
	verifier, err := payment.NewVerifier(reader, h.store, testRecipient, "0.002",
		payment.WithPollInterval(5*time.Millisecond),
		payment.WithPollTimeout(150*time.Millisecond),
		payment.WithClock(h.now))
	require.NoError(t, err)

	runner, err := deploy.NewRunner(deploy.ToolFunc(func(ctx context.Context, _ string, _ map[string]string) (deploy.ToolResult, error) {
		h.toolCalls.Add(1)
		h.mu.Lock()
		fn := h.tool
		h.mu.Unlock()
		return fn(ctx)
	}), t.TempDir(), deploy.WithMaxAttempts(2), deploy.WithAttemptTimeout(5*time.Second))
	require.NoError(t, err)

	all := append([]Option{WithAlertDispatcher(h.alerts), WithClock(h.now)}, opts...)
	h.orch, err = NewOrchestrator(Dependencies{
		Store:     h.store,
		Proposals: proposer,
		CodeGen:   generator,
		Payments:  verifier,
		Deployer:  runner,
	}, all...)
	require.NoError(t, err)
	return h
}

type receiptFunc func(ctx context.Context, hash string) (*web3.Receipt, error)

func (f receiptFunc) GetTransactionReceipt(ctx context.Context, hash string) (*web3.Receipt, error) {
	return f(ctx, hash)
}

func (h *harness) setReceipt(hash string, value *big.Int, recipient string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.receipts[hash] = &web3.Receipt{
		TxHash:        hash,
		Status:        web3.ReceiptConfirmed,
		Recipient:     recipient,
		Value:         value,
		BlockNumber:   100,
		Confirmations: 3,
	}
}

func (h *harness) setPropose(fn func(ctx context.Context) (string, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.propose = fn
}

func (h *harness) setGenerate(fn func(ctx context.Context) (string, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generate = fn
}

func (h *harness) setTool(fn func(ctx context.Context) (deploy.ToolResult, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tool = fn
}

// paid 把会话推进到 paymentVerified。
func (h *harness) paid(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	_, _, err = h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)
	_, p, err := h.orch.CreatePayment(ctx, s.ID, "")
	require.NoError(t, err)
	h.setReceipt(txHash(1), priceWei(), testRecipient)
	s, _, err = h.orch.VerifyPayment(ctx, s.ID, p.ID, txHash(1))
	require.NoError(t, err)
	require.Equal(t, StatusPaymentVerified, s.Status)
	return s
}

func TestOrchestratorHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, s.Status)
	assert.Equal(t, normalizeWallet(testWallet), s.WalletAddress)

	s, it, err := h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposalReady, s.Status)
	assert.Equal(t, 1, it.Number)
	assert.Contains(t, it.Diagram, "flowchart TD")

	s, it, err = h.orch.RegenerateProposal(ctx, s.ID, "add a Slack notification")
	require.NoError(t, err)
	assert.Equal(t, StatusProposalReady, s.Status)
	assert.Equal(t, 2, it.Number)
	assert.Equal(t, 2, s.IterationCount)
	assert.Empty(t, s.Feedback)

	s, approved, err := h.orch.ApproveProposal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, s.Status)
	assert.Equal(t, 2, approved.Number)

	s, p, err := h.orch.CreatePayment(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "0.002", p.Amount)
	assert.Equal(t, testRecipient, p.Recipient)

	h.setReceipt(txHash(7), priceWei(), testRecipient)
	s, res, err := h.orch.VerifyPayment(ctx, s.ID, p.ID, txHash(7))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, StatusPaymentVerified, s.Status)

	s, d, err := h.orch.Deploy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, s.Status)
	assert.Equal(t, "cre_wf_1a2b", d.DeploymentID)
	assert.Equal(t, "https://cre.example.com/wf/1a2b", d.Endpoint)
	assert.Equal(t, p.ID, d.PaymentID)
	assert.Equal(t, DeploymentActive, d.Status)
	assert.Equal(t, strings.TrimSpace(workflowYAML), d.WorkflowYAML)
	assert.Nil(t, s.PendingBundle)

	verified, err := h.store.VerifiedPayment(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, d.DeployedAt.Before(*verified.VerifiedAt))

	// 已部署的会话重复调用不会再次部署。
	_, again, err := h.orch.Deploy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, d.DeploymentID, again.DeploymentID)
	assert.Equal(t, int32(1), h.toolCalls.Load())
	assert.Equal(t, int32(1), h.codegenCalls.Load())

	iterations, err := h.orch.Iterations(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, iterations, 2)
	assert.False(t, iterations[0].Approved)
	assert.True(t, iterations[1].Approved)

	stats, err := h.orch.WalletStats(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 1, stats.TotalWorkflows)
	assert.Equal(t, "0.002", stats.TotalPaidETH)

	history, err := h.orch.History(ctx, testWallet)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusDeployed, history[0].Status)

	require.NoError(t, h.orch.CheckOwner(ctx, s.ID, testWallet))
	err = h.orch.CheckOwner(ctx, s.ID, "0x0000000000000000000000000000000000000003")
	assert.Equal(t, xerrors.CodeForbidden, xerrors.CodeOf(err))
}

func TestDeploymentTimeComesFromSharedClock(t *testing.T) {
	h := newHarness(t)
	at := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	h.freeze(at)
	s := h.paid(t)

	_, d, err := h.orch.Deploy(context.Background(), s.ID)
	require.NoError(t, err)
	paid, err := h.store.VerifiedPayment(context.Background(), s.ID)
	require.NoError(t, err)
	// 同一时刻确认与部署时记录真实时间，不做偏移。
	assert.True(t, paid.VerifiedAt.Equal(at))
	assert.True(t, d.DeployedAt.Equal(at))
	assertInvariants(t, h.store, s.ID)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateSession(ctx, "not-a-wallet", testPrompt)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = h.orch.CreateSession(ctx, testWallet, "   ")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = h.orch.History(ctx, "nope")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestDeployRequiresVerifiedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := seedSession(t, h.store, "forged", StatusPaymentVerified, time.Now())

	got, _, err := h.orch.Deploy(ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, CodePaymentRequired, xerrors.CodeOf(err))
	assert.Equal(t, StatusPaymentVerified, got.Status)
	assert.Zero(t, h.codegenCalls.Load())
	assert.Zero(t, h.toolCalls.Load())
	assert.Contains(t, h.alerts.codes(), CodePaymentRequired)
}

func TestDeployRejectedBeforePayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	_, _, err = h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)

	_, _, err = h.orch.Deploy(ctx, s.ID)
	assert.Equal(t, xerrors.CodeInvalidTransition, xerrors.CodeOf(err))
	assert.Zero(t, h.codegenCalls.Load())
}

func TestConcurrentDeployIsRejected(t *testing.T) {
	h := newHarness(t)
	s := h.paid(t)
	ctx := context.Background()

	release := make(chan struct{})
	h.setTool(func(context.Context) (deploy.ToolResult, error) {
		<-release
		return deploy.ToolResult{Stdout: "workflow_id: cre_wf_only"}, nil
	})

	type outcome struct {
		d   *DeployedWorkflow
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		_, d, err := h.orch.Deploy(ctx, s.ID)
		first <- outcome{d, err}
	}()
	require.Eventually(t, func() bool { return h.toolCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, _, err := h.orch.Deploy(ctx, s.ID)
	assert.Equal(t, xerrors.CodeSessionBusy, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategorySessionBusy, xerrors.CategoryOf(err))

	// 部署阶段不可取消。
	_, _, err = h.orch.Cancel(ctx, s.ID)
	assert.Equal(t, xerrors.CodeSessionBusy, xerrors.CodeOf(err))

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, "cre_wf_only", res.d.DeploymentID)
	assert.Equal(t, int32(1), h.toolCalls.Load())

	d, err := h.store.GetDeployment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "cre_wf_only", d.DeploymentID)
}

func TestDeployFailureRetriesWithStoredBundle(t *testing.T) {
	h := newHarness(t)
	s := h.paid(t)
	ctx := context.Background()

	h.setTool(func(context.Context) (deploy.ToolResult, error) {
		return deploy.ToolResult{ExitCode: 1, Stderr: "cre: quota exceeded"}, nil
	})
	got, _, err := h.orch.Deploy(ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, deploy.CodeDeploymentFailed, xerrors.CodeOf(err))
	assert.Equal(t, StatusDeployError, got.Status)
	assert.Equal(t, string(deploy.CodeDeploymentFailed), got.ErrorCode)
	assert.Contains(t, got.LastError, "quota exceeded")
	require.NotNil(t, got.PendingBundle)
	assert.Equal(t, int32(2), h.toolCalls.Load())

	stored, err := h.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PendingBundle)

	h.setTool(func(context.Context) (deploy.ToolResult, error) {
		return deploy.ToolResult{Stdout: "workflow_id: cre_wf_retry"}, nil
	})
	got, d, err := h.orch.Deploy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, got.Status)
	assert.Equal(t, "cre_wf_retry", d.DeploymentID)
	assert.Empty(t, got.LastError)
	assert.Equal(t, int32(1), h.codegenCalls.Load())
	assert.Contains(t, h.alerts.codes(), deploy.CodeDeploymentFailed)
}

func TestPaymentMismatchThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	_, _, err = h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)
	s, p, err := h.orch.CreatePayment(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, s.Status)

	h.setReceipt(txHash(2), big.NewInt(1_000_000_000_000_000), testRecipient)
	s, _, err = h.orch.VerifyPayment(ctx, s.ID, p.ID, txHash(2))
	require.Error(t, err)
	assert.Equal(t, payment.CodePaymentMismatch, xerrors.CodeOf(err))
	assert.Equal(t, StatusPaymentFailed, s.Status)
	assert.Equal(t, string(payment.CodePaymentMismatch), s.ErrorCode)

	_, _, err = h.orch.Deploy(ctx, s.ID)
	assert.Equal(t, xerrors.CodeInvalidTransition, xerrors.CodeOf(err))

	s, retry, err := h.orch.CreatePayment(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, s.Status)
	assert.NotEqual(t, p.ID, retry.ID)

	h.setReceipt(txHash(3), priceWei(), testRecipient)
	s, _, err = h.orch.VerifyPayment(ctx, s.ID, retry.ID, txHash(3))
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentVerified, s.Status)
	assert.Empty(t, s.ErrorCode)
}

func TestPaymentTimeoutKeepsProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	_, _, err = h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)
	_, p, err := h.orch.CreatePayment(ctx, s.ID, "")
	require.NoError(t, err)

	s, _, err = h.orch.VerifyPayment(ctx, s.ID, p.ID, txHash(4))
	require.Error(t, err)
	assert.Equal(t, payment.CodePaymentTimeout, xerrors.CodeOf(err))
	assert.Equal(t, StatusPaymentProcessing, s.Status)
	assert.Equal(t, string(payment.CodePaymentTimeout), s.ErrorCode)

	h.setReceipt(txHash(4), priceWei(), testRecipient)
	s, res, err := h.orch.VerifyPayment(ctx, s.ID, p.ID, txHash(4))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, StatusPaymentVerified, s.Status)

	// 已验证后再次校验直接返回缓存结果。
	_, cached, err := h.orch.VerifyPayment(ctx, s.ID, p.ID, txHash(4))
	require.NoError(t, err)
	assert.True(t, cached.Cached)
}

func TestVerifyRejectsForeignPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	b, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	for _, id := range []string{a.ID, b.ID} {
		_, _, err = h.orch.GenerateProposal(ctx, id)
		require.NoError(t, err)
	}
	_, pa, err := h.orch.CreatePayment(ctx, a.ID, "")
	require.NoError(t, err)
	_, _, err = h.orch.CreatePayment(ctx, b.ID, "")
	require.NoError(t, err)

	got, _, err := h.orch.VerifyPayment(ctx, b.ID, pa.ID, txHash(5))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Equal(t, StatusPaymentPending, got.Status)
}

func TestVerifyAfterCompletionRejectsOtherPayments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	_, _, err = h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)
	_, first, err := h.orch.CreatePayment(ctx, s.ID, "")
	require.NoError(t, err)
	_, second, err := h.orch.CreatePayment(ctx, s.ID, "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	h.setReceipt(txHash(1), priceWei(), testRecipient)
	_, _, err = h.orch.VerifyPayment(ctx, s.ID, first.ID, txHash(1))
	require.NoError(t, err)

	h.setReceipt(txHash(2), priceWei(), testRecipient)
	calls := h.receiptCalls.Load()
	for _, id := range []string{second.ID, "pay_unknown"} {
		got, res, err := h.orch.VerifyPayment(ctx, s.ID, id, txHash(2))
		assert.Equal(t, xerrors.CodeAlreadyCompleted, xerrors.CodeOf(err), id)
		assert.Nil(t, res)
		assert.Equal(t, StatusPaymentVerified, got.Status)
	}
	assert.Equal(t, calls, h.receiptCalls.Load())

	stored, err := h.store.GetPayment(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, stored.Verified)
	assert.Empty(t, stored.TxHash)

	// 已验证的那笔支付仍返回缓存结果。
	_, res, err := h.orch.VerifyPayment(ctx, s.ID, first.ID, txHash(1))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.True(t, res.Cached)
	assert.Equal(t, calls, h.receiptCalls.Load())
}

func TestCancelProposalInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)

	h.setPropose(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	result := make(chan error, 1)
	go func() {
		_, _, err := h.orch.GenerateProposal(ctx, s.ID)
		result <- err
	}()
	require.Eventually(t, func() bool {
		current, err := h.store.GetSession(ctx, s.ID)
		return err == nil && current.Status == StatusAwaitingProposal
	}, 2*time.Second, 5*time.Millisecond)

	got, cancelled, err := h.orch.Cancel(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, StatusProposalError, got.Status)
	assert.Equal(t, string(xerrors.CodeCancelled), got.ErrorCode)

	err = <-result
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))

	iterations, err := h.store.ListIterations(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, iterations)

	h.setPropose(func(context.Context) (string, error) { return diagramReply, nil })
	got, _, err = h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposalReady, got.Status)
}

func TestCancelAfterCodegenStopsDeployment(t *testing.T) {
	h := newHarness(t)
	s := h.paid(t)
	ctx := context.Background()

	// 代码生成在取消之后才返回成功结果。
	h.setGenerate(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return codegenReply, nil
	})
	result := make(chan error, 1)
	go func() {
		_, _, err := h.orch.Deploy(ctx, s.ID)
		result <- err
	}()
	require.Eventually(t, func() bool { return h.codegenCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	got, cancelled, err := h.orch.Cancel(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, StatusCodeError, got.Status)
	assert.Equal(t, string(xerrors.CodeCancelled), got.ErrorCode)

	err = <-result
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
	assert.Equal(t, int32(0), h.toolCalls.Load())
	_, err = h.store.GetDeployment(ctx, s.ID)
	assert.Error(t, err)
	assertInvariants(t, h.store, s.ID)

	h.setGenerate(func(context.Context) (string, error) { return codegenReply, nil })
	got, d, err := h.orch.Deploy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, got.Status)
	assert.Equal(t, "cre_wf_1a2b", d.DeploymentID)
	assert.Equal(t, int32(1), h.toolCalls.Load())
}

func TestCancelPaymentPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)

	_, _, err = h.orch.Cancel(ctx, s.ID)
	assert.Equal(t, xerrors.CodeInvalidTransition, xerrors.CodeOf(err))

	_, _, err = h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)
	_, _, err = h.orch.ApproveProposal(ctx, s.ID)
	require.NoError(t, err)

	got, cancelled, err := h.orch.Cancel(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, StatusIdle, got.Status)
}

func TestProposalFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)

	h.setPropose(func(context.Context) (string, error) { return "I cannot draw that", nil })
	got, _, err := h.orch.GenerateProposal(ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, proposal.CodeProposalGenerationFailed, xerrors.CodeOf(err))
	assert.Equal(t, StatusProposalError, got.Status)
	assert.Equal(t, string(proposal.CodeProposalGenerationFailed), got.ErrorCode)

	_, _, err = h.orch.ApproveProposal(ctx, s.ID)
	assert.Equal(t, xerrors.CodeInvalidTransition, xerrors.CodeOf(err))

	h.setPropose(func(context.Context) (string, error) { return diagramReply, nil })
	got, it, err := h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposalReady, got.Status)
	assert.Equal(t, 1, it.Number)
	assert.Empty(t, got.ErrorCode)
}

func TestIterationLimit(t *testing.T) {
	h := newHarness(t, WithMaxIterations(1))
	ctx := context.Background()
	s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
	require.NoError(t, err)
	_, _, err = h.orch.GenerateProposal(ctx, s.ID)
	require.NoError(t, err)

	got, _, err := h.orch.RegenerateProposal(ctx, s.ID, "more detail")
	assert.Equal(t, CodeIterationLimit, xerrors.CodeOf(err))
	assert.Equal(t, StatusProposalReady, got.Status)

	_, _, err = h.orch.RegenerateProposal(ctx, s.ID, " ")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestInterruptedStagesRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stuck := seedSession(t, h.store, "stuck-proposal", StatusAwaitingProposal, time.Now())
	got, it, err := h.orch.GenerateProposal(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposalReady, got.Status)
	assert.Equal(t, 1, it.Number)

	s := h.paid(t)
	next := cloneSession(s)
	next.Status = StatusDeploying
	next.PendingBundle = nil
	require.NoError(t, h.store.UpdateSession(ctx, next, StatusPaymentVerified))
	verified, err := h.store.VerifiedPayment(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateDeployment(ctx, &DeployedWorkflow{
		SessionID:    s.ID,
		DeploymentID: "cre_wf_before_crash",
		PaymentID:    verified.ID,
		DeployedAt:   time.Now(),
	}))

	got, d, err := h.orch.Deploy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, got.Status)
	assert.Equal(t, "cre_wf_before_crash", d.DeploymentID)
	assert.Zero(t, h.toolCalls.Load())
}

func TestInterruptedCodegenIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.paid(t)

	next := cloneSession(s)
	next.Status = StatusGeneratingCode
	require.NoError(t, h.store.UpdateSession(ctx, next, StatusPaymentVerified))

	got, d, err := h.orch.Deploy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, got.Status)
	assert.NotEmpty(t, d.DeploymentID)
}

func TestAutoDeployPublishesVerifiedSessions(t *testing.T) {
	publisher := &recordingPublisher{}
	h := newHarness(t, WithAutoDeploy(publisher))
	s := h.paid(t)
	assert.Equal(t, []string{s.ID}, publisher.published())

	n, err := h.orch.ResumeVerified(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{s.ID, s.ID}, publisher.published())
}

// TestRandomOperationsKeepInvariants 随机执行操作，检查每一步后的持久化状态。
func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(20261019))
	for round := 0; round < 8; round++ {
		h := newHarness(t)
		ctx := context.Background()
		s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
		require.NoError(t, err)

		var paymentID string
		tx := round * 1000
		for step := 0; step < 40; step++ {
			ok := rng.Intn(3) != 0
			switch rng.Intn(7) {
			case 0:
				if ok {
					h.setPropose(func(context.Context) (string, error) { return diagramReply, nil })
				} else {
					h.setPropose(func(context.Context) (string, error) { return "no diagram", nil })
				}
				_, _, _ = h.orch.GenerateProposal(ctx, s.ID)
			case 1:
				_, _, _ = h.orch.RegenerateProposal(ctx, s.ID, "tweak it")
			case 2:
				_, _, _ = h.orch.ApproveProposal(ctx, s.ID)
			case 3:
				if _, p, err := h.orch.CreatePayment(ctx, s.ID, ""); err == nil {
					paymentID = p.ID
				}
			case 4:
				tx++
				value := priceWei()
				if !ok {
					value = big.NewInt(1)
				}
				h.setReceipt(txHash(tx), value, testRecipient)
				_, _, _ = h.orch.VerifyPayment(ctx, s.ID, paymentID, txHash(tx))
			case 5:
				if ok {
					h.setTool(func(context.Context) (deploy.ToolResult, error) {
						return deploy.ToolResult{Stdout: "workflow_id: cre_wf_rand"}, nil
					})
				} else {
					h.setTool(func(context.Context) (deploy.ToolResult, error) {
						return deploy.ToolResult{ExitCode: 2, Stderr: "boom"}, nil
					})
				}
				_, _, _ = h.orch.Deploy(ctx, s.ID)
			case 6:
				_, _, _ = h.orch.Cancel(ctx, s.ID)
			}
			assertInvariants(t, h.store, s.ID)
		}
	}
}

// TestConcurrentOperationsKeepInvariants 在同一会话上并发执行操作，结束后检查持久化状态。
// 需配合 -race 运行。
func TestConcurrentOperationsKeepInvariants(t *testing.T) {
	for round := 0; round < 6; round++ {
		h := newHarness(t)
		ctx := context.Background()
		s, err := h.orch.CreateSession(ctx, testWallet, testPrompt)
		require.NoError(t, err)
		_, _, err = h.orch.GenerateProposal(ctx, s.ID)
		require.NoError(t, err)
		_, p, err := h.orch.CreatePayment(ctx, s.ID, "")
		require.NoError(t, err)
		tx := txHash(round + 1)
		h.setReceipt(tx, priceWei(), testRecipient)

		ops := []func(){
			func() { _, _, _ = h.orch.Deploy(ctx, s.ID) },
			func() { _, _, _ = h.orch.VerifyPayment(ctx, s.ID, p.ID, tx) },
			func() { _, _, _ = h.orch.Cancel(ctx, s.ID) },
			func() { _, _, _ = h.orch.ApproveProposal(ctx, s.ID) },
			func() { _, _, _ = h.orch.RegenerateProposal(ctx, s.ID, "tweak it") },
			func() { _, _, _ = h.orch.GenerateProposal(ctx, s.ID) },
		}
		var wg sync.WaitGroup
		for worker := 0; worker < 8; worker++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(seed))
				for step := 0; step < 25; step++ {
					ops[rng.Intn(len(ops))]()
				}
			}(int64(round*100 + worker))
		}
		wg.Wait()

		assertInvariants(t, h.store, s.ID)
		final, err := h.store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		// 部署工具总是成功，因此最多调用一次，且调用过即已部署。
		if final.Status == StatusDeployed {
			assert.Equal(t, int32(1), h.toolCalls.Load())
			_, res, err := h.orch.VerifyPayment(ctx, s.ID, p.ID, tx)
			require.NoError(t, err)
			assert.True(t, res.Verified)
		} else {
			assert.Equal(t, int32(0), h.toolCalls.Load())
		}
	}
}

func assertInvariants(t *testing.T, store *MemoryStore, sessionID string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.True(t, IsValidStatus(s.Status))
	require.False(t, isWorking(s.Status), "session left in %s", s.Status)

	iterations, err := store.ListIterations(ctx, sessionID)
	require.NoError(t, err)
	approved := 0
	for i, it := range iterations {
		require.Equal(t, i+1, it.Number)
		if it.Approved {
			approved++
		}
	}
	require.LessOrEqual(t, approved, 1)
	require.Equal(t, len(iterations), s.IterationCount)

	switch s.Status {
	case StatusCodeError, StatusDeployError, StatusDeployed, StatusPaymentVerified:
		paid, err := store.VerifiedPayment(ctx, sessionID)
		require.NoError(t, err, "status %s without verified payment", s.Status)
		require.True(t, paid.Verified)
		require.Equal(t, 1, approved)
	}

	d, err := store.GetDeployment(ctx, sessionID)
	if s.Status == StatusDeployed {
		require.NoError(t, err)
		paid, err := store.VerifiedPayment(ctx, sessionID)
		require.NoError(t, err)
		require.Equal(t, paid.ID, d.PaymentID)
		require.False(t, d.DeployedAt.Before(*paid.VerifiedAt))
	} else {
		require.Error(t, err)
	}
	if s.Status == StatusDeployError {
		require.NotNil(t, s.PendingBundle)
	}
}
