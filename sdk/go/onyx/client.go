package onyx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Proposal generation and deployment wait on AI and CLI
// calls, so it is longer than a typical REST timeout.
const DefaultHTTPTimeout = 3 * time.Minute

// WalletHeader carries the caller's wallet address. The server rejects
// session calls whose owner differs from it.
const WalletHeader = "X-Wallet-Address"

// Client wraps the HTTP interactions with the onyxd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	wallet string
}

// SessionSummary is returned by session actions.
type SessionSummary struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"`
	Cancelled *bool  `json:"cancelled,omitempty"`
}

// Session is the full session view.
type Session struct {
	ID             string    `json:"id"`
	WalletAddress  string    `json:"wallet_address"`
	Prompt         string    `json:"prompt"`
	Status         string    `json:"status"`
	IterationCount int       `json:"iteration_count"`
	Feedback       string    `json:"feedback,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Iteration is one architecture proposal.
type Iteration struct {
	SessionID string    `json:"session_id"`
	Number    int       `json:"iteration_number"`
	Diagram   string    `json:"diagram"`
	Feedback  string    `json:"feedback,omitempty"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"created_at"`
}

// Proposal is returned by generate, regenerate and approve.
type Proposal struct {
	SessionID       string `json:"sessionID"`
	DiagramText     string `json:"diagramText,omitempty"`
	IterationNumber int    `json:"iterationNumber"`
	Status          string `json:"status"`
}

// PaymentRequest describes an x402 payment the wallet must send.
type PaymentRequest struct {
	PaymentID        string    `json:"paymentID"`
	RecipientAddress string    `json:"recipientAddress"`
	Amount           string    `json:"amount"`
	AmountWei        string    `json:"amountWei"`
	Deadline         time.Time `json:"deadline"`
	Protocol         string    `json:"protocol"`
	Status           string    `json:"status"`
}

// Verification is the outcome of a payment verification.
type Verification struct {
	Verified    bool   `json:"verified"`
	BlockNumber uint64 `json:"blockNumber"`
	Status      string `json:"status"`
}

// Payment is the stored payment record.
type Payment struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Protocol      string     `json:"payment_protocol"`
	Amount        string     `json:"amount"`
	AmountWei     string     `json:"amount_wei"`
	Recipient     string     `json:"recipient_address"`
	TxHash        string     `json:"tx_hash,omitempty"`
	Verified      bool       `json:"verified"`
	BlockNumber   uint64     `json:"block_number,omitempty"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	Status        string     `json:"status"`
	FailureCode   string     `json:"failure_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// DeployResult is returned by Deploy.
type DeployResult struct {
	DeploymentID string `json:"deploymentID"`
	Endpoint     string `json:"endpoint,omitempty"`
	Status       string `json:"status"`
}

// Deployment is the stored record of a deployed workflow.
type Deployment struct {
	SessionID    string    `json:"session_id"`
	DeploymentID string    `json:"cre_workflow_id"`
	Endpoint     string    `json:"endpoint,omitempty"`
	WorkflowYAML string    `json:"yaml_content"`
	FunctionJS   string    `json:"js_content"`
	Status       string    `json:"cre_status"`
	Attempts     int       `json:"attempts"`
	PaymentID    string    `json:"payment_id"`
	DeployedAt   time.Time `json:"deployed_at"`
}

// WalletStats summarizes a wallet's activity.
type WalletStats struct {
	Address        string    `json:"address"`
	FirstSeen      time.Time `json:"first_seen"`
	LastActive     time.Time `json:"last_active"`
	TotalSessions  int       `json:"total_sessions"`
	TotalWorkflows int       `json:"total_workflows"`
	TotalPaidETH   string    `json:"total_paid_eth"`
}

// HistoryQuery filters the wallet history.
type HistoryQuery struct {
	Limit    int
	Offset   int
	Statuses []string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("onyx api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("onyx api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the onyxd API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetWallet sets the wallet address sent with every request.
func (c *Client) SetWallet(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallet = strings.TrimSpace(address)
}

// Wallet returns the wallet address sent with every request.
func (c *Client) Wallet() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wallet
}

// CreateSession opens a new session for the configured wallet.
func (c *Client) CreateSession(ctx context.Context, prompt string) (SessionSummary, error) {
	wallet := c.Wallet()
	if wallet == "" {
		return SessionSummary{}, errors.New("onyx: wallet address is not set")
	}
	var out SessionSummary
	err := c.post(ctx, "/api/v1/session/create", map[string]string{"walletAddress": wallet, "prompt": prompt}, &out)
	return out, err
}

// GetSession fetches the session view.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := c.get(ctx, "/api/v1/session/"+sessionID, &out)
	return out, err
}

// Iterations lists every proposal of the session.
func (c *Client) Iterations(ctx context.Context, sessionID string) ([]Iteration, error) {
	var out []Iteration
	err := c.get(ctx, "/api/v1/session/"+sessionID+"/iterations", &out)
	return out, err
}

// CancelSession cancels the running proposal or code generation step.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (SessionSummary, error) {
	var out SessionSummary
	err := c.post(ctx, "/api/v1/session/cancel", map[string]string{"sessionID": sessionID}, &out)
	return out, err
}

// GenerateProposal asks for the first (or a retried) architecture proposal.
func (c *Client) GenerateProposal(ctx context.Context, sessionID string) (Proposal, error) {
	var out Proposal
	err := c.post(ctx, "/api/v1/proposal/generate", map[string]string{"sessionID": sessionID}, &out)
	return out, err
}

// RegenerateProposal rejects the current proposal with feedback.
func (c *Client) RegenerateProposal(ctx context.Context, sessionID, feedback string) (Proposal, error) {
	var out Proposal
	err := c.post(ctx, "/api/v1/proposal/regenerate", map[string]string{"sessionID": sessionID, "feedback": feedback}, &out)
	return out, err
}

// ApproveProposal approves the latest proposal.
func (c *Client) ApproveProposal(ctx context.Context, sessionID string) (Proposal, error) {
	var out Proposal
	err := c.post(ctx, "/api/v1/proposal/approve", map[string]string{"sessionID": sessionID}, &out)
	return out, err
}

// CreatePayment requests a payment. An empty amount uses the server price.
func (c *Client) CreatePayment(ctx context.Context, sessionID, amount string) (PaymentRequest, error) {
	body := map[string]string{"sessionID": sessionID}
	if amount != "" {
		body["amount"] = amount
	}
	var out PaymentRequest
	err := c.post(ctx, "/api/v1/payment/create", body, &out)
	return out, err
}

// VerifyPayment submits the transaction hash of a payment for verification.
func (c *Client) VerifyPayment(ctx context.Context, sessionID, paymentID, txHash string) (Verification, error) {
	var out Verification
	err := c.post(ctx, "/api/v1/payment/verify", map[string]string{
		"sessionID": sessionID,
		"paymentID": paymentID,
		"txHash":    txHash,
	}, &out)
	return out, err
}

// PaymentStatus fetches a payment record.
func (c *Client) PaymentStatus(ctx context.Context, paymentID string) (Payment, error) {
	var out Payment
	err := c.get(ctx, "/api/v1/payment/status/"+paymentID, &out)
	return out, err
}

// Deploy generates the artifacts and deploys the workflow of a paid session.
func (c *Client) Deploy(ctx context.Context, sessionID string) (DeployResult, error) {
	var out DeployResult
	err := c.post(ctx, "/api/v1/deploy", map[string]string{"sessionID": sessionID}, &out)
	return out, err
}

// DeploymentStatus fetches the deployment record of a session.
func (c *Client) DeploymentStatus(ctx context.Context, sessionID string) (Deployment, error) {
	var out Deployment
	err := c.get(ctx, "/api/v1/deploy/status/"+sessionID, &out)
	return out, err
}

// History lists the configured wallet's sessions.
func (c *Client) History(ctx context.Context, query HistoryQuery) ([]Session, error) {
	values := url.Values{}
	values.Set("walletAddress", c.Wallet())
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}
	if len(query.Statuses) > 0 {
		values.Set("status", strings.Join(query.Statuses, ","))
	}
	var out []Session
	err := c.get(ctx, "/api/v1/history?"+values.Encode(), &out)
	return out, err
}

// WalletStats fetches statistics for the configured wallet.
func (c *Client) WalletStats(ctx context.Context) (WalletStats, error) {
	var out WalletStats
	err := c.get(ctx, "/api/v1/wallet/"+c.Wallet(), &out)
	return out, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, rawPath), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if wallet := c.Wallet(); wallet != "" {
		req.Header.Set(WalletHeader, wallet)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
