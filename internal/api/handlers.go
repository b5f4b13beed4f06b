package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/session"
	"OnyxLab-Core/internal/web3"
)

type createSessionRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required,eth_addr"`
	Prompt        string `json:"prompt" validate:"required,max=4000"`
}

type sessionRequest struct {
	SessionID string `json:"sessionID" validate:"required,max=64"`
}

type regenerateRequest struct {
	SessionID string `json:"sessionID" validate:"required,max=64"`
	Feedback  string `json:"feedback" validate:"required,max=4000"`
}

type createPaymentRequest struct {
	SessionID string `json:"sessionID" validate:"required,max=64"`
	Amount    string `json:"amount" validate:"max=40"`
}

type verifyPaymentRequest struct {
	SessionID string `json:"sessionID" validate:"required,max=64"`
	PaymentID string `json:"paymentID" validate:"required,max=64"`
	TxHash    string `json:"txHash" validate:"required,eth_tx_hash"`
}

// SessionResponse 是会话动作的简要结果。
type SessionResponse struct {
	SessionID string         `json:"sessionID"`
	Status    session.Status `json:"status"`
	Cancelled *bool          `json:"cancelled,omitempty"`
}

// ProposalResponse 是提案生成、重生成与批准的结果。
type ProposalResponse struct {
	SessionID       string         `json:"sessionID"`
	DiagramText     string         `json:"diagramText,omitempty"`
	IterationNumber int            `json:"iterationNumber"`
	Status          session.Status `json:"status"`
}

// PaymentRequestResponse 描述待支付的 x402 请求。
type PaymentRequestResponse struct {
	PaymentID        string    `json:"paymentID"`
	RecipientAddress string    `json:"recipientAddress"`
	Amount           string    `json:"amount"`
	AmountWei        string    `json:"amountWei"`
	Deadline         time.Time `json:"deadline"`
	Protocol         string    `json:"protocol"`
	Status           string    `json:"status"`
}

// VerifyResponse 是支付校验结果。
type VerifyResponse struct {
	Verified    bool           `json:"verified"`
	BlockNumber uint64         `json:"blockNumber"`
	Status      session.Status `json:"status"`
}

// DeployResponse 是部署结果。
type DeployResponse struct {
	DeploymentID string         `json:"deploymentID"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Status       session.Status `json:"status"`
}

// ChainStatusResponse 汇总各链快照与不可用的链。
type ChainStatusResponse struct {
	Chains      []web3.ChainSnapshot `json:"chains"`
	Unavailable []string             `json:"unavailable,omitempty"`
}

// authorize 在请求携带钱包头时校验会话归属。
func (s *Server) authorize(r *http.Request, sessionID string) error {
	wallet := strings.TrimSpace(r.Header.Get(WalletHeader))
	if wallet == "" {
		return nil
	}
	if !common.IsHexAddress(wallet) {
		return xerrors.New(xerrors.CodeInvalidArgument, WalletHeader+" 不是合法的以太坊地址")
	}
	return s.svc.CheckOwner(r.Context(), sessionID, wallet)
}

// sessionScoped 由携带 sessionID 的请求体实现。
type sessionScoped interface {
	sessionKey() string
}

func (r *sessionRequest) sessionKey() string       { return r.SessionID }
func (r *regenerateRequest) sessionKey() string    { return r.SessionID }
func (r *createPaymentRequest) sessionKey() string { return r.SessionID }
func (r *verifyPaymentRequest) sessionKey() string { return r.SessionID }

// decodeSessionBody 解析请求体并完成归属校验。
func (s *Server) decodeSessionBody(r *http.Request, dst sessionScoped) error {
	if err := decodeBody(r, dst); err != nil {
		return err
	}
	return s.authorize(r, dst.sessionKey())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if wallet := strings.TrimSpace(r.Header.Get(WalletHeader)); wallet != "" && !strings.EqualFold(wallet, req.WalletAddress) {
		writeError(w, xerrors.New(xerrors.CodeForbidden, "钱包地址与请求头不一致"))
		return
	}
	sess, err := s.svc.CreateSession(r.Context(), req.WalletAddress, req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{SessionID: sess.ID, Status: sess.Status})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := s.authorize(r, id); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleIterations(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := s.authorize(r, id); err != nil {
		writeError(w, err)
		return
	}
	iterations, err := s.svc.Iterations(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iterations)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decodeSessionBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, cancelled, err := s.svc.Cancel(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{SessionID: req.SessionID, Status: sess.Status, Cancelled: &cancelled})
}

func (s *Server) handleGenerateProposal(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decodeSessionBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, it, err := s.svc.GenerateProposal(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResponse{
		SessionID:       sess.ID,
		DiagramText:     it.Diagram,
		IterationNumber: it.Number,
		Status:          sess.Status,
	})
}

func (s *Server) handleRegenerateProposal(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := s.decodeSessionBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, it, err := s.svc.RegenerateProposal(r.Context(), req.SessionID, req.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResponse{
		SessionID:       sess.ID,
		DiagramText:     it.Diagram,
		IterationNumber: it.Number,
		Status:          sess.Status,
	})
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decodeSessionBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, it, err := s.svc.ApproveProposal(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResponse{
		SessionID:       sess.ID,
		IterationNumber: it.Number,
		Status:          sess.Status,
	})
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := s.decodeSessionBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	_, p, err := s.svc.CreatePayment(r.Context(), req.SessionID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentRequestResponse{
		PaymentID:        p.ID,
		RecipientAddress: p.Recipient,
		Amount:           p.Amount,
		AmountWei:        p.AmountWei,
		Deadline:         p.ExpiresAt,
		Protocol:         p.Protocol,
		Status:           string(p.Status),
	})
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := s.decodeSessionBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, result, err := s.svc.VerifyPayment(r.Context(), req.SessionID, req.PaymentID, req.TxHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		Verified:    result.Verified,
		BlockNumber: result.BlockNumber,
		Status:      sess.Status,
	})
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("paymentID"))
	p, err := s.svc.PaymentStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, p.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decodeSessionBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, d, err := s.svc.Deploy(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeployResponse{DeploymentID: d.DeploymentID, Endpoint: d.Endpoint, Status: sess.Status})
}

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("sessionID"))
	if err := s.authorize(r, id); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.svc.Deployment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	wallet := strings.TrimSpace(query.Get("walletAddress"))
	if header := strings.TrimSpace(r.Header.Get(WalletHeader)); header != "" {
		if wallet == "" {
			wallet = header
		} else if !strings.EqualFold(wallet, header) {
			writeError(w, xerrors.New(xerrors.CodeForbidden, "钱包地址与请求头不一致"))
			return
		}
	}
	if wallet == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "walletAddress 不能为空"))
		return
	}

	var opts []session.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数"))
			return
		}
		opts = append(opts, session.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数"))
			return
		}
		opts = append(opts, session.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []session.Status
		for _, part := range strings.Split(raw, ",") {
			status := session.Status(strings.TrimSpace(part))
			if !session.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的会话状态: "+string(status)))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, session.WithStatuses(statuses...))
	}

	sessions, err := s.svc.History(r.Context(), wallet, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.PathValue("address"))
	if header := strings.TrimSpace(r.Header.Get(WalletHeader)); header != "" && !strings.EqualFold(header, address) {
		writeError(w, xerrors.New(xerrors.CodeForbidden, "钱包地址与请求头不一致"))
		return
	}
	stats, err := s.svc.WalletStats(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleChainStatus(w http.ResponseWriter, r *http.Request) {
	if s.chains == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端"))
		return
	}
	snapshots, failures := s.chains.Snapshots(r.Context())
	resp := ChainStatusResponse{Chains: snapshots}
	if resp.Chains == nil {
		resp.Chains = []web3.ChainSnapshot{}
	}
	for name := range failures {
		resp.Unavailable = append(resp.Unavailable, name)
	}
	sort.Strings(resp.Unavailable)
	writeJSON(w, http.StatusOK, resp)
}
