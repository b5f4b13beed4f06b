package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"OnyxLab-Core/internal/observability/metrics"
	"OnyxLab-Core/internal/payment"
	"OnyxLab-Core/internal/proposal"
	"OnyxLab-Core/internal/session"
	"OnyxLab-Core/internal/web3"
	"OnyxLab-Core/pkg/logger"
)

// WalletHeader 携带调用方钱包地址，存在时必须与会话归属一致。
const WalletHeader = "X-Wallet-Address"

const apiPrefix = "/api/v1"

// Service 是 HTTP 层依赖的会话编排能力，由 session.Orchestrator 实现。
type Service interface {
	CreateSession(ctx context.Context, wallet, prompt string) (*session.Session, error)
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	CheckOwner(ctx context.Context, sessionID, wallet string) error
	Iterations(ctx context.Context, sessionID string) ([]proposal.Iteration, error)
	History(ctx context.Context, wallet string, opts ...session.ListOption) ([]*session.Session, error)
	WalletStats(ctx context.Context, wallet string) (*session.WalletStats, error)
	Deployment(ctx context.Context, sessionID string) (*session.DeployedWorkflow, error)
	PaymentStatus(ctx context.Context, paymentID string) (*payment.Payment, error)

	GenerateProposal(ctx context.Context, sessionID string) (*session.Session, *proposal.Iteration, error)
	RegenerateProposal(ctx context.Context, sessionID, feedback string) (*session.Session, *proposal.Iteration, error)
	ApproveProposal(ctx context.Context, sessionID string) (*session.Session, *proposal.Iteration, error)
	CreatePayment(ctx context.Context, sessionID, amount string) (*session.Session, *payment.Payment, error)
	VerifyPayment(ctx context.Context, sessionID, paymentID, txHash string) (*session.Session, *payment.Result, error)
	Deploy(ctx context.Context, sessionID string) (*session.Session, *session.DeployedWorkflow, error)
	Cancel(ctx context.Context, sessionID string) (*session.Session, bool, error)
}

// ChainStatus 汇总各条链的状态，由 provider.Registry 实现。
type ChainStatus interface {
	Snapshots(ctx context.Context) ([]web3.ChainSnapshot, map[string]error)
}

var _ Service = (*session.Orchestrator)(nil)

// Server 负责暴露 REST 接口，供前端驱动会话流程。
type Server struct {
	addr              string
	svc               Service
	chains            ChainStatus
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithChainStatus 配置 /chain/status 使用的链状态来源。
func WithChainStatus(chains ChainStatus) Option {
	return func(s *Server) {
		s.chains = chains
	}
}

// WithTimeouts 覆盖读取请求头与优雅关闭的超时。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		svc:               svc,
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST", "/session/create", s.handleCreateSession)
	s.route(mux, "POST", "/session/cancel", s.handleCancel)
	s.route(mux, "GET", "/session/{id}", s.handleSessionDetail)
	s.route(mux, "GET", "/session/{id}/iterations", s.handleIterations)
	s.route(mux, "POST", "/proposal/generate", s.handleGenerateProposal)
	s.route(mux, "POST", "/proposal/regenerate", s.handleRegenerateProposal)
	s.route(mux, "POST", "/proposal/approve", s.handleApproveProposal)
	s.route(mux, "POST", "/payment/create", s.handleCreatePayment)
	s.route(mux, "POST", "/payment/verify", s.handleVerifyPayment)
	s.route(mux, "GET", "/payment/status/{paymentID}", s.handlePaymentStatus)
	s.route(mux, "POST", "/deploy", s.handleDeploy)
	s.route(mux, "GET", "/deploy/status/{sessionID}", s.handleDeployStatus)
	s.route(mux, "GET", "/history", s.handleHistory)
	s.route(mux, "GET", "/wallet/{address}", s.handleWallet)
	s.route(mux, "GET", "/chain/status", s.handleChainStatus)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// route 注册处理器并记录请求指标，指标以路由模板而不是实际路径为维度。
func (s *Server) route(mux *http.ServeMux, method, path string, handler http.HandlerFunc) {
	name := apiPrefix + path
	mux.Handle(method+" "+name, instrument(name, handler))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, errServiceClosed)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}
