package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"OnyxLab-Core/internal/api"
	"OnyxLab-Core/internal/codegen"
	"OnyxLab-Core/internal/config"
	"OnyxLab-Core/internal/deploy"
	"OnyxLab-Core/internal/knowledge"
	"OnyxLab-Core/internal/llm"
	"OnyxLab-Core/internal/llm/gemini"
	"OnyxLab-Core/internal/llm/openai"
	"OnyxLab-Core/internal/llm/scriptbridge"
	"OnyxLab-Core/internal/observability/alerting"
	"OnyxLab-Core/internal/payment"
	"OnyxLab-Core/internal/pipeline"
	"OnyxLab-Core/internal/proposal"
	"OnyxLab-Core/internal/session"
	"OnyxLab-Core/internal/storage/database"
	"OnyxLab-Core/internal/storage/objectstore"
	"OnyxLab-Core/internal/web3/provider"
	"OnyxLab-Core/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 API 服务与自动部署流水线",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		return serve(cmd.Context(), cfg)
	},
}

// closers 按注册的逆序释放资源。
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func closeLogged(name string, closer io.Closer) func() {
	return func() {
		if err := closer.Close(); err != nil {
			logger.L().Warn("关闭资源失败", slog.String("resource", name), slog.Any("error", err))
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	var cleanup closers
	defer cleanup.run()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	cleanup.add(closeLogged("session_store", store))

	llmClient, err := createLLMClient(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	var kb knowledge.Provider = knowledge.Builtin(cfg.Knowledge.MaxResults)
	if cfg.Knowledge.Source != "" {
		static, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		kb = static
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	cleanup.add(chains.Close)

	// 支付确认时间与部署时间取自同一时钟。
	clock := time.Now
	verifier, err := payment.NewVerifier(chains, store, cfg.Payment.Recipient, cfg.Payment.Price,
		payment.WithClock(clock),
		payment.WithProtocol(cfg.Payment.Protocol),
		payment.WithPollInterval(cfg.Payment.PollInterval),
		payment.WithPollTimeout(cfg.Payment.PollTimeout),
		payment.WithConfirmations(cfg.Payment.Confirmations),
		payment.WithRequestTTL(cfg.Payment.RequestTTL),
		payment.WithCacheSize(cfg.Payment.CacheSize),
	)
	if err != nil {
		return err
	}

	tool, err := deploy.NewCLITool(cfg.Deploy.Binary, cfg.Deploy.Args, cfg.Deploy.PassEnv)
	if err != nil {
		return err
	}
	runner, err := deploy.NewRunner(tool, cfg.Deploy.WorkDir,
		deploy.WithMaxAttempts(cfg.Deploy.MaxAttempts),
		deploy.WithAttemptTimeout(cfg.Deploy.AttemptTimeout),
		deploy.WithCredentials(cfg.Deploy.Credentials()),
	)
	if err != nil {
		return err
	}

	alerts := newAlertDispatcher(cfg.Alerting)

	opts := []session.Option{
		session.WithAlertDispatcher(alerts),
		session.WithMaxIterations(cfg.Proposal.MaxIterations),
		session.WithClock(clock),
	}
	if cfg.Lock.Driver == "redis" {
		locker, err := session.NewRedisLocker(ctx, session.RedisLockerConfig{
			Address:   cfg.Lock.Redis.Address,
			Password:  cfg.Lock.Redis.Password(),
			DB:        cfg.Lock.Redis.DB,
			KeyPrefix: cfg.Lock.KeyPrefix,
			TTL:       cfg.Lock.TTL,
		})
		if err != nil {
			return err
		}
		cleanup.add(closeLogged("session_lock", locker))
		opts = append(opts, session.WithLocker(locker))
	}
	if cfg.Archive.Enabled {
		archiver, err := objectstore.NewArchiver(objectstore.Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			AccessKey: cfg.Archive.AccessKey(),
			SecretKey: cfg.Archive.SecretKey(),
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return err
		}
		opts = append(opts, session.WithArchiver(archiver))
	}

	var queue pipeline.Queue
	if cfg.Pipeline.AutoDeploy {
		queue, err = pipeline.NewQueue(ctx, cfg.Pipeline.Queue)
		if err != nil {
			return err
		}
		cleanup.add(closeLogged("pipeline_queue", queue))
		opts = append(opts, session.WithAutoDeploy(queue))
	}

	orchestrator, err := session.NewOrchestrator(session.Dependencies{
		Store: store,
		Proposals: proposal.NewEngine(llmClient, store,
			proposal.WithMaxAttempts(cfg.Proposal.MaxAttempts),
			proposal.WithCallTimeout(cfg.Proposal.CallTimeout),
			proposal.WithKnowledgeProvider(kb),
		),
		CodeGen: codegen.NewEngine(llmClient,
			codegen.WithMaxAttempts(cfg.CodeGen.MaxAttempts),
			codegen.WithCallTimeout(cfg.CodeGen.CallTimeout),
		),
		Payments: verifier,
		Deployer: runner,
	}, opts...)
	if err != nil {
		return err
	}

	if queue != nil {
		processor := pipeline.NewProcessor(orchestrator, queue, queue,
			pipeline.WithWorkerCount(cfg.Pipeline.Workers),
			pipeline.WithAlertDispatcher(alerts),
		)
		processorCtx, cancel := context.WithCancel(ctx)
		cleanup.add(cancel)
		go func() {
			if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("自动部署流水线异常退出", slog.Any("error", err))
			}
		}()
		resumed, err := orchestrator.ResumeVerified(ctx)
		if err != nil {
			logger.L().Warn("恢复待部署会话失败", slog.Any("error", err))
		} else if resumed > 0 {
			logger.L().Info("已重新投递待部署会话", slog.Int("count", resumed))
		}
	}

	server := api.NewServer(cfg.Server.Address, orchestrator,
		api.WithChainStatus(chains),
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (session.Store, error) {
	if cfg.Driver == "memory" {
		return session.NewMemoryStore(), nil
	}
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	applied, err := database.Migrate(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(applied) > 0 {
		logger.L().Info("已应用数据库迁移", slog.Any("versions", applied))
	}
	store, err := session.NewSQLStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func createLLMClient(ctx context.Context, cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "gemini":
		return gemini.NewClient(ctx, gemini.Config{
			APIKey: cfg.Gemini.APIKey(),
			Model:  cfg.Gemini.Model,
		})
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:    cfg.OpenAI.APIKey(),
			BaseURL:   cfg.OpenAI.BaseURL,
			Model:     cfg.OpenAI.Model,
			Timeout:   cfg.OpenAI.Timeout,
			MaxTokens: cfg.OpenAI.MaxTokens,
		})
	case "script_bridge":
		scriptPath := scriptbridge.ResolveScriptPath(cfg.Script.WorkingDir, cfg.Script.ScriptPath)
		return scriptbridge.NewClient(cfg.Script.Executable, scriptPath, cfg.Script.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := cfg.WebhookURL(); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: 10 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}
