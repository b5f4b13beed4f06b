package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"OnyxLab-Core/internal/config"
	"OnyxLab-Core/pkg/logger"
)

var version = "dev" // 构建时通过 ldflags 注入

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "onyxd",
	Short:         "Onyx 工作流编排服务",
	Long:          "onyxd 将自然语言需求转化为架构提案，完成链上支付校验后生成并部署 CRE 工作流。",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadEnv(envFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本号",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径（默认 $ONYX_CONFIG 或 configs/onyx.yaml）")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "启动前加载的 .env 文件")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// main 是 onyxd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "onyxd 运行失败: %s\n", logger.Redact(err.Error()))
		os.Exit(1)
	}
}

// loadEnv 加载 .env，文件不存在时忽略。已存在的环境变量不会被覆盖。
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("加载 %s 失败: %w", path, err)
	}
	return nil
}

// loadConfig 读取配置并注册所有密钥，确保之后的日志与错误不会泄露它们。
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("ONYX_CONFIG")
	}
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.RegisterSecret(cfg.Secrets()...)
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Service:     "onyxd",
		Version:     version,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
