package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes the process logger. Service and Version are attached to
// every record so logs from several onyxd replicas can be told apart.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Service     string
	Version     string
	Audit       AuditConfig
}

// AuditConfig controls the audit trail: session transitions, payment
// verifications and deployments.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.RWMutex
	base    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
)

// Init 配置全局日志实例，只能成功调用一次。
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		return errors.New("日志已初始化")
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	out, err := openOutputs(cfg.OutputPaths)
	if err != nil {
		closeAll()
		return err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug, ReplaceAttr: redactAttr}
	logger := slog.New(newHandler(cfg.Format, out, opts)).With(serviceAttrs(cfg)...)

	auditLog := logger.With(slog.String("log", "audit"))
	if cfg.Audit.Enabled {
		w, err := newAuditWriter(cfg.Audit)
		if err != nil {
			closeAll()
			return err
		}
		closers = append(closers, w)
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redactAttr})
		auditLog = slog.New(handler).With(serviceAttrs(cfg)...)
	}

	base, audit = logger, auditLog
	return nil
}

// ParseLevel 解析日志级别，空字符串视为 info。
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("未知的日志级别: %s", level)
	}
}

func serviceAttrs(cfg Config) []any {
	var attrs []any
	if cfg.Service != "" {
		attrs = append(attrs, slog.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		attrs = append(attrs, slog.String("version", cfg.Version))
	}
	return attrs
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("创建日志目录失败: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err != nil {
				return nil, fmt.Errorf("打开日志文件 %s 失败: %w", path, err)
			}
			closers = append(closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

// L 返回进程日志；未初始化时退回到标准输出的 JSON 日志。
func L() *slog.Logger {
	mu.RLock()
	logger := base
	mu.RUnlock()
	if logger != nil {
		return logger
	}
	return fallback()
}

var (
	fallbackOnce sync.Once
	fallbackLog  *slog.Logger
)

func fallback() *slog.Logger {
	fallbackOnce.Do(func() {
		fallbackLog = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{ReplaceAttr: redactAttr}))
	})
	return fallbackLog
}

// Audit 返回审计日志；未启用独立审计文件时写入进程日志并带 log=audit 标记。
func Audit() *slog.Logger {
	mu.RLock()
	logger := audit
	mu.RUnlock()
	if logger != nil {
		return logger
	}
	return L().With(slog.String("log", "audit"))
}

// Named 返回带 component 属性的子日志。
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Sync 关闭所有文件输出。之后的日志写入标准输出。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeAll()
	base, audit = nil, nil
	return err
}

func closeAll() error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	closers = nil
	return err
}
