package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeLayout = "20060102T150405.000"

// auditWriter 按大小切分审计日志，备份文件名带时间戳，并按数量与保留天数清理。
// 写入前再做一次密钥脱敏，覆盖 handler 之外直接写入的内容。
type auditWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
	now        func() time.Time
}

func newAuditWriter(cfg AuditConfig) (*auditWriter, error) {
	if cfg.Path == "" {
		return nil, errors.New("审计日志路径不能为空")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}
	return &auditWriter{
		path:       cfg.Path,
		maxSize:    int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func (w *auditWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := []byte(Redact(string(p)))
	if err := w.open(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(line)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		return 0, err
	}
	// 调用方按原始长度核对写入结果。
	return len(p), nil
}

func (w *auditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *auditWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("读取审计日志信息失败: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *auditWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	backup := w.backupName(w.now())
	if err := os.Rename(w.path, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("切分审计日志失败: %w", err)
	}
	w.prune()
	return nil
}

// backupName 形如 audit-20261019T101500.000.log。
func (w *auditWriter) backupName(at time.Time) string {
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	return fmt.Sprintf("%s-%s%s", base, at.UTC().Format(backupTimeLayout), ext)
}

func (w *auditWriter) backups() []string {
	ext := filepath.Ext(w.path)
	matches, err := filepath.Glob(strings.TrimSuffix(w.path, ext) + "-*" + ext)
	if err != nil {
		return nil
	}
	// 时间戳格式保证字典序即时间序。
	sort.Strings(matches)
	return matches
}

func (w *auditWriter) prune() {
	files := w.backups()
	cutoff := w.now().Add(-w.maxAge)
	kept := files[:0]
	for _, path := range files {
		info, err := os.Stat(path)
		if err == nil && w.maxAge > 0 && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
			continue
		}
		kept = append(kept, path)
	}
	if excess := len(kept) - w.maxBackups; excess > 0 {
		for _, path := range kept[:excess] {
			_ = os.Remove(path)
		}
	}
}
