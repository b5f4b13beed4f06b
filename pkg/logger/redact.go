package logger

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

const redactedMask = "***"

// minSecretLength guards against masking short, common substrings.
const minSecretLength = 4

var (
	secretsMu sync.RWMutex
	secrets   []string
)

// RegisterSecret records values (API keys, deployment credentials, passwords)
// that must never reach a log sink or an error returned to clients.
func RegisterSecret(values ...string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	for _, value := range values {
		value = strings.TrimSpace(value)
		if len(value) < minSecretLength {
			continue
		}
		known := false
		for _, existing := range secrets {
			if existing == value {
				known = true
				break
			}
		}
		if !known {
			secrets = append(secrets, value)
		}
	}
	// 先替换较长的值，避免互为前缀的密钥残留片段。
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
}

// Redact masks every registered secret contained in text.
func Redact(text string) string {
	if text == "" {
		return text
	}
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	for _, secret := range secrets {
		if strings.Contains(text, secret) {
			text = strings.ReplaceAll(text, secret, redactedMask)
		}
	}
	return text
}

func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		value := attr.Value.String()
		if masked := Redact(value); masked != value {
			return slog.String(attr.Key, masked)
		}
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok && err != nil {
			return slog.String(attr.Key, Redact(err.Error()))
		}
	}
	return attr
}
