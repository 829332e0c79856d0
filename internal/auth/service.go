// Package auth guards the HTTP API with static API keys. Keys are configured
// by name; only their SHA-256 digests are kept in memory.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"sort"
	"strings"

	"AgentWallet/pkg/logger"
)

// HeaderAPIKey 是 Authorization 之外可用的 API Key 请求头。
const HeaderAPIKey = "X-API-Key"

type credential struct {
	name   string
	digest [sha256.Size]byte
}

// Service 校验请求携带的 API Key。没有配置任何 Key 时认证关闭。
type Service struct {
	credentials []credential
	audit       *slog.Logger
}

// Option 自定义 Service。
type Option func(*Service)

// WithAuditLogger 替换记录访问事件的审计日志器。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewService 根据名称到 Key 的映射创建认证服务，空 Key 会被忽略。
func NewService(keys map[string]string, opts ...Option) *Service {
	s := &Service{}
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := strings.TrimSpace(keys[name])
		if key == "" {
			continue
		}
		s.credentials = append(s.credentials, credential{name: name, digest: sha256.Sum256([]byte(key))})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enabled 报告是否配置了至少一个 API Key。
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// Authenticate 校验 "Bearer <key>" 形式的 Authorization 头或原始 Key。
func (s *Service) Authenticate(authorization, apiKey string) (*Subject, error) {
	token := strings.TrimSpace(apiKey)
	if token == "" {
		header := strings.TrimSpace(authorization)
		if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			token = strings.TrimSpace(header[7:])
		}
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(token))
	var matched *Subject
	for _, cred := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], cred.digest[:]) == 1 && matched == nil {
			matched = &Subject{Name: cred.name}
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}
