package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Middleware 返回一个 HTTP 中间件，拒绝未携带有效 API Key 的请求，
// 并把每次访问写入审计日志。认证关闭时直接放行。
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		subject, err := s.Authenticate(r.Header.Get("Authorization"), r.Header.Get(HeaderAPIKey))
		if err != nil {
			message := "Invalid API key"
			if errors.Is(err, ErrMissingToken) {
				message = "Missing API key"
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="agentwallet"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHENTICATED", "error": message})
			s.auditLogger().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"error", err.Error(),
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
		s.auditLogger().Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"key", subject.Name,
		)
	})
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
