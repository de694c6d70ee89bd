package auth

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "X402-Agent/internal/errors"
	loggerpkg "X402-Agent/pkg/logger"
)

// Middleware 返回校验访问密钥与权限的 HTTP 中间件，并写入审计日志。
// 认证关闭时直接放行。
func (s *Service) Middleware(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			audit := loggerpkg.Audit()

			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if xerrors.HasCode(err, CodeForbidden) {
					status = http.StatusForbidden
				}
				deny(w, status, err)
				attrs := []any{"path", r.URL.Path, "method", r.Method, "status", status, "error", err.Error()}
				if subject != nil {
					attrs = append(attrs, "subject", subject.Name)
				}
				audit.Warn("access_denied", attrs...)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.Name,
			)
		})
	}
}

func deny(w http.ResponseWriter, status int, err error) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="x402"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
