package auth

import (
	"errors"
	"net/http"
	"time"
)

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法声明所需权限，"*" 作为缺省项。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志中的事件名，为空时使用请求路径。
	AuditEvent string
}

// Middleware 返回执行认证、授权并记录审计日志的 HTTP 中间件。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				s.audit.Warn("access_denied", "path", r.URL.Path, "method", r.Method, "status", status, "error", err.Error())
				return
			}

			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				status := http.StatusForbidden
				http.Error(w, http.StatusText(status), status)
				s.audit.Warn("permission_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
					"user", subject.Username,
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
			)
		})
	}
}

// auditWriter 记录响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
