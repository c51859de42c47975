package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequireLogin はセッションを検証するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, ok := session.Get(sessionKeyUser).(string)
		if !ok || user == "" {
			respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication credentials were not provided.")
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		if issuedAt.IsZero() || now.Sub(issuedAt) > m.policy.SessionLifetime {
			m.expire(c, session, "SESSION_EXPIRED", "Your session has expired. Please log in again.")
			return
		}
		if lastActive.IsZero() || now.Sub(lastActive) > m.policy.IdleTimeout {
			m.expire(c, session, "SESSION_IDLE_TIMEOUT", "You were inactive for too long. Please log in again.")
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		if err := session.Save(); err != nil {
			m.logger.Warn("failed to refresh session", zap.Error(err))
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

func (m *Manager) expire(c *gin.Context, session sessions.Session, code, detail string) {
	session.Clear()
	_ = session.Save()
	m.logger.Info("session expired", zap.String("reason", code), zap.String("ip", c.ClientIP()))
	respondError(c, http.StatusUnauthorized, code, detail)
}

// VerifyCSRF は更新系メソッドで X-CSRF-Token ヘッダーを検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			respondError(c, http.StatusForbidden, "CSRF_MISSING", "CSRF token is not set for this session.")
			return
		}

		received := c.GetHeader(CSRFHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			m.logger.Warn("csrf token mismatch", zap.String("method", c.Request.Method), zap.String("path", c.FullPath()))
			respondError(c, http.StatusForbidden, "CSRF_INVALID", "CSRF token does not match.")
			return
		}

		c.Next()
	}
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
