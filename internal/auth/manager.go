// Package auth は単一ユーザー向けのセッション認証と CSRF 保護を提供します。
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/notebook-forge/internal/config"
)

const (
	SessionCookieName = "nbforge_session"

	// CSRFHeader はログイン時に発行し、更新系リクエストで検証するヘッダーです。
	CSRFHeader = "X-CSRF-Token"

	// ContextUserKey はログイン済みユーザー名を gin.Context に保存するキーです。
	ContextUserKey = "auth.user"

	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"
)

// Policy はセッションの有効期限とログイン試行制限です。
type Policy struct {
	SessionLifetime time.Duration // ログインからの絶対期限
	IdleTimeout     time.Duration // 最終アクセスからの期限
	AttemptWindow   time.Duration // 失敗回数を数える期間
	LockDuration    time.Duration
	MaxAttempts     int
}

// DefaultPolicy は既定の Policy です。
var DefaultPolicy = Policy{
	SessionLifetime: 12 * time.Hour,
	IdleTimeout:     30 * time.Minute,
	AttemptWindow:   15 * time.Minute,
	LockDuration:    10 * time.Minute,
	MaxAttempts:     5,
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithPolicy は既定の Policy を置き換えます。0 の項目は既定値のままです。
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		if p.SessionLifetime > 0 {
			m.policy.SessionLifetime = p.SessionLifetime
		}
		if p.IdleTimeout > 0 {
			m.policy.IdleTimeout = p.IdleTimeout
		}
		if p.AttemptWindow > 0 {
			m.policy.AttemptWindow = p.AttemptWindow
		}
		if p.LockDuration > 0 {
			m.policy.LockDuration = p.LockDuration
		}
		if p.MaxAttempts > 0 {
			m.policy.MaxAttempts = p.MaxAttempts
		}
	}
}

// Manager はログイン処理、セッション検証、試行制限をまとめます。
type Manager struct {
	cfg     *config.Config
	policy  Policy
	logger  *zap.Logger
	now     func() time.Time
	limiter *loginLimiter
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		policy: DefaultPolicy,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.limiter = newLoginLimiter(m.policy)
	return m
}

// Enabled はログイン保護が設定されているかを返します。
func (m *Manager) Enabled() bool {
	return m.cfg != nil && m.cfg.AuthEnabled()
}

// SessionMaxAge はセッションクッキーの MaxAge（秒）です。
func (m *Manager) SessionMaxAge() int {
	return int(m.policy.SessionLifetime.Seconds())
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /api/auth/login のハンドラーです。成功時は X-CSRF-Token ヘッダーでトークンを返します。
func (m *Manager) Login(c *gin.Context) {
	if err := m.credentialsError(); err != nil {
		m.logger.Error("authentication is misconfigured", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "SERVER_MISCONFIGURATION", "Authentication is not configured on this server.")
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "Send username and password as JSON.")
		return
	}

	ip := c.ClientIP()
	now := m.now()
	if wait := m.limiter.retryAfter(ip, now); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		respondError(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many login attempts. Please try again later.")
		return
	}

	if !m.matches(req.Username, req.Password) {
		remaining := m.limiter.fail(ip, now)
		m.logger.Warn("login failed", zap.String("ip", ip), zap.Int("remaining_attempts", remaining))
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":               "INVALID_CREDENTIALS",
			"detail":             "Invalid username or password.",
			"remaining_attempts": remaining,
		})
		return
	}
	m.limiter.clear(ip)

	token, err := m.startSession(sessions.Default(c), now)
	if err != nil {
		m.logger.Error("failed to start session", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "SESSION_START_FAILED", "Could not start a session.")
		return
	}

	m.logger.Info("login succeeded", zap.String("ip", ip))
	c.Header(CSRFHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		m.logger.Error("failed to clear session", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "Could not clear the session.")
		return
	}
	c.Status(http.StatusNoContent)
}

// startSession はセッションを発行し、CSRF トークンを返します。
func (m *Manager) startSession(session sessions.Session, now time.Time) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	session.Clear()
	session.Set(sessionKeyUser, m.cfg.AppUsername)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return token, nil
}

func (m *Manager) credentialsError() error {
	switch {
	case m.cfg == nil || m.cfg.AppUsername == "":
		return errors.New("APP_USERNAME is not set")
	case m.cfg.AppPasswordHash == "":
		return errors.New("APP_PASSWORD_HASH is not set")
	case m.cfg.SessionSecret == "":
		return errors.New("SESSION_SECRET is not set")
	}
	return nil
}

// matches はユーザー名とパスワードを照合します。ユーザー名が違っても bcrypt は実行します。
func (m *Manager) matches(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.cfg.AppUsername)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
	return userOK && passOK
}

func respondError(c *gin.Context, status int, code, detail string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":   code,
		"detail": detail,
	})
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
