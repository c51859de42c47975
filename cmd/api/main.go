// Package main は変換サーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/notebook-forge/internal/auth"
	"github.com/yourusername/notebook-forge/internal/config"
	"github.com/yourusername/notebook-forge/internal/notebook"
	"github.com/yourusername/notebook-forge/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	gin.SetMode(cfg.GinMode)

	media, err := storage.NewLocal(cfg.MediaRoot, cfg.MediaURL)
	if err != nil {
		logger.Fatal("failed to prepare media storage", zap.Error(err))
	}
	notebookService, err := notebook.NewService(cfg, media, logger.Named("notebook"))
	if err != nil {
		logger.Fatal("failed to create notebook service", zap.Error(err))
	}
	manager, err := setupJobs(cfg, notebookService, logger.Named("jobs"))
	if err != nil {
		logger.Fatal("failed to set up job manager", zap.Error(err))
	}
	manager.StartWorkers()

	// Ginルーターの初期化
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.MaxMultipartMemory = 8 << 20

	authManager := auth.NewManager(cfg, logger.Named("auth"))
	if authManager.Enabled() {
		// セッションストアの設定（クッキー署名鍵は必須）
		store := cookie.NewStore([]byte(cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   authManager.SessionMaxAge(),
			HttpOnly: true,
			Secure:   cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
	}
	// クライアントがログイン応答から CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, routeDeps{
		auth:     authManager,
		notebook: notebookService,
		manager:  manager,
		media:    media,
		logger:   logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting API server",
			zap.String("addr", srv.Addr),
			zap.String("mode", cfg.GinMode),
			zap.Bool("auth", authManager.Enabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("job manager shutdown failed", zap.Error(err))
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "notebook-forge-api",
		"version": "0.1.0",
	})
}

type routeDeps struct {
	auth     *auth.Manager
	notebook notebook.UploadService
	manager  conversionManager
	media    *storage.Local
	logger   *zap.Logger
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps routeDeps) {
	if deps.logger == nil {
		deps.logger = zap.NewNop()
	}
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	protected := router.Group("")
	if deps.auth != nil && deps.auth.Enabled() {
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", deps.auth.Login)
			authRoutes.POST("/logout",
				deps.auth.RequireLogin(),
				deps.auth.VerifyCSRF(),
				deps.auth.Logout,
			)
		}
		protected.Use(deps.auth.RequireLogin(), deps.auth.VerifyCSRF())
	}

	views := &conversionViews{media: deps.media}
	scheduler := &conversionScheduler{manager: deps.manager, views: views}

	protected.POST("/api/upload/", notebook.UploadHandler(deps.notebook, notebook.HandlerOptions{
		Scheduler:   scheduler,
		MaxFileSize: cfg.MaxFileSize,
		Logger:      deps.logger.Named("upload"),
	}))
	protected.GET("/api/conversion-status/:id/", conversionStatusHandler(deps.manager, views, deps.logger))
	protected.GET("/api/notebooks/", listConversionsHandler(deps.manager, views, deps.logger))
	protected.GET("/api/notebooks/:id/", conversionDetailHandler(deps.manager, views, deps.logger))
	protected.DELETE("/api/notebooks/:id/", deleteConversionHandler(deps.manager, deps.media, deps.logger))
	protected.GET("/api/notebooks/:id/status/", conversionStatusHandler(deps.manager, views, deps.logger))
	protected.GET(mediaRoute(cfg.MediaURL), mediaHandler(deps.media, deps.logger))
}
