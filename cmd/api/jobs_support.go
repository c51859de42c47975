package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/notebook-forge/internal/config"
	"github.com/yourusername/notebook-forge/internal/jobs"
	"github.com/yourusername/notebook-forge/internal/notebook"
	"github.com/yourusername/notebook-forge/internal/storage"
)

// conversionManager はハンドラーが必要とする jobs.Manager の操作です。
type conversionManager interface {
	Submit(ctx context.Context, upload *notebook.Upload) (*jobs.Record, error)
	GetRecord(ctx context.Context, id int64) (*jobs.Record, error)
	ListRecords(ctx context.Context) ([]*jobs.Record, error)
	DeleteRecord(ctx context.Context, id int64) (*jobs.Record, error)
}

func setupJobs(cfg *config.Config, converter jobs.Converter, logger *zap.Logger) (*jobs.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	var ttl time.Duration
	if cfg.JobExpireMinutes > 0 {
		ttl = time.Duration(cfg.JobExpireMinutes) * time.Minute
	}
	store := jobs.NewStore(redisClient, ttl)
	return jobs.NewManager(cfg, converter, store, logger)
}

// conversionScheduler は notebook.JobScheduler を jobs.Manager で実装します。
type conversionScheduler struct {
	manager conversionManager
	views   *conversionViews
}

func (s *conversionScheduler) Schedule(ctx context.Context, upload *notebook.Upload) (*notebook.Conversion, error) {
	record, err := s.manager.Submit(ctx, upload)
	if record == nil {
		return nil, err
	}
	view := s.views.conversion(record)
	return &view, err
}

// conversionViews は jobs.Record を API 表現に変換します。
type conversionViews struct {
	media *storage.Local
}

func (v *conversionViews) conversion(r *jobs.Record) notebook.Conversion {
	out := notebook.Conversion{
		ID:               r.ID,
		OriginalFilename: r.OriginalFilename,
		NotebookFile:     v.url(r.NotebookKey),
		CreatedAt:        r.CreatedAt,
		ConvertedAt:      r.ConvertedAt,
		Status:           string(r.Status),
		ErrorMessage:     optional(r.ErrorMessage),
	}
	if r.PDFKey != "" {
		pdfURL := v.url(r.PDFKey)
		out.PDFFile = &pdfURL
		out.PDFURL = &pdfURL
	}
	return out
}

func (v *conversionViews) status(r *jobs.Record) gin.H {
	payload := gin.H{
		"id":            r.ID,
		"status":        r.Status,
		"error_message": optional(r.ErrorMessage),
		"pdf_url":       nil,
	}
	if r.PDFKey != "" {
		payload["pdf_url"] = v.url(r.PDFKey)
	}
	return payload
}

func (v *conversionViews) url(key string) string {
	if v.media == nil {
		return key
	}
	return v.media.URL(key)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseConversionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		respondNotFound(c)
		return 0, false
	}
	return id, true
}

func respondNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
}

func respondInternal(c *gin.Context, logger *zap.Logger, msg string, err error) {
	if logger != nil {
		logger.Error(msg, zap.Error(err))
	}
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "A server error occurred."})
}

// conversionStatusHandler は GET /api/conversion-status/:id/ のハンドラーです。
func conversionStatusHandler(manager conversionManager, views *conversionViews, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseConversionID(c)
		if !ok {
			return
		}
		record, err := manager.GetRecord(c.Request.Context(), id)
		if err != nil {
			respondInternal(c, logger.With(zap.Int64("id", id)), "failed to load conversion", err)
			return
		}
		if record == nil {
			respondNotFound(c)
			return
		}
		c.JSON(http.StatusOK, views.status(record))
	}
}

// listConversionsHandler は GET /api/notebooks/ のハンドラーです。
func listConversionsHandler(manager conversionManager, views *conversionViews, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := manager.ListRecords(c.Request.Context())
		if err != nil {
			respondInternal(c, logger, "failed to list conversions", err)
			return
		}
		out := make([]notebook.Conversion, 0, len(records))
		for _, r := range records {
			out = append(out, views.conversion(r))
		}
		c.JSON(http.StatusOK, out)
	}
}

// conversionDetailHandler は GET /api/notebooks/:id/ のハンドラーです。
func conversionDetailHandler(manager conversionManager, views *conversionViews, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseConversionID(c)
		if !ok {
			return
		}
		record, err := manager.GetRecord(c.Request.Context(), id)
		if err != nil {
			respondInternal(c, logger.With(zap.Int64("id", id)), "failed to load conversion", err)
			return
		}
		if record == nil {
			respondNotFound(c)
			return
		}
		c.JSON(http.StatusOK, views.conversion(record))
	}
}

// deleteConversionHandler は DELETE /api/notebooks/:id/ のハンドラーです。記録と保存ファイルを削除します。
func deleteConversionHandler(manager conversionManager, media *storage.Local, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseConversionID(c)
		if !ok {
			return
		}
		record, err := manager.DeleteRecord(c.Request.Context(), id)
		if errors.Is(err, jobs.ErrNotFound) {
			respondNotFound(c)
			return
		}
		if err != nil {
			respondInternal(c, logger, "failed to delete conversion", err)
			return
		}
		if media != nil {
			for _, key := range []string{record.NotebookKey, record.PDFKey} {
				if err := media.Delete(key); err != nil && logger != nil {
					logger.Warn("failed to delete stored file", zap.Int64("id", id), zap.String("key", key), zap.Error(err))
				}
			}
		}
		c.Status(http.StatusNoContent)
	}
}

// mediaRoute は MEDIA_URL のパス部分から配信ルートを組み立てます。
func mediaRoute(mediaURL string) string {
	prefix := "/media/"
	if u, err := url.Parse(mediaURL); err == nil && u.Path != "" {
		prefix = u.Path
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = "/media"
	}
	return prefix + "/*path"
}

// mediaHandler は保存済みのノートブックと PDF を配信します。
func mediaHandler(media *storage.Local, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(path.Clean("/"+c.Param("path")), "/")
		file, info, err := media.Open(key)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidKey) {
				respondNotFound(c)
				return
			}
			respondInternal(c, logger.With(zap.String("key", key)), "failed to open media file", err)
			return
		}
		defer file.Close()

		contentType := mime.TypeByExtension(filepath.Ext(key))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		name := filepath.Base(key)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, url.PathEscape(name)))
		c.Header("Cache-Control", "private, max-age=0")
		c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	}
}
