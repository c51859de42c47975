package notebook

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	fieldNotebookFile     = "notebook_file"
	fieldOriginalFilename = "original_filename"

	// multipart のヘッダー等の分として許容する余剰バイト数
	multipartOverhead = 1 << 20
)

// Conversion は変換記録の API 表現です。
type Conversion struct {
	ID               int64      `json:"id"`
	OriginalFilename string     `json:"original_filename"`
	NotebookFile     string     `json:"notebook_file"`
	PDFFile          *string    `json:"pdf_file"`
	CreatedAt        time.Time  `json:"created_at"`
	ConvertedAt      *time.Time `json:"converted_at"`
	Status           string     `json:"status"`
	ErrorMessage     *string    `json:"error_message"`
	PDFURL           *string    `json:"pdf_url"`
}

// UploadService はアップロードの検証と保存を提供します。
type UploadService interface {
	PrepareUpload(ctx context.Context, file *multipart.FileHeader, originalName string) (*Upload, error)
	DiscardUpload(upload *Upload) error
}

// JobScheduler は保存済みアップロードの変換ジョブを作成し、キューに投入します。
// 記録を作成できなかった場合は nil の Conversion を返します。
type JobScheduler interface {
	Schedule(ctx context.Context, upload *Upload) (*Conversion, error)
}

// HandlerOptions はアップロードハンドラーの設定です。
type HandlerOptions struct {
	Scheduler   JobScheduler
	MaxFileSize int64
	Logger      *zap.Logger
}

// UploadHandler は POST /api/upload/ のハンドラーを返します。
func UploadHandler(svc UploadService, opts HandlerOptions) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if opts.MaxFileSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxFileSize+multipartOverhead)
		}

		file, err := c.FormFile(fieldNotebookFile)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondFieldError(c, "The uploaded file is too large.")
				return
			}
			respondFieldError(c, "No file was submitted.")
			return
		}

		upload, err := svc.PrepareUpload(c.Request.Context(), file, c.PostForm(fieldOriginalFilename))
		if err != nil {
			respondWithError(c, err)
			return
		}

		if opts.Scheduler == nil {
			_ = svc.DiscardUpload(upload)
			respondStartFailure(c, errors.New("job scheduler is not configured"))
			return
		}

		conv, err := opts.Scheduler.Schedule(c.Request.Context(), upload)
		if err != nil {
			logger.Error("failed to start conversion",
				zap.String("notebook", upload.NotebookKey),
				zap.Error(err),
			)
			if conv == nil {
				if cleanupErr := svc.DiscardUpload(upload); cleanupErr != nil {
					logger.Warn("failed to discard upload", zap.String("notebook", upload.NotebookKey), zap.Error(cleanupErr))
				}
			}
			respondStartFailure(c, err)
			return
		}

		logger.Info("conversion queued",
			zap.Int64("id", conv.ID),
			zap.String("original_filename", conv.OriginalFilename),
		)
		c.JSON(http.StatusCreated, conv)
	}
}

// respondFieldError はフィールド単位の検証エラー形式 {"notebook_file": [msg]} で返します。
func respondFieldError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		fieldNotebookFile: []string{message},
	})
}

func respondStartFailure(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "Failed to start conversion",
		"details": err.Error(),
	})
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		respondFieldError(c, apiErr.Message)
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"detail": "Request was cancelled.",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to save notebook",
			"details": err.Error(),
		})
	}
}
