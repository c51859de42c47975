// Package notebook はノートブックの受け付けと PDF 変換を提供します。
package notebook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/yourusername/notebook-forge/internal/config"
	"github.com/yourusername/notebook-forge/internal/conversion"
	"github.com/yourusername/notebook-forge/internal/storage"
)

// commandRunner は外部コマンドを dir で実行し、標準出力と標準エラーをまとめて返します。
type commandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Service はアップロードの検証・保存と変換処理を担います。
type Service struct {
	cfg     *config.Config
	media   *storage.Local
	logger  *zap.Logger
	schema  *jsonschema.Schema
	tempDir string
	now     func() time.Time
	run     commandRunner
}

// Upload は保存済みのアップロードを表します。
type Upload struct {
	OriginalFilename string
	NotebookKey      string
	Size             int64
}

// NewService は Service を作成します。
func NewService(cfg *config.Config, media *storage.Local, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if media == nil {
		return nil, errors.New("media storage is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := compileNotebookSchema()
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		media:   media,
		logger:  logger,
		schema:  schema,
		tempDir: os.TempDir(),
		now:     time.Now,
		run:     runCommand,
	}, nil
}

// PrepareUpload はアップロードされたノートブックを検証し、notebooks/<uuid>.ipynb に保存します。
func (s *Service) PrepareUpload(ctx context.Context, file *multipart.FileHeader, originalName string) (*Upload, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil || file.Filename == "" {
		return nil, newError(CodeInvalidInput, "No file was submitted.", nil)
	}

	ext := s.extension()
	if !strings.HasSuffix(file.Filename, ext) {
		return nil, newError(CodeUnsupportedType, fmt.Sprintf("Only Jupyter Notebook files (%s) are allowed.", ext), nil)
	}
	limit := s.cfg.MaxFileSize
	if file.Size > limit {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("File size exceeds the limit of %s.", conversion.FormatLimit(limit)), nil)
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("File size exceeds the limit of %s.", conversion.FormatLimit(limit)), nil)
	}

	if !isJSON(data) {
		return nil, newError(CodeInvalidNotebook, "The uploaded file is not valid JSON.", nil)
	}
	if err := s.validateNotebook(data); err != nil {
		return nil, err
	}

	key := storage.Key(storage.NotebookPrefix, uuid.NewString()+ext)
	size, err := s.media.Save(ctx, key, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to store notebook: %w", err)
	}

	name := strings.TrimSpace(originalName)
	if name == "" {
		name = file.Filename
	}
	return &Upload{
		OriginalFilename: filepath.Base(name),
		NotebookKey:      key,
		Size:             size,
	}, nil
}

// DiscardUpload は保存済みのノートブックを削除します。
func (s *Service) DiscardUpload(upload *Upload) error {
	if upload == nil {
		return nil
	}
	return s.media.Delete(upload.NotebookKey)
}

func (s *Service) extension() string {
	if s.cfg.NotebookExtension == "" {
		return conversion.DefaultExtension
	}
	return s.cfg.NotebookExtension
}

// isJSON は内容から JSON とみなせるかを判定します。
func isJSON(data []byte) bool {
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if mt.Is("application/json") {
			return true
		}
	}
	return false
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}
