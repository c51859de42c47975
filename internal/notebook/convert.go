package notebook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/yourusername/notebook-forge/internal/storage"
)

const maxToolOutput = 512

// JobInput は変換ジョブの入力です。
type JobInput struct {
	NotebookKey      string
	OriginalFilename string
}

// Result は変換結果です。
type Result struct {
	PDFKey string
	PDFURL string
	Pages  int
	Size   int64
}

// RunJob は保存済みノートブックを PDF に変換し、pdfs/<uuid>.pdf に保存します。
func (s *Service) RunJob(ctx context.Context, in JobInput, reporter ProgressReporter) (*Result, error) {
	if in.NotebookKey == "" {
		return nil, newError(CodeInvalidInput, "notebook file is missing", nil)
	}
	srcPath, err := s.media.Path(in.NotebookKey)
	if err != nil {
		return nil, err
	}

	reportProgress(reporter, "load", 10)

	ws, err := s.createWorkspace()
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := removeDir(ws.dir); rmErr != nil {
			s.logger.Warn("failed to remove workspace", zap.String("dir", ws.dir), zap.Error(rmErr))
		}
	}()

	stem := outputStem(in.OriginalFilename)
	inputPath := filepath.Join(ws.inDir, stem+s.extension())
	if err := copyFile(srcPath, inputPath); err != nil {
		return nil, fmt.Errorf("failed to stage notebook: %w", err)
	}

	reportProgress(reporter, "convert", 30)

	pdfPath, err := s.runNbconvert(ctx, ws, stem, inputPath)
	if err != nil {
		return nil, err
	}

	reportProgress(reporter, "validate", 80)

	if err := pdfapi.ValidateFile(pdfPath, nil); err != nil {
		return nil, newError(CodeInvalidPDF, "The converter produced an invalid PDF.", err)
	}
	pages, err := pdfapi.PageCountFile(pdfPath)
	if err != nil {
		return nil, newError(CodeInvalidPDF, "The converter produced an invalid PDF.", err)
	}

	key := storage.Key(storage.PDFPrefix, uuid.NewString()+".pdf")
	size, err := s.media.SaveFile(ctx, key, pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to store pdf: %w", err)
	}

	reportProgress(reporter, "completed", 100)

	return &Result{
		PDFKey: key,
		PDFURL: s.media.URL(key),
		Pages:  pages,
		Size:   size,
	}, nil
}

func (s *Service) runNbconvert(ctx context.Context, ws workspace, stem, inputPath string) (string, error) {
	runCtx := ctx
	if s.cfg.ConvertTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.ConvertTimeout)
		defer cancel()
	}

	out, err := s.run(runCtx, ws.inDir, s.cfg.NbconvertPath, nbconvertArgs(s.format(), ws.outDir, stem, inputPath)...)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", newError(CodeConversionTimeout, fmt.Sprintf("Conversion timed out after %s.", s.cfg.ConvertTimeout), runCtx.Err())
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", newError(CodeConversionFailed, fmt.Sprintf("nbconvert failed: %s", tail(out, maxToolOutput)), err)
	}

	pdfPath := filepath.Join(ws.outDir, stem+".pdf")
	if _, err := os.Stat(pdfPath); err != nil {
		return "", newError(CodeConversionFailed, "nbconvert did not produce a PDF.", err)
	}
	return pdfPath, nil
}

func (s *Service) format() string {
	if s.cfg.NbconvertTo == "" {
		return "pdf"
	}
	return s.cfg.NbconvertTo
}

func nbconvertArgs(format, outDir, stem, inputPath string) []string {
	return []string{
		"nbconvert",
		"--to", format,
		"--output-dir", outDir,
		"--output", stem,
		inputPath,
	}
}

// outputStem は元のファイル名から拡張子を除き、ファイル名として安全な文字だけを残します。
func outputStem(original string) string {
	base := filepath.Base(original)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	stem := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	stem = strings.Trim(stem, "_")
	if stem == "" {
		return "notebook"
	}
	return stem
}

// tail は末尾の最大 n バイトを返します。切り詰めは UTF-8 の文字境界で行います。
func tail(out []byte, n int) string {
	text := strings.TrimSpace(strings.ToValidUTF8(string(out), "\uFFFD"))
	if text == "" {
		return "no output"
	}
	if len(text) > n {
		start := len(text) - n
		for start < len(text) && !utf8.RuneStart(text[start]) {
			start++
		}
		text = "..." + text[start:]
	}
	return text
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o640)
}
