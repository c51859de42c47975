package conversion

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultExtension は受け付けるノートブックの拡張子です。
	DefaultExtension = ".ipynb"
	// DefaultMaxSize は 20MB です。
	DefaultMaxSize int64 = 20 * 1024 * 1024
)

// Candidate は投入候補の入力です。Body は投入時に一度だけ読み出されます。
type Candidate struct {
	Name string
	Size int64
	Body io.Reader
}

// OpenCandidate はローカルファイルから Candidate を作成します。呼び出し側で close してください。
func OpenCandidate(path string) (Candidate, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Candidate{}, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Candidate{}, nil, err
	}
	return Candidate{Name: filepath.Base(path), Size: info.Size(), Body: f}, f, nil
}

// Validator は拡張子とサイズのポリシーで候補を検証します。
type Validator struct {
	Extension string
	MaxSize   int64
}

// NewValidator は既定値で補完した Validator を返します。
func NewValidator(extension string, maxSize int64) *Validator {
	if extension == "" {
		extension = DefaultExtension
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Validator{Extension: extension, MaxSize: maxSize}
}

// Validate は候補を検証します。候補が 0 件のときは (nil, nil) を返します。
func (v *Validator) Validate(candidates ...Candidate) (*Candidate, error) {
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, &ValidationError{Reason: ReasonMultiple, Message: "Please select a single notebook file"}
	}

	c := candidates[0]
	if c.Name == "" {
		return nil, &ValidationError{Reason: ReasonNoCandidate, Message: "Please select a file to upload"}
	}
	ext := v.extension()
	if !strings.HasSuffix(c.Name, ext) {
		return nil, &ValidationError{
			Reason:  ReasonUnsupportedType,
			Message: fmt.Sprintf("Only Jupyter Notebook (%s) files are accepted", ext),
		}
	}
	if limit := v.maxSize(); c.Size > limit {
		return nil, &ValidationError{
			Reason:  ReasonTooLarge,
			Message: fmt.Sprintf("File size exceeds the limit of %s", FormatLimit(limit)),
		}
	}
	return &c, nil
}

func (v *Validator) extension() string {
	if v == nil || v.Extension == "" {
		return DefaultExtension
	}
	return v.Extension
}

func (v *Validator) maxSize() int64 {
	if v == nil || v.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return v.MaxSize
}

// FormatLimit はバイト数を "20MB" のような MB 表記にします（端数は四捨五入）。
func FormatLimit(bytes int64) string {
	return fmt.Sprintf("%.0fMB", float64(bytes)/(1024*1024))
}
