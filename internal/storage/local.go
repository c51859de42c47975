// Package storage はアップロードされたノートブックと変換結果の保存先を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// 保存先のキープレフィックスです。
const (
	NotebookPrefix = "notebooks"
	PDFPrefix      = "pdfs"
)

// ErrInvalidKey はルート外を指すキーなど不正なキーを表します。
var ErrInvalidKey = errors.New("invalid storage key")

// Local は MEDIA_ROOT 配下にファイルを保存し、MEDIA_URL 配下の URL を返します。
type Local struct {
	root    string
	baseURL string
}

// NewLocal は Local ストレージを作成し、ルートディレクトリを用意します。
func NewLocal(root, baseURL string) (*Local, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	for _, dir := range []string{NotebookPrefix, PDFPrefix} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	if baseURL == "" {
		baseURL = "/media/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Local{root: abs, baseURL: baseURL}, nil
}

// Key は prefix/name 形式のキーを組み立てます。
func Key(prefix, name string) string {
	return path.Join(prefix, name)
}

// Save は r の内容を key に書き込み、書き込んだバイト数を返します。
// 書き込みは一時ファイル経由で行い、途中で失敗した場合は何も残しません。
func (l *Local) Save(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dst, err := l.Path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil {
		return 0, copyErr
	}
	if closeErr != nil {
		return 0, closeErr
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, err
	}
	return n, nil
}

// SaveFile は既存ファイル src を key にコピーします。
func (l *Local) SaveFile(ctx context.Context, key, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return l.Save(ctx, key, f)
}

// Open は key のファイルを開きます。存在しない場合は fs.ErrNotExist を返します。
func (l *Local) Open(key string) (*os.File, os.FileInfo, error) {
	p, err := l.Path(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fs.ErrNotExist
	}
	return f, info, nil
}

// Delete は key のファイルを削除します。存在しない場合は何もしません。
func (l *Local) Delete(key string) error {
	if key == "" {
		return nil
	}
	p, err := l.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// URL は key を配信用 URL に変換します。
func (l *Local) URL(key string) string {
	if key == "" {
		return ""
	}
	return l.baseURL + strings.TrimLeft(path.Clean("/"+key), "/")
}

// Path は key をルート配下の絶対パスに解決します。
func (l *Local) Path(key string) (string, error) {
	cleaned := path.Clean("/" + filepath.ToSlash(key))
	if cleaned == "/" {
		return "", ErrInvalidKey
	}
	p := filepath.Join(l.root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidKey
	}
	return p, nil
}
