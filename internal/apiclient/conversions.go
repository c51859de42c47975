package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/yourusername/notebook-forge/internal/conversion"
)

// Conversion は /api/notebooks/ が返す変換記録です。
type Conversion struct {
	ID               conversion.JobID `json:"id"`
	OriginalFilename string           `json:"original_filename"`
	Status           string           `json:"status"`
	PDFURL           *string          `json:"pdf_url"`
	ErrorMessage     *string          `json:"error_message"`
	CreatedAt        time.Time        `json:"created_at"`
	ConvertedAt      *time.Time       `json:"converted_at"`
}

// List は変換記録の一覧を新しい順で取得します。
func (c *Client) List(ctx context.Context) ([]Conversion, error) {
	req, err := c.newRequest(ctx, http.MethodGet, notebooksPath, nil)
	if err != nil {
		return nil, err
	}
	resp, raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(resp.StatusCode, raw)
	}
	var out []Conversion
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode conversions: %w", err)
	}
	return out, nil
}

// Delete は変換記録と保存ファイルを削除します。
func (c *Client) Delete(ctx context.Context, id conversion.JobID) error {
	req, err := c.newRequest(ctx, http.MethodDelete, notebooksPath+url.PathEscape(id.String())+"/", nil)
	if err != nil {
		return err
	}
	resp, raw, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return newHTTPError(resp.StatusCode, raw)
	}
	return nil
}

// Download は resultLocation（pdf_url）の内容を w に書き出し、書き込んだバイト数を返します。
func (c *Client) Download(ctx context.Context, location string, w io.Writer) (int64, error) {
	if location == "" {
		return 0, errors.New("result location is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(location), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, newHTTPError(resp.StatusCode, raw)
	}
	return io.Copy(w, resp.Body)
}

// Login はセッションを確立し、以降の更新系リクエストに CSRF トークンを付与します。
func (c *Client) Login(ctx context.Context, username, password string) error {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, loginPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, raw, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return newHTTPError(resp.StatusCode, raw)
	}
	token := resp.Header.Get(csrfHeader)
	if token == "" {
		return errors.New("login response did not include a CSRF token")
	}
	c.mu.Lock()
	c.csrfToken = token
	c.mu.Unlock()
	return nil
}
