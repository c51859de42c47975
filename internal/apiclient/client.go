// Package apiclient は変換サーバーの HTTP API クライアントです。conversion.Transport を実装します。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/notebook-forge/internal/conversion"
)

const (
	uploadPath       = "/api/upload/"
	statusPathFormat = "/api/conversion-status/%s/"
	notebooksPath    = "/api/notebooks/"
	loginPath        = "/api/auth/login"

	fieldNotebookFile     = "notebook_file"
	fieldOriginalFilename = "original_filename"

	csrfHeader = "X-CSRF-Token"
)

var _ conversion.Transport = (*Client)(nil)

// Client は変換サーバーの API を呼び出します。
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger

	mu        sync.RWMutex
	csrfToken string
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithHTTPClient は利用する http.Client を差し替えます。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger はロガーを設定します。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout は HTTP タイムアウトを設定します。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New は baseURL（例: http://localhost:8080）に対するクライアントを作成します。
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url must be absolute: %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second, Jar: jar},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		c.http.Jar = jar
	}
	return c, nil
}

// Submit は POST /api/upload/ に multipart でノートブックを送信します。
func (c *Client) Submit(ctx context.Context, cand conversion.Candidate) (*conversion.SubmitResponse, error) {
	if cand.Body == nil {
		return nil, &conversion.SubmissionError{Message: conversion.MessageUploadFailed, Err: errors.New("candidate has no body")}
	}
	data, err := io.ReadAll(cand.Body)
	if err != nil {
		return nil, &conversion.SubmissionError{Message: conversion.MessageUploadFailed, Err: fmt.Errorf("read notebook: %w", err)}
	}

	body, contentType, err := buildUploadBody(cand.Name, data)
	if err != nil {
		return nil, &conversion.SubmissionError{Message: conversion.MessageUploadFailed, Err: err}
	}

	req, err := c.newRequest(ctx, http.MethodPost, uploadPath, body)
	if err != nil {
		return nil, &conversion.SubmissionError{Message: conversion.MessageUploadFailed, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, raw, err := c.do(req)
	if err != nil {
		return nil, &conversion.SubmissionError{Message: conversion.MessageNetworkError, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseSubmissionError(resp.StatusCode, raw)
	}

	var out conversion.SubmitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &conversion.SubmissionError{StatusCode: resp.StatusCode, Message: conversion.MessageUploadFailed, Err: fmt.Errorf("decode upload response: %w", err)}
	}
	return &out, nil
}

// Status は GET /api/conversion-status/{id}/ を呼び出します。
func (c *Client) Status(ctx context.Context, id conversion.JobID) (*conversion.StatusResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf(statusPathFormat, url.PathEscape(id.String())), nil)
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
	var out conversion.StatusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

func buildUploadBody(name string, data []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fieldNotebookFile, escapeQuotes(name)))
	header.Set("Content-Type", mimetype.Detect(data).String())
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField(fieldOriginalFilename, name); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// parseSubmissionError はフィールド検証エラー → error → message の順にメッセージを取り出します。
func parseSubmissionError(status int, raw []byte) *conversion.SubmissionError {
	subErr := &conversion.SubmissionError{StatusCode: status, Message: conversion.MessageUploadFailed}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		subErr.Err = newHTTPError(status, raw)
		return subErr
	}

	if msgs, ok := payload[fieldNotebookFile]; ok {
		var list []string
		if err := json.Unmarshal(msgs, &list); err == nil && len(list) > 0 {
			subErr.Field = fieldNotebookFile
			subErr.Message = list[0]
			return subErr
		}
	}
	for _, key := range []string{"error", "message", "detail"} {
		var msg string
		if v, ok := payload[key]; ok && json.Unmarshal(v, &msg) == nil && msg != "" {
			subErr.Message = msg
			break
		}
	}
	var details string
	if v, ok := payload["details"]; ok && json.Unmarshal(v, &details) == nil && details != "" {
		subErr.Err = errors.New(details)
	}
	return subErr
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := c.resolve(path)
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if !isSafeMethod(method) {
		c.mu.RLock()
		token := c.csrfToken
		c.mu.RUnlock()
		if token != "" {
			req.Header.Set(csrfHeader, token)
		}
	}
	return req, nil
}

// resolve は相対パス（/media/... など）をサーバーの URL に解決します。絶対URLはそのまま返します。
func (c *Client) resolve(location string) string {
	ref, err := url.Parse(location)
	if err != nil || ref.IsAbs() {
		return location
	}
	return c.baseURL.ResolveReference(ref).String()
}

func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	reqID := uuid.New().String()
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("api request failed",
			zap.String("req_id", reqID),
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debug("api request",
		zap.String("req_id", reqID),
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, raw, nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
