package apiclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HTTPError は 2xx 以外のレスポンスを表します。
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// NotFound は 404 かどうかを返します。
func (e *HTTPError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func newHTTPError(status int, raw []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status, Message: http.StatusText(status)}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 512 {
			httpErr.Message = text
		}
		return httpErr
	}
	httpErr.Code = payload.Code
	for _, msg := range []string{payload.Message, payload.Detail, payload.Error} {
		if msg != "" {
			httpErr.Message = msg
			break
		}
	}
	return httpErr
}
