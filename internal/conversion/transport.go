package conversion

import "context"

// Transport は変換サービスへの 2 つのリモート呼び出しを抽象化します。
type Transport interface {
	Submit(ctx context.Context, c Candidate) (*SubmitResponse, error)
	Status(ctx context.Context, id JobID) (*StatusResponse, error)
}

// SubmitResponse は POST /api/upload/ の成功レスポンスです。
type SubmitResponse struct {
	ID               JobID   `json:"id"`
	Status           string  `json:"status"`
	OriginalFilename string  `json:"original_filename,omitempty"`
	PDFURL           *string `json:"pdf_url,omitempty"`
	ErrorMessage     *string `json:"error_message,omitempty"`
}

// StatusResponse は GET /api/conversion-status/{id}/ のレスポンスです。
type StatusResponse struct {
	ID           JobID   `json:"id"`
	Status       string  `json:"status"`
	PDFURL       *string `json:"pdf_url"`
	ErrorMessage *string `json:"error_message"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
