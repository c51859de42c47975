package conversion

import (
	"errors"
	"fmt"
)

// Reason は入力検証で拒否した理由コードです。
type Reason string

const (
	ReasonNoCandidate     Reason = "NoCandidate"
	ReasonMultiple        Reason = "Multiple"
	ReasonUnsupportedType Reason = "UnsupportedType"
	ReasonTooLarge        Reason = "TooLarge"
)

// ValidationError はネットワークに触れる前の入力検証エラーです。
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Generic messages shown when the server gives no usable detail.
const (
	MessageUploadFailed = "An error occurred during upload. Please try again."
	MessageNetworkError = "Network error. Please check your connection and try again."
)

// SubmissionError は投入呼び出しの失敗です。ジョブは束縛されず、ポーリングも始まりません。
type SubmissionError struct {
	StatusCode int    // HTTP ステータス（通信自体が失敗した場合は 0）
	Field      string // フィールド単位の検証エラーだった場合のフィールド名
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("submission failed: %s", e.Message)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// TransientPollError はジョブ束縛後のステータス取得失敗です。ログに残すのみでポーリングは継続します。
type TransientPollError struct {
	JobID   JobID
	Attempt int
	Err     error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("status poll for job %s failed (consecutive=%d): %v", e.JobID, e.Attempt, e.Err)
}

func (e *TransientPollError) Unwrap() error {
	return e.Err
}

// asSubmissionError は任意のエラーを SubmissionError に揃えます。
func asSubmissionError(err error) *SubmissionError {
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		return subErr
	}
	return &SubmissionError{Message: MessageNetworkError, Err: err}
}
