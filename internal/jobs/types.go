package jobs

import (
	"errors"
	"time"
)

// Status は変換ジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition は状態を後戻りさせる更新を表します。
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound は存在しないジョブを表します。
var ErrNotFound = errors.New("conversion not found")

// Terminal は完了または失敗かを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// canTransition は from から to への更新が前進のみかを判定します。
// 終端状態からはどこへも移れません。
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return to.rank() >= from.rank() && to.rank() > 0
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// Record は変換ジョブの現在状態を表します。
type Record struct {
	ID               int64        `json:"id"`
	OriginalFilename string       `json:"originalFilename"`
	NotebookKey      string       `json:"notebookKey"`
	PDFKey           string       `json:"pdfKey,omitempty"`
	Pages            int          `json:"pages,omitempty"`
	Status           Status       `json:"status"`
	Progress         ProgressInfo `json:"progress"`
	ErrorMessage     string       `json:"errorMessage,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	ConvertedAt      *time.Time   `json:"convertedAt,omitempty"`
}

// transition は状態を to に進め、mutate で残りのフィールドを更新します。
func (r *Record) transition(to Status, mutate func(*Record)) error {
	if !canTransition(r.Status, to) {
		return ErrInvalidTransition
	}
	r.Status = to
	if mutate != nil {
		mutate(r)
	}
	return nil
}
