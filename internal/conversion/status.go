// Package conversion はノートブック変換ジョブのクライアント側ライフサイクル（検証・投入・ポーリング）を提供します。
package conversion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// JobID はサーバーが投入時に払い出すジョブの識別子です。
// ワイヤー上では数値・文字列のどちらでも受け付けます。
type JobID string

// UnmarshalJSON は数値または文字列の id を受け付けます。
func (id *JobID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("job id must be a number or string: %w", err)
	}
	*id = JobID(n.String())
	return nil
}

func (id JobID) String() string {
	return string(id)
}

// Phase はジョブのライフサイクル上の段階です。
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// DefaultFailureMessage はサーバーが error_message を返さなかった場合の表示文言です。
const DefaultFailureMessage = "An unexpected error occurred"

var phaseProgress = map[Phase]int{
	PhasePending:    10,
	PhaseProcessing: 50,
	PhaseCompleted:  100,
	PhaseFailed:     0,
}

// rank は単調性チェック用の順位です。未知のフェーズは 0 を返します。
var phaseRank = map[Phase]int{
	PhasePending:    1,
	PhaseProcessing: 2,
	PhaseCompleted:  3,
	PhaseFailed:     3,
}

// ParsePhase はサーバーの生ステータスを正規化します。未知の値はそのまま保持します。
func ParsePhase(raw string) Phase {
	return Phase(strings.ToLower(strings.TrimSpace(raw)))
}

// Known は 4 つの定義済みフェーズのいずれかかを返します。
func (p Phase) Known() bool {
	_, ok := phaseProgress[p]
	return ok
}

// Terminal は Completed / Failed のときに true を返します。
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Progress はフェーズから進捗率を導出します。
func Progress(p Phase) int {
	return phaseProgress[p]
}

// regresses は next が prev より前のフェーズに戻っているかを判定します。
// 未知フェーズは比較対象外として扱います。
func regresses(prev, next Phase) bool {
	if prev.Terminal() {
		return true
	}
	pr, nr := phaseRank[prev], phaseRank[next]
	if pr == 0 || nr == 0 {
		return false
	}
	return nr < pr
}

// Snapshot はクライアント側で正規化したジョブ状態です。常に丸ごと置き換えます。
type Snapshot struct {
	JobID          JobID  `json:"jobId"`
	Phase          Phase  `json:"phase"`
	Progress       int    `json:"progress"`
	ResultLocation string `json:"resultLocation,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	IsActive       bool   `json:"isActive"`
}

// NewSnapshot はフェーズに応じて派生フィールドを埋めた Snapshot を返します。
// resultLocation は Completed のときのみ、errorMessage は Failed のときのみ保持されます。
func NewSnapshot(id JobID, phase Phase, resultLocation, errorMessage string) Snapshot {
	snap := Snapshot{
		JobID:    id,
		Phase:    phase,
		Progress: Progress(phase),
		IsActive: !phase.Terminal(),
	}
	switch phase {
	case PhaseCompleted:
		snap.ResultLocation = resultLocation
	case PhaseFailed:
		snap.ErrorMessage = strings.TrimSpace(errorMessage)
		if snap.ErrorMessage == "" {
			snap.ErrorMessage = DefaultFailureMessage
		}
	}
	return snap
}
