package conversion

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval はステータス取得の間隔です。
const DefaultInterval = 2 * time.Second

// MessageStatusUnreachable は連続失敗上限に達したときの失敗メッセージです。
const MessageStatusUnreachable = "Conversion status could not be retrieved from the server"

// Options は Poller の設定です。
type Options struct {
	Validator *Validator
	Interval  time.Duration
	// MaxConsecutiveFailures が 0 の場合はステータス取得の失敗を無制限に許容します。
	MaxConsecutiveFailures int
	Logger                 *zap.Logger
}

// Poller は 1 件のジョブについて投入から終端状態までを管理します。
// タイマーと束縛中のジョブIDはインスタンスが排他的に所有します。
//
// OnUpdate のコールバックは常に直列に呼び出されます。Stop と Reset は実行中の配信が
// 終わるのを待つため、コールバックの中から Start/Stop/Reset を同期的に呼ばないでください。
type Poller struct {
	transport   Transport
	validator   *Validator
	interval    time.Duration
	maxFailures int
	logger      *zap.Logger

	// deliverMu は「束縛の再確認からコールバック完了まで」を保護します。mu より先に取得します。
	deliverMu sync.Mutex
	mu        sync.Mutex
	onUpdate func(Snapshot)
	current  *binding
	latest   *Snapshot
}

// binding は束縛中のジョブ 1 件分の状態です。Stop で cancel され、二度と再利用されません。
type binding struct {
	jobID    JobID
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	last     Phase
	failures int
}

// NewPoller は Poller を作成します。
func NewPoller(transport Transport, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Validator == nil {
		opts.Validator = NewValidator("", 0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{
		transport:   transport,
		validator:   opts.Validator,
		interval:    opts.Interval,
		maxFailures: opts.MaxConsecutiveFailures,
		logger:      opts.Logger,
	}
}

// OnUpdate はスナップショットの唯一の受け手を登録します。
func (p *Poller) OnUpdate(fn func(Snapshot)) {
	p.mu.Lock()
	p.onUpdate = fn
	p.mu.Unlock()
}

// Snapshot は最後に配信したスナップショットを返します。
func (p *Poller) Snapshot() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Snapshot{}, false
	}
	return *p.latest, true
}

// Active はジョブを束縛中（ポーリング中）かを返します。
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Start は候補を検証・投入し、初期スナップショットを配信してポーリングを開始します。
// 投入に失敗した場合は *SubmissionError を返し、何も束縛しません。
func (p *Poller) Start(ctx context.Context, c Candidate) (Snapshot, error) {
	accepted, err := p.validator.Validate(c)
	if err != nil {
		return Snapshot{}, err
	}

	p.Reset()

	resp, err := p.transport.Submit(ctx, *accepted)
	if err != nil {
		subErr := asSubmissionError(err)
		p.logger.Warn("conversion submit failed",
			zap.String("file", accepted.Name),
			zap.Int("status_code", subErr.StatusCode),
			zap.Error(err),
		)
		return Snapshot{}, subErr
	}
	if resp == nil || resp.ID == "" {
		return Snapshot{}, &SubmissionError{Message: MessageUploadFailed, Err: errors.New("response carries no job id")}
	}

	phase := ParsePhase(resp.Status)
	if phase == "" {
		phase = PhasePending
	}
	snap := NewSnapshot(resp.ID, phase, deref(resp.PDFURL), deref(resp.ErrorMessage))

	p.deliverMu.Lock()
	p.mu.Lock()
	p.latest = &snap
	var b *binding
	if !phase.Terminal() {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b = &binding{jobID: resp.ID, ctx: loopCtx, cancel: cancel, last: phase}
		p.current = b
	}
	cb := p.onUpdate
	p.mu.Unlock()

	p.logger.Info("conversion submitted",
		zap.String("job_id", resp.ID.String()),
		zap.String("phase", string(phase)),
	)

	if cb != nil {
		cb(snap)
	}
	p.deliverMu.Unlock()

	if b != nil {
		go p.tick(b)
	}
	return snap, nil
}

// Stop はタイマーを止めてジョブの束縛を解除します。何度呼んでも安全です。
// 戻った後に旧ジョブのスナップショットが配信されることはありません。
func (p *Poller) Stop() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	p.unbindLocked()
	p.mu.Unlock()
}

// Reset は Stop した上で派生状態をすべて消去し、Start 前の状態に戻します。
func (p *Poller) Reset() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	p.unbindLocked()
	p.latest = nil
	p.mu.Unlock()
}

func (p *Poller) unbindLocked() {
	b := p.current
	if b == nil {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.cancel()
	p.current = nil
}

// tick は 1 回分のステータス取得と配信を行い、必要なら次回を予約します。
func (p *Poller) tick(b *binding) {
	p.mu.Lock()
	if p.current != b {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	resp, err := p.transport.Status(b.ctx, b.jobID)

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	if p.current != b {
		p.mu.Unlock()
		return
	}

	if err != nil {
		b.failures++
		pollErr := &TransientPollError{JobID: b.jobID, Attempt: b.failures, Err: err}
		p.logger.Warn("conversion status poll failed", zap.Error(pollErr))
		if p.maxFailures <= 0 || b.failures < p.maxFailures {
			p.armLocked(b)
			p.mu.Unlock()
			return
		}
		snap := NewSnapshot(b.jobID, PhaseFailed, "", MessageStatusUnreachable)
		p.deliverLocked(b, snap)
		return
	}
	b.failures = 0

	if resp == nil || (resp.ID != "" && resp.ID != b.jobID) {
		got := ""
		if resp != nil {
			got = resp.ID.String()
		}
		p.logger.Warn("discarding status for another job",
			zap.String("job_id", b.jobID.String()),
			zap.String("response_job_id", got),
		)
		p.armLocked(b)
		p.mu.Unlock()
		return
	}

	phase := ParsePhase(resp.Status)
	if regresses(b.last, phase) {
		p.logger.Warn("discarding out-of-order status",
			zap.String("job_id", b.jobID.String()),
			zap.String("current", string(b.last)),
			zap.String("received", string(phase)),
		)
		p.armLocked(b)
		p.mu.Unlock()
		return
	}

	snap := NewSnapshot(b.jobID, phase, deref(resp.PDFURL), deref(resp.ErrorMessage))
	p.deliverLocked(b, snap)
}

// deliverLocked は p.deliverMu と p.mu を保持した状態で呼び出し、p.mu のみ解放して戻ります。
// 終端フェーズならここで束縛を解除し、そうでなければ配信後に次回を予約します。
func (p *Poller) deliverLocked(b *binding, snap Snapshot) {
	if snap.Phase.Known() {
		b.last = snap.Phase
	}
	p.latest = &snap
	terminal := snap.Phase.Terminal()
	if terminal {
		p.unbindLocked()
		p.logger.Info("conversion finished",
			zap.String("job_id", b.jobID.String()),
			zap.String("phase", string(snap.Phase)),
		)
	}
	cb := p.onUpdate
	p.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
	if terminal {
		return
	}

	p.mu.Lock()
	if p.current == b {
		p.armLocked(b)
	}
	p.mu.Unlock()
}

func (p *Poller) armLocked(b *binding) {
	b.timer = time.AfterFunc(p.interval, func() { p.tick(b) })
}
