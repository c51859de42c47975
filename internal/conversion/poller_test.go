package conversion

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type statusResult struct {
	resp *StatusResponse
	err  error
}

type fakeTransport struct {
	mu        sync.Mutex
	submitRes *SubmitResponse
	submitErr error
	submits   int
	nextID    int
	script    []statusResult
	calls     []JobID
}

func (f *fakeTransport) Submit(ctx context.Context, c Candidate) (*SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submitRes != nil {
		res := *f.submitRes
		if f.nextID > 0 {
			res.ID = JobID(strings.Repeat("9", f.submits))
		}
		return &res, nil
	}
	return &SubmitResponse{ID: "42", Status: "pending"}, nil
}

func (f *fakeTransport) Status(ctx context.Context, id JobID) (*StatusResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if len(f.script) == 0 {
		return &StatusResponse{ID: id, Status: "processing"}, nil
	}
	next := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return next.resp, next.err
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) callsFor(id JobID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

func strPtr(s string) *string { return &s }

func notebook() Candidate {
	return Candidate{Name: "notebook.ipynb", Size: 5 * 1024, Body: strings.NewReader("{}")}
}

func collect(p *Poller) (<-chan Snapshot, func() []Snapshot) {
	ch := make(chan Snapshot, 64)
	var mu sync.Mutex
	var all []Snapshot
	p.OnUpdate(func(s Snapshot) {
		mu.Lock()
		all = append(all, s)
		mu.Unlock()
		ch <- s
	})
	return ch, func() []Snapshot {
		mu.Lock()
		defer mu.Unlock()
		return append([]Snapshot(nil), all...)
	}
}

func waitFor(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestPollerHappyPath(t *testing.T) {
	ft := &fakeTransport{
		script: []statusResult{
			{resp: &StatusResponse{ID: "42", Status: "processing"}},
			{resp: &StatusResponse{ID: "42", Status: "completed", PDFURL: strPtr("/files/42.pdf")}},
		},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, all := collect(p)

	initial, err := p.Start(context.Background(), notebook())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if initial.JobID != "42" || initial.Phase != PhasePending || initial.Progress != 10 || !initial.IsActive {
		t.Fatalf("unexpected initial snapshot: %+v", initial)
	}
	if got := waitFor(t, ch); got != initial {
		t.Fatalf("first delivered snapshot = %+v, want %+v", got, initial)
	}

	processing := waitFor(t, ch)
	if processing.Phase != PhaseProcessing || processing.Progress != 50 {
		t.Fatalf("unexpected processing snapshot: %+v", processing)
	}

	done := waitFor(t, ch)
	if done.Phase != PhaseCompleted || done.Progress != 100 || done.ResultLocation != "/files/42.pdf" || done.IsActive {
		t.Fatalf("unexpected completed snapshot: %+v", done)
	}

	calls := ft.callCount()
	time.Sleep(50 * time.Millisecond)
	if ft.callCount() != calls {
		t.Fatalf("status polled after completion: before=%d after=%d", calls, ft.callCount())
	}
	if len(all()) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(all()))
	}
	if p.Active() {
		t.Fatal("poller should be unbound after terminal phase")
	}
	if ft.submits != 1 {
		t.Fatalf("expected exactly one submit, got %d", ft.submits)
	}
}

func TestPollerDeliversEachPhaseInOrder(t *testing.T) {
	ft := &fakeTransport{
		script: []statusResult{
			{resp: &StatusResponse{ID: "42", Status: "pending"}},
			{resp: &StatusResponse{ID: "42", Status: "processing"}},
			{resp: &StatusResponse{ID: "42", Status: "completed", PDFURL: strPtr("/media/pdfs/x.pdf")}},
		},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, all := collect(p)

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	for i := 0; i < 4; i++ {
		waitFor(t, ch)
	}
	time.Sleep(30 * time.Millisecond)

	want := []Phase{PhasePending, PhasePending, PhaseProcessing, PhaseCompleted}
	got := all()
	if len(got) != len(want) {
		t.Fatalf("got %d snapshots, want %d: %+v", len(got), len(want), got)
	}
	for i, s := range got {
		if s.Phase != want[i] {
			t.Fatalf("snapshot[%d].Phase = %s, want %s", i, s.Phase, want[i])
		}
	}
	if ft.callCount() != 3 {
		t.Fatalf("expected 3 status calls, got %d", ft.callCount())
	}
}

func TestPollerRemoteFailure(t *testing.T) {
	ft := &fakeTransport{
		script: []statusResult{
			{resp: &StatusResponse{ID: "42", Status: "failed", ErrorMessage: strPtr("Kernel crashed")}},
		},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, _ := collect(p)

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)
	failed := waitFor(t, ch)
	if failed.Phase != PhaseFailed || failed.Progress != 0 || failed.ErrorMessage != "Kernel crashed" {
		t.Fatalf("unexpected failed snapshot: %+v", failed)
	}
	if failed.ResultLocation != "" {
		t.Fatalf("failed snapshot must not carry a result location: %+v", failed)
	}

	time.Sleep(40 * time.Millisecond)
	if n := ft.callCount(); n != 1 {
		t.Fatalf("expected a single status call, got %d", n)
	}
}

func TestPollerFailedWithoutMessageUsesFallback(t *testing.T) {
	ft := &fakeTransport{
		script: []statusResult{{resp: &StatusResponse{ID: "42", Status: "failed"}}},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, _ := collect(p)

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)
	failed := waitFor(t, ch)
	if failed.ErrorMessage != DefaultFailureMessage {
		t.Fatalf("ErrorMessage = %q, want fallback", failed.ErrorMessage)
	}
}

func TestPollerDiscardsMismatchedJobID(t *testing.T) {
	ft := &fakeTransport{
		script: []statusResult{
			{resp: &StatusResponse{ID: "7", Status: "completed", PDFURL: strPtr("/files/7.pdf")}},
			{resp: &StatusResponse{ID: "42", Status: "processing"}},
		},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, _ := collect(p)

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)
	next := waitFor(t, ch)
	if next.JobID != "42" || next.Phase != PhaseProcessing {
		t.Fatalf("mismatched response leaked to the callback: %+v", next)
	}
	p.Stop()
}

func TestPollerDiscardsPhaseRegression(t *testing.T) {
	ft := &fakeTransport{
		script: []statusResult{
			{resp: &StatusResponse{ID: "42", Status: "processing"}},
			{resp: &StatusResponse{ID: "42", Status: "pending"}},
			{resp: &StatusResponse{ID: "42", Status: "completed"}},
		},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, all := collect(p)

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)
	waitFor(t, ch)
	last := waitFor(t, ch)
	if last.Phase != PhaseCompleted {
		t.Fatalf("expected completed after dropped regression, got %+v", last)
	}
	for _, s := range all()[1:] {
		if s.Phase == PhasePending {
			t.Fatalf("regressed phase delivered: %+v", all())
		}
	}
}

func TestPollerTransientErrorsKeepPolling(t *testing.T) {
	ft := &fakeTransport{
		script: []statusResult{
			{err: errors.New("connection reset")},
			{err: errors.New("502 bad gateway")},
			{resp: &StatusResponse{ID: "42", Status: "completed", PDFURL: strPtr("/files/42.pdf")}},
		},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, all := collect(p)

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)
	done := waitFor(t, ch)
	if done.Phase != PhaseCompleted {
		t.Fatalf("expected completion after transient errors, got %+v", done)
	}
	if len(all()) != 2 {
		t.Fatalf("errors must not be delivered, got %+v", all())
	}
	if ft.callCount() != 3 {
		t.Fatalf("expected 3 status calls, got %d", ft.callCount())
	}
}

func TestPollerMaxConsecutiveFailures(t *testing.T) {
	ft := &fakeTransport{
		script: []statusResult{{err: errors.New("dial tcp: connection refused")}},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond, MaxConsecutiveFailures: 3})
	ch, _ := collect(p)

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)
	failed := waitFor(t, ch)
	if failed.Phase != PhaseFailed || failed.ErrorMessage != MessageStatusUnreachable {
		t.Fatalf("unexpected snapshot: %+v", failed)
	}
	time.Sleep(30 * time.Millisecond)
	if n := ft.callCount(); n != 3 {
		t.Fatalf("expected 3 status calls before giving up, got %d", n)
	}
}

func TestPollerSubmissionError(t *testing.T) {
	ft := &fakeTransport{
		submitErr: &SubmissionError{StatusCode: 400, Field: "notebook_file", Message: "Only Jupyter Notebook files (.ipynb) are allowed."},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	_, all := collect(p)

	_, err := p.Start(context.Background(), notebook())
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if subErr.Field != "notebook_file" {
		t.Fatalf("unexpected field: %q", subErr.Field)
	}
	time.Sleep(20 * time.Millisecond)
	if ft.callCount() != 0 || p.Active() || len(all()) != 0 {
		t.Fatal("no polling or delivery expected after a failed submission")
	}
}

func TestPollerNetworkSubmissionError(t *testing.T) {
	ft := &fakeTransport{submitErr: errors.New("dial tcp: i/o timeout")}
	p := NewPoller(ft, Options{})

	_, err := p.Start(context.Background(), notebook())
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if subErr.Message != MessageNetworkError {
		t.Fatalf("unexpected message: %q", subErr.Message)
	}
}

func TestPollerStartRejectsInvalidCandidateWithoutNetwork(t *testing.T) {
	ft := &fakeTransport{}
	p := NewPoller(ft, Options{})

	_, err := p.Start(context.Background(), Candidate{Name: "notes.txt", Size: 10})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Reason != ReasonUnsupportedType {
		t.Fatalf("expected UnsupportedType, got %v", err)
	}
	_, err = p.Start(context.Background(), Candidate{})
	if !errors.As(err, &vErr) || vErr.Reason != ReasonNoCandidate {
		t.Fatalf("expected NoCandidate, got %v", err)
	}
	if ft.submits != 0 {
		t.Fatalf("submit must not be called, got %d", ft.submits)
	}
}

func TestPollerTerminalSubmitResponseDoesNotPoll(t *testing.T) {
	ft := &fakeTransport{
		submitRes: &SubmitResponse{ID: "5", Status: "completed", PDFURL: strPtr("/media/pdfs/5.pdf")},
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, _ := collect(p)

	snap, err := p.Start(context.Background(), notebook())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if snap.Phase != PhaseCompleted || snap.ResultLocation != "/media/pdfs/5.pdf" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	waitFor(t, ch)
	time.Sleep(20 * time.Millisecond)
	if ft.callCount() != 0 {
		t.Fatalf("expected no status calls, got %d", ft.callCount())
	}
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := NewPoller(&fakeTransport{}, Options{})
	p.Stop()
	p.Stop()
	p.Reset()
	if p.Active() {
		t.Fatal("poller should not be active")
	}
	if _, ok := p.Snapshot(); ok {
		t.Fatal("no snapshot expected before Start")
	}
}

func TestPollerStopHaltsPolling(t *testing.T) {
	ft := &fakeTransport{}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, _ := collect(p)

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)
	waitFor(t, ch)
	p.Stop()
	p.Stop()
	time.Sleep(10 * time.Millisecond)

	calls := ft.callCount()
	time.Sleep(40 * time.Millisecond)
	if ft.callCount() != calls {
		t.Fatalf("polling continued after Stop: %d -> %d", calls, ft.callCount())
	}
	if _, ok := p.Snapshot(); !ok {
		t.Fatal("Stop should keep the latest snapshot")
	}
}

func TestPollerResetThenStartBindsFreshJob(t *testing.T) {
	ft := &fakeTransport{
		submitRes: &SubmitResponse{Status: "pending"},
		nextID:    1,
	}
	p := NewPoller(ft, Options{Interval: 5 * time.Millisecond})
	ch, _ := collect(p)

	first, err := p.Start(context.Background(), notebook())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)
	waitFor(t, ch)

	p.Reset()
	if _, ok := p.Snapshot(); ok {
		t.Fatal("Reset should clear the latest snapshot")
	}
	time.Sleep(10 * time.Millisecond)
	oldCalls := ft.callsFor(first.JobID)

	second, err := p.Start(context.Background(), notebook())
	if err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
	if second.JobID == first.JobID {
		t.Fatalf("expected a fresh job id, got %s twice", second.JobID)
	}
	waitFor(t, ch)
	waitFor(t, ch)
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	if n := ft.callsFor(first.JobID); n != oldCalls {
		t.Fatalf("old job polled after reset: %d -> %d", oldCalls, n)
	}
	if ft.callsFor(second.JobID) == 0 {
		t.Fatal("new job was never polled")
	}
	if ft.submits != 2 {
		t.Fatalf("expected two submits, got %d", ft.submits)
	}
}

// pendingCall は応答を待っているステータス呼び出し 1 件です。
type pendingCall struct {
	id    JobID
	at    time.Time
	reply chan statusResult
}

// gatedTransport は Status をテスト側が応答を返すまでブロックします。
// 遅れて届く応答を再現するため ctx のキャンセルは無視します。
type gatedTransport struct {
	mu      sync.Mutex
	submits int
	entered chan pendingCall
	closed  chan struct{}
}

func newGatedTransport(t *testing.T) *gatedTransport {
	g := &gatedTransport{entered: make(chan pendingCall, 16), closed: make(chan struct{})}
	t.Cleanup(func() { close(g.closed) })
	return g
}

func (g *gatedTransport) Submit(ctx context.Context, c Candidate) (*SubmitResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	return &SubmitResponse{ID: JobID(strconv.Itoa(g.submits)), Status: "pending"}, nil
}

func (g *gatedTransport) Status(ctx context.Context, id JobID) (*StatusResponse, error) {
	call := pendingCall{id: id, at: time.Now(), reply: make(chan statusResult, 1)}
	g.entered <- call
	select {
	case res := <-call.reply:
		return res.resp, res.err
	case <-g.closed:
		return nil, errors.New("transport closed")
	}
}

func waitCall(t *testing.T, g *gatedTransport) pendingCall {
	t.Helper()
	select {
	case call := <-g.entered:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status call")
		return pendingCall{}
	}
}

func TestPollerDropsResponseArrivingAfterUnbind(t *testing.T) {
	tests := []struct {
		name   string
		unbind func(t *testing.T, p *Poller)
	}{
		{name: "stop", unbind: func(t *testing.T, p *Poller) { p.Stop() }},
		{name: "reset", unbind: func(t *testing.T, p *Poller) { p.Reset() }},
		{name: "restart", unbind: func(t *testing.T, p *Poller) {
			if _, err := p.Start(context.Background(), notebook()); err != nil {
				t.Fatalf("second Start returned error: %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGatedTransport(t)
			p := NewPoller(g, Options{Interval: time.Millisecond})
			_, all := collect(p)

			if _, err := p.Start(context.Background(), notebook()); err != nil {
				t.Fatalf("Start returned error: %v", err)
			}
			inFlight := waitCall(t, g)
			if inFlight.id != "1" {
				t.Fatalf("unexpected job polled: %s", inFlight.id)
			}

			tt.unbind(t, p)
			inFlight.reply <- statusResult{resp: &StatusResponse{ID: "1", Status: "completed", PDFURL: strPtr("/files/1.pdf")}}
			time.Sleep(30 * time.Millisecond)
			p.Stop()

			for _, snap := range all() {
				if snap.JobID == "1" && snap.Phase == PhaseCompleted {
					t.Fatalf("late response for unbound job was delivered: %+v", snap)
				}
			}
			if snap, ok := p.Snapshot(); ok && snap.JobID == "1" && snap.Phase == PhaseCompleted {
				t.Fatalf("late response replaced the latest snapshot: %+v", snap)
			}
		})
	}
}

func TestPollerStatusCallsNeverOverlap(t *testing.T) {
	const interval = 30 * time.Millisecond
	g := newGatedTransport(t)
	p := NewPoller(g, Options{Interval: interval})
	ch, _ := collect(p)
	defer p.Stop()

	if _, err := p.Start(context.Background(), notebook()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, ch)

	first := waitCall(t, g)
	select {
	case call := <-g.entered:
		t.Fatalf("second status call issued while the first was outstanding: %+v", call)
	case <-time.After(3 * interval):
	}

	released := time.Now()
	first.reply <- statusResult{resp: &StatusResponse{ID: first.id, Status: "processing"}}
	waitFor(t, ch)

	second := waitCall(t, g)
	if gap := second.at.Sub(released); gap < interval {
		t.Fatalf("next status call came %s after the previous response, want >= %s", gap, interval)
	}
	second.reply <- statusResult{resp: &StatusResponse{ID: second.id, Status: "completed"}}
	if snap := waitFor(t, ch); snap.Phase != PhaseCompleted {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

// seqTransport は投入ごとに新しいIDを払い出し、常に processing を返します。
type seqTransport struct {
	next atomic.Int64
}

func (s *seqTransport) Submit(ctx context.Context, c Candidate) (*SubmitResponse, error) {
	return &SubmitResponse{ID: JobID(strconv.FormatInt(s.next.Add(1), 10)), Status: "pending"}, nil
}

func (s *seqTransport) Status(ctx context.Context, id JobID) (*StatusResponse, error) {
	return &StatusResponse{ID: id, Status: "processing"}, nil
}

func TestPollerSerializesCallbacksAcrossRestarts(t *testing.T) {
	p := NewPoller(&seqTransport{}, Options{Interval: time.Microsecond})

	var (
		inFlight atomic.Int32
		overlaps atomic.Int32
		mu       sync.Mutex
		retired  = map[JobID]bool{}
		leaks    int
	)
	p.OnUpdate(func(s Snapshot) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		mu.Lock()
		if retired[s.JobID] {
			leaks++
		}
		mu.Unlock()
		time.Sleep(20 * time.Microsecond)
		inFlight.Add(-1)
	})

	for i := 0; i < 300; i++ {
		snap, err := p.Start(context.Background(), notebook())
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		time.Sleep(50 * time.Microsecond)
		p.Reset()
		mu.Lock()
		retired[snap.JobID] = true
		mu.Unlock()
	}
	p.Stop()

	if n := overlaps.Load(); n != 0 {
		t.Fatalf("callback invoked concurrently %d times", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if leaks != 0 {
		t.Fatalf("%d snapshots delivered for jobs after they were reset", leaks)
	}
}
