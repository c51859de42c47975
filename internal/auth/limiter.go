package auth

import (
	"sync"
	"time"
)

type attemptState struct {
	count       int
	windowStart time.Time
	lockedUntil time.Time
}

// loginLimiter は送信元ごとのログイン失敗を数え、上限に達したらロックします。
type loginLimiter struct {
	window      time.Duration
	lock        time.Duration
	maxAttempts int

	mu      sync.Mutex
	entries map[string]*attemptState
}

func newLoginLimiter(p Policy) *loginLimiter {
	return &loginLimiter{
		window:      p.AttemptWindow,
		lock:        p.LockDuration,
		maxAttempts: p.MaxAttempts,
		entries:     make(map[string]*attemptState),
	}
}

// retryAfter はロック中なら残り時間を、そうでなければ 0 を返します。
func (l *loginLimiter) retryAfter(key string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.entries[key]
	if !ok || !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// fail は失敗を記録し、ロックまでの残り回数を返します。
func (l *loginLimiter) fail(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	state, ok := l.entries[key]
	lockExpired := ok && !state.lockedUntil.IsZero() && !now.Before(state.lockedUntil)
	if !ok || lockExpired || now.Sub(state.windowStart) > l.window {
		state = &attemptState{windowStart: now}
		l.entries[key] = state
	}

	state.count++
	if state.count >= l.maxAttempts {
		state.count = l.maxAttempts
		state.lockedUntil = now.Add(l.lock)
	}
	return l.maxAttempts - state.count
}

func (l *loginLimiter) clear(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// pruneLocked は期間もロックも過ぎたエントリを捨てます。
func (l *loginLimiter) pruneLocked(now time.Time) {
	for key, state := range l.entries {
		if now.Sub(state.windowStart) > l.window && !now.Before(state.lockedUntil) {
			delete(l.entries, key)
		}
	}
}
