// Package ratelimit bounds how often the gateway may start a paid call. The
// window is a sliding one over monotonic timestamps and lives only for the
// lifetime of the process.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter 在滑动时间窗口内限制调用次数。
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	period   time.Duration
	now      func() time.Time
	calls    []time.Time
}

// Option 定义可选的 Limiter 配置。
type Option func(*Limiter)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New 创建限流器。maxCalls <= 0 时拒绝所有调用。
func New(maxCalls int, period time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow 在窗口未满时记录一次调用并返回 true，否则不记录并返回 false。
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.calls) >= l.maxCalls {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}

// Remaining 返回当前窗口内还允许的调用次数，不会记录调用。
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	if remaining := l.maxCalls - len(l.calls); remaining > 0 {
		return remaining
	}
	return 0
}

// Used 返回当前窗口内已经占用的调用次数。
func (l *Limiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return len(l.calls)
}

// MaxCalls 返回窗口容量。
func (l *Limiter) MaxCalls() int { return l.maxCalls }

// Period 返回窗口长度。
func (l *Limiter) Period() time.Duration { return l.period }

// prune 丢弃窗口之外的时间戳。time.Time.Sub 在两端都带单调时钟读数时
// 使用单调时钟，不受系统时间调整影响。
func (l *Limiter) prune(now time.Time) {
	keep := 0
	for _, ts := range l.calls {
		if now.Sub(ts) < l.period {
			l.calls[keep] = ts
			keep++
		}
	}
	clear(l.calls[keep:])
	l.calls = l.calls[:keep]
}
