// Package ratelimit 提供进程内的固定窗口限流器。
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Config 描述一个固定窗口：Window 内最多允许 MaxRequests 次请求。
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// 预设的限流配置。
var (
	Comment    = Config{Window: time.Minute, MaxRequests: 5}
	Like       = Config{Window: time.Minute, MaxRequests: 20}
	UserAction = Config{Window: time.Minute, MaxRequests: 10}
	APIGeneral = Config{Window: time.Minute, MaxRequests: 100}
	Strict     = Config{Window: time.Hour, MaxRequests: 10}
)

// Result 是一次限流检查的结果。
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	// RetryAfter 为被拒绝时建议的等待秒数，放行时为 0。
	RetryAfter int
}

// Stats 汇总限流器内部的条目数量。
type Stats struct {
	TotalEntries   int `json:"totalEntries"`
	ActiveEntries  int `json:"activeEntries"`
	ExpiredEntries int `json:"expiredEntries"`
}

type entry struct {
	count     int
	resetTime time.Time
}

// Limiter 按标识符维护固定窗口计数，可安全并发使用。
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New 创建一个使用系统时钟的限流器。
func New() *Limiter {
	return &Limiter{entries: make(map[string]*entry), now: time.Now}
}

// WithClock 替换时钟，主要用于测试。
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Check 对 identifier 计数一次并判断是否放行。每次调用前先清理全部过期条目。
func (l *Limiter) Check(identifier string, cfg Config) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	e, ok := l.entries[identifier]
	if !ok || !now.Before(e.resetTime) {
		e = &entry{count: 1, resetTime: now.Add(cfg.Window)}
		l.entries[identifier] = e
		return Result{
			Allowed:   true,
			Remaining: max(0, cfg.MaxRequests-1),
			ResetTime: e.resetTime,
		}
	}

	if e.count >= cfg.MaxRequests {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  e.resetTime,
			RetryAfter: retryAfterSeconds(e.resetTime.Sub(now)),
		}
	}

	e.count++
	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests - e.count,
		ResetTime: e.resetTime,
	}
}

// Status 返回 identifier 当前的限流状态，不消耗额度。
func (l *Limiter) Status(identifier string, cfg Config) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[identifier]
	if !ok || !now.Before(e.resetTime) {
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetTime: now.Add(cfg.Window)}
	}

	remaining := max(0, cfg.MaxRequests-e.count)
	result := Result{Allowed: remaining > 0, Remaining: remaining, ResetTime: e.resetTime}
	if remaining == 0 {
		result.RetryAfter = retryAfterSeconds(e.resetTime.Sub(now))
	}
	return result
}

// Reset 清除 identifier 的计数。
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	delete(l.entries, identifier)
	l.mu.Unlock()
}

// Clear 清空所有计数。
func (l *Limiter) Clear() {
	l.mu.Lock()
	l.entries = make(map[string]*entry)
	l.mu.Unlock()
}

// Stats 统计当前条目，过期但尚未清理的条目单独计数。
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stats := Stats{TotalEntries: len(l.entries)}
	for _, e := range l.entries {
		if now.Before(e.resetTime) {
			stats.ActiveEntries++
		} else {
			stats.ExpiredEntries++
		}
	}
	return stats
}

func (l *Limiter) sweepLocked(now time.Time) {
	for key, e := range l.entries {
		if !now.Before(e.resetTime) {
			delete(l.entries, key)
		}
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// IPKey 构造基于客户端 IP 的限流键，例如 ip:1.2.3.4:analytics。
func IPKey(ip, action string) string {
	return fmt.Sprintf("ip:%s:%s", ip, action)
}

// UserKey 构造基于用户标识的限流键。
func UserKey(userID, action string) string {
	return fmt.Sprintf("user:%s:%s", userID, action)
}
