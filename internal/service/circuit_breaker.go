package service

import (
	"sync"
	"time"
)

const (
	defaultCircuitFailThreshold = 3
	defaultCircuitCooldown      = 60 * time.Second
)

// CircuitState 是某个 AI 平台当前的熔断状态。
type CircuitState struct {
	Fails         int
	CooldownUntil time.Time
}

// CircuitBreakers 按平台维护连续失败计数，达到阈值后在冷却期内拒绝调用。
type CircuitBreakers struct {
	mu        sync.Mutex
	states    map[string]*CircuitState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewCircuitBreakers 创建阈值为 3 次、冷却 60 秒的熔断器集合。
func NewCircuitBreakers() *CircuitBreakers {
	return &CircuitBreakers{
		states:    make(map[string]*CircuitState),
		threshold: defaultCircuitFailThreshold,
		cooldown:  defaultCircuitCooldown,
		now:       time.Now,
	}
}

// WithClock 替换时钟，便于测试冷却期。
func (b *CircuitBreakers) WithClock(now func() time.Time) *CircuitBreakers {
	if now != nil {
		b.now = now
	}
	return b
}

// Allow 在平台处于冷却期时返回 ErrAIServiceBusy。
func (b *CircuitBreakers) Allow(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[provider]
	if !ok {
		return nil
	}
	if !state.CooldownUntil.IsZero() && b.now().Before(state.CooldownUntil) {
		return ErrAIServiceBusy
	}
	return nil
}

// RecordSuccess 清零失败计数。
func (b *CircuitBreakers) RecordSuccess(provider string) {
	b.mu.Lock()
	b.states[provider] = &CircuitState{}
	b.mu.Unlock()
}

// RecordFailure 累加失败次数，达到阈值时开启冷却期。
func (b *CircuitBreakers) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[provider]
	if !ok {
		state = &CircuitState{}
		b.states[provider] = state
	}
	state.Fails++
	if state.Fails >= b.threshold {
		state.CooldownUntil = b.now().Add(b.cooldown)
	} else {
		state.CooldownUntil = time.Time{}
	}
}

// State 返回平台熔断状态的副本。
func (b *CircuitBreakers) State(provider string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.states[provider]; ok {
		return *state
	}
	return CircuitState{}
}
