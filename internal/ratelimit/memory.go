package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is the process-local limiter; for multi-instance deployments swap in
// the redis-backed one.
type Memory struct {
	maxAttempts int
	window      time.Duration

	mu      sync.Mutex
	entries map[string]*attemptState

	now func() time.Time
}

type attemptState struct {
	count       int
	windowStart time.Time
	lastFailure time.Time
}

func NewMemory(maxAttempts int, window time.Duration) *Memory {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{
		maxAttempts: maxAttempts,
		window:      window,
		entries:     make(map[string]*attemptState),
		now:         time.Now,
	}
}

func (m *Memory) IsLimited(_ context.Context, subjectKey, sourceAddr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.current(pairKey(subjectKey, sourceAddr))
	if state == nil {
		return false, nil
	}
	return state.count >= m.maxAttempts, nil
}

func (m *Memory) RecordFailure(_ context.Context, subjectKey, sourceAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(subjectKey, sourceAddr)
	now := m.now()
	state := m.current(key)
	if state == nil {
		state = &attemptState{windowStart: now}
		m.entries[key] = state
	}
	state.count++
	state.lastFailure = now
	return nil
}

func (m *Memory) Reset(_ context.Context, subjectKey, sourceAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, pairKey(subjectKey, sourceAddr))
	return nil
}

func (m *Memory) RetryAfter(_ context.Context, subjectKey, sourceAddr string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.current(pairKey(subjectKey, sourceAddr))
	if state == nil || state.count < m.maxAttempts {
		return 0, nil
	}
	return state.lastFailure.Add(m.window).Sub(m.now()), nil
}

// current returns the live entry for key, dropping it if the window has
// elapsed since the most recent failure.
func (m *Memory) current(key string) *attemptState {
	state, ok := m.entries[key]
	if !ok {
		return nil
	}
	if m.now().Sub(state.lastFailure) >= m.window {
		delete(m.entries, key)
		return nil
	}
	return state
}
