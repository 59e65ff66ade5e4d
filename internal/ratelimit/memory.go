package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sliding-window limiter.
type Memory struct {
	rate Rate
	now  func() time.Time

	mu        sync.Mutex
	calls     map[string][]time.Time
	lastSweep time.Time
}

// NewMemory creates a Memory limiter.
func NewMemory(rate Rate) (*Memory, error) {
	if err := rate.Validate(); err != nil {
		return nil, err
	}
	return &Memory{rate: rate, now: time.Now, calls: make(map[string][]time.Time)}, nil
}

// Allow records a call under key if it fits in the window.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.rate.Window)
	if now.Sub(m.lastSweep) >= m.rate.Window {
		m.sweep(cutoff)
		m.lastSweep = now
	}

	kept := m.calls[key][:0]
	for _, t := range m.calls[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= m.rate.Limit {
		m.calls[key] = kept
		return Decision{
			Allowed:    false,
			Limit:      m.rate.Limit,
			RetryAfter: kept[0].Add(m.rate.Window).Sub(now),
		}, nil
	}

	kept = append(kept, now)
	m.calls[key] = kept
	return Decision{
		Allowed:   true,
		Limit:     m.rate.Limit,
		Remaining: m.rate.Limit - len(kept),
	}, nil
}

// sweep drops keys whose newest call is outside the window. Calls are
// appended in time order, so the last entry is the newest.
func (m *Memory) sweep(cutoff time.Time) {
	for key, calls := range m.calls {
		if len(calls) == 0 || !calls[len(calls)-1].After(cutoff) {
			delete(m.calls, key)
		}
	}
}
