// Package limiter throttles per-member command usage. Creation commands
// (squads, tickets) are cheap to spam and expensive to provision, so they
// sit behind a fixed-window cooldown keyed by member and command.
package limiter

import (
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// Decision reports a cooldown check outcome.
type Decision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

// Limiter answers whether a keyed action is within its window budget.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

type memoryLimiter struct {
	mu      sync.Mutex
	entries map[string]windowState
	stopCh  chan struct{}
	once    sync.Once
}

type windowState struct {
	count     int
	windowEnd time.Time
}

// NewMemory returns an in-process limiter with periodic sweep of expired
// windows.
func NewMemory() Limiter {
	l := &memoryLimiter{
		entries: make(map[string]windowState),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *memoryLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.entries[key]
	if !ok || now.After(state.windowEnd) {
		state = windowState{count: 1, windowEnd: now.Add(window)}
		l.entries[key] = state
		return Decision{Allowed: true, Count: state.count, WindowEnd: state.windowEnd}
	}
	if state.count >= limit {
		return Decision{Allowed: false, Count: state.count, WindowEnd: state.windowEnd}
	}
	state.count++
	l.entries[key] = state
	return Decision{Allowed: true, Count: state.count, WindowEnd: state.windowEnd}
}

func (l *memoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *memoryLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, state := range l.entries {
		if now.After(state.windowEnd) {
			delete(l.entries, key)
		}
	}
}

func (l *memoryLimiter) Close() {
	l.once.Do(func() {
		close(l.stopCh)
	})
}
