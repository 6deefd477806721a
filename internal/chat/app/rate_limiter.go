package app

import (
	"sync"
	"time"

	"community_chat/internal/chat/domain"
)

// Decision result of CheckAndConsume
type Decision struct {
	Allowed    bool
	Reason     domain.DenyReason
	RetryAfter time.Duration

	at       time.Time
	prevLast time.Time
}

// Err nil when allowed, a rate_limited ChatError otherwise
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return domain.RateLimited(d.Reason, d.RetryAfter)
}

// rateSlot 單一使用者的計數, 只由自己的 mutex 保護
type rateSlot struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	lastSend    time.Time
	// pruned 已從 map 移除, 持有舊指標者需重新取得
	pruned bool
}

// RateLimiter cooldown gate + fixed window burst cap, per user.
// The window resets on interval boundaries (now.Truncate(window)), not per message,
// so up to 2x BurstCap sends can land across one boundary.
type RateLimiter struct {
	cooldown time.Duration
	burstCap int
	window   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	slots map[string]*rateSlot
}

// NewRateLimiter create RateLimiter
func NewRateLimiter(cooldown time.Duration, burstCap int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		cooldown: cooldown,
		burstCap: burstCap,
		window:   window,
		now:      time.Now,
		slots:    map[string]*rateSlot{},
	}
}

// WithClock replace the time source, tests only
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

func (l *RateLimiter) slot(userID string) *rateSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[userID]
	if !ok {
		s = &rateSlot{}
		l.slots[userID] = s
	}
	return s
}

// CheckAndConsume both gates must pass; on Allowed the count and last send update together
func (l *RateLimiter) CheckAndConsume(userID string) Decision {
	s := l.slot(userID)
	s.mu.Lock()
	for s.pruned {
		s.mu.Unlock()
		s = l.slot(userID)
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	now := l.now()
	start := now.Truncate(l.window)
	if !s.windowStart.Equal(start) {
		s.windowStart = start
		s.count = 0
	}

	if !s.lastSend.IsZero() {
		if elapsed := now.Sub(s.lastSend); elapsed < l.cooldown {
			return Decision{Reason: domain.DenyCooldown, RetryAfter: l.cooldown - elapsed}
		}
	}
	if s.count >= l.burstCap {
		return Decision{Reason: domain.DenyBurstCap, RetryAfter: start.Add(l.window).Sub(now)}
	}

	prev := s.lastSend
	s.count++
	s.lastSend = now
	return Decision{Allowed: true, at: now, prevLast: prev}
}

// Refund give back an allowed send that was never stored.
// Only the latest consumption in the current window can be refunded.
func (l *RateLimiter) Refund(userID string, d Decision) bool {
	if !d.Allowed {
		return false
	}
	l.mu.Lock()
	s, ok := l.slots[userID]
	l.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pruned || !s.lastSend.Equal(d.at) || !s.windowStart.Equal(d.at.Truncate(l.window)) || s.count == 0 {
		return false
	}
	s.count--
	s.lastSend = d.prevLast
	return true
}

// Prune drop slots idle longer than idle; returns how many were removed
func (l *RateLimiter) Prune(idle time.Duration) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, s := range l.slots {
		s.mu.Lock()
		stale := now.Sub(s.lastSend) > idle && now.Sub(s.windowStart) > l.window
		if stale {
			s.pruned = true
		}
		s.mu.Unlock()
		if stale {
			delete(l.slots, id)
			removed++
		}
	}
	return removed
}

// Len number of tracked users
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
