package signal

import (
	"sync"
	"time"

	"github.com/mentorhub/meet/internal/domain"
)

// ChannelRateLimiter is a sliding window limit on stream messages per channel.
type ChannelRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ChannelName][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewChannelRateLimiter(limit int, interval time.Duration) *ChannelRateLimiter {
	return &ChannelRateLimiter{
		history:  make(map[domain.ChannelName][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ChannelRateLimiter) Allow(ch domain.ChannelName) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[ch]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[ch] = fresh
		return false
	}

	rl.history[ch] = append(fresh, now)
	return true
}

// Forget drops the history of a channel that was stopped.
func (rl *ChannelRateLimiter) Forget(ch domain.ChannelName) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, ch)
}
