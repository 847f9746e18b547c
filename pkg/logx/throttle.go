package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxThrottleKeys = 1024

// Throttle rate-limits repetitive log lines per key (e.g. one warning per
// failing endpoint every few seconds). Zero value is not usable; use NewThrottle.
type Throttle struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*rate.Limiter
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{every: every, limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.limiters[key]
	if lim == nil {
		if len(t.limiters) >= maxThrottleKeys {
			t.limiters = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
