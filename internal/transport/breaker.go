package transport

import (
	"strings"
	"sync"
	"time"
)

// BreakerConfig controls the per-endpoint consecutive-failure breaker.
//
// TripFailures < 0 disables it; 0 uses the default (5).
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

func (c BreakerConfig) enabled() bool { return c.TripFailures > 0 }

// circuitState tracks consecutive failures of one endpoint.
//   - success: failures reset, circuit closes
//   - failure: once failures >= trip, the circuit opens for an exponentially
//     growing cooldown capped at MaxDelay
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breakers struct {
	cfg BreakerConfig

	mu sync.Mutex
	m  map[string]*circuitState
}

func newBreakers(cfg BreakerConfig) *breakers {
	return &breakers{cfg: cfg.withDefaults(), m: map[string]*circuitState{}}
}

func (b *breakers) getLocked(key string) *circuitState {
	st := b.m[key]
	if st == nil {
		st = &circuitState{}
		b.m[key] = st
	}
	return st
}

// resetStaleLocked forgets failures that are older than ResetAfter.
func (b *breakers) resetStaleLocked(now time.Time, st *circuitState) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// open reports whether the circuit of key is open at now, and until when.
func (b *breakers) open(now time.Time, key string) (bool, time.Time) {
	if b == nil || !b.cfg.enabled() {
		return false, time.Time{}
	}
	key = strings.TrimSpace(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.getLocked(key)
	b.resetStaleLocked(now, st)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *breakers) record(now time.Time, key string, failed bool) {
	if b == nil || !b.cfg.enabled() {
		return
	}
	key = strings.TrimSpace(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.getLocked(key)
	b.resetStaleLocked(now, st)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < b.cfg.TripFailures {
		return
	}
	d := b.cfg.BaseDelay
	for i := 0; i < st.fails-b.cfg.TripFailures; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			d = b.cfg.MaxDelay
			break
		}
	}
	st.openUntil = now.Add(d)
}

// snapshot returns how many endpoints are tracked and how many are open.
func (b *breakers) snapshot(now time.Time) (total, open int) {
	if b == nil || !b.cfg.enabled() {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total = len(b.m)
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
