package clock

import (
	"sync"
	"time"
)

// Fake is a virtual clock. Time only moves through Advance/Set, and due
// timers run synchronously on the goroutine calling Advance, in deadline
// order. Timers armed by a callback that fall inside the advanced window
// fire in the same call.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers timerHeap
	seq    uint64
}

// NewFake returns a virtual clock starting at start (or a fixed epoch when zero).
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clk: f, when: f.now.Add(d), fn: fn, seq: f.seq, index: -1}
	heapPush(&f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.runUntil(target)
}

// Set moves the clock to t (never backwards).
func (f *Fake) Set(t time.Time) {
	f.runUntil(t)
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// NextDeadline returns the earliest armed deadline.
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.timers.peek()
	if !ok {
		return time.Time{}, false
	}
	return t.when, true
}

func (f *Fake) runUntil(target time.Time) {
	for {
		f.mu.Lock()
		if !f.timers.dueBefore(target) {
			if target.After(f.now) {
				f.now = target
			}
			f.mu.Unlock()
			return
		}
		t := heapPop(&f.timers)
		if t.when.After(f.now) {
			f.now = t.when
		}
		t.fired = true
		fn := t.fn
		f.mu.Unlock()

		if fn != nil {
			fn()
		}
	}
}

type fakeTimer struct {
	clk   *Fake
	when  time.Time
	fn    func()
	seq   uint64
	index int
	fired bool
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired {
		return false
	}
	return heapRemove(&t.clk.timers, t)
}
