// Package batcher coalesces individual requests into batched network calls.
//
// A Batcher owns one endpoint namespace. Submitted requests are deduplicated
// by fingerprint (endpoint + canonical params), held for a priority-dependent
// debounce window, then dispatched in batches of at most MaxBatchSize. Every
// caller gets its own result back through a Pending.
//
// The batcher never retries; callers decide.
package batcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadence/internal/clock"
	"cadence/internal/eventbus"
	"cadence/pkg/logx"
)

type request struct {
	id       string
	fp       uint64
	endpoint string
	params   Params
	priority Priority
	at       time.Time
	seq      uint64
	timer    clock.Timer
	pending  *Pending
}

type inflightBatch struct {
	id       string
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc
	reqs     []*request
}

type counters struct {
	submitted     uint64
	superseded    uint64
	timedOut      uint64
	cleared       uint64
	batches       uint64
	items         uint64
	failedBatches uint64
	itemErrors    uint64
}

type Batcher struct {
	name string
	tr   Transport
	settings
	warn   *logx.Throttle
	cancel context.CancelFunc

	mu         sync.Mutex
	cfg        EndpointConfig
	queue      map[uint64]*request
	seq        uint64
	cycle      uint64
	flushGen   uint64
	flushTimer clock.Timer
	flushAt    time.Time
	flushHigh  bool
	forceTimer clock.Timer
	forceAt    time.Time
	inflight   map[string]*inflightBatch
	closed     bool
	stats      counters
	lastFlush  time.Time
}

// New creates a batcher for namespace name. cfg is used as given (after
// defaults); use Tune to adapt it to the network first.
func New(name string, cfg EndpointConfig, tr Transport, opts ...Option) *Batcher {
	b := &Batcher{
		name:     name,
		tr:       tr,
		settings: newSettings(opts),
		warn:     logx.NewThrottle(10 * time.Second),
		cfg:      cfg.withDefaults(),
		queue:    map[uint64]*request{},
		inflight: map[string]*inflightBatch{},
	}
	b.log = b.log.Component("batcher").With(logx.String("ns", name))
	b.ctx, b.cancel = context.WithCancel(b.ctx)
	return b
}

func (b *Batcher) Name() string { return b.name }

func (b *Batcher) Config() EndpointConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Reconfigure swaps the endpoint config. Armed timers keep their deadlines.
func (b *Batcher) Reconfigure(cfg EndpointConfig) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// Submit queues a request and returns its Pending. An empty endpoint means
// the batcher's namespace. timeout > 0 rejects the request with ErrTimeout
// when it has not settled in time.
func (b *Batcher) Submit(endpoint string, params Params, prio Priority, timeout time.Duration) *Pending {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = b.name
	}
	if err := params.Validate(); err != nil {
		return rejected(err)
	}
	fp, err := Fingerprint(endpoint, params)
	if err != nil {
		return rejected(err)
	}
	req := &request{
		id:       uuid.NewString(),
		fp:       fp,
		endpoint: endpoint,
		params:   params,
		priority: prio,
	}
	req.pending = newPending(req.id, endpoint, fp)
	req.pending.withdraw = b.withdraw

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return rejected(ErrClosed)
	}
	b.seq++
	req.seq = b.seq
	req.at = b.clk.Now()
	old := b.queue[fp]
	if old != nil {
		b.stats.superseded++
	}
	b.queue[fp] = req
	b.stats.submitted++
	if timeout > 0 {
		req.timer = b.clk.AfterFunc(timeout, func() { b.expire(req) })
	}
	b.scheduleLocked(prio)
	b.mu.Unlock()

	if old != nil {
		b.settle(old, nil, ErrSuperseded)
		b.log.Trace("request superseded", logx.String("endpoint", endpoint), logx.String("id", old.id))
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchSuperseded, Time: req.at, Data: old.id})
	}
	return req.pending
}

// Do submits a request and waits for its result.
func (b *Batcher) Do(ctx context.Context, endpoint string, params Params, prio Priority) (json.RawMessage, error) {
	return b.Submit(endpoint, params, prio, 0).Wait(ctx)
}

// Flush dispatches everything queued now and waits until every batch of
// this cycle settled. The returned error joins the batch-level failures.
func (b *Batcher) Flush(ctx context.Context) error {
	return b.flush(ctx, "manual")
}

// Clear rejects every queued and in-flight request with
// *ClearedError{Reason: reason}, cancels in-flight dispatches and stops all
// timers.
func (b *Batcher) Clear(reason string) {
	b.mu.Lock()
	reqs := make([]*request, 0, len(b.queue))
	for _, r := range b.queue {
		reqs = append(reqs, r)
	}
	b.queue = map[uint64]*request{}
	b.stopTimersLocked()
	batches := make([]*inflightBatch, 0, len(b.inflight))
	for _, ib := range b.inflight {
		batches = append(batches, ib)
	}
	b.mu.Unlock()

	cerr := &ClearedError{Reason: reason}
	n := 0
	for _, r := range reqs {
		if b.settle(r, nil, cerr) {
			n++
		}
	}
	for _, ib := range batches {
		ib.cancel()
		for _, r := range ib.reqs {
			if b.settle(r, nil, cerr) {
				n++
			}
		}
	}
	if n == 0 && len(batches) == 0 {
		return
	}

	b.mu.Lock()
	b.stats.cleared += uint64(n)
	b.mu.Unlock()
	b.log.Info("queue cleared", logx.String("reason", reason), logx.Int("rejected", n), logx.Int("in_flight_batches", len(batches)))
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchCleared, Time: b.clk.Now(), Data: map[string]any{
		"namespace": b.name,
		"reason":    reason,
		"rejected":  n,
	}})
}

// Close clears the queue with reason "closed" and rejects later submits
// with ErrClosed.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.Clear("closed")
	b.cancel()
}

// scheduleLocked arms the flush timer for a request of priority p and the
// force-flush timer when not armed yet. Adds reset the debounce deadline but
// never postpone an armed high-priority deadline.
func (b *Batcher) scheduleLocked(p Priority) {
	now := b.clk.Now()
	high := p == PriorityHigh
	delay := b.cfg.delay(p)
	if high && len(b.queue) >= b.cfg.MaxBatchSize {
		delay = 0
	}
	at := now.Add(delay)

	switch {
	case b.flushTimer != nil && !b.flushAt.After(at) && (b.flushHigh || high):
		b.flushHigh = true
	default:
		keepHigh := b.flushTimer != nil && b.flushHigh
		b.armFlushLocked(now, at, high || keepHigh)
	}

	if b.forceTimer == nil {
		cycle := b.cycle
		b.forceAt = now.Add(b.cfg.MaxWaitTime)
		b.forceTimer = b.clk.AfterFunc(b.cfg.MaxWaitTime, func() { b.onForceTimer(cycle) })
	}
}

func (b *Batcher) armFlushLocked(now, at time.Time, high bool) {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	b.flushGen++
	gen := b.flushGen
	b.flushAt = at
	b.flushHigh = high
	reason := "debounce"
	if high {
		reason = "priority"
	}
	b.flushTimer = b.clk.AfterFunc(at.Sub(now), func() { b.onFlushTimer(gen, reason) })
}

func (b *Batcher) stopTimersLocked() {
	b.cycle++
	b.flushGen++
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	if b.forceTimer != nil {
		b.forceTimer.Stop()
		b.forceTimer = nil
	}
	b.flushAt = time.Time{}
	b.forceAt = time.Time{}
	b.flushHigh = false
}

func (b *Batcher) onFlushTimer(gen uint64, reason string) {
	b.mu.Lock()
	stale := b.closed || b.flushGen != gen
	b.mu.Unlock()
	if stale {
		return
	}
	_ = b.flush(b.ctx, reason)
}

func (b *Batcher) onForceTimer(cycle uint64) {
	b.mu.Lock()
	stale := b.closed || b.cycle != cycle
	b.mu.Unlock()
	if stale {
		return
	}
	_ = b.flush(b.ctx, "max_wait")
}

func (b *Batcher) expire(req *request) {
	b.mu.Lock()
	if cur := b.queue[req.fp]; cur == req {
		delete(b.queue, req.fp)
	}
	b.mu.Unlock()

	if !req.pending.settle(nil, ErrTimeout) {
		return
	}
	b.mu.Lock()
	b.stats.timedOut++
	b.mu.Unlock()
	b.log.Debug("request timed out", logx.String("endpoint", req.endpoint), logx.String("id", req.id))
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchTimeout, Time: b.clk.Now(), Data: req.id})
}

// withdraw drops a still-queued request whose caller stopped waiting.
func (b *Batcher) withdraw(p *Pending) {
	b.mu.Lock()
	cur := b.queue[p.fingerprint]
	if cur == nil || cur.pending != p {
		b.mu.Unlock()
		return
	}
	delete(b.queue, p.fingerprint)
	b.mu.Unlock()
	if cur.timer != nil {
		cur.timer.Stop()
	}
}

func (b *Batcher) settle(r *request, data json.RawMessage, err error) bool {
	if r.timer != nil {
		r.timer.Stop()
	}
	return r.pending.settle(data, err)
}
