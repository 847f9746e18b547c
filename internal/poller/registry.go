// Package poller runs per data type refresh loops whose interval follows the
// current battery, network and activity conditions.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cadence/internal/clock"
	"cadence/internal/condition"
	"cadence/internal/eventbus"
	"cadence/internal/strategy"
	"cadence/pkg/logx"
)

// Callback fetches fresh data for one data type.
type Callback func(ctx context.Context) error

type Option func(*Registry)

func WithClock(c clock.Clock) Option         { return func(r *Registry) { r.clk = clock.OrReal(c) } }
func WithLogger(l logx.Logger) Option        { return func(r *Registry) { r.log = l } }
func WithBus(b eventbus.Bus) Option          { return func(r *Registry) { r.bus = eventbus.OrNop(b) } }
func WithContext(ctx context.Context) Option { return func(r *Registry) { r.baseCtx = ctx } }
func WithConfigs(m map[string]Config) Option { return func(r *Registry) { r.overrides = m } }

type callbackEntry struct {
	id      uint64
	fn      Callback
	running bool
}

type poller struct {
	dataType  string
	cfg       Config
	callbacks map[uint64]*callbackEntry

	state    State
	timer    clock.Timer
	armedAt  time.Time
	ver      uint64
	strategy strategy.Strategy
	interval time.Duration
	inflight int

	runs     uint64
	failures uint64
	skipped  uint64
	lastRun  time.Time
	nextRun  time.Time
	lastErr  string
}

func (p *poller) sortedCallbacks() []*callbackEntry {
	out := make([]*callbackEntry, 0, len(p.callbacks))
	for _, e := range p.callbacks {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Registry is the polling manager. Create it with New; it subscribes to the
// condition source and reschedules every poller when conditions change.
type Registry struct {
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	src     condition.Source
	warn    *logx.Throttle
	baseCtx context.Context

	// overrides replace the built-in config of a data type (from the config file).
	overrides map[string]Config

	mu       sync.Mutex
	pollers  map[string]*poller
	paused   bool
	bgPaused bool
	forced   strategy.Strategy
	cbSeq    uint64
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
}

func New(src condition.Source, opts ...Option) *Registry {
	r := &Registry{
		clk:     clock.Real(),
		log:     logx.Nop(),
		bus:     eventbus.Nop(),
		src:     src,
		warn:    logx.NewThrottle(30 * time.Second),
		baseCtx: context.Background(),
		pollers: map[string]*poller{},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.Component("poller")
	if r.src == nil {
		r.src = condition.Static{Snap: condition.DefaultSnapshot()}
	}
	if r.baseCtx == nil {
		r.baseCtx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(r.baseCtx)
	r.bgPaused = r.src.Current().Activity == condition.ActivityBackground
	r.unsub = r.src.OnChange(r.onConditionChange)
	return r
}

// BaseConfig returns the config a data type starts from before overrides.
func (r *Registry) BaseConfig(dataType string) Config {
	cfg, ok := Defaults()[dataType]
	if !ok {
		cfg = GenericDefault()
	}
	if o, ok := r.overrides[dataType]; ok {
		cfg = cfg.Merge(o)
	}
	return cfg
}

// Handle identifies one registered callback.
type Handle struct {
	r        *Registry
	dataType string
	id       uint64
}

func (h Handle) DataType() string { return h.dataType }

// Stop removes this callback. The data type keeps polling while other
// callbacks remain.
func (h Handle) Stop() {
	if h.r == nil {
		return
	}
	h.r.removeCallback(h.dataType, h.id)
}

// Start registers cb for dataType and starts its refresh loop. A non-zero
// override is merged over the data type's config and replaces the config of
// an already running poller.
func (r *Registry) Start(dataType string, cb Callback, override Config) (Handle, error) {
	dataType = strings.TrimSpace(dataType)
	if dataType == "" {
		return Handle{}, ErrEmptyDataType
	}
	if cb == nil {
		return Handle{}, ErrNilCallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Handle{}, ErrClosed
	}

	p := r.pollers[dataType]
	if p == nil || !override.IsZero() {
		cfg := r.BaseConfig(dataType).Merge(override)
		if err := cfg.Validate(); err != nil {
			return Handle{}, fmt.Errorf("poller %s: %w", dataType, err)
		}
		if p == nil {
			p = &poller{dataType: dataType, callbacks: map[uint64]*callbackEntry{}, state: StateIdle}
			r.pollers[dataType] = p
		}
		p.cfg = cfg
	}

	r.cbSeq++
	id := r.cbSeq
	p.callbacks[id] = &callbackEntry{id: id, fn: cb}

	if r.paused || r.bgPaused {
		r.pauseLocked(p)
	} else if p.state != StateScheduled || !override.IsZero() {
		r.scheduleLocked(p)
	}
	r.log.Debug("poller registered",
		logx.String("data_type", dataType),
		logx.Int("callbacks", len(p.callbacks)),
		logx.String("state", p.state.String()),
		logx.Duration("interval", p.interval),
	)
	return Handle{r: r, dataType: dataType, id: id}, nil
}

// Stop cancels the timer of dataType and forgets all its callbacks.
func (r *Registry) Stop(dataType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pollers[dataType]
	if p == nil {
		return false
	}
	r.stopLocked(p)
	delete(r.pollers, dataType)
	r.log.Debug("poller stopped", logx.String("data_type", dataType))
	return true
}

// StopAll cancels every timer and forgets every poller.
func (r *Registry) StopAll() {
	r.mu.Lock()
	n := len(r.pollers)
	for k, p := range r.pollers {
		r.stopLocked(p)
		delete(r.pollers, k)
	}
	r.mu.Unlock()
	if n > 0 {
		r.log.Info("all pollers stopped", logx.Int("count", n))
	}
}

func (r *Registry) removeCallback(dataType string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pollers[dataType]
	if p == nil {
		return
	}
	delete(p.callbacks, id)
	if len(p.callbacks) == 0 {
		r.stopLocked(p)
		delete(r.pollers, dataType)
		r.log.Debug("poller stopped (no callbacks)", logx.String("data_type", dataType))
	}
}

// Pause clears every timer and keeps configs. Pollers stay paused until
// Resume, regardless of activity changes.
func (r *Registry) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	r.paused = true
	for _, p := range r.pollers {
		r.pauseLocked(p)
	}
	r.log.Info("pollers paused", logx.Int("count", len(r.pollers)))
}

// Resume reschedules every poller from the current conditions. While the
// activity is background the pollers stay paused until it changes.
func (r *Registry) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}
	r.paused = false
	if r.bgPaused {
		r.log.Info("pollers resume deferred (background)")
		return
	}
	r.rescheduleAllLocked()
	r.log.Info("pollers resumed", logx.Int("count", len(r.pollers)))
}

func (r *Registry) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused || r.bgPaused
}

// Reconfigure replaces the override of a running data type and reschedules it.
func (r *Registry) Reconfigure(dataType string, override Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pollers[dataType]
	if p == nil {
		return fmt.Errorf("poller %s: not running", dataType)
	}
	cfg := r.BaseConfig(dataType).Merge(override)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("poller %s: %w", dataType, err)
	}
	if cfg == p.cfg {
		return nil
	}
	p.cfg = cfg
	switch p.state {
	case StateScheduled, StateDisabled, StateIdle:
		r.rescheduleLocked(p)
	case StatePaused:
		r.pauseLocked(p)
	}
	r.log.Info("poller reconfigured", logx.String("data_type", dataType), logx.Duration("interval", p.interval))
	return nil
}

// SetOverrides replaces the config-file overrides and reconfigures running
// pollers from them.
func (r *Registry) SetOverrides(m map[string]Config) error {
	for dt, o := range m {
		cfg, ok := Defaults()[dt]
		if !ok {
			cfg = GenericDefault()
		}
		if err := cfg.Merge(o).Validate(); err != nil {
			return fmt.Errorf("poller %s: %w", dt, err)
		}
	}
	r.mu.Lock()
	r.overrides = m
	types := make([]string, 0, len(r.pollers))
	for dt := range r.pollers {
		types = append(types, dt)
	}
	r.mu.Unlock()

	var errs []error
	for _, dt := range types {
		if err := r.Reconfigure(dt, Config{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForceStrategy pins the strategy for every poller, bypassing Select.
func (r *Registry) ForceStrategy(s strategy.Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("unknown strategy %q", s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced = s
	if !r.paused && !r.bgPaused {
		r.rescheduleAllLocked()
	}
	r.log.Info("strategy forced", logx.String("strategy", string(s)))
	return nil
}

func (r *Registry) ClearStrategyOverride() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forced == "" {
		return
	}
	r.forced = ""
	if !r.paused && !r.bgPaused {
		r.rescheduleAllLocked()
	}
	r.log.Info("strategy override cleared")
}

// ForceRefresh invokes every callback once, bypassing timers, and returns
// when all of them returned. Callback errors are joined.
func (r *Registry) ForceRefresh(ctx context.Context) error {
	type job struct {
		p *poller
		e *callbackEntry
	}
	r.mu.Lock()
	var jobs []job
	for _, dt := range r.sortedTypesLocked() {
		p := r.pollers[dt]
		for _, e := range p.sortedCallbacks() {
			jobs = append(jobs, job{p: p, e: e})
		}
		p.inflight += len(p.callbacks)
	}
	r.mu.Unlock()

	var (
		g    errgroup.Group
		emu  sync.Mutex
		errs []error
	)
	for _, j := range jobs {
		g.Go(func() error {
			started := r.clk.Now()
			err := r.invoke(ctx, j.e.fn)
			r.finish(j.p, nil, started, err)
			if err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", j.p.dataType, err))
				emu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	r.log.Debug("force refresh done", logx.Int("callbacks", len(jobs)), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Close stops every poller, detaches from the condition source and cancels
// the context passed to running callbacks.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsub
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.StopAll()
	r.cancel()
}

// Wait blocks until callbacks started by timers have returned.
func (r *Registry) Wait() { r.wg.Wait() }

func (r *Registry) onConditionChange(ch condition.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	bg := ch.Current.Activity == condition.ActivityBackground
	switch {
	case bg && !r.bgPaused:
		r.bgPaused = true
		for _, p := range r.pollers {
			r.pauseLocked(p)
		}
		r.log.Info("pollers paused (background)", logx.Int("count", len(r.pollers)))
	case !bg && r.bgPaused:
		r.bgPaused = false
		if !r.paused {
			r.rescheduleAllLocked()
			r.log.Info("pollers resumed (foreground)", logx.Int("count", len(r.pollers)))
			return
		}
		for _, p := range r.pollers {
			r.pauseLocked(p)
		}
	case !r.paused && !r.bgPaused:
		r.rescheduleAllLocked()
	default:
		for _, p := range r.pollers {
			r.pauseLocked(p)
		}
	}
}

func (r *Registry) sortedTypesLocked() []string {
	out := make([]string, 0, len(r.pollers))
	for dt := range r.pollers {
		out = append(out, dt)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) rescheduleAllLocked() {
	for _, p := range r.pollers {
		r.rescheduleLocked(p)
	}
}

func (r *Registry) effectiveStrategyLocked(s condition.Snapshot) strategy.Strategy {
	if r.forced != "" {
		return r.forced
	}
	return strategy.Select(s)
}

// computeLocked resolves the strategy and interval of p from the current
// conditions. ok is false when the interval is infinite.
func (r *Registry) computeLocked(p *poller) (strategy.Strategy, time.Duration, bool) {
	snap := r.src.Current()
	strat := r.effectiveStrategyLocked(snap)
	iv, ok := ComputeInterval(p.cfg, strat, snap)
	return strat, iv, ok
}

// rescheduleLocked applies fresh conditions to p. A scheduled poller whose
// strategy and interval did not change keeps its timer. A changed interval
// keeps the tick phase: the next run is armedAt+interval, or now when that
// is already past.
func (r *Registry) rescheduleLocked(p *poller) {
	if p.state != StateScheduled || p.timer == nil {
		r.scheduleLocked(p)
		return
	}
	strat, iv, ok := r.computeLocked(p)
	if !ok {
		r.disableLocked(p, strat)
		return
	}
	if strat == p.strategy && iv == p.interval {
		return
	}
	due := p.armedAt.Add(iv)
	if now := r.clk.Now(); due.Before(now) {
		due = now
	}
	r.armLocked(p, strat, iv, due)
}

// scheduleLocked cancels any armed timer and arms a fresh one, one interval
// from now. A stale timer callback is ignored through p.ver.
func (r *Registry) scheduleLocked(p *poller) {
	strat, iv, ok := r.computeLocked(p)
	if !ok {
		r.disableLocked(p, strat)
		return
	}
	now := r.clk.Now()
	p.armedAt = now
	r.armLocked(p, strat, iv, now.Add(iv))
}

func (r *Registry) armLocked(p *poller, strat strategy.Strategy, iv time.Duration, due time.Time) {
	r.cancelTimerLocked(p)
	if p.interval != iv && p.interval != 0 {
		r.log.Debug("poller interval changed",
			logx.String("data_type", p.dataType),
			logx.Duration("from", p.interval),
			logx.Duration("to", iv),
			logx.String("strategy", string(strat)),
		)
	}
	p.state = StateScheduled
	p.strategy = strat
	p.interval = iv
	p.nextRun = due
	ver := p.ver
	p.timer = r.clk.AfterFunc(due.Sub(r.clk.Now()), func() { r.fire(p, ver) })
}

func (r *Registry) disableLocked(p *poller, strat strategy.Strategy) {
	r.cancelTimerLocked(p)
	if p.state != StateDisabled {
		r.log.Info("poller disabled", logx.String("data_type", p.dataType), logx.String("strategy", string(strat)), logx.Float64("battery", r.src.Current().Battery.Level))
		r.bus.Publish(eventbus.Event{Type: eventbus.TypePollerDisabled, Time: r.clk.Now(), Data: p.dataType})
	}
	p.state = StateDisabled
	p.strategy = strat
	p.interval = 0
	p.nextRun = time.Time{}
}

func (r *Registry) cancelTimerLocked(p *poller) {
	p.ver++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// pauseLocked clears the timer and keeps the strategy and interval a resume
// would use, so Status stays meaningful while paused.
func (r *Registry) pauseLocked(p *poller) {
	r.cancelTimerLocked(p)
	strat, iv, ok := r.computeLocked(p)
	if !ok {
		iv = 0
	}
	p.strategy = strat
	p.interval = iv
	p.state = StatePaused
	p.nextRun = time.Time{}
}

func (r *Registry) stopLocked(p *poller) {
	r.cancelTimerLocked(p)
	p.state = StateStopped
	p.nextRun = time.Time{}
}

// fire runs one tick: the next tick is armed first, then every callback
// that is not still running from a previous tick is started.
func (r *Registry) fire(p *poller, ver uint64) {
	r.mu.Lock()
	if r.closed || p.ver != ver || p.state != StateScheduled || r.pollers[p.dataType] != p {
		r.mu.Unlock()
		return
	}
	p.state = StateFiring
	now := r.clk.Now()
	p.lastRun = now

	var launch []*callbackEntry
	for _, e := range p.sortedCallbacks() {
		if e.running {
			p.skipped++
			if r.warn.Allow("overlap:" + p.dataType) {
				r.log.Debug("poller callback still running; skipped", logx.String("data_type", p.dataType))
			}
			continue
		}
		e.running = true
		p.inflight++
		launch = append(launch, e)
	}
	r.wg.Add(len(launch))
	r.scheduleLocked(p)
	ctx := r.ctx
	r.mu.Unlock()

	r.bus.Publish(eventbus.Event{Type: eventbus.TypePollerTick, Time: now, Data: p.dataType})
	for _, e := range launch {
		go func(e *callbackEntry) {
			defer r.wg.Done()
			started := r.clk.Now()
			err := r.invoke(ctx, e.fn)
			r.finish(p, e, started, err)
		}(e)
	}
}

func (r *Registry) invoke(ctx context.Context, fn Callback) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("poller callback panic: %v", rec)
		}
	}()
	return fn(ctx)
}

func (r *Registry) finish(p *poller, e *callbackEntry, started time.Time, err error) {
	r.mu.Lock()
	if e != nil {
		e.running = false
	}
	if p.inflight > 0 {
		p.inflight--
	}
	p.runs++
	if err != nil {
		p.failures++
		p.lastErr = err.Error()
	}
	r.mu.Unlock()

	if err == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypePollerFailed, Time: r.clk.Now(), Data: p.dataType})
	if r.warn.Allow("fail:" + p.dataType) {
		r.log.Warn("poller callback failed",
			logx.String("data_type", p.dataType),
			logx.Duration("took", r.clk.Now().Sub(started)),
			logx.Err(err),
		)
	}
}
