package condition

import (
	"context"
	"sync"
	"time"

	"cadence/internal/clock"
	"cadence/internal/eventbus"
	"cadence/pkg/logx"
)

type MonitorConfig struct {
	// BatteryPollInterval is the safety re-poll of the battery source.
	BatteryPollInterval time.Duration
	IdleTimeout         time.Duration
	IdleCheckInterval   time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.BatteryPollInterval <= 0 {
		c.BatteryPollInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = time.Minute
	}
	return c
}

type Option func(*Monitor)

func WithClock(c clock.Clock) Option           { return func(m *Monitor) { m.clk = clock.OrReal(c) } }
func WithLogger(l logx.Logger) Option          { return func(m *Monitor) { m.log = l } }
func WithBus(b eventbus.Bus) Option            { return func(m *Monitor) { m.bus = eventbus.OrNop(b) } }
func WithBatterySource(s BatterySource) Option { return func(m *Monitor) { m.battery = s } }
func WithNetworkSource(s NetworkSource) Option { return func(m *Monitor) { m.network = s } }
func WithInitial(s Snapshot) Option            { return func(m *Monitor) { m.snap = s } }

// Monitor owns the condition snapshot. It implements Source.
type Monitor struct {
	cfg MonitorConfig
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus

	battery BatterySource
	network NetworkSource
	warn    *logx.Throttle

	mu              sync.Mutex
	snap            Snapshot
	lastInteraction time.Time
	hidden          bool

	subs   map[uint64]func(Change)
	subSeq uint64

	running      bool
	ctx          context.Context
	cancel       context.CancelFunc
	ver          uint64
	batteryTimer clock.Timer
	idleTimer    clock.Timer
}

func NewMonitor(cfg MonitorConfig, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:  cfg.withDefaults(),
		clk:  clock.Real(),
		log:  logx.Nop(),
		bus:  eventbus.Nop(),
		snap: DefaultSnapshot(),
		subs: map[uint64]func(Change){},
		warn: logx.NewThrottle(time.Minute),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.Component("condition")
	m.snap.Battery.Level = clampLevel(m.snap.Battery.Level)
	if m.snap.Activity == "" {
		m.snap.Activity = ActivityActive
	}
	m.snap.At = m.clk.Now()
	m.lastInteraction = m.snap.At
	return m
}

// Start reads every source once and arms the battery re-poll and idle timers.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.ver++
	ver := m.ver
	m.mu.Unlock()

	m.RefreshBattery(m.ctx)
	m.RefreshNetwork(m.ctx)

	m.mu.Lock()
	if m.running && m.ver == ver {
		m.armBatteryLocked(ver)
		m.armIdleLocked(ver)
	}
	m.mu.Unlock()
	m.log.Debug("condition monitor started",
		logx.Duration("battery_poll", m.cfg.BatteryPollInterval),
		logx.Duration("idle_timeout", m.cfg.IdleTimeout),
	)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.ver++
	if m.batteryTimer != nil {
		m.batteryTimer.Stop()
		m.batteryTimer = nil
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) armBatteryLocked(ver uint64) {
	if m.battery == nil {
		return
	}
	m.batteryTimer = m.clk.AfterFunc(m.cfg.BatteryPollInterval, func() {
		m.mu.Lock()
		if !m.running || m.ver != ver {
			m.mu.Unlock()
			return
		}
		ctx := m.ctx
		m.mu.Unlock()

		m.RefreshBattery(ctx)

		m.mu.Lock()
		if m.running && m.ver == ver {
			m.armBatteryLocked(ver)
		}
		m.mu.Unlock()
	})
}

func (m *Monitor) armIdleLocked(ver uint64) {
	m.idleTimer = m.clk.AfterFunc(m.cfg.IdleCheckInterval, func() {
		m.mu.Lock()
		if !m.running || m.ver != ver {
			m.mu.Unlock()
			return
		}
		var ch *Change
		if m.snap.Activity == ActivityActive && m.clk.Now().Sub(m.lastInteraction) >= m.cfg.IdleTimeout {
			ch = m.setActivityLocked(ActivityInactive)
		}
		m.armIdleLocked(ver)
		m.mu.Unlock()
		m.emit(ch)
	})
}

func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Monitor) OnChange(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// RefreshBattery pulls the battery source. Errors keep the previous value.
func (m *Monitor) RefreshBattery(ctx context.Context) {
	if m.battery == nil {
		return
	}
	b, err := m.battery.ReadBattery(ctx)
	if err != nil {
		if m.warn.Allow("battery") {
			m.log.Warn("battery read failed", logx.Err(err))
		}
		return
	}
	m.UpdateBattery(b)
}

// RefreshNetwork pulls the network source. Errors keep the previous value.
func (m *Monitor) RefreshNetwork(ctx context.Context) {
	if m.network == nil {
		return
	}
	n, err := m.network.ReadNetwork(ctx)
	if err != nil {
		if m.warn.Allow("network") {
			m.log.Warn("network read failed", logx.Err(err))
		}
		return
	}
	m.UpdateNetwork(n)
}

func (m *Monitor) UpdateBattery(b Battery) {
	b.Level = clampLevel(b.Level)
	m.mu.Lock()
	if m.snap.Battery == b {
		m.mu.Unlock()
		return
	}
	prev := m.snap
	m.snap.Battery = b
	m.snap.At = m.clk.Now()
	ch := &Change{Kind: ChangeBattery, Previous: prev, Current: m.snap}
	m.mu.Unlock()
	m.emit(ch)
}

func (m *Monitor) UpdateNetwork(n Network) {
	if !n.Quality.Known() && n.EffectiveType != "" {
		n.Quality = QualityFromEffectiveType(n.EffectiveType)
	}
	m.mu.Lock()
	if m.snap.Network == n {
		m.mu.Unlock()
		return
	}
	prev := m.snap
	m.snap.Network = n
	m.snap.At = m.clk.Now()
	ch := &Change{Kind: ChangeNetwork, Previous: prev, Current: m.snap}
	m.mu.Unlock()
	m.emit(ch)
}

// RecordInteraction marks the user active. Ignored while hidden.
func (m *Monitor) RecordInteraction(kind InteractionKind) {
	m.mu.Lock()
	m.lastInteraction = m.clk.Now()
	if m.hidden {
		m.mu.Unlock()
		return
	}
	ch := m.setActivityLocked(ActivityActive)
	m.mu.Unlock()
	if ch != nil {
		m.log.Trace("interaction", logx.String("kind", string(kind)))
	}
	m.emit(ch)
}

// SetVisible switches between background and active.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	m.hidden = !visible
	var ch *Change
	if visible {
		m.lastInteraction = m.clk.Now()
		ch = m.setActivityLocked(ActivityActive)
	} else {
		ch = m.setActivityLocked(ActivityBackground)
	}
	m.mu.Unlock()
	m.emit(ch)
}

func (m *Monitor) setActivityLocked(a Activity) *Change {
	if m.snap.Activity == a {
		return nil
	}
	prev := m.snap
	m.snap.Activity = a
	m.snap.At = m.clk.Now()
	return &Change{Kind: ChangeActivity, Previous: prev, Current: m.snap}
}

func (m *Monitor) emit(ch *Change) {
	if ch == nil {
		return
	}
	m.mu.Lock()
	subs := make([]func(Change), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.log.Debug("condition changed",
		logx.String("kind", string(ch.Kind)),
		logx.Float64("battery", ch.Current.Battery.Level),
		logx.Bool("charging", ch.Current.Battery.Charging),
		logx.String("network", ch.Current.Network.Quality.String()),
		logx.String("activity", string(ch.Current.Activity)),
	)
	for _, fn := range subs {
		m.safeCall(fn, *ch)
	}
	m.bus.Publish(eventbus.Event{Type: "condition." + string(ch.Kind), Time: ch.Current.At, Data: *ch})
}

func (m *Monitor) safeCall(fn func(Change), ch Change) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("condition subscriber panic", logx.Any("panic", r))
		}
	}()
	fn(ch)
}
