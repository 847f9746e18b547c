// Package app wires the condition monitor, pollers, batchers, transport,
// storage and the debug server into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"cadence/internal/batcher"
	"cadence/internal/clock"
	"cadence/internal/condition"
	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/observability/debugsrv"
	"cadence/internal/poller"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/sensors"
	"cadence/internal/storage"
	"cadence/internal/strategy"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

type Option func(*App)

func WithClock(c clock.Clock) Option { return func(a *App) { a.clk = clock.OrReal(c) } }

// WithMeasurer replaces the speedtest measurer of the network probe.
func WithMeasurer(m sensors.Measurer) Option { return func(a *App) { a.measurer = m } }

type App struct {
	clk      clock.Clock
	measurer sensors.Measurer

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	monitor *condition.Monitor
	probe   *sensors.Probe
	tr      *transport.HTTP
	batch   *batcher.Manager
	polls   *poller.Registry
	feeds   *feeds
	debug   *debugsrv.Service

	mu     sync.Mutex
	forced strategy.Strategy
}

// NewApp loads and validates the config at cfgPath and builds every
// service. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{clk: clock.Real()}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}

	a.cfgm = config.NewConfigManager(cfgPath, config.WithValidator(func(_ context.Context, c *config.Config) error {
		return validate(c)
	}))
	cfg, err := a.cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a.logs = logSvc
	a.root = log
	a.log = log.Component("app")
	a.cfgm.SetLogger(log.Component("config"))
	a.bus = eventbus.New()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if err := a.buildConditions(cfg, log); err != nil {
		a.closeStore()
		return nil, err
	}

	tc, err := mapTransportConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.tr, err = transport.New(tc,
		transport.WithClock(a.clk),
		transport.WithLogger(log),
	)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	endpoints, err := mapBatching(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.batch = batcher.NewManager(a.tr, a.monitor, endpoints,
		batcher.WithClock(a.clk),
		batcher.WithLogger(log),
		batcher.WithBus(a.bus),
	)

	overrides, err := mapPollingOverrides(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.polls = poller.New(a.monitor,
		poller.WithClock(a.clk),
		poller.WithLogger(log),
		poller.WithBus(a.bus),
		poller.WithConfigs(overrides),
	)
	a.feeds = newFeeds(a.polls, a.batch, log)

	dc, err := mapDebugConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.debug = debugsrv.New(dc, a.debugDeps(), log)
	return a, nil
}

func (a *App) buildConditions(cfg *config.Config, log logx.Logger) error {
	mc, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	bs, err := mapBatterySource(cfg)
	if err != nil {
		return err
	}
	ns, err := mapNetworkSource(cfg)
	if err != nil {
		return err
	}

	initial := condition.DefaultSnapshot()
	initial.At = a.clk.Now()
	if bs.initial != nil {
		initial.Battery = *bs.initial
	}
	if ns.initial != nil {
		initial.Network = *ns.initial
	}
	mopts := []condition.Option{
		condition.WithClock(a.clk),
		condition.WithLogger(log),
		condition.WithBus(a.bus),
		condition.WithInitial(initial),
	}
	if bs.source != nil {
		mopts = append(mopts, condition.WithBatterySource(bs.source))
	}
	a.monitor = condition.NewMonitor(mc, mopts...)

	// The probe pushes into the monitor; the monitor never pulls from it.
	if ns.probe != nil {
		m := a.measurer
		if m == nil {
			m = sensors.NewSpeedtest(ns.speedtest)
		}
		a.probe, err = sensors.NewProbe(*ns.probe, m, a.monitor,
			sensors.WithProbeLogger(log),
			sensors.WithProbeClock(a.clk),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
}

func (a *App) Monitor() *condition.Monitor { return a.monitor }
func (a *App) Pollers() *poller.Registry    { return a.polls }
func (a *App) Batchers() *batcher.Manager   { return a.batch }
func (a *App) Debug() *debugsrv.Service     { return a.debug }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithClock(a.clk),
		supervisor.WithCancelOnError(true),
	)
	cfg := a.cfgm.Get()

	a.monitor.Start(a.sup.Context())
	if err := a.applyStrategy(cfg); err != nil {
		return err
	}
	specs, err := mapFeeds(cfg)
	if err != nil {
		return err
	}
	if err := a.feeds.Apply(specs); err != nil {
		return err
	}
	if a.probe != nil {
		a.probe.Start(a.sup.Context())
	}

	if a.store != nil {
		a.sup.Go0("journal", func(c context.Context) {
			runJournal(c, a.bus, a.store, a.root.Component("journal"))
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyReload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("feeds", len(specs)),
		logx.Bool("probe", a.probe != nil),
		logx.Bool("storage", a.store != nil),
		logx.Bool("debug", a.debug.Enabled()),
	)
	return nil
}

func (a *App) applyStrategy(cfg *config.Config) error {
	s, err := mapForceStrategy(cfg)
	if err != nil {
		return err
	}
	return a.setStrategy(s)
}

// setStrategy pins every poller to s; "" restores automatic selection.
func (a *App) setStrategy(s strategy.Strategy) error {
	if s == "" {
		a.polls.ClearStrategyOverride()
	} else if err := a.polls.ForceStrategy(s); err != nil {
		return err
	}
	a.mu.Lock()
	a.forced = s
	a.mu.Unlock()
	return nil
}

// applyReload pushes a validated config into the live services. Transport,
// storage and condition sources are built once; changing them needs a
// restart.
func (a *App) applyReload(ctx context.Context, last, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(last, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("logging") {
		if err := a.logs.Apply(mapLogConfig(next)); err != nil {
			a.log.Warn("logging reload incomplete", logx.Err(err))
		}
	}
	if changed("polling") {
		if ov, err := mapPollingOverrides(next); err != nil {
			a.log.Warn("invalid polling config; keeping previous", logx.Err(err))
		} else if err := a.polls.SetOverrides(ov); err != nil {
			a.log.Warn("polling overrides not fully applied", logx.Err(err))
		}
	}
	if changed("batching") {
		if eps, err := mapBatching(next); err != nil {
			a.log.Warn("invalid batching config; keeping previous", logx.Err(err))
		} else {
			a.batch.SetEndpoints(eps)
		}
	}
	if changed("conditions") {
		if err := a.applyStrategy(next); err != nil {
			a.log.Warn("invalid force_strategy; keeping previous", logx.Err(err))
		}
		prev, cur := last.Conditions, next.Conditions
		prev.ForceStrategy, cur.ForceStrategy = "", ""
		if !reflect.DeepEqual(prev, cur) {
			a.log.Warn("condition source config changed; restart required for changes to take effect")
		}
	}
	if changed("feeds") {
		if specs, err := mapFeeds(next); err != nil {
			a.log.Warn("invalid feeds config; keeping previous", logx.Err(err))
		} else if err := a.feeds.Apply(specs); err != nil {
			a.log.Warn("feeds not fully applied", logx.Err(err))
		}
	}
	if changed("debug") {
		if dc, err := mapDebugConfig(next); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dc)
		}
	}
	for _, s := range []string{"transport", "storage"} {
		if changed(s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop tears down in order: pollers, pending batches, probe and monitor,
// debug server, storage, logging.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("pollers", 2*time.Second, func(context.Context) error {
		a.feeds.StopAll()
		a.polls.StopAll()
		a.polls.Close()
		return nil
	})
	step("batchers", time.Second, func(context.Context) error {
		a.batch.ClearAll("shutdown")
		a.batch.Close()
		return nil
	})
	step("conditions", time.Second, func(context.Context) error {
		if a.probe != nil {
			a.probe.Stop()
		}
		a.monitor.Stop()
		return nil
	})
	step("debug", time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs fn bounded by max (never beyond ctx's deadline) so one
// component cannot stall shutdown.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		return stepCtx.Err()
	}
}
