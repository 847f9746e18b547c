package sensors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/clock"
	"cadence/internal/condition"
	"cadence/pkg/logx"
)

var (
	ErrNoMeasurement = errors.New("no network measurement yet")
	ErrProbeBusy     = errors.New("network probe already running")
)

// Measurer takes one throughput measurement.
type Measurer interface {
	Measure(ctx context.Context) (Measurement, error)
}

type MeasurerFunc func(ctx context.Context) (Measurement, error)

func (f MeasurerFunc) Measure(ctx context.Context) (Measurement, error) { return f(ctx) }

// NetworkSink receives classified results (condition.Monitor).
type NetworkSink interface {
	UpdateNetwork(condition.Network)
}

type ProbeConfig struct {
	// Schedule is a cron spec; seconds field optional, descriptors such as
	// "@every 15m" accepted. Empty means manual runs only.
	Schedule   string
	Timezone   string
	RunOnStart bool
	Timeout    time.Duration
	Thresholds Thresholds
}

// Probe runs a Measurer on a cron schedule and pushes the classified
// network condition to its sink. It also serves the last result as a
// condition.NetworkSource.
type Probe struct {
	cfg   ProbeConfig
	m     Measurer
	sink  NetworkSink
	log   logx.Logger
	clk   clock.Clock
	sched cron.Schedule
	loc   *time.Location

	running atomic.Bool

	mu      sync.Mutex
	c       *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	last    Measurement
	lastNet condition.Network
	has     bool
	lastErr error
}

type ProbeOption func(*Probe)

func WithProbeLogger(l logx.Logger) ProbeOption { return func(p *Probe) { p.log = l } }
func WithProbeClock(c clock.Clock) ProbeOption  { return func(p *Probe) { p.clk = clock.OrReal(c) } }

var probeParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule and timezone.
func (c ProbeConfig) Validate() error {
	_, _, err := c.parse()
	return err
}

func (c ProbeConfig) parse() (cron.Schedule, *time.Location, error) {
	loc := time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("network probe timezone %q: %w", tz, err)
		}
		loc = l
	}
	var sched cron.Schedule
	if spec := strings.TrimSpace(c.Schedule); spec != "" {
		s, err := probeParser.Parse(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("network probe schedule %q: %w", spec, err)
		}
		sched = s
	}
	return sched, loc, nil
}

func NewProbe(cfg ProbeConfig, m Measurer, sink NetworkSink, opts ...ProbeOption) (*Probe, error) {
	if m == nil {
		return nil, errors.New("network probe: nil measurer")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	sched, loc, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	p := &Probe{cfg: cfg, m: m, sink: sink, log: logx.Nop(), clk: clock.Real(), loc: loc, sched: sched}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.Component("netprobe")
	return p, nil
}

// Start arms the schedule. Runs stop when ctx ends or Stop is called.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.c = cron.New(cron.WithParser(probeParser), cron.WithLocation(p.loc))
	if p.sched != nil {
		p.c.Schedule(p.sched, cron.FuncJob(func() { p.runLogged(ctx) }))
	}
	p.c.Start()

	if p.cfg.RunOnStart {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runLogged(ctx)
		}()
	}
	p.log.Info("network probe started", logx.String("schedule", p.cfg.Schedule), logx.Bool("run_on_start", p.cfg.RunOnStart))
}

// Stop halts the schedule and waits for a running measurement to return.
func (p *Probe) Stop() {
	p.mu.Lock()
	c, cancel := p.c, p.cancel
	p.c, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	p.wg.Wait()
}

// Next reports the next scheduled run.
func (p *Probe) Next() (time.Time, bool) {
	if p.sched == nil {
		return time.Time{}, false
	}
	return p.sched.Next(p.clk.Now().In(p.loc)), true
}

func (p *Probe) runLogged(ctx context.Context) {
	if _, err := p.Run(ctx); err != nil && !errors.Is(err, ErrProbeBusy) && ctx.Err() == nil {
		p.log.Warn("network probe failed", logx.Err(err))
	}
}

// Run measures once, classifies the result and pushes it to the sink.
// A failed measurement leaves the last known condition in place.
func (p *Probe) Run(ctx context.Context) (condition.Network, error) {
	if !p.running.CompareAndSwap(false, true) {
		return condition.Network{}, ErrProbeBusy
	}
	defer p.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	started := p.clk.Now()
	m, err := p.m.Measure(ctx)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return condition.Network{}, err
	}
	if m.At.IsZero() {
		m.At = p.clk.Now()
	}
	n := Classify(m, p.cfg.Thresholds)

	p.mu.Lock()
	p.last, p.lastNet, p.has, p.lastErr = m, n, true, nil
	p.mu.Unlock()

	p.log.Info("network measured",
		logx.Float64("down_mbps", m.DownloadMbps),
		logx.Float64("up_mbps", m.UploadMbps),
		logx.Duration("latency", m.Latency),
		logx.String("quality", n.Quality.String()),
		logx.String("effective_type", n.EffectiveType),
		logx.Duration("took", p.clk.Now().Sub(started)),
	)
	if p.sink != nil {
		p.sink.UpdateNetwork(n)
	}
	return n, nil
}

// ReadNetwork implements condition.NetworkSource with the last result.
func (p *Probe) ReadNetwork(ctx context.Context) (condition.Network, error) {
	if err := ctx.Err(); err != nil {
		return condition.Network{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.has {
		if p.lastErr != nil {
			return condition.Network{}, fmt.Errorf("%w: %v", ErrNoMeasurement, p.lastErr)
		}
		return condition.Network{}, ErrNoMeasurement
	}
	return p.lastNet, nil
}

// Last returns the last successful measurement.
func (p *Probe) Last() (Measurement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.has
}
