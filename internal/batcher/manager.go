package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cadence/internal/condition"
	"cadence/pkg/logx"
)

// Manager owns one Batcher per endpoint namespace, created on first use and
// tuned to the network at that moment.
type Manager struct {
	tr   Transport
	src  condition.Source
	opts []Option
	log  logx.Logger

	mu        sync.Mutex
	endpoints map[string]EndpointConfig
	batchers  map[string]*Batcher
	closed    bool
}

// NewManager creates a manager. endpoints override the built-in endpoint
// configs by name; src may be nil (no tuning).
func NewManager(tr Transport, src condition.Source, endpoints map[string]EndpointConfig, opts ...Option) *Manager {
	s := newSettings(opts)
	return &Manager{
		tr:        tr,
		src:       src,
		opts:      opts,
		log:       s.log.Component("batcher"),
		endpoints: mergeEndpoints(endpoints),
		batchers:  map[string]*Batcher{},
	}
}

func mergeEndpoints(over map[string]EndpointConfig) map[string]EndpointConfig {
	out := DefaultEndpoints()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// EndpointConfig returns the untuned config for endpoint.
func (m *Manager) EndpointConfig(endpoint string) EndpointConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpointConfigLocked(endpoint)
}

func (m *Manager) endpointConfigLocked(endpoint string) EndpointConfig {
	if cfg, ok := m.endpoints[endpoint]; ok {
		return cfg.withDefaults()
	}
	return DefaultEndpoint()
}

// Batcher returns the batcher of endpoint, creating it when needed. It
// returns nil after Close.
func (m *Manager) Batcher(endpoint string) *Batcher {
	endpoint = strings.TrimSpace(endpoint)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if b := m.batchers[endpoint]; b != nil {
		return b
	}
	cfg := m.endpointConfigLocked(endpoint)
	var net condition.Network
	if m.src != nil {
		net = m.src.Current().Network
		cfg = Tune(cfg, net)
	}
	b := New(endpoint, cfg, m.tr, m.opts...)
	m.batchers[endpoint] = b
	m.log.Debug("batcher created",
		logx.String("endpoint", endpoint),
		logx.Int("max_batch", cfg.MaxBatchSize),
		logx.Duration("debounce", cfg.DebounceTime),
		logx.Duration("max_wait", cfg.MaxWaitTime),
		logx.String("network", net.Quality.String()),
	)
	return b
}

// Submit queues a request on the endpoint's batcher.
func (m *Manager) Submit(endpoint string, params Params, prio Priority, timeout time.Duration) *Pending {
	b := m.Batcher(endpoint)
	if b == nil {
		return rejected(ErrClosed)
	}
	return b.Submit(endpoint, params, prio, timeout)
}

// BatchRequest submits a request and waits for its result.
func (m *Manager) BatchRequest(ctx context.Context, endpoint string, params Params, prio Priority) (json.RawMessage, error) {
	return m.Submit(endpoint, params, prio, 0).Wait(ctx)
}

func (m *Manager) snapshot() []*Batcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Batcher, 0, len(m.batchers))
	for _, b := range m.batchers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// FlushAll flushes every batcher concurrently and waits for all of them.
func (m *Manager) FlushAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		emu  sync.Mutex
		errs []error
	)
	for _, b := range m.snapshot() {
		g.Go(func() error {
			if err := b.Flush(ctx); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) GlobalStatus() GlobalStatus {
	bs := m.snapshot()
	sts := make([]Status, 0, len(bs))
	for _, b := range bs {
		sts = append(sts, b.Status())
	}
	return aggregate(sts)
}

// ClearAll clears every batcher with reason.
func (m *Manager) ClearAll(reason string) {
	for _, b := range m.snapshot() {
		b.Clear(reason)
	}
}

// SetEndpoints replaces the endpoint overrides and reconfigures existing
// batchers (tuned to the current network).
func (m *Manager) SetEndpoints(over map[string]EndpointConfig) {
	m.mu.Lock()
	m.endpoints = mergeEndpoints(over)
	type upd struct {
		b   *Batcher
		cfg EndpointConfig
	}
	var ups []upd
	for name, b := range m.batchers {
		cfg := m.endpointConfigLocked(name)
		if m.src != nil {
			cfg = Tune(cfg, m.src.Current().Network)
		}
		ups = append(ups, upd{b: b, cfg: cfg})
	}
	m.mu.Unlock()
	for _, u := range ups {
		u.b.Reconfigure(u.cfg)
	}
}

// Close clears and closes every batcher. Later submits fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	for _, b := range m.snapshot() {
		b.Close()
	}
}
