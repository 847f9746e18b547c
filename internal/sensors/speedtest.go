package sensors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"
)

// SpeedtestConfig controls a speedtest.net measurement.
type SpeedtestConfig struct {
	// Candidate servers (nearest first) that get a latency test.
	ServerCount int
	// MaxConnections is the download/upload thread count.
	MaxConnections  int
	PingConcurrency int
	SavingMode      bool
	// SkipUpload measures download and latency only.
	SkipUpload  bool
	DialTimeout time.Duration
}

func (c SpeedtestConfig) withDefaults() SpeedtestConfig {
	if c.ServerCount <= 0 {
		c.ServerCount = 5
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Speedtest measures throughput against the lowest-latency nearby
// speedtest.net server. It implements Measurer.
type Speedtest struct {
	cfg SpeedtestConfig

	// One run at a time: speedtest-go keeps per-client state.
	mu sync.Mutex
}

func NewSpeedtest(cfg SpeedtestConfig) *Speedtest {
	return &Speedtest{cfg: cfg.withDefaults()}
}

func (s *Speedtest) Measure(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hc, tr := newProbeClient(cfg)
	stc := st.New(
		st.WithDoer(hc),
		st.WithUserConfig(&st.UserConfig{
			SavingMode:     cfg.SavingMode,
			MaxConnections: cfg.MaxConnections,
		}),
	)
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
	}()

	servers, err := stc.FetchServerListContext(runCtx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Measurement{}, errors.New("no speedtest servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if len(servers) > cfg.ServerCount {
		servers = servers[:cfg.ServerCount]
	}

	best, err := pingBest(runCtx, servers, cfg.PingConcurrency)
	if err != nil {
		return Measurement{}, err
	}
	if err := best.DownloadTestContext(runCtx); err != nil {
		return Measurement{}, fmt.Errorf("download test: %w", err)
	}
	m := Measurement{
		DownloadMbps: best.DLSpeed.Mbps(),
		Latency:      best.Latency,
		Server:       best.Sponsor,
	}
	if !cfg.SkipUpload {
		if err := best.UploadTestContext(runCtx); err != nil {
			return Measurement{}, fmt.Errorf("upload test: %w", err)
		}
		m.UploadMbps = best.ULSpeed.Mbps()
	}
	return m, nil
}

// pingBest latency-tests candidates concurrently and returns the fastest.
func pingBest(ctx context.Context, servers []*st.Server, limit int) (*st.Server, error) {
	var g errgroup.Group
	g.SetLimit(limit)
	ok := make([]bool, len(servers))
	for i, s := range servers {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.PingTestContext(ctx, nil); err == nil && s.Latency > 0 {
				ok[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var best *st.Server
	for i, s := range servers {
		if !ok[i] {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}
	return best, nil
}

// newProbeClient builds a dedicated transport so idle connections can be
// dropped after each run.
func newProbeClient(cfg SpeedtestConfig) (*http.Client, *http.Transport) {
	d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	perHost := cfg.MaxConnections
	if perHost < 2 {
		perHost = 2
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr}, tr
}
