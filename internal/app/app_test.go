package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cadence/internal/config"
	"cadence/internal/observability/debugsrv"
	"cadence/internal/sensors"
	"cadence/internal/strategy"
	"cadence/pkg/logx"
)

const testConfig = `
logging:
  level: error
  console: true
transport:
  base_url: %BASE%
conditions:
  battery:
    source: static
    level: 0.9
    charging: true
  network:
    source: static
    quality: fast
polling:
  ticker:
    base_interval: 50ms
    min_interval: 10ms
    max_interval: 1s
batching:
  ticker:
    debounce_time: 5ms
    max_wait_time: 20ms
    shape: itemized
feeds:
  - name: quotes
    data_type: ticker
    endpoint: ticker
    priority: high
    timeout: 2s
    requests:
      - symbol: AAPL
      - symbol: MSFT
storage:
  driver: file
  path: %DIR%/journal.log
`

func itemizedEcho(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var body map[string][]map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var results []map[string]any
		for _, items := range body {
			for _, it := range items {
				results = append(results, map[string]any{"id": it["id"], "success": true, "data": it})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}

func writeConfig(t *testing.T, base string) string {
	t.Helper()
	dir := t.TempDir()
	body := strings.NewReplacer("%BASE%", base, "%DIR%", dir).Replace(testConfig)
	path := filepath.Join(dir, "cadence.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAppRunsFeedsAndJournals(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(itemizedEcho(&hits))
	defer srv.Close()

	a, err := NewApp(writeConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background())
		}
	}()

	waitFor(t, "journaled dispatch", func() bool {
		return len(a.Status(ctx).Recent) > 0
	})
	if hits.Load() == 0 {
		t.Fatal("server never called")
	}

	st := a.Status(ctx)
	if st.Conditions.Battery.Level != 0.9 || !st.Conditions.Battery.Charging {
		t.Fatalf("battery = %+v", st.Conditions.Battery)
	}
	if len(st.Feeds) != 1 || st.Feeds[0] != "quotes" {
		t.Fatalf("feeds = %v", st.Feeds)
	}
	rec := st.Recent[0]
	if rec.Endpoint != "ticker" || rec.Items == 0 || rec.Failed != 0 {
		t.Fatalf("recent = %+v", rec)
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped = true
	if _, err := a.Batchers().BatchRequest(context.Background(), "ticker", map[string]any{"symbol": "X"}, 0); err == nil {
		t.Fatal("submit after stop succeeded")
	}
}

func TestAppReloadAndDebugDeps(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(itemizedEcho(&hits))
	defer srv.Close()

	a, err := NewApp(writeConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background()) }()

	last := a.cfgm.Get()
	next := *last
	next.Conditions.ForceStrategy = "minimal"
	next.Feeds = nil
	a.applyReload(ctx, last, &next)

	st := a.Status(ctx)
	if st.ForcedStrategy != strategy.Minimal || st.Strategy != strategy.Minimal {
		t.Fatalf("strategy = %q forced %q", st.Strategy, st.ForcedStrategy)
	}
	if len(st.Feeds) != 0 {
		t.Fatalf("feeds after reload = %v", st.Feeds)
	}

	h := debugsrv.NewHandler(debugsrv.Config{}, a.debugDeps(), logx.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/strategy", strings.NewReader(`{"strategy":""}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("strategy clear = %d %s", rr.Code, rr.Body.String())
	}
	if st := a.Status(ctx); st.ForcedStrategy != "" {
		t.Fatalf("forced after clear = %q", st.ForcedStrategy)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/activity", strings.NewReader(`{"visible":false}`))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("activity = %d", rr.Code)
	}
	if got := a.Monitor().Current().Activity; got != "background" {
		t.Fatalf("activity = %q", got)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if _, ok := body["batching"]; !ok {
		t.Fatalf("status missing batching: %s", rr.Body.String())
	}
}

func TestAppSpeedtestProbeFeedsMonitor(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	path := writeConfig(t, srv.URL)
	b, _ := os.ReadFile(path)
	b = []byte(strings.Replace(string(b), "    source: static\n    quality: fast", "    source: speedtest\n    run_on_start: true", 1))
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	m := sensors.MeasurerFunc(func(context.Context) (sensors.Measurement, error) {
		return sensors.Measurement{DownloadMbps: 0.5, UploadMbps: 0.2, Latency: 800 * time.Millisecond}, nil
	})
	a, err := NewApp(path, WithMeasurer(m))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background()) }()

	waitFor(t, "probe result", func() bool {
		return a.Monitor().Current().Network.Quality == "slow"
	})
	if st := a.Status(context.Background()); st.Probe == nil || st.Probe.DownloadMbps != 0.5 {
		t.Fatalf("probe status = %+v", st.Probe)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		return &config.Config{Transport: config.TransportConfig{BaseURL: "http://api.local"}}
	}
	tests := []struct {
		name    string
		mut     func(c *config.Config)
		wantErr string
	}{
		{name: "ok", mut: func(*config.Config) {}},
		{name: "bad log level", mut: func(c *config.Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "no base url", mut: func(c *config.Config) { c.Transport.BaseURL = "" }, wantErr: "base_url"},
		{name: "bad protocol", mut: func(c *config.Config) { c.Transport.Protocol = "quic" }, wantErr: "protocol"},
		{name: "bad strategy", mut: func(c *config.Config) { c.Conditions.ForceStrategy = "turbo" }, wantErr: "force_strategy"},
		{name: "bad battery source", mut: func(c *config.Config) { c.Conditions.Battery.Source = "acpi" }, wantErr: "battery.source"},
		{name: "static level range", mut: func(c *config.Config) {
			lvl := 1.5
			c.Conditions.Battery = config.BatterySourceConfig{Source: "static", Level: &lvl}
		}, wantErr: "battery.level"},
		{name: "bad cron", mut: func(c *config.Config) {
			c.Conditions.Network = config.NetworkSourceConfig{Source: "speedtest", ProbeSchedule: "every day"}
		}, wantErr: "schedule"},
		{name: "polling order", mut: func(c *config.Config) {
			c.Polling = map[string]config.PollingConfig{"market-data": {MinInterval: "10m"}}
		}, wantErr: "polling.market-data"},
		{name: "batching shape", mut: func(c *config.Config) {
			c.Batching = map[string]config.BatchingConfig{"x": {Shape: "tree"}}
		}, wantErr: "shape"},
		{name: "feed priority", mut: func(c *config.Config) {
			c.Feeds = []config.FeedConfig{{Name: "f", DataType: "d", Endpoint: "e", Priority: "urgent", Requests: []map[string]any{{}}}}
		}, wantErr: "priority"},
		{name: "duplicate feed", mut: func(c *config.Config) {
			f := config.FeedConfig{Name: "f", DataType: "d", Endpoint: "e", Requests: []map[string]any{{}}}
			c.Feeds = []config.FeedConfig{f, f}
		}, wantErr: "duplicate"},
		{name: "feed request uses id", mut: func(c *config.Config) {
			c.Feeds = []config.FeedConfig{{Name: "f", DataType: "d", Endpoint: "e", Requests: []map[string]any{{"id": 7}}}}
		}, wantErr: "reserved"},
		{name: "sqlite without path", mut: func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, wantErr: "storage.path"},
		{name: "insecure debug", mut: func(c *config.Config) {
			c.Debug = config.DebugConfig{Enabled: true, Addr: "0.0.0.0:7070"}
		}, wantErr: "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mut(c)
			err := validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapBatchingMergesOntoBuiltins(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Batching: map[string]config.BatchingConfig{
		"portfolio": {MaxBatchSize: 3},
		"custom":    {DebounceTime: "1s", Shape: "shared"},
	}}
	got, err := mapBatching(cfg)
	if err != nil {
		t.Fatalf("mapBatching: %v", err)
	}
	p := got["portfolio"]
	if p.MaxBatchSize != 3 || p.BodyKey != "operations" || p.DebounceTime != 300*time.Millisecond {
		t.Fatalf("portfolio = %+v", p)
	}
	c := got["custom"]
	if c.DebounceTime != time.Second || c.Shape != "shared" || c.MaxBatchSize != 20 {
		t.Fatalf("custom = %+v", c)
	}
}
