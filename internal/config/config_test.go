package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "transport": {"base_url": "http://127.0.0.1:8080", "protocol": "h2c", "headers": {"Authorization": "Bearer s3cret"}},
  "conditions": {"battery": {"source": "sysfs"}, "network": {"source": "speedtest", "probe_schedule": "@every 15m"}},
  "polling": {"market-data": {"base_interval": "20s", "network": {"slow": 2.5}}},
  "batching": {"portfolio": {"max_batch_size": 5, "shape": "itemized", "body_key": "operations"}},
  "feeds": [{"name": "quotes", "data_type": "market-data", "endpoint": "market-data", "requests": [{"symbol": "AAPL"}]}],
  "storage": {"driver": "sqlite", "path": "./cadence.db"},
  "debug": {"enabled": true, "token": "t0k"}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
transport:
  base_url: http://127.0.0.1:8080
  protocol: h2c
  headers:
    Authorization: Bearer s3cret
conditions:
  battery: {source: sysfs}
  network: {source: speedtest, probe_schedule: "@every 15m"}
polling:
  market-data:
    base_interval: 20s
    network: {slow: 2.5}
batching:
  portfolio: {max_batch_size: 5, shape: itemized, body_key: operations}
feeds:
  - name: quotes
    data_type: market-data
    endpoint: market-data
    requests:
      - symbol: AAPL
storage: {driver: sqlite, path: ./cadence.db}
debug: {enabled: true, token: t0k}
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	j, err := Decode("cadence.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := Decode("cadence.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if hashJSON(j) != hashJSON(y) {
		t.Fatalf("json and yaml differ:\n%+v\n%+v", j, y)
	}
	if j.Polling["market-data"].Network.Slow != 2.5 || j.Feeds[0].Requests[0]["symbol"] != "AAPL" {
		t.Fatalf("decoded = %+v", j)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown top-level": `{"telegram": {}}`,
		"unknown nested":    `{"transport": {"base_url": "x", "retries": 3}}`,
		"trailing data":     `{} {}`,
		"not json":          `logging: {}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode("c.json", []byte(in)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 1m30s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v, %v", d, err)
	}
	if _, err := ParseDurationField("polling.base", "-1s"); err == nil || !strings.Contains(err.Error(), "polling.base") {
		t.Fatalf("negative err = %v", err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage accepted")
	}
	if d, _ := ParseDurationOrDefault("x", "0s", 5*time.Second); d != 5*time.Second {
		t.Fatalf("default = %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg, _ := Decode("c.json", []byte(sampleJSON))

	if sections, _ := SummarizeConfigChange(oldCfg, newCfg); len(sections) != 0 {
		t.Fatalf("identical configs changed %v", sections)
	}

	newCfg.Transport.Headers = map[string]string{"Authorization": "Bearer rotated"}
	newCfg.Debug.Token = "other"
	newCfg.Polling["analytics"] = PollingConfig{BaseInterval: "10m"}
	newCfg.Feeds[0].Requests = append(newCfg.Feeds[0].Requests, map[string]any{"symbol": "MSFT"})
	newCfg.Storage = nil

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"feeds", "polling", "storage", "transport"}
	if fmt.Sprint(sections) != fmt.Sprint(want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}

	var buf strings.Builder
	zl := zerolog.New(&buf)
	e := zl.Info()
	for _, f := range attrs {
		f(e)
	}
	e.Msg("summary")
	out := buf.String()
	for _, secret := range []string{"rotated", "s3cret", "other", "t0k"} {
		if strings.Contains(out, secret) {
			t.Fatalf("summary leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, `"polling.changed":["analytics"]`) {
		t.Fatalf("summary = %s", out)
	}
}

func TestSummarizeDebugTokenFlip(t *testing.T) {
	t.Parallel()
	sections, _ := SummarizeConfigChange(&Config{}, &Config{Debug: DebugConfig{Token: "x"}})
	if fmt.Sprint(sections) != "[debug]" {
		t.Fatalf("sections = %v", sections)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestManagerLoadValidatesAndReloadPublishes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.json")
	writeFile(t, path, `{"logging": {"level": "info"}}`)

	reject := errors.New("nope")
	m := NewConfigManager(path, WithValidator(func(_ context.Context, c *Config) error {
		if c.Logging.Level == "bogus" {
			return reject
		}
		return nil
	}))
	ctx := context.Background()
	cfg, err := m.Load(ctx)
	if err != nil || cfg.Logging.Level != "info" || m.Get() != cfg {
		t.Fatalf("Load = %+v, %v", cfg, err)
	}

	sub := m.Subscribe(1)
	if changed, err := m.Reload(ctx); changed || err != nil {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	writeFile(t, path, `{"logging": {"level": "bogus"}}`)
	if _, err := m.Reload(ctx); !errors.Is(err, reject) {
		t.Fatalf("rejected reload err = %v", err)
	}
	if m.Get().Logging.Level != "info" {
		t.Fatal("rejected config was committed")
	}

	writeFile(t, path, `{"logging": {"level": "debug"}}`)
	if changed, err := m.Reload(ctx); !changed || err != nil {
		t.Fatalf("reload = %v, %v", changed, err)
	}
	select {
	case got := <-sub:
		if got.Logging.Level != "debug" {
			t.Fatalf("published %+v", got)
		}
	default:
		t.Fatal("nothing published")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("subscription not closed")
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "a"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "b"}})
	if got := <-sub; got.Logging.Level != "b" {
		t.Fatalf("got %q, want newest", got.Logging.Level)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	writeFile(t, path, "logging: {level: info}\n")
	m := NewConfigManager(path, WithDebounce(20*time.Millisecond))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher is up and sees it.
		writeFile(t, path, "logging: {level: warn}\n")
		select {
		case got := <-sub:
			if got.Logging.Level != "warn" {
				t.Fatalf("published %+v", got)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watch did not publish")
		}
	}
}
