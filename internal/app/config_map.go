package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cadence/internal/batcher"
	"cadence/internal/condition"
	"cadence/internal/config"
	"cadence/internal/observability/debugsrv"
	"cadence/internal/poller"
	"cadence/internal/sensors"
	"cadence/internal/storage"
	"cadence/internal/strategy"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTransportConfig(cfg *config.Config) (transport.Config, error) {
	tc := cfg.Transport
	if strings.TrimSpace(tc.BaseURL) == "" {
		return transport.Config{}, errors.New("transport.base_url is required")
	}
	if u, err := url.Parse(tc.BaseURL); err != nil || u.Host == "" {
		return transport.Config{}, fmt.Errorf("transport.base_url: invalid %q", tc.BaseURL)
	}
	timeout, err := config.ParseDurationField("transport.timeout", tc.Timeout)
	if err != nil {
		return transport.Config{}, err
	}
	if tc.RateLimit < 0 || tc.Burst < 0 || tc.MaxResponseBytes < 0 {
		return transport.Config{}, errors.New("transport.rate_limit, burst and max_response_bytes must be >= 0")
	}
	proto := transport.Protocol(strings.ToLower(strings.TrimSpace(tc.Protocol)))
	switch proto {
	case transport.ProtocolAuto, transport.ProtocolH2, transport.ProtocolH2C:
	default:
		return transport.Config{}, fmt.Errorf("transport.protocol: unknown %q (want h2 or h2c)", tc.Protocol)
	}

	var br transport.BreakerConfig
	br.TripFailures = tc.Breaker.TripFailures
	if br.BaseDelay, err = config.ParseDurationField("transport.breaker.base_delay", tc.Breaker.BaseDelay); err != nil {
		return transport.Config{}, err
	}
	if br.MaxDelay, err = config.ParseDurationField("transport.breaker.max_delay", tc.Breaker.MaxDelay); err != nil {
		return transport.Config{}, err
	}
	if br.ResetAfter, err = config.ParseDurationField("transport.breaker.reset_after", tc.Breaker.ResetAfter); err != nil {
		return transport.Config{}, err
	}

	return transport.Config{
		BaseURL:          tc.BaseURL,
		PathTemplate:     tc.PathTemplate,
		Timeout:          timeout,
		Protocol:         proto,
		Headers:          tc.Headers,
		RateLimit:        tc.RateLimit,
		Burst:            tc.Burst,
		MaxResponseBytes: tc.MaxResponseBytes,
		Breaker:          br,
		UserAgent:        "cadence",
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (condition.MonitorConfig, error) {
	c := cfg.Conditions
	var (
		mc  condition.MonitorConfig
		err error
	)
	if mc.BatteryPollInterval, err = config.ParseDurationField("conditions.battery.poll_interval", c.Battery.PollInterval); err != nil {
		return mc, err
	}
	if mc.IdleTimeout, err = config.ParseDurationField("conditions.idle_timeout", c.IdleTimeout); err != nil {
		return mc, err
	}
	if mc.IdleCheckInterval, err = config.ParseDurationField("conditions.idle_check_interval", c.IdleCheckInterval); err != nil {
		return mc, err
	}
	return mc, nil
}

// mapForceStrategy returns "" when no strategy is pinned.
func mapForceStrategy(cfg *config.Config) (strategy.Strategy, error) {
	raw := strings.TrimSpace(cfg.Conditions.ForceStrategy)
	if raw == "" {
		return "", nil
	}
	s, ok := strategy.Parse(raw)
	if !ok {
		return "", fmt.Errorf("conditions.force_strategy: unknown %q", raw)
	}
	return s, nil
}

// batterySetup is the mapped battery source selection.
type batterySetup struct {
	source  condition.BatterySource // nil: defaults
	initial *condition.Battery
}

func mapBatterySource(cfg *config.Config) (batterySetup, error) {
	bc := cfg.Conditions.Battery
	switch strings.ToLower(strings.TrimSpace(bc.Source)) {
	case "", "none":
		return batterySetup{}, nil
	case "sysfs":
		return batterySetup{source: sensors.SysfsBattery{Root: bc.Root, Name: bc.Name}}, nil
	case "static":
		level := 1.0
		if bc.Level != nil {
			level = *bc.Level
		}
		if level < 0 || level > 1 {
			return batterySetup{}, fmt.Errorf("conditions.battery.level must be within 0..1, got %v", level)
		}
		return batterySetup{initial: &condition.Battery{Level: level, Charging: bc.Charging}}, nil
	default:
		return batterySetup{}, fmt.Errorf("conditions.battery.source: unknown %q (want sysfs, static or none)", bc.Source)
	}
}

// networkSetup is the mapped network source selection. probe is set for
// the speedtest source; initial for static.
type networkSetup struct {
	probe     *sensors.ProbeConfig
	speedtest sensors.SpeedtestConfig
	initial   *condition.Network
}

func mapNetworkSource(cfg *config.Config) (networkSetup, error) {
	nc := cfg.Conditions.Network
	switch strings.ToLower(strings.TrimSpace(nc.Source)) {
	case "", "none":
		return networkSetup{}, nil
	case "static":
		q := condition.ParseQuality(nc.Quality)
		if strings.TrimSpace(nc.Quality) != "" && q == condition.QualityUnknown {
			return networkSetup{}, fmt.Errorf("conditions.network.quality: unknown %q", nc.Quality)
		}
		if q == condition.QualityUnknown {
			q = condition.QualityFromEffectiveType(nc.EffectiveType)
		}
		return networkSetup{initial: &condition.Network{Quality: q, EffectiveType: nc.EffectiveType, SaveData: nc.SaveData}}, nil
	case "speedtest":
		pc := sensors.ProbeConfig{
			Schedule:   nc.ProbeSchedule,
			Timezone:   nc.Timezone,
			RunOnStart: nc.RunOnStart,
		}
		var err error
		if pc.Timeout, err = config.ParseDurationField("conditions.network.probe_timeout", nc.ProbeTimeout); err != nil {
			return networkSetup{}, err
		}
		th := sensors.Thresholds{SlowMbps: nc.Thresholds.SlowMbps, ModerateMbps: nc.Thresholds.ModerateMbps}
		if th.SlowLatency, err = config.ParseDurationField("conditions.network.thresholds.slow_latency", nc.Thresholds.SlowLatency); err != nil {
			return networkSetup{}, err
		}
		if th.ModerateLatency, err = config.ParseDurationField("conditions.network.thresholds.moderate_latency", nc.Thresholds.ModerateLatency); err != nil {
			return networkSetup{}, err
		}
		pc.Thresholds = th
		return networkSetup{
			probe: &pc,
			speedtest: sensors.SpeedtestConfig{
				ServerCount:    nc.Speedtest.ServerCount,
				MaxConnections: nc.Speedtest.MaxConnections,
				SavingMode:     nc.Speedtest.SavingMode,
				SkipUpload:     nc.Speedtest.SkipUpload,
			},
		}, nil
	default:
		return networkSetup{}, fmt.Errorf("conditions.network.source: unknown %q (want speedtest, static or none)", nc.Source)
	}
}

// mapPollingOverrides converts the polling section into partial poller
// configs. Omitted fields stay zero and keep the built-in value on merge.
func mapPollingOverrides(cfg *config.Config) (map[string]poller.Config, error) {
	if len(cfg.Polling) == 0 {
		return nil, nil
	}
	out := make(map[string]poller.Config, len(cfg.Polling))
	for dt, pc := range cfg.Polling {
		key := "polling." + dt
		var (
			c   poller.Config
			err error
		)
		if c.BaseInterval, err = config.ParseDurationField(key+".base_interval", pc.BaseInterval); err != nil {
			return nil, err
		}
		if c.MinInterval, err = config.ParseDurationField(key+".min_interval", pc.MinInterval); err != nil {
			return nil, err
		}
		if c.MaxInterval, err = config.ParseDurationField(key+".max_interval", pc.MaxInterval); err != nil {
			return nil, err
		}
		if b := pc.Battery; b != nil {
			c.Battery = poller.BatteryThresholds{Critical: b.Critical, Low: b.Low, Moderate: b.Moderate}
		}
		if n := pc.Network; n != nil {
			c.Network = poller.NetworkMultipliers{Slow: n.Slow, Moderate: n.Moderate, Fast: n.Fast}
		}
		if a := pc.Activity; a != nil {
			c.Activity = poller.ActivityMultipliers{Inactive: a.Inactive, Background: a.Background, Active: a.Active}
		}
		base, ok := poller.Defaults()[dt]
		if !ok {
			base = poller.GenericDefault()
		}
		if err := base.Merge(c).Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[dt] = c
	}
	return out, nil
}

// mapBatching merges each override onto the built-in (or default) endpoint
// config, so an override only needs the fields it changes.
func mapBatching(cfg *config.Config) (map[string]batcher.EndpointConfig, error) {
	if len(cfg.Batching) == 0 {
		return nil, nil
	}
	defs := batcher.DefaultEndpoints()
	out := make(map[string]batcher.EndpointConfig, len(cfg.Batching))
	for name, bc := range cfg.Batching {
		key := "batching." + name
		ec, ok := defs[name]
		if !ok {
			ec = batcher.DefaultEndpoint()
		}
		if bc.MaxBatchSize < 0 {
			return nil, fmt.Errorf("%s.max_batch_size must be >= 0", key)
		}
		if bc.MaxBatchSize > 0 {
			ec.MaxBatchSize = bc.MaxBatchSize
		}
		durs := []struct {
			field string
			raw   string
			dst   *time.Duration
		}{
			{"debounce_time", bc.DebounceTime, &ec.DebounceTime},
			{"max_wait_time", bc.MaxWaitTime, &ec.MaxWaitTime},
			{"thresholds.high", bc.Thresholds.High, &ec.Thresholds.High},
			{"thresholds.medium", bc.Thresholds.Medium, &ec.Thresholds.Medium},
			{"thresholds.low", bc.Thresholds.Low, &ec.Thresholds.Low},
			{"dispatch_timeout", bc.DispatchTimeout, &ec.DispatchTimeout},
		}
		for _, d := range durs {
			v, err := config.ParseDurationOrDefault(key+"."+d.field, d.raw, *d.dst)
			if err != nil {
				return nil, err
			}
			*d.dst = v
		}
		switch shape := batcher.ResponseShape(strings.ToLower(strings.TrimSpace(bc.Shape))); shape {
		case "":
		case batcher.ShapeItemized, batcher.ShapeShared:
			ec.Shape = shape
		default:
			return nil, fmt.Errorf("%s.shape: unknown %q (want itemized or shared)", key, bc.Shape)
		}
		if k := strings.TrimSpace(bc.BodyKey); k != "" {
			ec.BodyKey = k
		}
		out[name] = ec
	}
	return out, nil
}

// feedSpec is a validated feed.
type feedSpec struct {
	Name     string
	DataType string
	Endpoint string
	Priority batcher.Priority
	Timeout  time.Duration
	Requests []batcher.Params
}

func mapFeeds(cfg *config.Config) ([]feedSpec, error) {
	seen := map[string]bool{}
	var out []feedSpec
	for i, fc := range cfg.Feeds {
		key := fmt.Sprintf("feeds[%d]", i)
		name := strings.TrimSpace(fc.Name)
		if name == "" {
			return nil, fmt.Errorf("%s.name is required", key)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s: duplicate feed name %q", key, name)
		}
		seen[name] = true
		if strings.TrimSpace(fc.DataType) == "" || strings.TrimSpace(fc.Endpoint) == "" {
			return nil, fmt.Errorf("feed %s: data_type and endpoint are required", name)
		}
		if len(fc.Requests) == 0 {
			return nil, fmt.Errorf("feed %s: at least one request is required", name)
		}
		prio, err := batcher.ParsePriority(fc.Priority)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", name, err)
		}
		timeout, err := config.ParseDurationField("feed "+name+".timeout", fc.Timeout)
		if err != nil {
			return nil, err
		}
		if fc.Disabled {
			continue
		}
		reqs := make([]batcher.Params, len(fc.Requests))
		for j, r := range fc.Requests {
			reqs[j] = batcher.Params(r)
			if err := reqs[j].Validate(); err != nil {
				return nil, fmt.Errorf("feed %s.requests[%d]: %w", name, j, err)
			}
		}
		out = append(out, feedSpec{
			Name:     name,
			DataType: strings.TrimSpace(fc.DataType),
			Endpoint: strings.TrimSpace(fc.Endpoint),
			Priority: prio,
			Timeout:  timeout,
			Requests: reqs,
		})
	}
	return out, nil
}

// mapStorageConfig reports enabled=false for a missing section or driver
// "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if sc.Retain < 0 {
		return storage.Config{}, false, errors.New("storage.retain must be >= 0")
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retain: sc.Retain}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Retain: sc.Retain}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	out := debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		PprofPrefix:          d.PprofPrefix,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// Profiles stream for up to their "seconds" parameter.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 {
		return out, errors.New("debug profile rates must be >= 0")
	}
	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("debug: %w", err)
	}
	return out, nil
}

// validate runs every mapping so a bad reload never reaches the services.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(mapLogConfig(cfg).Validate())
	_, err := mapTransportConfig(cfg)
	collect(err)
	_, err = mapMonitorConfig(cfg)
	collect(err)
	_, err = mapForceStrategy(cfg)
	collect(err)
	_, err = mapBatterySource(cfg)
	collect(err)
	if ns, err := mapNetworkSource(cfg); err != nil {
		collect(err)
	} else if ns.probe != nil {
		collect(ns.probe.Validate())
	}
	_, err = mapPollingOverrides(cfg)
	collect(err)
	_, err = mapBatching(cfg)
	collect(err)
	_, err = mapFeeds(cfg)
	collect(err)
	_, _, err = mapStorageConfig(cfg)
	collect(err)
	_, err = mapDebugConfig(cfg)
	collect(err)
	return errors.Join(errs...)
}
