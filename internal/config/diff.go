package config

import (
	"reflect"
	"sort"
	"strings"

	"cadence/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (transport headers, debug token)
// are reported only as counts or set/unset flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ot, nt := oldCfg.Transport, newCfg.Transport
	if !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.base_url", strings.TrimSpace(nt.BaseURL)),
			logx.String("transport.protocol", nt.Protocol),
			logx.String("transport.timeout", nt.Timeout),
			logx.Float64("transport.rate_limit", nt.RateLimit),
			logx.Int("transport.header_count", len(nt.Headers)),
			logx.Bool("transport.headers_changed", !reflect.DeepEqual(ot.Headers, nt.Headers)),
			logx.Int("transport.breaker_trip_failures", nt.Breaker.TripFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Conditions, newCfg.Conditions) {
		changed = append(changed, "conditions")
		c := newCfg.Conditions
		attrs = append(attrs,
			logx.String("conditions.battery_source", c.Battery.Source),
			logx.String("conditions.network_source", c.Network.Source),
			logx.String("conditions.probe_schedule", c.Network.ProbeSchedule),
			logx.String("conditions.force_strategy", c.ForceStrategy),
		)
	}

	if keys := changedKeys(oldCfg.Polling, newCfg.Polling); len(keys) > 0 {
		changed = append(changed, "polling")
		attrs = append(attrs, logx.Any("polling.changed", keys))
	}
	if keys := changedKeys(oldCfg.Batching, newCfg.Batching); len(keys) > 0 {
		changed = append(changed, "batching")
		attrs = append(attrs, logx.Any("batching.changed", keys))
	}

	if feeds := changedFeeds(oldCfg.Feeds, newCfg.Feeds); len(feeds) > 0 {
		changed = append(changed, "feeds")
		attrs = append(attrs,
			logx.Any("feeds.changed", feeds),
			logx.Int("feeds.count", len(newCfg.Feeds)),
		)
	}

	// Nil storage means disabled.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	tokenFlip := (strings.TrimSpace(od.Token) != "") != (strings.TrimSpace(nd.Token) != "")
	od.Token, nd.Token = "", ""
	if od != nd || tokenFlip {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", nd.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// changedKeys lists keys added, removed or modified between two maps.
func changedKeys[V any](oldM, newM map[string]V) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	var out []string
	for k := range set {
		o, okO := oldM[k]
		n, okN := newM[k]
		if okO != okN || hashJSON(o) != hashJSON(n) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func changedFeeds(oldF, newF []FeedConfig) []string {
	index := func(fs []FeedConfig) map[string]FeedConfig {
		m := make(map[string]FeedConfig, len(fs))
		for _, f := range fs {
			m[f.Name] = f
		}
		return m
	}
	return changedKeys(index(oldF), index(newF))
}
