// Package config loads the cadence configuration file (JSON or YAML),
// watches it for changes and summarizes what changed between versions.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
package config

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Transport  TransportConfig  `json:"transport"`
	Conditions ConditionsConfig `json:"conditions"`

	// Polling overrides the built-in polling config per data type. Omitted
	// fields keep the built-in value.
	Polling map[string]PollingConfig `json:"polling,omitempty"`

	// Batching overrides the built-in batcher config per endpoint namespace.
	Batching map[string]BatchingConfig `json:"batching,omitempty"`

	Feeds   []FeedConfig   `json:"feeds,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TransportConfig configures the HTTP batch transport.
//
// Headers may carry credentials; they are never logged.
type TransportConfig struct {
	BaseURL          string            `json:"base_url"`
	PathTemplate     string            `json:"path_template,omitempty"` // default "/api/{endpoint}/batch"
	Timeout          string            `json:"timeout,omitempty"`
	Protocol         string            `json:"protocol,omitempty"` // "", "h2", "h2c"
	Headers          map[string]string `json:"headers,omitempty"`
	RateLimit        float64           `json:"rate_limit,omitempty"` // batches per second
	Burst            int               `json:"burst,omitempty"`
	MaxResponseBytes int64             `json:"max_response_bytes,omitempty"`
	Breaker          BreakerConfig     `json:"breaker,omitzero"`
}

// BreakerConfig: trip_failures < 0 disables the per-endpoint breaker.
type BreakerConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type ConditionsConfig struct {
	Battery BatterySourceConfig `json:"battery"`
	Network NetworkSourceConfig `json:"network"`

	IdleTimeout       string `json:"idle_timeout,omitempty"`        // default 5m
	IdleCheckInterval string `json:"idle_check_interval,omitempty"` // default 1m

	// ForceStrategy pins every poller to one strategy (e.g. "realtime").
	ForceStrategy string `json:"force_strategy,omitempty"`
}

// BatterySourceConfig selects where battery state comes from.
//
// Source values:
//   - "sysfs": /sys/class/power_supply (root/name optional)
//   - "static": fixed level/charging
//   - "" or "none": no source (level 1, not charging)
type BatterySourceConfig struct {
	Source       string   `json:"source,omitempty"`
	Root         string   `json:"root,omitempty"`
	Name         string   `json:"name,omitempty"`
	PollInterval string   `json:"poll_interval,omitempty"` // default 30s
	Level        *float64 `json:"level,omitempty"`
	Charging     bool     `json:"charging,omitempty"`
}

// NetworkSourceConfig selects where network quality comes from.
//
// Source values:
//   - "speedtest": scheduled speedtest.net probe
//   - "static": fixed quality / effective_type
//   - "" or "none": unknown quality
type NetworkSourceConfig struct {
	Source        string `json:"source,omitempty"`
	Quality       string `json:"quality,omitempty"`
	EffectiveType string `json:"effective_type,omitempty"`
	SaveData      bool   `json:"save_data,omitempty"`

	// ProbeSchedule is a cron spec (seconds optional, "@every 15m" accepted).
	ProbeSchedule string            `json:"probe_schedule,omitempty"`
	Timezone      string            `json:"timezone,omitempty"`
	RunOnStart    bool              `json:"run_on_start,omitempty"`
	ProbeTimeout  string            `json:"probe_timeout,omitempty"`
	Thresholds    NetworkThresholds `json:"thresholds,omitzero"`
	Speedtest     SpeedtestSettings `json:"speedtest,omitzero"`
}

type NetworkThresholds struct {
	SlowMbps        float64 `json:"slow_mbps,omitempty"`
	ModerateMbps    float64 `json:"moderate_mbps,omitempty"`
	SlowLatency     string  `json:"slow_latency,omitempty"`
	ModerateLatency string  `json:"moderate_latency,omitempty"`
}

type SpeedtestSettings struct {
	ServerCount    int  `json:"server_count,omitempty"`
	MaxConnections int  `json:"max_connections,omitempty"`
	SavingMode     bool `json:"saving_mode,omitempty"`
	SkipUpload     bool `json:"skip_upload,omitempty"`
}

// PollingConfig overrides one data type. Zero values keep the built-in
// value.
type PollingConfig struct {
	BaseInterval string               `json:"base_interval,omitempty"`
	MinInterval  string               `json:"min_interval,omitempty"`
	MaxInterval  string               `json:"max_interval,omitempty"`
	Battery      *BatteryThresholds   `json:"battery,omitempty"`
	Network      *NetworkMultipliers  `json:"network,omitempty"`
	Activity     *ActivityMultipliers `json:"activity,omitempty"`
}

type BatteryThresholds struct {
	Critical float64 `json:"critical,omitempty"`
	Low      float64 `json:"low,omitempty"`
	Moderate float64 `json:"moderate,omitempty"`
}

type NetworkMultipliers struct {
	Slow     float64 `json:"slow,omitempty"`
	Moderate float64 `json:"moderate,omitempty"`
	Fast     float64 `json:"fast,omitempty"`
}

type ActivityMultipliers struct {
	Inactive   float64 `json:"inactive,omitempty"`
	Background float64 `json:"background,omitempty"`
	Active     float64 `json:"active,omitempty"`
}

// BatchingConfig overrides one endpoint namespace. Omitted fields fall back
// to the batcher defaults.
type BatchingConfig struct {
	MaxBatchSize    int                `json:"max_batch_size,omitempty"`
	DebounceTime    string             `json:"debounce_time,omitempty"`
	MaxWaitTime     string             `json:"max_wait_time,omitempty"`
	Thresholds      PriorityThresholds `json:"thresholds,omitzero"`
	Shape           string             `json:"shape,omitempty"`    // itemized|shared
	BodyKey         string             `json:"body_key,omitempty"` // requests|operations
	DispatchTimeout string             `json:"dispatch_timeout,omitempty"`
}

type PriorityThresholds struct {
	High   string `json:"high,omitempty"`
	Medium string `json:"medium,omitempty"`
	Low    string `json:"low,omitempty"`
}

// FeedConfig is a configured workload: a poller of DataType whose every
// tick submits Requests to Endpoint.
type FeedConfig struct {
	Name     string           `json:"name"`
	DataType string           `json:"data_type"`
	Endpoint string           `json:"endpoint"`
	Priority string           `json:"priority,omitempty"` // low|medium|high
	Timeout  string           `json:"timeout,omitempty"`  // per request
	Requests []map[string]any `json:"requests"`
	Disabled bool             `json:"disabled,omitempty"`
}

// StorageConfig controls the optional dispatch journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cadence.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retain      int    `json:"retain,omitempty"`
}

// DebugConfig controls the status/pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback address requires a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default "127.0.0.1:7070"
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default "/debug/pprof/"; "-" disables pprof
	Token         string `json:"token,omitempty"`        // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
