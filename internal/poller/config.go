package poller

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cadence/internal/condition"
)

// Built-in data types.
const (
	MarketData       = "market-data"
	PortfolioUpdates = "portfolio-updates"
	Notifications    = "notifications"
	Analytics        = "analytics"
)

// BatteryThresholds are battery levels (0..1, not charging) at which the
// interval is disabled, multiplied by 8, or multiplied by 3.
type BatteryThresholds struct {
	Critical float64 `json:"critical"`
	Low      float64 `json:"low"`
	Moderate float64 `json:"moderate"`
}

type NetworkMultipliers struct {
	Slow     float64 `json:"slow"`
	Moderate float64 `json:"moderate"`
	Fast     float64 `json:"fast"`
}

func (m NetworkMultipliers) For(q condition.NetworkQuality) float64 {
	switch q {
	case condition.QualitySlow:
		return m.Slow
	case condition.QualityModerate:
		return m.Moderate
	case condition.QualityFast:
		return m.Fast
	default:
		return 1
	}
}

type ActivityMultipliers struct {
	Inactive   float64 `json:"inactive"`
	Background float64 `json:"background"`
	Active     float64 `json:"active"`
}

func (m ActivityMultipliers) For(a condition.Activity) float64 {
	switch a {
	case condition.ActivityInactive:
		return m.Inactive
	case condition.ActivityBackground:
		return m.Background
	case condition.ActivityActive:
		return m.Active
	default:
		return 1
	}
}

// Config is the polling configuration of one data type.
type Config struct {
	BaseInterval time.Duration       `json:"base_interval"`
	MinInterval  time.Duration       `json:"min_interval"`
	MaxInterval  time.Duration       `json:"max_interval"`
	Battery      BatteryThresholds   `json:"battery"`
	Network      NetworkMultipliers  `json:"network"`
	Activity     ActivityMultipliers `json:"activity"`
}

func (c Config) IsZero() bool { return c == Config{} }

// Merge returns c with every non-zero field of o applied on top.
func (c Config) Merge(o Config) Config {
	if o.BaseInterval > 0 {
		c.BaseInterval = o.BaseInterval
	}
	if o.MinInterval > 0 {
		c.MinInterval = o.MinInterval
	}
	if o.MaxInterval > 0 {
		c.MaxInterval = o.MaxInterval
	}
	mergeF(&c.Battery.Critical, o.Battery.Critical)
	mergeF(&c.Battery.Low, o.Battery.Low)
	mergeF(&c.Battery.Moderate, o.Battery.Moderate)
	mergeF(&c.Network.Slow, o.Network.Slow)
	mergeF(&c.Network.Moderate, o.Network.Moderate)
	mergeF(&c.Network.Fast, o.Network.Fast)
	mergeF(&c.Activity.Inactive, o.Activity.Inactive)
	mergeF(&c.Activity.Background, o.Activity.Background)
	mergeF(&c.Activity.Active, o.Activity.Active)
	return c
}

func mergeF(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// Validate checks MinInterval <= BaseInterval <= MaxInterval, positive
// multipliers and ordered battery thresholds.
func (c Config) Validate() error {
	var problems []string
	if c.MinInterval <= 0 {
		problems = append(problems, "min_interval must be > 0")
	}
	if c.BaseInterval < c.MinInterval {
		problems = append(problems, fmt.Sprintf("base_interval %s < min_interval %s", c.BaseInterval, c.MinInterval))
	}
	if c.MaxInterval < c.BaseInterval {
		problems = append(problems, fmt.Sprintf("max_interval %s < base_interval %s", c.MaxInterval, c.BaseInterval))
	}
	for name, v := range map[string]float64{
		"network.slow":        c.Network.Slow,
		"network.moderate":    c.Network.Moderate,
		"network.fast":        c.Network.Fast,
		"activity.inactive":   c.Activity.Inactive,
		"activity.background": c.Activity.Background,
		"activity.active":     c.Activity.Active,
	} {
		if !(v > 0) {
			problems = append(problems, name+" must be > 0")
		}
	}
	b := c.Battery
	if b.Critical < 0 || b.Moderate > 1 || b.Critical > b.Low || b.Low > b.Moderate {
		problems = append(problems, "battery thresholds must satisfy 0 <= critical <= low <= moderate <= 1")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

func defaultMultipliers(base, minIv, maxIv time.Duration) Config {
	return Config{
		BaseInterval: base,
		MinInterval:  minIv,
		MaxInterval:  maxIv,
		Battery:      BatteryThresholds{Critical: 0.05, Low: 0.20, Moderate: 0.50},
		Network:      NetworkMultipliers{Slow: 2.0, Moderate: 1.3, Fast: 1.0},
		Activity:     ActivityMultipliers{Inactive: 3, Background: 10, Active: 1},
	}
}

// GenericDefault is used for data types without a built-in config.
func GenericDefault() Config {
	return defaultMultipliers(60*time.Second, 30*time.Second, 10*time.Minute)
}

// Defaults returns the built-in configs keyed by data type.
func Defaults() map[string]Config {
	analytics := defaultMultipliers(5*time.Minute, 2*time.Minute, time.Hour)
	analytics.Network.Slow = 3.0
	return map[string]Config{
		MarketData:       defaultMultipliers(30*time.Second, 10*time.Second, 5*time.Minute),
		PortfolioUpdates: defaultMultipliers(60*time.Second, 30*time.Second, 10*time.Minute),
		Notifications:    defaultMultipliers(2*time.Minute, time.Minute, 30*time.Minute),
		Analytics:        analytics,
	}
}
