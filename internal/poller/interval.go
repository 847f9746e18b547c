package poller

import (
	"math"
	"time"

	"cadence/internal/condition"
	"cadence/internal/strategy"
)

// Battery penalties applied when not charging.
const (
	lowBatteryFactor      = 8.0
	moderateBatteryFactor = 3.0
)

// ComputeInterval returns the refresh interval for cfg under strategy strat
// and snapshot s. ok is false when polling is disabled (infinite interval).
//
// Order: base × strategy × network (when known) × activity, then the battery
// penalty when not charging, then clamp to [MinInterval, MaxInterval].
func ComputeInterval(cfg Config, strat strategy.Strategy, s condition.Snapshot) (d time.Duration, ok bool) {
	v := float64(cfg.BaseInterval) * strat.Multiplier()
	if s.Network.Quality.Known() {
		v *= cfg.Network.For(s.Network.Quality)
	}
	v *= cfg.Activity.For(s.Activity)

	if !s.Battery.Charging {
		switch lvl := s.Battery.Level; {
		case lvl <= cfg.Battery.Critical:
			return 0, false
		case lvl <= cfg.Battery.Low:
			v *= lowBatteryFactor
		case lvl <= cfg.Battery.Moderate:
			v *= moderateBatteryFactor
		}
	}
	if math.IsInf(v, 1) || math.IsNaN(v) {
		return 0, false
	}

	if v < float64(cfg.MinInterval) {
		v = float64(cfg.MinInterval)
	}
	if v > float64(cfg.MaxInterval) {
		v = float64(cfg.MaxInterval)
	}
	return time.Duration(math.Round(v)), true
}
