package poller

import (
	"errors"
	"math"
	"testing"
	"time"

	"cadence/internal/condition"
	"cadence/internal/strategy"
)

func snapshot(level float64, charging bool, q condition.NetworkQuality, a condition.Activity) condition.Snapshot {
	return condition.Snapshot{
		Battery:  condition.Battery{Level: level, Charging: charging},
		Network:  condition.Network{Quality: q},
		Activity: a,
	}
}

func TestComputeIntervalMarketDataLowBattery(t *testing.T) {
	t.Parallel()
	cfg := Defaults()[MarketData]
	for _, q := range []condition.NetworkQuality{condition.QualityUnknown, condition.QualityFast} {
		s := snapshot(0.15, false, q, condition.ActivityActive)
		strat := strategy.Select(s)
		if strat != strategy.Reduced {
			t.Fatalf("strategy at 15%% = %s, want reduced", strat)
		}
		got, ok := ComputeInterval(cfg, strat, s)
		if !ok {
			t.Fatal("interval unexpectedly disabled")
		}
		if got != 300*time.Second {
			t.Fatalf("network %s: interval = %s, want 5m0s (clamped)", q, got)
		}
	}
}

func TestComputeIntervalFormula(t *testing.T) {
	t.Parallel()
	cfg := Defaults()[MarketData]
	tests := []struct {
		name  string
		strat strategy.Strategy
		snap  condition.Snapshot
		want  time.Duration
	}{
		{"full battery unknown network", strategy.Normal, snapshot(1, false, condition.QualityUnknown, condition.ActivityActive), 30 * time.Second},
		{"frequent fast", strategy.Frequent, snapshot(1, false, condition.QualityFast, condition.ActivityActive), 21 * time.Second},
		{"moderate network", strategy.Normal, snapshot(1, false, condition.QualityModerate, condition.ActivityActive), 39 * time.Second},
		{"inactive", strategy.Normal, snapshot(1, false, condition.QualityFast, condition.ActivityInactive), 90 * time.Second},
		{"moderate battery", strategy.Normal, snapshot(0.4, false, condition.QualityUnknown, condition.ActivityActive), 90 * time.Second},
		{"charging ignores thresholds", strategy.Normal, snapshot(0.01, true, condition.QualityUnknown, condition.ActivityActive), 30 * time.Second},
		{"realtime", strategy.Realtime, snapshot(1, false, condition.QualityFast, condition.ActivityActive), 15 * time.Second},
		{"clamped to max", strategy.Minimal, snapshot(1, false, condition.QualitySlow, condition.ActivityBackground), 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ComputeInterval(cfg, tt.strat, tt.snap)
			if !ok {
				t.Fatal("disabled")
			}
			if got != tt.want {
				t.Fatalf("interval = %s, want %s", got, tt.want)
			}
		})
	}

	c := cfg
	c.MinInterval = 20 * time.Second
	if got, _ := ComputeInterval(c, strategy.Realtime, snapshot(1, false, condition.QualityFast, condition.ActivityActive)); got != 20*time.Second {
		t.Fatalf("realtime = %s, want min 20s", got)
	}
}

func TestComputeIntervalDisabled(t *testing.T) {
	t.Parallel()
	cfg := Defaults()[MarketData]
	if _, ok := ComputeInterval(cfg, strategy.Normal, snapshot(0.05, false, condition.QualityFast, condition.ActivityActive)); ok {
		t.Fatal("critical battery should disable polling")
	}
	if _, ok := ComputeInterval(cfg, strategy.Disabled, snapshot(1, true, condition.QualityFast, condition.ActivityActive)); ok {
		t.Fatal("disabled strategy should disable polling")
	}
}

// Interval never shrinks as the battery drains, for non-slow networks and
// non-background activity.
func TestIntervalBatteryMonotonic(t *testing.T) {
	t.Parallel()
	for dt, cfg := range Defaults() {
		for _, q := range []condition.NetworkQuality{condition.QualityUnknown, condition.QualityModerate, condition.QualityFast} {
			for _, a := range []condition.Activity{condition.ActivityActive, condition.ActivityInactive} {
				prev := 0.0
				for i := 100; i >= 0; i-- {
					s := snapshot(float64(i)/100, false, q, a)
					iv, ok := ComputeInterval(cfg, strategy.Select(s), s)
					cur := float64(iv)
					if !ok {
						cur = math.Inf(1)
					}
					if cur < prev {
						t.Fatalf("%s/%s/%s: interval shrank at level %.2f (%v < %v)", dt, q, a, s.Battery.Level, cur, prev)
					}
					prev = cur
				}
				if !math.IsInf(prev, 1) {
					t.Fatalf("%s/%s/%s: not disabled at empty battery", dt, q, a)
				}
			}
		}
	}
}

func TestConfigMergeAndValidate(t *testing.T) {
	t.Parallel()
	base := Defaults()[MarketData]
	merged := base.Merge(Config{BaseInterval: 20 * time.Second, Network: NetworkMultipliers{Slow: 5}})
	if merged.BaseInterval != 20*time.Second || merged.MinInterval != base.MinInterval {
		t.Fatalf("merged intervals = %+v", merged)
	}
	if merged.Network.Slow != 5 || merged.Network.Fast != base.Network.Fast {
		t.Fatalf("merged network = %+v", merged.Network)
	}
	if err := merged.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := base.Merge(Config{BaseInterval: time.Second})
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("base < min should fail, got %v", err)
	}
	bad = base
	bad.Activity.Active = -1
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative multiplier should fail, got %v", err)
	}
	for dt, cfg := range Defaults() {
		if err := cfg.Validate(); err != nil {
			t.Fatalf("default %s invalid: %v", dt, err)
		}
	}
	if err := GenericDefault().Validate(); err != nil {
		t.Fatalf("generic default invalid: %v", err)
	}
}
