// Package strategy maps a condition snapshot to a discrete refresh strategy.
package strategy

import (
	"math"
	"strings"

	"cadence/internal/condition"
)

type Strategy string

const (
	Realtime Strategy = "realtime"
	Frequent Strategy = "frequent"
	Normal   Strategy = "normal"
	Reduced  Strategy = "reduced"
	Minimal  Strategy = "minimal"
	Disabled Strategy = "disabled"
)

// Battery levels (not charging) at which the strategy steps down.
const (
	LevelDisabled = 0.05
	LevelMinimal  = 0.10
	LevelReduced  = 0.20
	LevelNormal   = 0.30
)

// Select picks the strategy for s. Rules are evaluated in order and the
// first match wins.
func Select(s condition.Snapshot) Strategy {
	b := s.Battery
	if !b.Charging {
		switch {
		case b.Level <= LevelDisabled:
			return Disabled
		case b.Level <= LevelMinimal:
			return Minimal
		case b.Level <= LevelReduced:
			return Reduced
		case b.Level <= LevelNormal:
			return Normal
		}
	} else {
		if s.Activity == condition.ActivityActive {
			return Normal
		}
		return Reduced
	}

	if s.Network.Quality == condition.QualitySlow || s.Activity == condition.ActivityBackground {
		return Reduced
	}
	if s.Network.Quality == condition.QualityFast && s.Activity == condition.ActivityActive {
		return Frequent
	}
	return Normal
}

// Multiplier scales the base interval. Disabled is +Inf.
func (s Strategy) Multiplier() float64 {
	switch s {
	case Realtime:
		return 0.5
	case Frequent:
		return 0.7
	case Normal:
		return 1.0
	case Reduced:
		return 2.0
	case Minimal:
		return 4.0
	case Disabled:
		return math.Inf(1)
	default:
		return 1.0
	}
}

func (s Strategy) Valid() bool {
	switch s {
	case Realtime, Frequent, Normal, Reduced, Minimal, Disabled:
		return true
	}
	return false
}

func Parse(v string) (Strategy, bool) {
	s := Strategy(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}
