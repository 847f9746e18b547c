// Package condition tracks device and network state (battery, network
// quality, user activity) and notifies subscribers when it changes.
package condition

import (
	"context"
	"strings"
	"time"
)

type NetworkQuality string

const (
	QualityUnknown  NetworkQuality = ""
	QualitySlow     NetworkQuality = "slow"
	QualityModerate NetworkQuality = "moderate"
	QualityFast     NetworkQuality = "fast"
)

func (q NetworkQuality) Known() bool { return q != QualityUnknown }

func (q NetworkQuality) String() string {
	if q == QualityUnknown {
		return "unknown"
	}
	return string(q)
}

// ParseQuality accepts slow|moderate|fast; anything else is unknown.
func ParseQuality(s string) NetworkQuality {
	switch NetworkQuality(strings.ToLower(strings.TrimSpace(s))) {
	case QualitySlow:
		return QualitySlow
	case QualityModerate:
		return QualityModerate
	case QualityFast:
		return QualityFast
	default:
		return QualityUnknown
	}
}

// QualityFromEffectiveType maps connection classes (slow-2g, 2g, 3g, 4g)
// to a quality bucket.
func QualityFromEffectiveType(et string) NetworkQuality {
	switch strings.ToLower(strings.TrimSpace(et)) {
	case "slow-2g", "2g":
		return QualitySlow
	case "3g":
		return QualityModerate
	case "4g", "5g", "wifi", "ethernet":
		return QualityFast
	default:
		return QualityUnknown
	}
}

type Activity string

const (
	ActivityActive     Activity = "active"
	ActivityInactive   Activity = "inactive"
	ActivityBackground Activity = "background"
)

func ParseActivity(s string) (Activity, bool) {
	switch Activity(strings.ToLower(strings.TrimSpace(s))) {
	case ActivityActive:
		return ActivityActive, true
	case ActivityInactive:
		return ActivityInactive, true
	case ActivityBackground:
		return ActivityBackground, true
	default:
		return "", false
	}
}

// InteractionKind names the user input that marks the session active.
type InteractionKind string

const (
	InteractionPointer  InteractionKind = "pointer"
	InteractionKeyboard InteractionKind = "keyboard"
	InteractionScroll   InteractionKind = "scroll"
	InteractionTouch    InteractionKind = "touch"
)

type Battery struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

type Network struct {
	Quality       NetworkQuality `json:"quality"`
	EffectiveType string         `json:"effective_type,omitempty"`
	SaveData      bool           `json:"save_data"`
}

// Snapshot is the current view of all conditions. It is a value; callers
// may keep it without synchronization.
type Snapshot struct {
	Battery  Battery   `json:"battery"`
	Network  Network   `json:"network"`
	Activity Activity  `json:"activity"`
	At       time.Time `json:"at"`
}

// DefaultSnapshot is used until a source reports: full battery, not
// charging, unknown network, active.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Battery:  Battery{Level: 1, Charging: false},
		Activity: ActivityActive,
	}
}

type ChangeKind string

const (
	ChangeBattery  ChangeKind = "battery"
	ChangeNetwork  ChangeKind = "network"
	ChangeActivity ChangeKind = "activity"
)

type Change struct {
	Kind     ChangeKind
	Previous Snapshot
	Current  Snapshot
}

// Source is what the scheduler core consumes.
type Source interface {
	Current() Snapshot
	// OnChange registers fn and returns a function that removes it.
	// fn runs on the goroutine that caused the change and must not block.
	OnChange(fn func(Change)) (unsubscribe func())
}

type BatterySource interface {
	ReadBattery(ctx context.Context) (Battery, error)
}

type NetworkSource interface {
	ReadNetwork(ctx context.Context) (Network, error)
}

// Static is a fixed Source, handy for tests and for running without sensors.
type Static struct{ Snap Snapshot }

func (s Static) Current() Snapshot          { return s.Snap }
func (Static) OnChange(func(Change)) func() { return func() {} }

func clampLevel(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
