package sensors

import (
	"time"

	"cadence/internal/condition"
)

// Measurement is one throughput probe.
type Measurement struct {
	At           time.Time     `json:"at"`
	DownloadMbps float64       `json:"download_mbps"`
	UploadMbps   float64       `json:"upload_mbps"`
	Latency      time.Duration `json:"latency"`
	Server       string        `json:"server,omitempty"`
}

// Thresholds split measurements into quality buckets. A measurement is slow
// when either download or latency crosses the slow bound.
type Thresholds struct {
	SlowMbps        float64
	ModerateMbps    float64
	SlowLatency     time.Duration
	ModerateLatency time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowMbps:        1.5,
		ModerateMbps:    10,
		SlowLatency:     400 * time.Millisecond,
		ModerateLatency: 150 * time.Millisecond,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.SlowMbps <= 0 {
		t.SlowMbps = d.SlowMbps
	}
	if t.ModerateMbps <= 0 {
		t.ModerateMbps = d.ModerateMbps
	}
	if t.SlowLatency <= 0 {
		t.SlowLatency = d.SlowLatency
	}
	if t.ModerateLatency <= 0 {
		t.ModerateLatency = d.ModerateLatency
	}
	return t
}

// Classify maps a measurement to a network condition. EffectiveType follows
// the browser connection classes (slow-2g, 2g, 3g, 4g).
func Classify(m Measurement, t Thresholds) condition.Network {
	t = t.withDefaults()
	n := condition.Network{EffectiveType: effectiveType(m)}

	lat := m.Latency
	switch {
	case m.DownloadMbps < t.SlowMbps || (lat > 0 && lat >= t.SlowLatency):
		n.Quality = condition.QualitySlow
	case m.DownloadMbps < t.ModerateMbps || (lat > 0 && lat >= t.ModerateLatency):
		n.Quality = condition.QualityModerate
	default:
		n.Quality = condition.QualityFast
	}
	return n
}

func effectiveType(m Measurement) string {
	rtt := m.Latency
	switch {
	case rtt >= 2000*time.Millisecond || m.DownloadMbps < 0.05:
		return "slow-2g"
	case rtt >= 1400*time.Millisecond || m.DownloadMbps < 0.07:
		return "2g"
	case rtt >= 270*time.Millisecond || m.DownloadMbps < 0.7:
		return "3g"
	default:
		return "4g"
	}
}
