package batcher

import (
	"math"
	"time"

	"cadence/internal/condition"
)

// Tune adapts cfg to the network: slower networks widen batches and
// lengthen debounce; data saver widens them further.
//
//	slow:      batch ×2, debounce ×2, max wait ×1.5
//	moderate:  batch ×1.5, debounce ×1.5
//	save data: batch ×1.5, debounce ×1.5 (on top)
func Tune(cfg EndpointConfig, n condition.Network) EndpointConfig {
	cfg = cfg.withDefaults()
	batch, debounce, wait := 1.0, 1.0, 1.0
	switch n.Quality {
	case condition.QualitySlow:
		batch, debounce, wait = 2, 2, 1.5
	case condition.QualityModerate:
		batch, debounce = 1.5, 1.5
	}
	if n.SaveData {
		batch *= 1.5
		debounce *= 1.5
	}
	if batch == 1 && debounce == 1 && wait == 1 {
		return cfg
	}

	cfg.MaxBatchSize = int(math.Ceil(float64(cfg.MaxBatchSize) * batch))
	cfg.DebounceTime = scale(cfg.DebounceTime, debounce)
	cfg.Thresholds.Medium = scale(cfg.Thresholds.Medium, debounce)
	cfg.Thresholds.Low = scale(cfg.Thresholds.Low, debounce)
	cfg.MaxWaitTime = scale(cfg.MaxWaitTime, wait)
	if cfg.MaxWaitTime < cfg.DebounceTime {
		cfg.MaxWaitTime = cfg.DebounceTime
	}
	return cfg
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Round(float64(d) * f))
}
