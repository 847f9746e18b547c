package batcher

import (
	"errors"
	"testing"
	"time"

	"cadence/internal/condition"
)

func TestTune(t *testing.T) {
	t.Parallel()
	base := EndpointConfig{MaxBatchSize: 20, DebounceTime: 200 * time.Millisecond, MaxWaitTime: 2 * time.Second}
	tests := []struct {
		name     string
		net      condition.Network
		batch    int
		debounce time.Duration
		wait     time.Duration
	}{
		{"fast", condition.Network{Quality: condition.QualityFast}, 20, 200 * time.Millisecond, 2 * time.Second},
		{"unknown", condition.Network{}, 20, 200 * time.Millisecond, 2 * time.Second},
		{"slow", condition.Network{Quality: condition.QualitySlow}, 40, 400 * time.Millisecond, 3 * time.Second},
		{"moderate", condition.Network{Quality: condition.QualityModerate}, 30, 300 * time.Millisecond, 2 * time.Second},
		{"moderate save data", condition.Network{Quality: condition.QualityModerate, SaveData: true}, 45, 450 * time.Millisecond, 2 * time.Second},
		{"fast save data", condition.Network{Quality: condition.QualityFast, SaveData: true}, 30, 300 * time.Millisecond, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Tune(base, tt.net)
			if got.MaxBatchSize != tt.batch || got.DebounceTime != tt.debounce || got.MaxWaitTime != tt.wait {
				t.Fatalf("Tune = batch %d debounce %s wait %s", got.MaxBatchSize, got.DebounceTime, got.MaxWaitTime)
			}
			if got.Thresholds.Medium != tt.debounce || got.Thresholds.High != 50*time.Millisecond {
				t.Fatalf("thresholds = %+v", got.Thresholds)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a, err := Fingerprint("quotes", Params{"s": "A", "opts": map[string]any{"x": 1, "y": 2}})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, _ := Fingerprint("quotes", Params{"opts": map[string]any{"y": 2, "x": 1}, "s": "A"})
	if a != b {
		t.Fatal("key order changed the fingerprint")
	}
	c, _ := Fingerprint("news", Params{"s": "A", "opts": map[string]any{"x": 1, "y": 2}})
	if a == c {
		t.Fatal("different endpoints share a fingerprint")
	}
	n1, _ := Fingerprint("quotes", nil)
	n2, _ := Fingerprint("quotes", Params{})
	if n1 != n2 {
		t.Fatal("nil and empty params differ")
	}
	big1, _ := Fingerprint("portfolio", Params{"account": int64(9007199254740993)})
	big2, _ := Fingerprint("portfolio", Params{"account": int64(9007199254740992)})
	if big1 == big2 {
		t.Fatal("integers above 2^53 share a fingerprint")
	}
	i1, _ := Fingerprint("portfolio", Params{"account": 7})
	f1, _ := Fingerprint("portfolio", Params{"account": 7.0})
	if i1 != f1 {
		t.Fatal("7 and 7.0 encode differently")
	}
	if _, err := Fingerprint("quotes", Params{"ch": make(chan int)}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("err = %v, want ErrInvalidParams", err)
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Priority{"": PriorityMedium, "HIGH": PriorityHigh, "low": PriorityLow} {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("unknown priority accepted")
	}
}
