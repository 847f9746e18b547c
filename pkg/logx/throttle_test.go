package logx

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestThrottleAllowsFirstPerKey(t *testing.T) {
	t.Parallel()
	th := NewThrottle(time.Hour)
	if !th.Allow("a") {
		t.Fatal("first line for key a must pass")
	}
	if th.Allow("a") {
		t.Fatal("second line for key a within window must be dropped")
	}
	if !th.Allow("b") {
		t.Fatal("keys are throttled independently")
	}
}

func TestNilThrottleAlwaysAllows(t *testing.T) {
	t.Parallel()
	var th *Throttle
	if !th.Allow("x") {
		t.Fatal("nil throttle should allow")
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("test")
	log.Info("hello", Int("n", 3), Duration("d", time.Second))
	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
	buf.Reset()
	log.Trace("dropped")
	if buf.Len() != 0 {
		t.Fatalf("trace should be filtered at debug level, got %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("no panic")
}
