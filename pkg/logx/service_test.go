package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServiceAppliesLevelToHandedOutLoggers(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	svc, root := New(Config{Level: "info", Console: true, Format: FormatJSON}, WithConsoleOutput(&buf))
	defer svc.Close()

	log := root.Component("poller")
	log.Debug("hidden")
	log.Info("shown", String("data_type", "analytics"))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info: %q", out)
	}
	for _, want := range []string{`"comp":"poller"`, `"data_type":"analytics"`, `"message":"shown"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}

	buf.Reset()
	if err := svc.Apply(Config{Level: "debug", Console: true, Format: FormatJSON}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("logger did not follow Apply: %q", buf.String())
	}
}

func TestServiceKeepsFileOpenAcrossReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.log")
	var console bytes.Buffer
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg, WithConsoleOutput(&console))

	log.Info("first")
	before := svc.file
	cfg.Level = "debug"
	if err := svc.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if svc.file != before {
		t.Fatal("level change reopened the log file")
	}
	log.Debug("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{`"message":"first"`, `"message":"second"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("log file %q missing %s", data, want)
		}
	}
	if console.Len() != 0 {
		t.Fatalf("console disabled but got %q", console.String())
	}
}

func TestServiceFallsBackToConsole(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	bad := filepath.Join(t.TempDir(), "missing", "dir", "x.log")
	svc, log := New(Config{Format: FormatJSON, File: FileConfig{Enabled: true, Path: bad}}, WithConsoleOutput(&buf))
	defer svc.Close()

	if !strings.Contains(buf.String(), "log file unavailable") {
		t.Fatalf("open failure not reported: %q", buf.String())
	}
	log.Warn("still logging")
	if !strings.Contains(buf.String(), "still logging") {
		t.Fatalf("console fallback missing: %q", buf.String())
	}
	if err := svc.Apply(svc.Config()); err == nil {
		t.Fatal("Apply with unopenable file should return an error")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg     Config
		wantErr bool
	}{
		{cfg: Config{}},
		{cfg: Config{Level: "WARNING", Format: "JSON"}},
		{cfg: Config{Level: "trace", Format: FormatConsole}},
		{cfg: Config{Level: "verbose"}, wantErr: true},
		{cfg: Config{Format: "logfmt"}, wantErr: true},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
			t.Fatalf("Validate(%+v) = %v, wantErr %v", tc.cfg, err, tc.wantErr)
		}
	}
}
