package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cadence/pkg/logx"
)

func entry(i int) DispatchEntry {
	return DispatchEntry{
		At:         time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		BatchID:    fmt.Sprintf("b%d", i),
		Namespace:  "market-data",
		Endpoint:   "quotes",
		Items:      i,
		DurationMS: int64(10 * i),
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: store=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite driver without path accepted")
	}
}

func TestStoresRecentNewestFirst(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "journal.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()
			ctx := context.Background()

			for i := 1; i <= 5; i++ {
				e := entry(i)
				if i == 3 {
					e.Failed = 3
					e.Error = "unexpected status 503"
				}
				if err := st.AppendDispatch(ctx, e); err != nil {
					t.Fatalf("AppendDispatch: %v", err)
				}
			}
			got, err := st.RecentDispatches(ctx, 3)
			if err != nil {
				t.Fatalf("RecentDispatches: %v", err)
			}
			if len(got) != 3 || got[0].BatchID != "b5" || got[2].BatchID != "b3" {
				t.Fatalf("recent = %+v", got)
			}
			if got[2].Error != "unexpected status 503" || got[2].Failed != 3 {
				t.Fatalf("error entry = %+v", got[2])
			}
			if !got[0].At.Equal(entry(5).At) || got[0].DurationMS != 50 {
				t.Fatalf("round trip = %+v", got[0])
			}
		})
	}
}

func TestStoresSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "journal.db")
			cfg := Config{Driver: driver, Path: path}
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			_ = st.AppendDispatch(context.Background(), entry(1))
			_ = st.AppendDispatch(context.Background(), entry(2))
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err := st.RecentDispatches(context.Background(), 0)
			if err != nil || len(got) != 2 || got[0].BatchID != "b2" {
				t.Fatalf("after reopen = %+v, %v", got, err)
			}
		})
	}
}

func TestFileStoreCompactsToRetainedTail(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.json")
	st, err := Open(Config{Driver: "file", Path: path, Retain: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	for i := 1; i <= 7; i++ {
		if err := st.AppendDispatch(context.Background(), entry(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, _ := st.RecentDispatches(context.Background(), 10)
	if len(got) != 3 || got[0].BatchID != "b7" || got[2].BatchID != "b5" {
		t.Fatalf("recent = %+v", got)
	}

	// 7 lines > 2*3 triggered a rewrite to the tail of 3; nothing appended since.
	raw, err := os.ReadFile(filepath.Join(filepath.Dir(path), "journal.dispatch.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := 0
	for _, b := range raw {
		if b == '\n' {
			lines++
		}
	}
	if lines != 3 {
		t.Fatalf("journal has %d lines after compaction, want 3", lines)
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.Close()
	if err := st.AppendDispatch(context.Background(), entry(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close = %v", err)
	}
}
