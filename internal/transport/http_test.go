package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"cadence/internal/batcher"
	"cadence/internal/clock"
)

func itemizedEcho(w http.ResponseWriter, r *http.Request) {
	var body map[string][]map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var results []map[string]any
	for _, items := range body {
		for _, it := range items {
			results = append(results, map[string]any{"id": it["id"], "success": true, "data": it})
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}

func TestDispatchPostsBatch(t *testing.T) {
	t.Parallel()
	var gotPath, gotType, gotBatch, gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBatch = r.Header.Get("X-Batch-Id")
		gotKey = r.Header.Get("X-Api-Key")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(` {"ok":true} `))
	}))
	defer srv.Close()

	tr, err := New(Config{BaseURL: srv.URL + "/", Headers: map[string]string{"X-Api-Key": "k"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := tr.Dispatch(context.Background(), batcher.DispatchRequest{
		BatchID:  "b1",
		Endpoint: "market data",
		BodyKey:  batcher.BodyKeyOperations,
		Items:    []batcher.WireItem{{ID: "i1", Params: batcher.Params{"s": "A"}}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("raw = %q", raw)
	}
	if gotPath != "/api/market data/batch" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotType != "application/json" || gotBatch != "b1" || gotKey != "k" {
		t.Fatalf("headers: type=%q batch=%q key=%q", gotType, gotBatch, gotKey)
	}
	if string(gotBody) != `{"operations":[{"id":"i1","s":"A"}]}` {
		t.Fatalf("body = %s", gotBody)
	}
}

func TestDispatchStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2000), http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, _ := New(Config{BaseURL: srv.URL})
	_, err := tr.Dispatch(context.Background(), batcher.DispatchRequest{Endpoint: "quotes"})
	var se *StatusError
	if !errors.As(err, &se) || se.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("err = %v", err)
	}
	if len(se.Body) > maxErrorBody+3 {
		t.Fatalf("error body not trimmed: %d bytes", len(se.Body))
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Time{})
	tr, _ := New(Config{BaseURL: srv.URL, Breaker: BreakerConfig{TripFailures: 2, BaseDelay: time.Minute}}, WithClock(clk))
	req := batcher.DispatchRequest{Endpoint: "quotes"}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := tr.Dispatch(ctx, req); err == nil {
			t.Fatal("expected failure")
		}
	}
	if _, err := tr.Dispatch(ctx, req); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hits = %d, open circuit should short-circuit", hits.Load())
	}
	if total, open := tr.BreakerState(); total != 1 || open != 1 {
		t.Fatalf("breaker state = %d/%d", total, open)
	}
	if _, err := tr.Dispatch(ctx, batcher.DispatchRequest{Endpoint: "news"}); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("circuit is per endpoint")
	}

	fail.Store(false)
	clk.Advance(time.Minute)
	if _, err := tr.Dispatch(ctx, req); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
	if _, open := tr.BreakerState(); open != 0 {
		t.Fatal("circuit still open after success")
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	tr, _ := New(Config{BaseURL: srv.URL, Breaker: BreakerConfig{TripFailures: 1}})
	for i := 0; i < 3; i++ {
		_, err := tr.Dispatch(context.Background(), batcher.DispatchRequest{Endpoint: "quotes"})
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatal("4xx opened the circuit")
		}
	}
}

func TestH2CPriorKnowledge(t *testing.T) {
	t.Parallel()
	var proto atomic.Int64
	h := h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proto.Store(int64(r.ProtoMajor))
		itemizedEcho(w, r)
	}), &http2.Server{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr, err := New(Config{BaseURL: srv.URL, Protocol: ProtocolH2C})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Dispatch(context.Background(), batcher.DispatchRequest{Endpoint: "quotes", Items: []batcher.WireItem{{ID: "a"}}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if proto.Load() != 2 {
		t.Fatalf("server saw HTTP/%d", proto.Load())
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	tr, _ := New(Config{BaseURL: srv.URL, RateLimit: 0.01, Burst: 1})

	if _, err := tr.Dispatch(context.Background(), batcher.DispatchRequest{Endpoint: "q"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Dispatch(ctx, batcher.DispatchRequest{Endpoint: "q"}); err == nil {
		t.Fatal("second dispatch should wait beyond the deadline and fail")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); !errors.Is(err, ErrNoBaseURL) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Config{BaseURL: "ftp://x"}); err == nil {
		t.Fatal("ftp scheme accepted")
	}
	if _, err := New(Config{BaseURL: "http://x", PathTemplate: "/batch"}); err == nil {
		t.Fatal("template without {endpoint} accepted")
	}
	if _, err := New(Config{BaseURL: "http://x", Protocol: "spdy"}); err == nil {
		t.Fatal("unknown protocol accepted")
	}
}

func TestBatcherOverHTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(itemizedEcho))
	defer srv.Close()
	tr, _ := New(Config{BaseURL: srv.URL})

	b := batcher.New("portfolio", batcher.EndpointConfig{DebounceTime: 5 * time.Millisecond}, tr)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type item struct {
		ID      string `json:"id"`
		Account string `json:"account"`
	}
	got, err := batcher.Decode[item](ctx, b.Submit("portfolio", batcher.Params{"account": "acc-1"}, batcher.PriorityHigh, 0))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Account != "acc-1" || got.ID == "" {
		t.Fatalf("item = %+v", got)
	}
}
