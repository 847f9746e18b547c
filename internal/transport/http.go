// Package transport sends batches to the backend over HTTP:
// POST {base_url}/api/{endpoint}/batch with a JSON body of
// {"requests":[...]} or {"operations":[...]}.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"cadence/internal/batcher"
	"cadence/internal/clock"
	"cadence/pkg/logx"
)

// Protocol selects the HTTP version negotiation.
type Protocol string

const (
	ProtocolAuto Protocol = ""    // HTTP/1.1, HTTP/2 when the server offers it over TLS
	ProtocolH2   Protocol = "h2"  // HTTP/2 configured explicitly on the TLS transport
	ProtocolH2C  Protocol = "h2c" // HTTP/2 over cleartext with prior knowledge
)

const (
	defaultPath             = "/api/{endpoint}/batch"
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 8 << 20
	maxErrorBody            = 512
)

type Config struct {
	BaseURL          string
	PathTemplate     string
	Timeout          time.Duration
	Protocol         Protocol
	Headers          map[string]string
	RateLimit        float64 // batches per second; 0 disables limiting
	Burst            int
	MaxResponseBytes int64
	Breaker          BreakerConfig
	UserAgent        string
}

// HTTP implements batcher.Transport.
type HTTP struct {
	cfg      Config
	base     *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	breakers *breakers
	clk      clock.Clock
	log      logx.Logger
}

type Option func(*HTTP)

func WithClient(c *http.Client) Option { return func(h *HTTP) { h.client = c } }
func WithClock(c clock.Clock) Option   { return func(h *HTTP) { h.clk = clock.OrReal(c) } }
func WithLogger(l logx.Logger) Option  { return func(h *HTTP) { h.log = l } }

func New(cfg Config, opts ...Option) (*HTTP, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("transport base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport base_url: unsupported scheme %q", base.Scheme)
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = defaultPath
	}
	if !strings.Contains(cfg.PathTemplate, "{endpoint}") {
		return nil, fmt.Errorf("transport path_template %q lacks {endpoint}", cfg.PathTemplate)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cadence/1"
	}

	h := &HTTP{
		cfg:      cfg,
		base:     base,
		breakers: newBreakers(cfg.Breaker),
		clk:      clock.Real(),
		log:      logx.Nop(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	h.log = h.log.Component("transport")
	if h.client == nil {
		c, err := buildClient(cfg)
		if err != nil {
			return nil, err
		}
		h.client = c
	}
	return h, nil
}

func buildClient(cfg Config) (*http.Client, error) {
	switch cfg.Protocol {
	case ProtocolH2C:
		// Prior-knowledge HTTP/2 over plain TCP.
		t := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
		return &http.Client{Transport: t, Timeout: cfg.Timeout}, nil
	case ProtocolH2, ProtocolAuto:
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.Protocol == ProtocolH2 {
			if err := http2.ConfigureTransport(t); err != nil {
				return nil, fmt.Errorf("configure http2: %w", err)
			}
		}
		return &http.Client{Transport: t, Timeout: cfg.Timeout}, nil
	default:
		return nil, fmt.Errorf("transport protocol %q unsupported", cfg.Protocol)
	}
}

// URL returns the batch URL of endpoint.
func (h *HTTP) URL(endpoint string) string {
	path := strings.ReplaceAll(h.cfg.PathTemplate, "{endpoint}", url.PathEscape(endpoint))
	return h.base.String() + path
}

// Dispatch posts one batch and returns the response body.
func (h *HTTP) Dispatch(ctx context.Context, req batcher.DispatchRequest) (json.RawMessage, error) {
	now := h.clk.Now()
	if open, until := h.breakers.open(now, req.Endpoint); open {
		return nil, fmt.Errorf("%w: %s until %s", ErrCircuitOpen, req.Endpoint, until.Format(time.RFC3339))
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := req.Body()
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL(req.Endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("User-Agent", h.cfg.UserAgent)
	if req.BatchID != "" {
		hreq.Header.Set("X-Batch-Id", req.BatchID)
	}
	for k, v := range h.cfg.Headers {
		hreq.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := h.client.Do(hreq)
	if err != nil {
		if ctx.Err() == nil {
			h.breakers.record(h.clk.Now(), req.Endpoint, true)
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBytes+1))
	if err != nil {
		h.breakers.record(h.clk.Now(), req.Endpoint, ctx.Err() == nil)
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(raw)) > h.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", h.cfg.MaxResponseBytes)
	}

	h.log.Debug("batch posted",
		logx.String("endpoint", req.Endpoint),
		logx.String("batch", req.BatchID),
		logx.Int("items", len(req.Items)),
		logx.Int("status", resp.StatusCode),
		logx.String("proto", resp.Proto),
		logx.Int("req_bytes", len(body)),
		logx.Int("resp_bytes", len(raw)),
		logx.Duration("took", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Code: resp.StatusCode, Body: trimBody(raw)}
		h.breakers.record(h.clk.Now(), req.Endpoint, serr.countsAsFailure())
		return nil, serr
	}
	h.breakers.record(h.clk.Now(), req.Endpoint, false)

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("response is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// BreakerState reports tracked and open endpoint circuits.
func (h *HTTP) BreakerState() (total, open int) {
	return h.breakers.snapshot(h.clk.Now())
}

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

// Compile-time check.
var _ batcher.Transport = (*HTTP)(nil)
