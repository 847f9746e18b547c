// Package debugsrv serves the operator endpoints: health, status, activity
// signals, forced refresh/flush, strategy pinning and pprof.
package debugsrv

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"cadence/internal/runtime/supervisor"
	"cadence/pkg/logx"
)

const DefaultAddr = "127.0.0.1:7070"

// Config controls the debug HTTP server.
//
// A non-loopback Addr requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	PprofPrefix   string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

var ErrInsecureBind = errors.New("debug server refused non-loopback addr without token")

type Service struct {
	log  logx.Logger
	deps Deps

	mu   sync.Mutex
	cfg  Config
	sup  *supervisor.Supervisor
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.Component("debugsrv")}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address while serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Supervisor returns the serving supervisor (nil when stopped).
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Validate reports configs the server would refuse.
func (c Config) Validate() error {
	addr := c.addr()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	if c.Enabled && !c.AllowInsecure && strings.TrimSpace(c.Token) == "" && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	return nil
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Reconfigure applies cfg, restarting the server when the listener or
// handler settings changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start serves until ctx ends or Stop. A failing listener is retried.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	applyRuntimeRates(s.cfg)
	// Optional observability never cancels the app.
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	cfg := s.cfg
	s.sup.GoRestart("debugsrv.serve", func(c context.Context) error {
		return s.serve(c, cfg)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("debug server stop", logx.Err(err))
	}
	s.log.Info("debug server stopped")
}

func (s *Service) serve(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		s.log.Error("debug server refused to start", logx.String("addr", cfg.addr()), logx.Err(err))
		return err
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.addr()) {
		s.log.Warn("debug server without token on non-loopback addr", logx.String("addr", cfg.addr()))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.addr())
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      NewHandler(cfg, s.deps, s.log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
