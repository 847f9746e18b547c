package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"cadence/internal/condition"
	"cadence/pkg/logx"
)

// Signals receives activity signals (condition.Monitor).
type Signals interface {
	SetVisible(visible bool)
	RecordInteraction(kind condition.InteractionKind)
}

// Deps are the operations the server exposes. Nil fields answer 501.
type Deps struct {
	Status  func(ctx context.Context) (any, error)
	Signals Signals
	Refresh func(ctx context.Context) error
	Flush   func(ctx context.Context) error
	// Strategy pins all pollers to a strategy; "" clears the pin.
	Strategy func(name string) error
}

// ActivityRequest is the body of POST /v1/activity.
type ActivityRequest struct {
	Visible     *bool  `json:"visible,omitempty"`
	Interaction string `json:"interaction,omitempty"`
}

type StrategyRequest struct {
	Strategy string `json:"strategy"`
}

const maxBody = 64 << 10

// NewHandler builds the debug mux. Every route is behind the token when one
// is set.
func NewHandler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{deps: deps, log: log}
	mux := http.NewServeMux()
	wrap := func(fn http.HandlerFunc) http.Handler { return withAuth(cfg.Token, fn) }

	mux.Handle("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("GET /v1/status", wrap(h.status))
	mux.Handle("POST /v1/activity", wrap(h.activity))
	mux.Handle("POST /v1/refresh", wrap(h.refresh))
	mux.Handle("POST /v1/flush", wrap(h.flush))
	mux.Handle("POST /v1/strategy", wrap(h.strategy))

	if prefix, ok := pprofPrefix(cfg.PprofPrefix); ok {
		base := strings.TrimSuffix(prefix, "/")
		mux.Handle(prefix, wrap(pprofIndexAt(prefix)))
		mux.Handle(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.Handle(base+"/profile", wrap(hpprof.Profile))
		mux.Handle(base+"/symbol", wrap(hpprof.Symbol))
		mux.Handle(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

type handler struct {
	deps Deps
	log  logx.Logger
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Status == nil {
		notImplemented(w)
		return
	}
	v, err := h.deps.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) activity(w http.ResponseWriter, r *http.Request) {
	if h.deps.Signals == nil {
		notImplemented(w)
		return
	}
	var req ActivityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Visible == nil && req.Interaction == "" {
		writeError(w, http.StatusBadRequest, errors.New("visible or interaction required"))
		return
	}
	if req.Visible != nil {
		h.deps.Signals.SetVisible(*req.Visible)
	}
	if req.Interaction != "" {
		h.deps.Signals.RecordInteraction(condition.InteractionKind(strings.ToLower(strings.TrimSpace(req.Interaction))))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "refresh", h.deps.Refresh)
}

func (h *handler) flush(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "flush", h.deps.Flush)
}

// run executes fn and reports its error in the body; partial failures are
// still a 200 because the operation itself ran.
func (h *handler) run(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	if fn == nil {
		notImplemented(w)
		return
	}
	started := time.Now()
	err := fn(r.Context())
	resp := map[string]any{"ok": err == nil, "took_ms": time.Since(started).Milliseconds()}
	if err != nil {
		resp["error"] = err.Error()
		h.log.Warn("debug "+name+" failed", logx.Err(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) strategy(w http.ResponseWriter, r *http.Request) {
	if h.deps.Strategy == nil {
		notImplemented(w)
		return
	}
	var req StrategyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Strategy(strings.TrimSpace(req.Strategy)); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func notImplemented(w http.ResponseWriter) {
	writeError(w, http.StatusNotImplemented, errors.New("not available"))
}

func withAuth(token string, h http.HandlerFunc) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Bearer header or ?token= query.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// pprofPrefix normalizes the prefix; "-" disables pprof.
func pprofPrefix(prefix string) (string, bool) {
	p := strings.TrimSpace(prefix)
	if p == "-" {
		return "", false
	}
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p, true
}

// pprofIndexAt serves pprof.Index under a custom prefix by rewriting the
// path to the /debug/pprof/ root it expects.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}
