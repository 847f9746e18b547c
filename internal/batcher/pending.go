package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Pending is the caller's handle on a submitted request. It settles exactly
// once: with the response data, or with an error (ErrSuperseded,
// ErrTimeout, *ClearedError, *DispatchError, *ItemError).
type Pending struct {
	id          string
	endpoint    string
	fingerprint uint64

	once sync.Once
	done chan struct{}
	data json.RawMessage
	err  error

	withdraw func(*Pending)
}

func newPending(id, endpoint string, fp uint64) *Pending {
	return &Pending{id: id, endpoint: endpoint, fingerprint: fp, done: make(chan struct{})}
}

func rejected(err error) *Pending {
	p := newPending("", "", 0)
	p.settle(nil, err)
	return p
}

func (p *Pending) ID() string          { return p.id }
func (p *Pending) Endpoint() string    { return p.endpoint }
func (p *Pending) Fingerprint() uint64 { return p.fingerprint }

// Done is closed once the request settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome; valid after Done is closed.
func (p *Pending) Result() (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.data, p.err
	default:
		return nil, nil
	}
}

// Wait blocks until the request settles or ctx ends. When ctx ends first the
// request is withdrawn from the queue (if still queued) and ctx.Err() is
// returned.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.data, p.err
	case <-ctx.Done():
		if p.withdraw != nil {
			p.withdraw(p)
		}
		p.settle(nil, ctx.Err())
		<-p.done
		return p.data, p.err
	}
}

func (p *Pending) settle(data json.RawMessage, err error) bool {
	ok := false
	p.once.Do(func() {
		p.data, p.err = data, err
		close(p.done)
		ok = true
	})
	return ok
}

// Decode waits for p and unmarshals its data into T.
func Decode[T any](ctx context.Context, p *Pending) (T, error) {
	var out T
	raw, err := p.Wait(ctx)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", p.endpoint, err)
	}
	return out, nil
}
