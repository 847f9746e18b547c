package batcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cadence/internal/eventbus"
	"cadence/pkg/logx"
)

// flush detaches the queue, stops the cycle's timers and dispatches the
// detached requests. Requests submitted meanwhile start a new cycle.
func (b *Batcher) flush(ctx context.Context, reason string) error {
	b.mu.Lock()
	b.stopTimersLocked()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	reqs := make([]*request, 0, len(b.queue))
	for _, r := range b.queue {
		reqs = append(reqs, r)
	}
	b.queue = map[uint64]*request{}
	cfg := b.cfg

	planned := plan(reqs, cfg.MaxBatchSize)
	batches := make([]*inflightBatch, 0, len(planned))
	for _, reqs := range planned {
		bctx, cancel := context.WithCancel(ctx)
		ib := &inflightBatch{
			id:       uuid.NewString(),
			endpoint: reqs[0].endpoint,
			ctx:      bctx,
			cancel:   cancel,
			reqs:     reqs,
		}
		b.inflight[ib.id] = ib
		batches = append(batches, ib)
	}
	b.lastFlush = b.clk.Now()
	b.mu.Unlock()

	b.log.Debug("flush",
		logx.String("reason", reason),
		logx.Int("requests", len(reqs)),
		logx.Int("batches", len(batches)),
	)

	var (
		g    errgroup.Group
		emu  sync.Mutex
		errs []error
	)
	for _, ib := range batches {
		g.Go(func() error {
			if err := b.dispatch(ib, cfg); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// plan partitions requests by endpoint, orders each partition by priority
// (high first) then submission order, and chunks it into batches of at most
// max requests.
func plan(reqs []*request, max int) [][]*request {
	if max <= 0 {
		max = 1
	}
	byEndpoint := map[string][]*request{}
	endpoints := make([]string, 0, 4)
	for _, r := range reqs {
		if _, ok := byEndpoint[r.endpoint]; !ok {
			endpoints = append(endpoints, r.endpoint)
		}
		byEndpoint[r.endpoint] = append(byEndpoint[r.endpoint], r)
	}
	sort.Strings(endpoints)

	var out [][]*request
	for _, ep := range endpoints {
		rs := byEndpoint[ep]
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].priority != rs[j].priority {
				return rs[i].priority > rs[j].priority
			}
			if !rs[i].at.Equal(rs[j].at) {
				return rs[i].at.Before(rs[j].at)
			}
			return rs[i].seq < rs[j].seq
		})
		for start := 0; start < len(rs); start += max {
			end := start + max
			if end > len(rs) {
				end = len(rs)
			}
			out = append(out, rs[start:end:end])
		}
	}
	return out
}

func (b *Batcher) dispatch(ib *inflightBatch, cfg EndpointConfig) error {
	ctx := ib.ctx
	if cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DispatchTimeout)
		defer cancel()
	}
	defer func() {
		ib.cancel()
		b.mu.Lock()
		delete(b.inflight, ib.id)
		b.mu.Unlock()
	}()

	items := make([]WireItem, len(ib.reqs))
	for i, r := range ib.reqs {
		items[i] = WireItem{ID: r.id, Params: r.params}
	}

	started := b.clk.Now()
	raw, err := b.tr.Dispatch(ctx, DispatchRequest{
		BatchID:  ib.id,
		Endpoint: ib.endpoint,
		BodyKey:  cfg.BodyKey,
		Items:    items,
	})
	rec := DispatchRecord{
		BatchID:   ib.id,
		Namespace: b.name,
		Endpoint:  ib.endpoint,
		Items:     len(ib.reqs),
		Started:   started,
		Duration:  b.clk.Now().Sub(started),
	}

	var derr *DispatchError
	if err != nil {
		derr = &DispatchError{Endpoint: ib.endpoint, BatchID: ib.id, StatusCode: statusOf(err), Err: err}
	} else {
		rec.Failed, derr = b.distribute(ib, cfg.Shape, raw)
	}

	if derr != nil {
		for _, r := range ib.reqs {
			b.settle(r, nil, derr)
		}
		rec.Failed = len(ib.reqs)
		rec.Error = derr.Error()
		if b.warn.Allow("dispatch:" + ib.endpoint) {
			b.log.Warn("batch dispatch failed",
				logx.String("endpoint", ib.endpoint),
				logx.String("batch", ib.id),
				logx.Int("items", len(ib.reqs)),
				logx.Err(derr.Err),
			)
		}
	} else {
		b.log.Debug("batch dispatched",
			logx.String("endpoint", ib.endpoint),
			logx.String("batch", ib.id),
			logx.Int("items", len(ib.reqs)),
			logx.Int("failed", rec.Failed),
			logx.Duration("took", rec.Duration),
		)
	}

	b.mu.Lock()
	b.stats.batches++
	b.stats.items += uint64(len(ib.reqs))
	if derr != nil {
		b.stats.failedBatches++
	} else {
		b.stats.itemErrors += uint64(rec.Failed)
	}
	b.mu.Unlock()

	b.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchDispatched, Time: started, Data: rec})
	if derr != nil {
		return derr
	}
	return nil
}

// itemResult is one entry of an itemized response.
type itemResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type itemizedResponse struct {
	Results []itemResult `json:"results"`
}

// distribute resolves each request of ib from raw. It returns the number of
// item failures, or a DispatchError when raw cannot be decoded.
func (b *Batcher) distribute(ib *inflightBatch, shape ResponseShape, raw json.RawMessage) (int, *DispatchError) {
	if shape == ShapeShared {
		for _, r := range ib.reqs {
			b.settle(r, raw, nil)
		}
		return 0, nil
	}

	var resp itemizedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, &DispatchError{Endpoint: ib.endpoint, BatchID: ib.id, Err: fmt.Errorf("decode itemized response: %w", err)}
	}
	byID := make(map[string]itemResult, len(resp.Results))
	for _, res := range resp.Results {
		byID[res.ID] = res
	}

	failed := 0
	for _, r := range ib.reqs {
		res, ok := byID[r.id]
		switch {
		case !ok:
			failed++
			b.settle(r, nil, &ItemError{ID: r.id, Message: "missing from batch response"})
		case res.Success:
			b.settle(r, res.Data, nil)
		default:
			failed++
			b.settle(r, nil, &ItemError{ID: r.id, Message: errorMessage(res.Error), Raw: res.Error})
		}
	}
	return failed, nil
}

// errorMessage extracts a readable message from an item error, which may be
// a JSON string or an object with a "message" field.
func errorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return string(raw)
}
