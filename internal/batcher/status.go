package batcher

import (
	"sort"
	"time"
)

// Status is a diagnostic view of one batcher.
type Status struct {
	Namespace        string         `json:"namespace"`
	Queued           int            `json:"queued"`
	QueuedByEndpoint map[string]int `json:"queued_by_endpoint,omitempty"`
	InFlightBatches  int            `json:"in_flight_batches"`
	InFlightRequests int            `json:"in_flight_requests"`
	NextFlush        time.Time      `json:"next_flush,omitzero"`
	ForceFlushAt     time.Time      `json:"force_flush_at,omitzero"`
	LastFlush        time.Time      `json:"last_flush,omitzero"`
	Closed           bool           `json:"closed"`

	Submitted     uint64 `json:"submitted"`
	Superseded    uint64 `json:"superseded"`
	TimedOut      uint64 `json:"timed_out"`
	Cleared       uint64 `json:"cleared"`
	Batches       uint64 `json:"batches"`
	Items         uint64 `json:"items"`
	FailedBatches uint64 `json:"failed_batches"`
	ItemErrors    uint64 `json:"item_errors"`

	Config EndpointConfig `json:"config"`
}

func (b *Batcher) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Namespace:       b.name,
		Queued:          len(b.queue),
		InFlightBatches: len(b.inflight),
		NextFlush:       b.flushAt,
		ForceFlushAt:    b.forceAt,
		LastFlush:       b.lastFlush,
		Closed:          b.closed,
		Submitted:       b.stats.submitted,
		Superseded:      b.stats.superseded,
		TimedOut:        b.stats.timedOut,
		Cleared:         b.stats.cleared,
		Batches:         b.stats.batches,
		Items:           b.stats.items,
		FailedBatches:   b.stats.failedBatches,
		ItemErrors:      b.stats.itemErrors,
		Config:          b.cfg,
	}
	if len(b.queue) > 0 {
		st.QueuedByEndpoint = map[string]int{}
		for _, r := range b.queue {
			st.QueuedByEndpoint[r.endpoint]++
		}
	}
	for _, ib := range b.inflight {
		st.InFlightRequests += len(ib.reqs)
	}
	return st
}

// GlobalStatus aggregates every batcher of a Manager.
type GlobalStatus struct {
	Batchers         []Status `json:"batchers"`
	Queued           int      `json:"queued"`
	InFlightRequests int      `json:"in_flight_requests"`
	Batches          uint64   `json:"batches"`
	FailedBatches    uint64   `json:"failed_batches"`
}

func aggregate(sts []Status) GlobalStatus {
	sort.Slice(sts, func(i, j int) bool { return sts[i].Namespace < sts[j].Namespace })
	g := GlobalStatus{Batchers: sts}
	for _, s := range sts {
		g.Queued += s.Queued
		g.InFlightRequests += s.InFlightRequests
		g.Batches += s.Batches
		g.FailedBatches += s.FailedBatches
	}
	return g
}
