package poller

import "time"

// Status is a diagnostic view of one data type's poller.
type Status struct {
	DataType  string        `json:"data_type"`
	State     State         `json:"state"`
	Strategy  string        `json:"strategy"`
	Interval  time.Duration `json:"interval"`
	Enabled   bool          `json:"enabled"`
	Callbacks int           `json:"callbacks"`
	InFlight  int           `json:"in_flight"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	Skipped   uint64        `json:"skipped"`
	LastRun   time.Time     `json:"last_run,omitzero"`
	NextRun   time.Time     `json:"next_run,omitzero"`
	LastError string        `json:"last_error,omitempty"`
	Config    Config        `json:"config"`
}

// Status returns every poller sorted by data type.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.pollers))
	for _, dt := range r.sortedTypesLocked() {
		out = append(out, r.statusLocked(r.pollers[dt]))
	}
	return out
}

// StatusOf returns the status of one data type.
func (r *Registry) StatusOf(dataType string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pollers[dataType]
	if p == nil {
		return Status{}, false
	}
	return r.statusLocked(p), true
}

func (r *Registry) statusLocked(p *poller) Status {
	st := p.state
	if st == StateScheduled && p.inflight > 0 {
		st = StateFiring
	}
	return Status{
		DataType:  p.dataType,
		State:     st,
		Strategy:  string(p.strategy),
		Interval:  p.interval,
		Enabled:   st == StateScheduled || st == StateFiring,
		Callbacks: len(p.callbacks),
		InFlight:  p.inflight,
		Runs:      p.runs,
		Failures:  p.failures,
		Skipped:   p.skipped,
		LastRun:   p.lastRun,
		NextRun:   p.nextRun,
		LastError: p.lastErr,
		Config:    p.cfg,
	}
}
