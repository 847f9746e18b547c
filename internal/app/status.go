package app

import (
	"context"
	"fmt"
	"strings"

	"cadence/internal/batcher"
	"cadence/internal/condition"
	"cadence/internal/observability/debugsrv"
	"cadence/internal/poller"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/sensors"
	"cadence/internal/storage"
	"cadence/internal/strategy"
)

const recentDispatches = 20

// Status is served by GET /v1/status.
type Status struct {
	Conditions     condition.Snapshot      `json:"conditions"`
	Strategy       strategy.Strategy       `json:"strategy"`
	ForcedStrategy strategy.Strategy       `json:"forced_strategy,omitempty"`
	Pollers        []poller.Status         `json:"pollers"`
	Batching       batcher.GlobalStatus    `json:"batching"`
	Breakers       BreakerStatus           `json:"breakers"`
	Feeds          []string                `json:"feeds"`
	Probe          *sensors.Measurement    `json:"probe,omitempty"`
	Supervisor     *supervisor.Snapshot    `json:"supervisor,omitempty"`
	Recent         []storage.DispatchEntry `json:"recent_dispatches,omitempty"`
	RecentError    string                  `json:"recent_dispatches_error,omitempty"`
}

type BreakerStatus struct {
	Endpoints int `json:"endpoints"`
	Open      int `json:"open"`
}

func (a *App) Status(ctx context.Context) Status {
	snap := a.monitor.Current()
	a.mu.Lock()
	forced := a.forced
	a.mu.Unlock()

	st := Status{
		Conditions:     snap,
		Strategy:       strategy.Select(snap),
		ForcedStrategy: forced,
		Pollers:        a.polls.Status(),
		Batching:       a.batch.GlobalStatus(),
		Feeds:          a.feeds.Names(),
	}
	if forced != "" {
		st.Strategy = forced
	}
	st.Breakers.Endpoints, st.Breakers.Open = a.tr.BreakerState()
	if a.probe != nil {
		if m, ok := a.probe.Last(); ok {
			st.Probe = &m
		}
	}
	if a.sup != nil {
		s := a.sup.Snapshot()
		st.Supervisor = &s
	}
	if a.store != nil {
		recent, err := a.store.RecentDispatches(ctx, recentDispatches)
		if err != nil {
			st.RecentError = err.Error()
		}
		st.Recent = recent
	}
	return st
}

func (a *App) debugDeps() debugsrv.Deps {
	return debugsrv.Deps{
		Status: func(ctx context.Context) (any, error) {
			return a.Status(ctx), nil
		},
		Signals: a.monitor,
		Refresh: a.polls.ForceRefresh,
		Flush:   a.batch.FlushAll,
		Strategy: func(name string) error {
			name = strings.TrimSpace(name)
			if name == "" {
				return a.setStrategy("")
			}
			s, ok := strategy.Parse(name)
			if !ok {
				return fmt.Errorf("unknown strategy %q", name)
			}
			return a.setStrategy(s)
		},
	}
}
