package batcher

import (
	"context"

	"cadence/internal/clock"
	"cadence/internal/eventbus"
	"cadence/pkg/logx"
)

type settings struct {
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus
	ctx context.Context
}

func newSettings(opts []Option) settings {
	s := settings{clk: clock.Real(), log: logx.Nop(), bus: eventbus.Nop(), ctx: context.Background()}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	return s
}

// Option configures a Batcher or a Manager.
type Option func(*settings)

func WithClock(c clock.Clock) Option         { return func(s *settings) { s.clk = clock.OrReal(c) } }
func WithLogger(l logx.Logger) Option        { return func(s *settings) { s.log = l } }
func WithBus(b eventbus.Bus) Option          { return func(s *settings) { s.bus = eventbus.OrNop(b) } }
func WithContext(ctx context.Context) Option { return func(s *settings) { s.ctx = ctx } }
