package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cadence/internal/batcher"
	"cadence/internal/poller"
	"cadence/pkg/logx"
)

// submitter is the part of batcher.Manager a feed needs.
type submitter interface {
	Submit(endpoint string, params batcher.Params, prio batcher.Priority, timeout time.Duration) *batcher.Pending
}

// feeds registers one poller callback per configured feed. Every tick
// submits the feed's requests and waits for all of them.
type feeds struct {
	reg *poller.Registry
	sub submitter
	log logx.Logger

	mu      sync.Mutex
	handles []poller.Handle
	active  []feedSpec
}

func newFeeds(reg *poller.Registry, sub submitter, log logx.Logger) *feeds {
	return &feeds{reg: reg, sub: sub, log: log.Component("feeds")}
}

// Apply replaces the registered feeds with feedList.
func (f *feeds) Apply(feedList []feedSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		h.Stop()
	}
	f.handles = f.handles[:0]
	f.active = nil

	var errs []error
	for _, fd := range feedList {
		h, err := f.reg.Start(fd.DataType, f.callback(fd), poller.Config{})
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", fd.Name, err))
			continue
		}
		f.handles = append(f.handles, h)
		f.active = append(f.active, fd)
	}
	f.log.Info("feeds applied", logx.Int("active", len(f.handles)), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Names lists the running feeds.
func (f *feeds) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.active))
	for i, s := range f.active {
		out[i] = s.Name
	}
	return out
}

func (f *feeds) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		h.Stop()
	}
	f.handles = nil
	f.active = nil
}

func (f *feeds) callback(fd feedSpec) poller.Callback {
	return func(ctx context.Context) error {
		pend := make([]*batcher.Pending, len(fd.Requests))
		for i, params := range fd.Requests {
			pend[i] = f.sub.Submit(fd.Endpoint, params, fd.Priority, fd.Timeout)
		}

		var (
			failed   int
			firstErr error
		)
		for _, p := range pend {
			if _, err := p.Wait(ctx); err != nil {
				// A newer identical submit took over; not a failure.
				if errors.Is(err, batcher.ErrSuperseded) {
					continue
				}
				failed++
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("feed %s: %d/%d requests failed: %w", fd.Name, failed, len(pend), firstErr)
		}
		f.log.Debug("feed refreshed", logx.String("feed", fd.Name), logx.Int("requests", len(pend)))
		return nil
	}
}
