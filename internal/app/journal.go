package app

import (
	"context"
	"time"

	"cadence/internal/batcher"
	"cadence/internal/eventbus"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

// runJournal appends every dispatched batch to the store until ctx ends.
func runJournal(ctx context.Context, bus eventbus.Bus, store storage.Store, log logx.Logger) {
	events, unsub := bus.Subscribe(256, eventbus.TypeBatchDispatched)
	defer unsub()
	warn := logx.NewThrottle(time.Minute)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			rec, ok := e.Data.(batcher.DispatchRecord)
			if !ok {
				continue
			}
			if err := store.AppendDispatch(ctx, dispatchEntry(rec)); err != nil && ctx.Err() == nil {
				if warn.Allow("append") {
					log.Warn("journal append failed", logx.Err(err))
				}
			}
		}
	}
}

func dispatchEntry(rec batcher.DispatchRecord) storage.DispatchEntry {
	return storage.DispatchEntry{
		At:         rec.Started,
		BatchID:    rec.BatchID,
		Namespace:  rec.Namespace,
		Endpoint:   rec.Endpoint,
		Items:      rec.Items,
		Failed:     rec.Failed,
		DurationMS: rec.Duration.Milliseconds(),
		Error:      rec.Error,
	}
}
