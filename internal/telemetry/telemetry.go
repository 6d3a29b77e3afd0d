// Package telemetry periodically publishes scheduler/orchestrator health
// gauges (active batches, due phases, pending retries, lease status) on the
// event hub for anything subscribed to process state.
package telemetry

import (
	"context"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/events"
	"github.com/opus-domini/tenantmigrator/internal/lease"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

type Gauges struct {
	ActiveBatches  int
	DuePhases      int
	PendingRetries int
	LeaseHeld      bool
}

type Collector struct {
	store *store.Store
	lease *lease.Manager
}

func NewCollector(st *store.Store, lm *lease.Manager) *Collector {
	return &Collector{store: st, lease: lm}
}

func (c *Collector) Collect(ctx context.Context) (Gauges, error) {
	g := Gauges{}
	if c.lease != nil {
		g.LeaseHeld = c.lease.Held()
	}

	runbooks, err := c.store.ListActiveRunbooks(ctx)
	if err != nil {
		return g, err
	}
	now := time.Now().UTC()
	due, err := c.store.ListDuePhaseExecutions(ctx, now)
	if err != nil {
		return g, err
	}
	g.DuePhases = len(due)

	retrySteps, err := c.store.ListDueRetrySteps(ctx, now)
	if err != nil {
		return g, err
	}
	retryInits, err := c.store.ListDueInitRetries(ctx, now)
	if err != nil {
		return g, err
	}
	g.PendingRetries = len(retrySteps) + len(retryInits)

	for _, rb := range runbooks {
		batches, err := c.store.ListActiveBatchesForRunbook(ctx, rb.ID)
		if err != nil {
			return g, err
		}
		g.ActiveBatches += len(batches)
	}
	return g, nil
}

// Run starts the periodic collect-and-publish loop, returning a channel
// closed once ctx is cancelled and the loop has exited.
func Run(ctx context.Context, interval time.Duration, collector *Collector, hub *events.Hub) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collectCtx, cancel := context.WithTimeout(ctx, interval/2)
				gauges, err := collector.Collect(collectCtx)
				cancel()
				if err != nil {
					continue
				}
				hub.Publish(events.NewEvent(events.TypeTelemetryTick, map[string]any{
					"active_batches":  gauges.ActiveBatches,
					"due_phases":      gauges.DuePhases,
					"pending_retries": gauges.PendingRetries,
					"lease_held":      gauges.LeaseHeld,
				}))
			}
		}
	}()
	return done
}
