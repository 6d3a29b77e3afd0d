// Package scheduler drives the time-based half of the migration engine: on
// every tick it discovers batches from each active runbook's data source,
// materializes and diffs batch membership, evaluates which phase
// executions have come due, and handles runbook version transitions for
// in-flight batches. It never dispatches a worker job itself — every
// decision it makes becomes a control-bus event the orchestrator consumes,
// exactly the same way a time-triggered event and a manually-triggered one
// (Advance) both end up on the same control topic.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/activity"
	"github.com/opus-domini/tenantmigrator/internal/alerts"
	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/datasource"
	"github.com/opus-domini/tenantmigrator/internal/events"
	"github.com/opus-domini/tenantmigrator/internal/lease"
	"github.com/opus-domini/tenantmigrator/internal/runbookdef"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

const defaultTickInterval = 5 * time.Minute

// Options configures the scheduler service.
type Options struct {
	TickInterval  time.Duration
	CatchUpWindow time.Duration

	DefaultMaxRetries       int
	DefaultRetryIntervalSec int

	Lease      *lease.Manager
	EventHub   *events.Hub
	Connectors *datasource.Registry
}

// Service runs the per-tick batch-discovery and phase-evaluation loop.
type Service struct {
	store      *store.Store
	bus        *bus.Bus
	connectors *datasource.Registry
	leaseMgr   *lease.Manager
	hub        *events.Hub
	log        *slog.Logger
	opts       Options

	startOnce sync.Once
	stopOnce  sync.Once
	stopFn    context.CancelFunc
	doneCh    chan struct{}
}

// New creates a scheduler service.
func New(st *store.Store, b *bus.Bus, log *slog.Logger, opts Options) *Service {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.CatchUpWindow <= 0 {
		opts.CatchUpWindow = 24 * time.Hour
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.DefaultRetryIntervalSec <= 0 {
		opts.DefaultRetryIntervalSec = 30
	}
	if opts.Connectors == nil {
		opts.Connectors = datasource.DefaultRegistry()
	}
	return &Service{
		store:      st,
		bus:        b,
		connectors: opts.Connectors,
		leaseMgr:   opts.Lease,
		hub:        opts.EventHub,
		log:        log.With("component", "scheduler"),
		opts:       opts,
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Service) Start(parent context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		s.stopFn = cancel
		s.doneCh = make(chan struct{})

		go func() {
			defer close(s.doneCh)
			ticker := time.NewTicker(s.opts.TickInterval)
			defer ticker.Stop()
			s.tick(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.tick(ctx)
				}
			}
		}()
	})
}

// Stop cancels the tick loop and waits for the current tick to finish.
func (s *Service) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.stopFn != nil {
			s.stopFn()
		}
		if s.doneCh == nil {
			return
		}
		select {
		case <-s.doneCh:
		case <-ctx.Done():
		}
	})
}

// tick runs exactly one pass of the algorithm, gated by the distributed
// lease so only one scheduler instance touches a shared store at a time.
func (s *Service) tick(ctx context.Context) {
	s.tickAt(ctx, time.Now().UTC())
}

// tickAt runs the tick algorithm against an explicit now, letting tests
// drive offset/due-at arithmetic (e.g. a batch_start_time days in the
// future) deterministically instead of depending on wall-clock time.
func (s *Service) tickAt(ctx context.Context, now time.Time) {
	if s.leaseMgr != nil && !s.leaseMgr.Held() {
		return
	}

	runbooks, err := s.store.ListActiveRunbooks(ctx)
	if err != nil {
		s.log.Warn("list active runbooks failed", "error", err)
		return
	}
	for _, rb := range runbooks {
		s.processRunbook(ctx, rb, now)
	}

	if err := s.evaluateDuePhases(ctx, now); err != nil {
		s.log.Warn("evaluate due phases failed", "error", err)
	}
	s.sweepPolling(ctx, now)
	s.sweepRetries(ctx, now)

	s.hub.Publish(events.NewEvent(events.TypeSchedulerTick, map[string]any{"runbookCount": len(runbooks)}))
}

// processRunbook performs every per-runbook step of the tick in failure
// isolation: a data-source error or a bad version transition for one
// runbook never blocks the others, and is recorded on the runbook row for
// an operator to see rather than crashing the loop.
func (s *Service) processRunbook(ctx context.Context, rb store.Runbook, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic processing runbook", "runbook", rb.Name, "panic", r)
		}
	}()

	def, err := runbookdef.Parse([]byte(rb.YAML))
	if err != nil {
		s.recordRunbookError(ctx, rb, err)
		return
	}
	if errs := runbookdef.Validate(def); len(errs) > 0 {
		s.recordRunbookError(ctx, rb, errs[0])
		return
	}

	var lastErr error
	enabled, err := s.store.AutomationEnabled(ctx, rb.Name)
	if err != nil {
		lastErr = err
	} else if enabled && s.queryDue(*def, now) {
		if err := s.syncDataSource(ctx, rb, *def, now); err != nil {
			s.log.Warn("data source sync failed", "runbook", rb.Name, "error", err)
			lastErr = err
		} else if err := s.syncBatches(ctx, rb, *def, now); err != nil {
			s.log.Warn("batch sync failed", "runbook", rb.Name, "error", err)
			lastErr = err
		}
	}

	if err := s.evaluateVersionTransitions(ctx, rb, *def, now); err != nil {
		s.log.Warn("version transition evaluation failed", "runbook", rb.Name, "error", err)
		lastErr = err
	}

	if lastErr != nil {
		s.recordRunbookError(ctx, rb, lastErr)
		return
	}
	if rb.LastError != "" {
		_ = s.store.SetRunbookError(ctx, rb.ID, "")
	}
}

// queryDue reports whether the runbook's data source should be queried on
// this tick. Without a poll_schedule every tick queries; with one, the
// query runs only on ticks where a cron boundary fell inside the last tick
// window, so a runbook against an expensive source can throttle itself to
// e.g. hourly without holding state between ticks.
func (s *Service) queryDue(def runbookdef.RunbookDefinition, now time.Time) bool {
	expr := def.DataSource.PollSchedule
	if expr == "" {
		return true
	}
	next, err := runbookdef.NextQueryTime(expr, now.Add(-s.opts.TickInterval))
	if err != nil {
		return true
	}
	return !next.After(now)
}

func (s *Service) recordRunbookError(ctx context.Context, rb store.Runbook, cause error) {
	if err := s.store.SetRunbookError(ctx, rb.ID, cause.Error()); err != nil {
		s.log.Warn("set runbook error failed", "runbook", rb.Name, "error", err)
	}
	s.logActivity(ctx, activity.SeverityError, activity.RunbookResource(rb.Name), "runbook processing failed: "+cause.Error())
	s.raiseAlert(ctx, "runbook-error-"+rb.Name, activity.RunbookResource(rb.Name), "runbook processing failed", cause.Error())
}

func (s *Service) logActivity(ctx context.Context, severity, resource, message string) {
	if _, err := s.store.InsertActivityEvent(ctx, activity.EventWrite{
		Source:    "scheduler",
		EventType: "state_transition",
		Severity:  severity,
		Resource:  resource,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.log.Warn("activity insert failed", "error", err)
	}
}

func (s *Service) raiseAlert(ctx context.Context, dedupeKey, resource, title, message string) {
	if _, err := s.store.UpsertAlert(ctx, alerts.AlertWrite{
		DedupeKey: dedupeKey,
		Source:    "scheduler",
		Resource:  resource,
		Title:     title,
		Message:   message,
		Severity:  activity.SeverityError,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.log.Warn("alert upsert failed", "error", err)
	}
}
