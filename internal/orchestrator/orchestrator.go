// Package orchestrator drives the control-event/job/result state machine
// described for batches, phases, init sequences, and steps: it consumes
// control events the scheduler (or its own handlers) publish, dispatches
// worker jobs, and applies worker results to advance phases and batches to
// completion. It never decides *when* a runbook's phases are due — that is
// the scheduler's job — but owns everything downstream of "this is due
// now".
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/activity"
	"github.com/opus-domini/tenantmigrator/internal/alerts"
	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/events"
	"github.com/opus-domini/tenantmigrator/internal/policy"
	"github.com/opus-domini/tenantmigrator/internal/store"
	"github.com/opus-domini/tenantmigrator/internal/worker"
)

// Config carries the orchestrator's tuning knobs, lifted from config.Config
// by the caller so this package stays independent of it.
type Config struct {
	Prefetch                int
	PollEvery               time.Duration
	DefaultMaxRetries       int
	DefaultRetryIntervalSec int
	ThrottleHardCap         int
}

// Service consumes all three bus topics and applies the step/phase/batch
// state machine against the store.
type Service struct {
	store   *store.Store
	bus     *bus.Bus
	workers *worker.Registry
	policy  *policy.Service
	hub     *events.Hub
	log     *slog.Logger
	cfg     Config
}

func New(st *store.Store, b *bus.Bus, workers *worker.Registry, pol *policy.Service, hub *events.Hub, log *slog.Logger, cfg Config) *Service {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.ThrottleHardCap <= 0 {
		cfg.ThrottleHardCap = 10
	}
	return &Service{
		store:   st,
		bus:     b,
		workers: workers,
		policy:  pol,
		hub:     hub,
		log:     log.With("component", "orchestrator"),
		cfg:     cfg,
	}
}

// Run drains all three bus topics on cfg.PollEvery until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Drain(ctx)
		}
	}
}

// Drain runs one pass over all three topics. Exported so a caller (a test,
// for one) can pump the orchestrator synchronously after
// publishing events instead of waiting for the poll tick.
func (s *Service) Drain(ctx context.Context) {
	s.drainControl(ctx)
	s.drainJobs(ctx)
	s.drainResults(ctx)
}

func (s *Service) logActivity(ctx context.Context, severity, resource, message string) {
	_, err := s.store.InsertActivityEvent(ctx, activity.EventWrite{
		Source:    activity.DefaultSource,
		EventType: "state_transition",
		Severity:  severity,
		Resource:  resource,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("activity insert failed", "error", err)
	}
}

func (s *Service) raiseAlert(ctx context.Context, dedupeKey, resource, title, message string) {
	_, err := s.store.UpsertAlert(ctx, alerts.AlertWrite{
		DedupeKey: dedupeKey,
		Source:    activity.DefaultSource,
		Resource:  resource,
		Title:     title,
		Message:   message,
		Severity:  activity.SeverityError,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("alert upsert failed", "error", err)
	}
}
