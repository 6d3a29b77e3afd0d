package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/activity"
	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/runbookdef"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

// evaluateDuePhases walks every pending phase execution across all
// runbooks whose due_at has elapsed. A phase that fell due further in the
// past than CatchUpWindow is skipped rather than dispatched when its
// batch's runbook has overdue_behavior=ignore, so a scheduler that was
// down for an extended period doesn't wake up and fire a batch of stale,
// side-effecting steps all at once; under overdue_behavior=rerun it is
// dispatched like any other due phase.
func (s *Service) evaluateDuePhases(ctx context.Context, now time.Time) error {
	due, err := s.store.ListDuePhaseExecutions(ctx, now)
	if err != nil {
		return fmt.Errorf("list due phase executions: %w", err)
	}
	cutoff := now.Add(-s.opts.CatchUpWindow)
	for _, ph := range due {
		stale := ph.DueAt != nil && ph.DueAt.Before(cutoff)
		if stale {
			if batch, err := s.store.GetBatchByID(ctx, ph.BatchID); err == nil {
				if rb, err := s.store.GetRunbookByID(ctx, batch.RunbookID); err == nil && rb.OverdueBehavior == store.OverdueRerun {
					stale = false
				}
			}
		}
		if stale {
			if ok, err := s.store.CASPhaseStatus(ctx, ph.ID, store.PhaseStatusPending, store.PhaseStatusSkipped); err == nil && ok {
				s.logActivity(ctx, activity.SeverityWarn, activity.BatchResource(ph.BatchID),
					"phase "+ph.PhaseName+" skipped, due_at outside catch-up window")
			}
			continue
		}
		s.dispatchDuePhase(ctx, ph, now)
	}
	return nil
}

// dispatchDuePhase materializes every step execution for a phase's active
// members and marks it dispatched. handlePhaseDue on the orchestrator side
// only dispatches the step_index 0 row for each member; every later index
// must already exist, pending, for advanceStepSuccess to find and chain
// into as earlier steps complete.
func (s *Service) dispatchDuePhase(ctx context.Context, ph store.PhaseExecution, now time.Time) {
	batch, err := s.store.GetBatchByID(ctx, ph.BatchID)
	if err != nil {
		s.log.Warn("get batch failed", "phase_execution_id", ph.ID, "error", err)
		return
	}
	if store.BatchTerminal(batch.Status) {
		return
	}
	current, err := s.store.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		s.log.Warn("get runbook failed", "batch_id", batch.ID, "error", err)
		return
	}
	rb, err := s.store.GetRunbookByNameVersion(ctx, current.Name, ph.RunbookVersion)
	if err != nil {
		s.log.Warn("get pinned runbook version failed", "runbook", current.Name, "version", ph.RunbookVersion, "error", err)
		return
	}
	def, err := runbookdef.Parse([]byte(rb.YAML))
	if err != nil {
		s.log.Warn("parse pinned runbook version failed", "runbook", rb.Name, "version", rb.Version, "error", err)
		return
	}
	phaseDef, ok := findPhaseDef(*def, ph.PhaseName)
	if !ok {
		s.log.Warn("phase not found in pinned runbook version", "runbook", rb.Name, "phase", ph.PhaseName, "version", rb.Version)
		return
	}

	members, err := s.store.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		s.log.Warn("list active members failed", "batch_id", batch.ID, "error", err)
		return
	}

	memberIDs := make([]int64, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.ID)
		for idx, stepDef := range phaseDef.Steps {
			resolved, err := runbookdef.ExpandStep(stepDef, idx, m.Data, batch.ID, batch.BatchStartTime)
			if err != nil {
				s.log.Warn("template resolution failed", "runbook", rb.Name, "phase", ph.PhaseName, "step", stepDef.Name, "member_key", m.MemberKey, "error", err)
				continue
			}
			if _, err := s.store.CreateStepExecution(ctx, store.NewStepExecutionParams{
				PhaseExecutionID: ph.ID, BatchMemberID: m.ID, StepName: resolved.StepName, StepIndex: resolved.StepIndex,
				WorkerID: resolved.WorkerID, FunctionName: resolved.FunctionName, ParamsJSON: resolved.ParamsJSON,
				OnFailure: resolved.OnFailure, IsPollStep: resolved.IsPollStep, PollIntervalSec: resolved.PollIntervalSec,
				PollTimeoutSec: resolved.PollTimeoutSec, MaxRetries: s.opts.DefaultMaxRetries, RetryIntervalSec: s.opts.DefaultRetryIntervalSec,
			}); err != nil {
				s.log.Warn("create step execution failed", "runbook", rb.Name, "phase", ph.PhaseName, "step", stepDef.Name, "member_key", m.MemberKey, "error", err)
			}
		}
	}

	if ok, err := s.store.SetPhaseExecutionDispatched(ctx, ph.ID, now); err != nil || !ok {
		return
	}
	if err := s.store.SetBatchCurrentPhase(ctx, batch.ID, ph.PhaseName); err != nil {
		s.log.Warn("set batch current phase failed", "batch_id", batch.ID, "error", err)
	}

	payload := bus.PhaseDuePayload{
		RunbookName: rb.Name, RunbookVersion: rb.Version, BatchID: batch.ID,
		PhaseExecutionID: ph.ID, PhaseName: ph.PhaseName, OffsetMinutes: ph.OffsetMinutes,
		DueAt: ph.DueAt, MemberIDs: memberIDs,
	}
	messageID := fmt.Sprintf("phase-due-%d", ph.ID)
	if err := s.bus.PublishNow(ctx, bus.TopicControl, messageID, payload, map[string]string{"kind": bus.EventPhaseDue}); err != nil {
		s.log.Warn("publish phase-due failed", "phase_execution_id", ph.ID, "error", err)
	}
	s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(batch.ID), "phase "+ph.PhaseName+" dispatched to "+fmt.Sprintf("%d", len(memberIDs))+" members")
}

func findPhaseDef(def runbookdef.RunbookDefinition, name string) (runbookdef.PhaseDef, bool) {
	for _, ph := range def.Phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return runbookdef.PhaseDef{}, false
}

// evaluateVersionTransitions repoints every active batch still pinned to an
// older version of rb's name onto the currently active version, superseding
// its pending and dispatched phase executions from older versions and
// creating fresh ones from the new definition. A completed, failed or
// skipped phase is left alone — it already reached its outcome under the
// definition that was active when it ran.
func (s *Service) evaluateVersionTransitions(ctx context.Context, rb store.Runbook, def runbookdef.RunbookDefinition, now time.Time) error {
	batches, err := s.store.ListActiveBatchesForRunbookName(ctx, rb.Name)
	if err != nil {
		return fmt.Errorf("list active batches for runbook name: %w", err)
	}
	for _, batch := range batches {
		if batch.RunbookID == rb.ID {
			continue
		}
		if err := s.transitionBatchVersion(ctx, batch, rb, def, now); err != nil {
			s.log.Warn("version transition failed", "batch_id", batch.ID, "runbook", rb.Name, "error", err)
		}
	}
	return nil
}

// transitionBatchVersion repoints batch onto rb's version and creates a
// fresh pending phase execution for every phase of the new definition that
// has no non-superseded execution left on the batch.
// A new phase whose due_at has already elapsed at transition time follows
// rb.OverdueBehavior: "rerun" leaves it pending so the very next due-phase
// evaluation dispatches it, "ignore" marks it skipped immediately so it
// never fires against the new definition.
func (s *Service) transitionBatchVersion(ctx context.Context, batch store.Batch, rb store.Runbook, def runbookdef.RunbookDefinition, now time.Time) error {
	if err := s.store.SupersedePendingPhases(ctx, batch.ID, rb.Version); err != nil {
		return fmt.Errorf("supersede pending phases: %w", err)
	}
	if err := s.store.SetBatchRunbookID(ctx, batch.ID, rb.ID); err != nil {
		return fmt.Errorf("set batch runbook id: %w", err)
	}

	for _, ph := range def.Phases {
		if _, err := s.store.GetPhaseExecutionByName(ctx, batch.ID, ph.Name); err == nil {
			continue // already has a non-superseded execution: one that reached its outcome, or one at the new version
		} else if err != store.ErrPhaseExecutionNotFound {
			return fmt.Errorf("get phase execution by name: %w", err)
		}
		offsetMinutes, err := runbookdef.ParseOffset(ph.Offset)
		if err != nil {
			s.log.Warn("invalid phase offset during version transition", "runbook", rb.Name, "phase", ph.Name, "error", err)
			continue
		}
		dueAt := runbookdef.CalculateDueAt(batch.BatchStartTime, offsetMinutes)
		created, err := s.store.CreatePhaseExecution(ctx, batch.ID, ph.Name, offsetMinutes, dueAt, rb.Version)
		if err != nil {
			s.log.Warn("create phase execution during version transition failed", "runbook", rb.Name, "phase", ph.Name, "error", err)
			continue
		}
		if dueAt != nil && !dueAt.After(now) && rb.OverdueBehavior == store.OverdueIgnore {
			if _, err := s.store.CASPhaseStatus(ctx, created.ID, store.PhaseStatusPending, store.PhaseStatusSkipped); err != nil {
				s.log.Warn("skip overdue phase during version transition failed", "runbook", rb.Name, "phase", ph.Name, "error", err)
				continue
			}
			s.logActivity(ctx, activity.SeverityWarn, activity.BatchResource(batch.ID),
				"phase "+ph.Name+" skipped on version transition, already overdue and overdue_behavior=ignore")
		}
	}

	if rb.RerunInit {
		if err := s.rerunInitForVersion(ctx, batch, rb, def); err != nil {
			s.log.Warn("rerun init for new version failed", "batch_id", batch.ID, "runbook", rb.Name, "error", err)
		}
	}

	s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(batch.ID),
		fmt.Sprintf("batch repointed to runbook version %d during version transition", rb.Version))
	return nil
}

// rerunInitForVersion re-materializes a batch's init sequence under a new
// runbook version when the version carries rerun_init. The old set is
// cancelled first — init steps are batch-scoped, and leaving two live sets
// dispatched concurrently would double-invoke functions meant to run once
// per batch. Batches whose init never ran, and batches that already have
// executions at the new version, are left alone.
func (s *Service) rerunInitForVersion(ctx context.Context, batch store.Batch, rb store.Runbook, def runbookdef.RunbookDefinition) error {
	if len(def.Init) == 0 {
		return nil
	}
	existing, err := s.store.ListInitExecutionsForBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list init executions: %w", err)
	}
	ran := false
	for _, e := range existing {
		if e.RunbookVersion >= rb.Version {
			return nil
		}
		if e.DispatchedAt != nil || store.StepTerminal(e.Status) {
			ran = true
		}
	}
	if !ran {
		return nil
	}

	now := time.Now().UTC()
	if err := s.store.CancelPendingInitExecutions(ctx, batch.ID, now); err != nil {
		return fmt.Errorf("cancel stale init executions: %w", err)
	}
	for idx, stepDef := range def.Init {
		resolved := runbookdef.ExpandInitStep(stepDef, idx, batch.ID, batch.BatchStartTime)
		if _, err := s.store.CreateInitExecution(ctx, store.NewInitExecutionParams{
			BatchID: batch.ID, RunbookVersion: rb.Version, StepName: resolved.StepName, StepIndex: resolved.StepIndex,
			WorkerID: resolved.WorkerID, FunctionName: resolved.FunctionName, ParamsJSON: resolved.ParamsJSON,
			OnFailure: resolved.OnFailure, IsPollStep: resolved.IsPollStep, PollIntervalSec: resolved.PollIntervalSec,
			PollTimeoutSec: resolved.PollTimeoutSec, MaxRetries: s.opts.DefaultMaxRetries, RetryIntervalSec: s.opts.DefaultRetryIntervalSec,
		}); err != nil {
			s.log.Warn("create init execution for rerun failed", "runbook", rb.Name, "step", resolved.StepName, "error", err)
		}
	}

	active, err := s.store.ListActiveMembers(ctx, batch.ID)
	memberCount := 0
	if err == nil {
		memberCount = len(active)
	}
	payload := bus.BatchInitPayload{
		RunbookName: rb.Name, RunbookVersion: rb.Version, BatchID: batch.ID,
		BatchStartTime: batch.BatchStartTime, MemberCount: memberCount,
	}
	messageID := fmt.Sprintf("batch-init-%d-v%d", batch.ID, rb.Version)
	if err := s.bus.PublishNow(ctx, bus.TopicControl, messageID, payload, map[string]string{"kind": bus.EventBatchInit}); err != nil {
		return fmt.Errorf("publish batch-init for rerun: %w", err)
	}
	s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(batch.ID),
		fmt.Sprintf("init sequence re-materialized for runbook version %d", rb.Version))
	return nil
}
