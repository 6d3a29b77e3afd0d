package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/activity"
	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/runbookdef"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

func (s *Service) drainControl(ctx context.Context) {
	msgs, payloads, err := s.bus.Claim(ctx, bus.TopicControl, s.cfg.Prefetch, func() any { return new(json.RawMessage) })
	if err != nil {
		s.log.Warn("control claim failed", "error", err)
		return
	}
	for i, m := range msgs {
		raw, ok := payloads[i].(*json.RawMessage)
		if !ok || raw == nil {
			continue
		}
		switch m.Properties["kind"] {
		case bus.EventBatchInit:
			s.handleBatchInit(ctx, *raw)
		case bus.EventPhaseDue:
			s.handlePhaseDue(ctx, *raw)
		case bus.EventMemberAdded:
			s.handleMemberAdded(ctx, *raw)
		case bus.EventMemberRemoved:
			s.handleMemberRemoved(ctx, *raw)
		case bus.EventPollCheck:
			s.handlePollCheck(ctx, *raw)
		case bus.EventPollTimeout:
			s.handlePollTimeout(ctx, *raw)
		case bus.EventRetryCheck:
			s.handleRetryCheck(ctx, *raw)
		default:
			s.log.Warn("unknown control event kind", "message_id", m.ID, "kind", m.Properties["kind"])
		}
	}
}

func (s *Service) handleBatchInit(ctx context.Context, raw json.RawMessage) {
	var p bus.BatchInitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("batch-init decode failed", "error", err)
		return
	}
	inits, err := s.store.ListInitExecutionsForBatch(ctx, p.BatchID)
	if err != nil {
		s.log.Warn("list init executions failed", "batch_id", p.BatchID, "error", err)
		return
	}
	for _, e := range inits {
		if e.Status != store.StepStatusPending {
			continue
		}
		s.dispatchInitJob(ctx, e, p.RunbookName, p.RunbookVersion)
	}
}

func (s *Service) handlePhaseDue(ctx context.Context, raw json.RawMessage) {
	var p bus.PhaseDuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("phase-due decode failed", "error", err)
		return
	}
	steps, err := s.store.ListStepExecutionsForPhase(ctx, p.PhaseExecutionID)
	if err != nil {
		s.log.Warn("list step executions failed", "phase_execution_id", p.PhaseExecutionID, "error", err)
		return
	}
	for _, st := range steps {
		if st.StepIndex != 0 || st.Status != store.StepStatusPending {
			continue
		}
		s.dispatchStepJob(ctx, st, false, p.BatchID, p.RunbookName, p.RunbookVersion)
	}
}

func (s *Service) handleMemberAdded(ctx context.Context, raw json.RawMessage) {
	var p bus.MemberEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("member-added decode failed", "error", err)
		return
	}
	phases, err := s.store.ListPhaseExecutionsForBatch(ctx, p.BatchID)
	if err != nil {
		s.log.Warn("list phase executions failed", "batch_id", p.BatchID, "error", err)
		return
	}
	for _, ph := range phases {
		if ph.Status != store.PhaseStatusDispatched {
			continue
		}
		s.materializeMemberForPhase(ctx, ph, p.BatchMemberID, p.RunbookName, p.RunbookVersion)
	}
}

func (s *Service) handleMemberRemoved(ctx context.Context, raw json.RawMessage) {
	var p bus.MemberEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("member-removed decode failed", "error", err)
		return
	}
	now := time.Now().UTC()
	phases, err := s.store.ListPhaseExecutionsForBatch(ctx, p.BatchID)
	if err != nil {
		s.log.Warn("list phase executions failed", "batch_id", p.BatchID, "error", err)
		return
	}
	for _, ph := range phases {
		steps, err := s.store.ListStepExecutionsForMember(ctx, ph.ID, p.BatchMemberID)
		if err != nil {
			continue
		}
		for _, st := range steps {
			if store.StepTerminal(st.Status) {
				continue
			}
			if _, err := s.store.SetStepCancelled(ctx, st.ID, now); err != nil {
				s.log.Warn("cancel step failed", "step_execution_id", st.ID, "error", err)
			}
		}
	}
	s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(p.BatchID), "member "+p.MemberKey+" removed, non-terminal steps cancelled")

	rb, err := s.store.GetRunbookByNameVersion(ctx, p.RunbookName, p.RunbookVersion)
	if err != nil {
		return
	}
	def, err := runbookdef.Parse([]byte(rb.YAML))
	if err != nil {
		return
	}
	// Convention: a rollback sequence named "on_removal" runs for any member
	// removed mid-flight, the same mechanism a failed step's on_failure:
	// rollback directive uses.
	seq, ok := def.Rollbacks["on_removal"]
	if !ok || len(seq) == 0 {
		return
	}
	s.runRollbackSequence(ctx, *def, seq, "on_removal", p.BatchID, p.BatchMemberID, p.RunbookName, p.RunbookVersion, nil)
}

func (s *Service) handlePollCheck(ctx context.Context, raw json.RawMessage) {
	var p bus.PollCheckPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("poll-check decode failed", "error", err)
		return
	}
	if p.IsInitStep {
		e, err := s.store.GetInitExecutionByID(ctx, p.StepExecutionID)
		if err != nil || e.Status != store.StepStatusPolling {
			return
		}
		s.dispatchInitPollJob(ctx, e, p.RunbookName, p.RunbookVersion)
		return
	}
	st, err := s.store.GetStepExecutionByID(ctx, p.StepExecutionID)
	if err != nil || st.Status != store.StepStatusPolling {
		return
	}
	s.dispatchStepJob(ctx, st, true, p.BatchID, p.RunbookName, p.RunbookVersion)
}

// handlePollTimeout fires when the scheduler's polling sweep finds a step
// or init execution that has been polling longer than its configured
// poll_timeout_sec. A timed-out poll applies its on_failure directive
// directly rather than entering the retry path: retrying would mean
// re-dispatching the original side-effecting action from scratch, which
// polling for completion of something already in flight can't justify.
func (s *Service) handlePollTimeout(ctx context.Context, raw json.RawMessage) {
	var p bus.RetryCheckPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("poll-timeout decode failed", "error", err)
		return
	}
	now := time.Now().UTC()

	if p.IsInitStep {
		e, err := s.store.GetInitExecutionByID(ctx, p.StepExecutionID)
		if err != nil || e.Status != store.StepStatusPolling {
			return
		}
		if ok, err := s.store.SetInitPollTimeout(ctx, e.ID, now); err != nil || !ok {
			return
		}
		onFailure := e.OnFailure
		if onFailure == "" {
			onFailure = store.OnFailureRetry
		}
		s.applyInitFailureDirective(ctx, e, onFailure)
		return
	}

	st, err := s.store.GetStepExecutionByID(ctx, p.StepExecutionID)
	if err != nil || st.Status != store.StepStatusPolling {
		return
	}
	if ok, err := s.store.SetStepPollTimeout(ctx, st.ID, now); err != nil || !ok {
		return
	}
	onFailure := st.OnFailure
	if onFailure == "" {
		onFailure = store.OnFailureRetry
	}
	s.applyStepFailureDirective(ctx, st, onFailure, p.BatchID, p.RunbookName, p.RunbookVersion)
}

func (s *Service) handleRetryCheck(ctx context.Context, raw json.RawMessage) {
	var p bus.RetryCheckPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("retry-check decode failed", "error", err)
		return
	}
	// A retry-scheduled execution sits in pending with retry_after set; a
	// row in any other state (cancelled mid-wait, already redispatched by
	// the sweep backstop) means this check has nothing left to do.
	if p.IsInitStep {
		e, err := s.store.GetInitExecutionByID(ctx, p.StepExecutionID)
		if err != nil || e.Status != store.StepStatusPending || e.RetryAfter == nil {
			return
		}
		s.dispatchInitJob(ctx, e, p.RunbookName, p.RunbookVersion)
		return
	}
	st, err := s.store.GetStepExecutionByID(ctx, p.StepExecutionID)
	if err != nil || st.Status != store.StepStatusPending || st.RetryAfter == nil {
		return
	}
	s.dispatchStepJob(ctx, st, false, p.BatchID, p.RunbookName, p.RunbookVersion)
}
