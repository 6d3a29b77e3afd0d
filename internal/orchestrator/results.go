package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/activity"
	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/events"
	"github.com/opus-domini/tenantmigrator/internal/runbookdef"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

func (s *Service) drainResults(ctx context.Context) {
	msgs, payloads, err := s.bus.Claim(ctx, bus.TopicResults, s.cfg.Prefetch, func() any { return new(bus.ResultEnvelope) })
	if err != nil {
		s.log.Warn("results claim failed", "error", err)
		return
	}
	for i := range msgs {
		res, ok := payloads[i].(*bus.ResultEnvelope)
		if !ok || res == nil {
			continue
		}
		s.handleWorkerResult(ctx, *res)
	}
}

func (s *Service) handleWorkerResult(ctx context.Context, res bus.ResultEnvelope) {
	c := res.Correlation
	if c.IsRollback {
		s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(c.BatchID), "rollback job "+res.JobID+" completed, success="+boolString(res.Status == bus.ResultStatusSuccess))
		return
	}
	if c.IsInitStep {
		if c.InitExecutionID == nil {
			return
		}
		s.applyInitResult(ctx, *c.InitExecutionID, res, c.RunbookName, c.RunbookVersion)
		return
	}
	if c.StepExecutionID == nil {
		return
	}
	s.applyStepResult(ctx, *c.StepExecutionID, res, c.BatchID, c.RunbookName, c.RunbookVersion)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func outputJSON(output map[string]string) string {
	if len(output) == 0 {
		return ""
	}
	b, _ := json.Marshal(output)
	return string(b)
}

// ---- step results ----

func (s *Service) applyStepResult(ctx context.Context, stepID int64, res bus.ResultEnvelope, batchID int64, runbookName string, runbookVersion int) {
	st, err := s.store.GetStepExecutionByID(ctx, stepID)
	if err != nil {
		return
	}
	if store.StepTerminal(st.Status) {
		return // duplicate delivery after terminal: no-op
	}
	now := time.Now().UTC()

	if res.Status == bus.ResultStatusFailure {
		s.handleStepFailure(ctx, st, res, batchID, runbookName, runbookVersion)
		return
	}

	if st.IsPollStep && res.Polling {
		if st.Status == store.StepStatusDispatched {
			if _, err := s.store.SetStepPolling(ctx, st.ID, now); err != nil {
				s.log.Warn("set step polling failed", "step_execution_id", st.ID, "error", err)
			}
			return
		}
		if err := s.store.RecordPollAttempt(ctx, st.ID, now); err != nil {
			s.log.Warn("record poll attempt failed", "step_execution_id", st.ID, "error", err)
		}
		return
	}

	ok, err := s.store.SetStepSucceeded(ctx, st.ID, outputJSON(res.Output), now)
	if err != nil || !ok {
		return
	}
	s.advanceStepSuccess(ctx, st, batchID, runbookName, runbookVersion)
}

func (s *Service) handleStepFailure(ctx context.Context, st store.StepExecution, res bus.ResultEnvelope, batchID int64, runbookName string, runbookVersion int) {
	now := time.Now().UTC()
	onFailure := st.OnFailure
	if onFailure == "" {
		onFailure = store.OnFailureRetry
	}

	retryable := (onFailure == store.OnFailureRetry && st.RetryCount < st.MaxRetries) ||
		(res.Throttled && st.RetryCount < s.cfg.ThrottleHardCap)

	if retryable {
		retryAfter := now.Add(computeBackoff(st.RetryCount, st.RetryIntervalSec))
		ok, err := s.store.SetStepRetryPending(ctx, st.ID, res.Error, retryAfter, now)
		if err != nil || !ok {
			return
		}
		s.publishRetryCheck(ctx, st.ID, false, runbookName, runbookVersion, batchID, retryAfter)
		return
	}

	ok, err := s.store.SetStepFailed(ctx, st.ID, res.Error, now)
	if err != nil || !ok {
		return
	}
	s.applyStepFailureDirective(ctx, st, onFailure, batchID, runbookName, runbookVersion)
}

func (s *Service) applyStepFailureDirective(ctx context.Context, st store.StepExecution, onFailure string, batchID int64, runbookName string, runbookVersion int) {
	now := time.Now().UTC()
	switch {
	case onFailure == store.OnFailureSkip:
		// Skip is the one directive that leaves the member in the phase:
		// the failed step counts as done and the member's chain continues.
		s.logActivity(ctx, activity.SeverityWarn, activity.BatchResource(batchID), "step "+st.StepName+" failed and was skipped")
		s.advanceStepSuccess(ctx, st, batchID, runbookName, runbookVersion)
	case strings.HasPrefix(onFailure, "rollback:"):
		name := strings.TrimPrefix(onFailure, "rollback:")
		s.executeRollbackForStep(ctx, st, name, batchID, runbookName, runbookVersion)
		s.failMemberForStep(ctx, st, batchID, runbookName, runbookVersion)
	case onFailure == store.OnFailureFail:
		ph, err := s.store.GetPhaseExecutionByID(ctx, st.PhaseExecutionID)
		if err != nil {
			return
		}
		if ok, _ := s.store.CASPhaseStatus(ctx, st.PhaseExecutionID, store.PhaseStatusDispatched, store.PhaseStatusFailed); ok {
			s.cancelPhaseSteps(ctx, st.PhaseExecutionID, now)
			s.raiseAlert(ctx, "phase-failed-"+activity.BatchResource(batchID), activity.BatchResource(batchID),
				"phase failed", "phase "+ph.PhaseName+" failed due to step "+st.StepName)
			s.maybeCompleteBatch(ctx, batchID)
		}
	case onFailure == store.OnFailureFailAll:
		s.failBatch(ctx, batchID, "step "+st.StepName+" failed with on_failure: fail_batch")
	default:
		s.logActivity(ctx, activity.SeverityWarn, activity.BatchResource(batchID), "step "+st.StepName+" failed, retries exhausted")
		s.failMemberForStep(ctx, st, batchID, runbookName, runbookVersion)
	}
}

// failMemberForStep marks a member failed after one of its steps failed
// terminally without a skip, cancels the member's remaining steps in the
// phase so they never dispatch, and re-checks phase completion — the other
// members' progress must not be held hostage by a dead chain.
func (s *Service) failMemberForStep(ctx context.Context, st store.StepExecution, batchID int64, runbookName string, runbookVersion int) {
	now := time.Now().UTC()
	if ok, err := s.store.MarkMemberFailed(ctx, st.BatchMemberID, now); err != nil || !ok {
		if err != nil {
			s.log.Warn("mark member failed failed", "member_id", st.BatchMemberID, "error", err)
		}
	}
	siblings, err := s.store.ListStepExecutionsForMember(ctx, st.PhaseExecutionID, st.BatchMemberID)
	if err == nil {
		for _, sib := range siblings {
			if store.StepTerminal(sib.Status) {
				continue
			}
			_, _ = s.store.SetStepCancelled(ctx, sib.ID, now)
		}
	}
	s.maybeCompletePhase(ctx, st.PhaseExecutionID, batchID, runbookName, runbookVersion)
}

func (s *Service) advanceStepSuccess(ctx context.Context, st store.StepExecution, batchID int64, runbookName string, runbookVersion int) {
	siblings, err := s.store.ListStepExecutionsForMember(ctx, st.PhaseExecutionID, st.BatchMemberID)
	if err != nil {
		return
	}
	maxIndex := st.StepIndex
	for _, sib := range siblings {
		if sib.StepIndex > maxIndex {
			maxIndex = sib.StepIndex
		}
		if sib.StepIndex == st.StepIndex+1 && sib.Status == store.StepStatusPending {
			s.dispatchStepJob(ctx, sib, false, batchID, runbookName, runbookVersion)
			return
		}
	}
	if st.StepIndex == maxIndex {
		s.maybeCompletePhase(ctx, st.PhaseExecutionID, batchID, runbookName, runbookVersion)
	}
}

func (s *Service) maybeCompletePhase(ctx context.Context, phaseExecutionID, batchID int64, runbookName string, runbookVersion int) {
	ph, err := s.store.GetPhaseExecutionByID(ctx, phaseExecutionID)
	if err != nil || ph.Status != store.PhaseStatusDispatched {
		return
	}
	members, err := s.store.ListActiveMembers(ctx, ph.BatchID)
	if err != nil {
		return
	}
	steps, err := s.store.ListStepExecutionsForPhase(ctx, phaseExecutionID)
	if err != nil {
		return
	}
	byMember := map[int64][]store.StepExecution{}
	for _, se := range steps {
		byMember[se.BatchMemberID] = append(byMember[se.BatchMemberID], se)
	}
	for _, m := range members {
		ms := byMember[m.ID]
		if len(ms) == 0 {
			return
		}
		maxIdx, maxStatus := -1, ""
		for _, se := range ms {
			if se.StepIndex > maxIdx {
				maxIdx = se.StepIndex
				maxStatus = se.Status
			}
		}
		if !store.StepTerminal(maxStatus) {
			return
		}
	}
	if _, err := s.store.SetPhaseExecutionCompleted(ctx, ph.ID, store.PhaseStatusCompleted, time.Now().UTC()); err != nil {
		return
	}
	s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(batchID), "phase "+ph.PhaseName+" completed")
	s.maybeCompleteBatch(ctx, batchID)
}

func (s *Service) maybeCompleteBatch(ctx context.Context, batchID int64) {
	batch, err := s.store.GetBatchByID(ctx, batchID)
	if err != nil || store.BatchTerminal(batch.Status) {
		return
	}
	phases, err := s.store.ListPhaseExecutionsForBatch(ctx, batchID)
	if err != nil {
		return
	}
	for _, ph := range phases {
		if !store.PhaseTerminal(ph.Status) {
			return
		}
	}
	members, err := s.store.ListAllMembers(ctx, batchID)
	if err != nil {
		return
	}
	anyActive := false
	allTerminalFailure := len(members) > 0
	for _, m := range members {
		if m.Status == store.MemberStatusActive {
			anyActive = true
		}
		if m.Status != store.MemberStatusFailed && m.Status != store.MemberStatusRemoved {
			allTerminalFailure = false
		}
	}

	target := store.BatchStatusCompleted
	eventType := events.TypeBatchCompleted
	if !anyActive && allTerminalFailure {
		target = store.BatchStatusFailed
		eventType = events.TypeBatchFailed
	}
	if ok, _ := s.store.CASBatchStatus(ctx, batchID, batch.Status, target); ok {
		s.hub.Publish(events.NewEvent(eventType, map[string]any{"batchId": batchID}))
		s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(batchID), "batch transitioned to "+target)
	}
}

func (s *Service) failBatch(ctx context.Context, batchID int64, reason string) {
	batch, err := s.store.GetBatchByID(ctx, batchID)
	if err != nil || store.BatchTerminal(batch.Status) {
		return
	}
	now := time.Now().UTC()
	phases, err := s.store.ListPhaseExecutionsForBatch(ctx, batchID)
	if err == nil {
		for _, ph := range phases {
			if !store.PhaseTerminal(ph.Status) {
				_, _ = s.store.CASPhaseStatus(ctx, ph.ID, ph.Status, store.PhaseStatusFailed)
			}
			s.cancelPhaseSteps(ctx, ph.ID, now)
		}
	}
	if ok, _ := s.store.CASBatchStatus(ctx, batchID, batch.Status, store.BatchStatusFailed); ok {
		s.hub.Publish(events.NewEvent(events.TypeBatchFailed, map[string]any{"batchId": batchID}))
		s.raiseAlert(ctx, "batch-failed-"+activity.BatchResource(batchID), activity.BatchResource(batchID), "batch failed", reason)
	}
}

func (s *Service) cancelPhaseSteps(ctx context.Context, phaseExecutionID int64, at time.Time) {
	steps, err := s.store.ListStepExecutionsForPhase(ctx, phaseExecutionID)
	if err != nil {
		return
	}
	for _, st := range steps {
		if store.StepTerminal(st.Status) {
			continue
		}
		_, _ = s.store.SetStepCancelled(ctx, st.ID, at)
	}
}

func (s *Service) executeRollbackForStep(ctx context.Context, st store.StepExecution, rollbackName string, batchID int64, runbookName string, runbookVersion int) {
	rb, err := s.store.GetRunbookByNameVersion(ctx, runbookName, runbookVersion)
	if err != nil {
		return
	}
	def, err := runbookdef.Parse([]byte(rb.YAML))
	if err != nil {
		return
	}
	seq, ok := def.Rollbacks[rollbackName]
	if !ok || len(seq) == 0 {
		return
	}
	s.runRollbackSequence(ctx, *def, seq, rollbackName, batchID, st.BatchMemberID, runbookName, runbookVersion, &st.ID)
}

// runRollbackSequence fires every named step of a rollback sequence for a
// single member as a best-effort, fire-and-forget job: there is no
// dedicated execution record tracking a rollback step's own completion, so
// its result is logged, not fed back into the step/phase/batch state
// machine.
func (s *Service) runRollbackSequence(ctx context.Context, def runbookdef.RunbookDefinition, seq []string, rollbackName string, batchID, memberID int64, runbookName string, runbookVersion int, originStepID *int64) {
	member, err := s.store.GetBatchMemberByID(ctx, memberID)
	if err != nil {
		return
	}
	for idx, stepName := range seq {
		stepDef, ok := runbookdef.FindStepDef(def, stepName)
		if !ok {
			continue
		}
		resolved, err := runbookdef.ExpandStep(stepDef, idx, member.Data, batchID, nil)
		if err != nil {
			s.log.Warn("rollback step template resolution failed", "step", stepName, "error", err)
			continue
		}
		jobID := rollbackJobID(batchID, rollbackName, idx)
		env := bus.JobEnvelope{
			JobID:        jobID,
			WorkerID:     resolved.WorkerID,
			FunctionName: resolved.FunctionName,
			Parameters:   decodeParams(resolved.ParamsJSON),
			Correlation: bus.CorrelationData{
				StepExecutionID: originStepID,
				IsRollback:      true,
				RunbookName:     runbookName,
				RunbookVersion:  runbookVersion,
				BatchID:         batchID,
			},
		}
		if err := s.bus.PublishNow(ctx, bus.TopicJobs, jobID, env, map[string]string{"workerId": resolved.WorkerID}); err != nil {
			s.log.Warn("publish rollback job failed", "job_id", jobID, "error", err)
		}
	}
	if originStepID != nil {
		_, _ = s.store.SetStepRolledBack(ctx, *originStepID, time.Now().UTC())
	}
}

func rollbackJobID(batchID int64, rollbackName string, idx int) string {
	return "rollback-" + strconv.FormatInt(batchID, 10) + "-" + rollbackName + "-" + strconv.Itoa(idx)
}

// ---- init results ----

func (s *Service) applyInitResult(ctx context.Context, initID int64, res bus.ResultEnvelope, runbookName string, runbookVersion int) {
	e, err := s.store.GetInitExecutionByID(ctx, initID)
	if err != nil {
		return
	}
	if store.StepTerminal(e.Status) {
		return
	}
	now := time.Now().UTC()

	if res.Status == bus.ResultStatusFailure {
		s.handleInitFailure(ctx, e, res, runbookName, runbookVersion)
		return
	}

	if e.IsPollStep && res.Polling {
		if e.Status == store.StepStatusDispatched {
			if _, err := s.store.SetInitPolling(ctx, e.ID, now); err != nil {
				s.log.Warn("set init polling failed", "init_execution_id", e.ID, "error", err)
			}
			return
		}
		if err := s.store.RecordInitPollAttempt(ctx, e.ID, now); err != nil {
			s.log.Warn("record init poll attempt failed", "init_execution_id", e.ID, "error", err)
		}
		return
	}

	ok, err := s.store.SetInitSucceeded(ctx, e.ID, outputJSON(res.Output), now)
	if err != nil || !ok {
		return
	}
	s.maybeActivateBatch(ctx, e.BatchID)
}

func (s *Service) handleInitFailure(ctx context.Context, e store.InitExecution, res bus.ResultEnvelope, runbookName string, runbookVersion int) {
	now := time.Now().UTC()
	onFailure := e.OnFailure
	if onFailure == "" {
		onFailure = store.OnFailureRetry
	}

	retryable := (onFailure == store.OnFailureRetry && e.RetryCount < e.MaxRetries) ||
		(res.Throttled && e.RetryCount < s.cfg.ThrottleHardCap)

	if retryable {
		retryAfter := now.Add(computeBackoff(e.RetryCount, e.RetryIntervalSec))
		ok, err := s.store.SetInitRetryPending(ctx, e.ID, res.Error, retryAfter, now)
		if err != nil || !ok {
			return
		}
		s.publishRetryCheck(ctx, e.ID, true, runbookName, runbookVersion, e.BatchID, retryAfter)
		return
	}

	ok, err := s.store.SetInitFailed(ctx, e.ID, res.Error, now)
	if err != nil || !ok {
		return
	}
	s.applyInitFailureDirective(ctx, e, onFailure)
}

// applyInitFailureDirective carries out an init step's on_failure directive
// once it has been recorded failed with no further retry scheduled. Shared
// by the result-driven failure path and the poll-timeout path, since a
// timed-out poll and a worker-reported failure end up needing the same
// directive applied.
func (s *Service) applyInitFailureDirective(ctx context.Context, e store.InitExecution, onFailure string) {
	switch {
	case onFailure == store.OnFailureSkip:
		s.logActivity(ctx, activity.SeverityWarn, activity.BatchResource(e.BatchID), "init step "+e.StepName+" failed and was skipped")
		s.maybeActivateBatch(ctx, e.BatchID)
	case strings.HasPrefix(onFailure, "rollback:"):
		// No phase/member scope exists for an init failure; fail the batch
		// after logging, since a rollback of partially-applied init work
		// implies the batch cannot proceed.
		s.failBatch(ctx, e.BatchID, "init step "+e.StepName+" failed, rollback: "+strings.TrimPrefix(onFailure, "rollback:"))
	default:
		// fail_phase has no meaning before any phase exists; treat it and
		// fail_batch identically for init steps.
		s.failBatch(ctx, e.BatchID, "init step "+e.StepName+" failed with on_failure: "+onFailure)
	}
}

func (s *Service) maybeActivateBatch(ctx context.Context, batchID int64) {
	inits, err := s.store.ListInitExecutionsForBatch(ctx, batchID)
	if err != nil {
		return
	}
	for _, e := range inits {
		if !store.StepTerminal(e.Status) {
			return
		}
	}
	if ok, _ := s.store.CASBatchStatus(ctx, batchID, store.BatchStatusInitDispatch, store.BatchStatusActive); ok {
		s.hub.Publish(events.NewEvent(events.TypeBatchCreated, map[string]any{"batchId": batchID}))
		s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(batchID), "batch activated, init sequence complete")
	}
}
