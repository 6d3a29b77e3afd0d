package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

// sweepPolling is the primary mechanism that keeps an in-progress poll
// moving: nothing on the result-handling side re-triggers the next poll
// attempt on its own, so every tick this checks which polling step and
// init executions have waited past their poll interval (or past their
// poll timeout) and publishes the control event that drives the next step.
func (s *Service) sweepPolling(ctx context.Context, now time.Time) {
	steps, err := s.store.ListDuePollSteps(ctx, now)
	if err != nil {
		s.log.Warn("list due poll steps failed", "error", err)
	}
	for _, st := range steps {
		s.pollStep(ctx, st, now)
	}

	inits, err := s.store.ListDueInitPollSteps(ctx, now)
	if err != nil {
		s.log.Warn("list due init poll steps failed", "error", err)
	}
	for _, e := range inits {
		s.pollInit(ctx, e, now)
	}
}

func (s *Service) pollStep(ctx context.Context, st store.StepExecution, now time.Time) {
	ph, err := s.store.GetPhaseExecutionByID(ctx, st.PhaseExecutionID)
	if err != nil {
		s.log.Warn("get phase execution failed", "step_execution_id", st.ID, "error", err)
		return
	}
	runbookName, runbookVersion, err := s.batchRunbookContext(ctx, ph.BatchID, ph.RunbookVersion)
	if err != nil {
		s.log.Warn("resolve runbook context failed", "step_execution_id", st.ID, "error", err)
		return
	}

	if st.PollStartedAt != nil && st.PollTimeoutSec > 0 && st.PollStartedAt.Add(time.Duration(st.PollTimeoutSec)*time.Second).Before(now) {
		s.publishPollTimeout(ctx, st.ID, false, runbookName, runbookVersion, ph.BatchID)
		return
	}
	s.publishPollCheck(ctx, st.ID, false, runbookName, runbookVersion, ph.BatchID, st.StepName, st.PollCount)
}

func (s *Service) pollInit(ctx context.Context, e store.InitExecution, now time.Time) {
	runbookName, runbookVersion, err := s.batchRunbookContext(ctx, e.BatchID, e.RunbookVersion)
	if err != nil {
		s.log.Warn("resolve runbook context failed", "init_execution_id", e.ID, "error", err)
		return
	}

	if e.PollStartedAt != nil && e.PollTimeoutSec > 0 && e.PollStartedAt.Add(time.Duration(e.PollTimeoutSec)*time.Second).Before(now) {
		s.publishPollTimeout(ctx, e.ID, true, runbookName, runbookVersion, e.BatchID)
		return
	}
	s.publishPollCheck(ctx, e.ID, true, runbookName, runbookVersion, e.BatchID, e.StepName, e.PollCount)
}

func (s *Service) publishPollCheck(ctx context.Context, executionID int64, isInitStep bool, runbookName string, runbookVersion int, batchID int64, stepName string, pollCount int) {
	payload := bus.PollCheckPayload{
		RunbookName: runbookName, RunbookVersion: runbookVersion, BatchID: batchID,
		StepExecutionID: executionID, StepName: stepName, PollCount: pollCount, IsInitStep: isInitStep,
	}
	messageID := fmt.Sprintf("poll-check-%v-%d-%d", isInitStep, executionID, pollCount)
	if err := s.bus.PublishNow(ctx, bus.TopicControl, messageID, payload, map[string]string{"kind": bus.EventPollCheck}); err != nil {
		s.log.Warn("publish poll-check failed", "execution_id", executionID, "error", err)
	}
}

// publishPollTimeout reuses RetryCheckPayload's shape: a poll timeout, like
// a retry check, only needs to identify which execution row to act on and
// which runbook context to act in.
func (s *Service) publishPollTimeout(ctx context.Context, executionID int64, isInitStep bool, runbookName string, runbookVersion int, batchID int64) {
	payload := bus.RetryCheckPayload{
		StepExecutionID: executionID, IsInitStep: isInitStep,
		RunbookName: runbookName, RunbookVersion: runbookVersion, BatchID: batchID,
	}
	messageID := fmt.Sprintf("poll-timeout-%v-%d", isInitStep, executionID)
	if err := s.bus.PublishNow(ctx, bus.TopicControl, messageID, payload, map[string]string{"kind": bus.EventPollTimeout}); err != nil {
		s.log.Warn("publish poll-timeout failed", "execution_id", executionID, "error", err)
	}
}

// sweepRetries is a safety net for the deferred-delivery retry check the
// orchestrator schedules itself when a step first fails: if that publish
// was lost (process crash between SetStepRetryPending and publishRetryCheck),
// this catches the row by its stored retry_after and republishes the
// identical message id, which the bus dedupes against if the original
// publish actually did land.
func (s *Service) sweepRetries(ctx context.Context, now time.Time) {
	steps, err := s.store.ListDueRetrySteps(ctx, now)
	if err != nil {
		s.log.Warn("list due retry steps failed", "error", err)
	}
	for _, st := range steps {
		ph, err := s.store.GetPhaseExecutionByID(ctx, st.PhaseExecutionID)
		if err != nil {
			continue
		}
		runbookName, runbookVersion, err := s.batchRunbookContext(ctx, ph.BatchID, ph.RunbookVersion)
		if err != nil {
			continue
		}
		s.republishRetryCheck(ctx, st.ID, false, runbookName, runbookVersion, ph.BatchID, *st.RetryAfter)
	}

	inits, err := s.store.ListDueInitRetries(ctx, now)
	if err != nil {
		s.log.Warn("list due init retries failed", "error", err)
	}
	for _, e := range inits {
		runbookName, runbookVersion, err := s.batchRunbookContext(ctx, e.BatchID, e.RunbookVersion)
		if err != nil {
			continue
		}
		s.republishRetryCheck(ctx, e.ID, true, runbookName, runbookVersion, e.BatchID, *e.RetryAfter)
	}
}

func (s *Service) republishRetryCheck(ctx context.Context, executionID int64, isInitStep bool, runbookName string, runbookVersion int, batchID int64, retryAfter time.Time) {
	kind := "step"
	if isInitStep {
		kind = "init"
	}
	payload := bus.RetryCheckPayload{
		StepExecutionID: executionID, IsInitStep: isInitStep,
		RunbookName: runbookName, RunbookVersion: runbookVersion, BatchID: batchID,
	}
	messageID := fmt.Sprintf("retry-check-%s-%d-at-%d", kind, executionID, retryAfter.Unix())
	if err := s.bus.PublishNow(ctx, bus.TopicControl, messageID, payload, map[string]string{"kind": bus.EventRetryCheck}); err != nil {
		s.log.Warn("republish retry-check failed", "execution_id", executionID, "error", err)
	}
}

// batchRunbookContext resolves a batch id to the runbook name and pinned
// version an execution row needs for job correlation, without assuming the
// batch's current runbook_id still matches the row's own runbook_version
// (a version transition can move one out from under the other).
func (s *Service) batchRunbookContext(ctx context.Context, batchID int64, runbookVersion int) (string, int, error) {
	batch, err := s.store.GetBatchByID(ctx, batchID)
	if err != nil {
		return "", 0, err
	}
	rb, err := s.store.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return "", 0, err
	}
	return rb.Name, runbookVersion, nil
}
