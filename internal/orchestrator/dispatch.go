package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/activity"
	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/runbookdef"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

func decodeParams(paramsJSON string) map[string]string {
	var params map[string]string
	_ = json.Unmarshal([]byte(paramsJSON), &params)
	return params
}

func (s *Service) dispatchInitJob(ctx context.Context, e store.InitExecution, runbookName string, runbookVersion int) {
	jobID := fmt.Sprintf("init-%d-retry-%d", e.ID, e.RetryCount)
	ok, err := s.store.SetInitDispatched(ctx, e.ID, jobID, time.Now().UTC())
	if err != nil {
		s.log.Warn("set init dispatched failed", "init_execution_id", e.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	id := e.ID
	env := bus.JobEnvelope{
		JobID:        jobID,
		WorkerID:     e.WorkerID,
		FunctionName: e.FunctionName,
		Parameters:   decodeParams(e.ParamsJSON),
		Correlation: bus.CorrelationData{
			InitExecutionID: &id,
			IsInitStep:      true,
			RunbookName:     runbookName,
			RunbookVersion:  runbookVersion,
			BatchID:         e.BatchID,
		},
	}
	if err := s.bus.PublishNow(ctx, bus.TopicJobs, jobID, env, map[string]string{"workerId": e.WorkerID}); err != nil {
		s.log.Warn("publish init job failed", "init_execution_id", e.ID, "error", err)
	}
}

func (s *Service) dispatchInitPollJob(ctx context.Context, e store.InitExecution, runbookName string, runbookVersion int) {
	jobID := fmt.Sprintf("init-%d-retry-%d-poll-%d", e.ID, e.RetryCount, e.PollCount)
	id := e.ID
	env := bus.JobEnvelope{
		JobID:        jobID,
		WorkerID:     e.WorkerID,
		FunctionName: e.FunctionName,
		Parameters:   decodeParams(e.ParamsJSON),
		Correlation: bus.CorrelationData{
			InitExecutionID: &id,
			IsInitStep:      true,
			IsPoll:          true,
			RunbookName:     runbookName,
			RunbookVersion:  runbookVersion,
			BatchID:         e.BatchID,
		},
	}
	if err := s.bus.PublishNow(ctx, bus.TopicJobs, jobID, env, map[string]string{"workerId": e.WorkerID}); err != nil {
		s.log.Warn("publish init poll job failed", "init_execution_id", e.ID, "error", err)
	}
}

// dispatchStepJob publishes a job for st. Poll re-invocations reuse the
// step's current retry/poll counters to produce a fresh, deduped job id
// without touching the step's status (it stays polling).
func (s *Service) dispatchStepJob(ctx context.Context, st store.StepExecution, isPoll bool, batchID int64, runbookName string, runbookVersion int) {
	var jobID string
	if isPoll {
		jobID = fmt.Sprintf("step-%d-retry-%d-poll-%d", st.ID, st.RetryCount, st.PollCount)
	} else {
		jobID = fmt.Sprintf("step-%d-retry-%d", st.ID, st.RetryCount)
		ok, err := s.store.SetStepDispatched(ctx, st.ID, jobID, time.Now().UTC())
		if err != nil {
			s.log.Warn("set step dispatched failed", "step_execution_id", st.ID, "error", err)
			return
		}
		if !ok {
			return
		}
	}
	id := st.ID
	env := bus.JobEnvelope{
		JobID:        jobID,
		WorkerID:     st.WorkerID,
		FunctionName: st.FunctionName,
		Parameters:   decodeParams(st.ParamsJSON),
		Correlation: bus.CorrelationData{
			StepExecutionID: &id,
			IsInitStep:      false,
			IsPoll:          isPoll,
			RunbookName:     runbookName,
			RunbookVersion:  runbookVersion,
			BatchID:         batchID,
		},
	}
	if err := s.bus.PublishNow(ctx, bus.TopicJobs, jobID, env, map[string]string{"workerId": st.WorkerID}); err != nil {
		s.log.Warn("publish step job failed", "step_execution_id", st.ID, "error", err)
	}
}

func (s *Service) publishRetryCheck(ctx context.Context, stepExecutionID int64, isInitStep bool, runbookName string, runbookVersion int, batchID int64, retryAfter time.Time) {
	kind := "step"
	if isInitStep {
		kind = "init"
	}
	messageID := fmt.Sprintf("retry-check-%s-%d-at-%d", kind, stepExecutionID, retryAfter.Unix())
	payload := bus.RetryCheckPayload{
		StepExecutionID: stepExecutionID,
		IsInitStep:      isInitStep,
		RunbookName:     runbookName,
		RunbookVersion:  runbookVersion,
		BatchID:         batchID,
	}
	props := map[string]string{"kind": bus.EventRetryCheck}
	if err := s.bus.Publish(ctx, bus.TopicControl, messageID, payload, props, retryAfter); err != nil {
		s.log.Warn("publish retry-check failed", "step_execution_id", stepExecutionID, "error", err)
	}
}

// computeBackoff applies exponential backoff with jitter, clamped to 24h,
// matching the retry-interval contract: attempt 0 waits ~retryIntervalSec,
// each subsequent attempt doubles.
func computeBackoff(retryCount, retryIntervalSec int) time.Duration {
	if retryIntervalSec <= 0 {
		retryIntervalSec = 30
	}
	base := float64(retryIntervalSec) * math.Pow(2, float64(retryCount))
	const maxSeconds = 24 * 60 * 60
	if base > maxSeconds {
		base = maxSeconds
	}
	jitter := 1 + (rand.Float64()-0.5)*0.2 //nolint:gosec // timing jitter, not security sensitive
	d := time.Duration(base*jitter) * time.Second
	if d <= 0 {
		d = time.Duration(retryIntervalSec) * time.Second
	}
	return d
}

// materializeMemberForPhase expands every step of a phase's definition for a
// single newly-added member and dispatches step index 0. It is idempotent:
// redelivery of the same member-added event after step executions already
// exist is a no-op.
func (s *Service) materializeMemberForPhase(ctx context.Context, ph store.PhaseExecution, memberID int64, runbookName string, runbookVersion int) {
	existing, err := s.store.ListStepExecutionsForMember(ctx, ph.ID, memberID)
	if err != nil {
		s.log.Warn("list step executions for member failed", "phase_execution_id", ph.ID, "error", err)
		return
	}
	if len(existing) > 0 {
		return
	}

	rb, err := s.store.GetRunbookByNameVersion(ctx, runbookName, runbookVersion)
	if err != nil {
		s.log.Warn("get runbook version failed", "runbook", runbookName, "version", runbookVersion, "error", err)
		return
	}
	def, err := runbookdef.Parse([]byte(rb.YAML))
	if err != nil {
		s.log.Warn("parse runbook failed", "runbook", runbookName, "error", err)
		return
	}
	var phaseDef *runbookdef.PhaseDef
	for i := range def.Phases {
		if def.Phases[i].Name == ph.PhaseName {
			phaseDef = &def.Phases[i]
			break
		}
	}
	if phaseDef == nil {
		return
	}

	member, err := s.store.GetBatchMemberByID(ctx, memberID)
	if err != nil {
		return
	}
	batch, err := s.store.GetBatchByID(ctx, ph.BatchID)
	if err != nil {
		return
	}

	var first store.StepExecution
	for idx, stepDef := range phaseDef.Steps {
		resolved, err := runbookdef.ExpandStep(stepDef, idx, member.Data, batch.ID, batch.BatchStartTime)
		if err != nil {
			s.log.Warn("template resolution failed for added member", "member_id", memberID, "step", stepDef.Name, "error", err)
			se, createErr := s.store.CreateStepExecution(ctx, store.NewStepExecutionParams{
				PhaseExecutionID: ph.ID, BatchMemberID: memberID, StepName: stepDef.Name, StepIndex: idx,
				WorkerID: stepDef.WorkerID, FunctionName: stepDef.Function, OnFailure: store.OnFailureSkip,
				MaxRetries: s.cfg.DefaultMaxRetries, RetryIntervalSec: s.cfg.DefaultRetryIntervalSec,
			})
			if createErr == nil {
				_, _ = s.store.SetStepFailed(ctx, se.ID, err.Error(), time.Now().UTC())
			}
			continue
		}
		se, err := s.store.CreateStepExecution(ctx, store.NewStepExecutionParams{
			PhaseExecutionID: ph.ID, BatchMemberID: memberID, StepName: resolved.StepName, StepIndex: resolved.StepIndex,
			WorkerID: resolved.WorkerID, FunctionName: resolved.FunctionName, ParamsJSON: resolved.ParamsJSON,
			OnFailure: resolved.OnFailure, IsPollStep: resolved.IsPollStep, PollIntervalSec: resolved.PollIntervalSec,
			PollTimeoutSec: resolved.PollTimeoutSec, MaxRetries: s.cfg.DefaultMaxRetries, RetryIntervalSec: s.cfg.DefaultRetryIntervalSec,
		})
		if err != nil {
			s.log.Warn("create step execution for added member failed", "member_id", memberID, "error", err)
			continue
		}
		if idx == 0 {
			first = se
		}
	}
	if first.ID != 0 {
		s.dispatchStepJob(ctx, first, false, ph.BatchID, runbookName, runbookVersion)
	}
	s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(ph.BatchID), "member "+member.MemberKey+" joined in-flight phase "+ph.PhaseName)
}
