package orchestrator

import (
	"context"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/policy"
	"github.com/opus-domini/tenantmigrator/internal/worker"
)

// drainJobs claims pending job envelopes and executes them against the
// registered worker, directly and synchronously — the bus round-trip here
// exists for audit/dedup, not for actual transport between processes.
func (s *Service) drainJobs(ctx context.Context) {
	msgs, payloads, err := s.bus.Claim(ctx, bus.TopicJobs, s.cfg.Prefetch, func() any { return new(bus.JobEnvelope) })
	if err != nil {
		s.log.Warn("jobs claim failed", "error", err)
		return
	}
	for i := range msgs {
		job, ok := payloads[i].(*bus.JobEnvelope)
		if !ok || job == nil {
			continue
		}
		s.executeJob(ctx, *job)
	}
}

func (s *Service) executeJob(ctx context.Context, job bus.JobEnvelope) {
	start := time.Now()
	result := s.runJob(ctx, job)
	result.DurationMs = time.Since(start).Milliseconds()
	result.Timestamp = time.Now().UTC()
	result.Correlation = job.Correlation

	resultID := job.JobID + "-result"
	if err := s.bus.PublishNow(ctx, bus.TopicResults, resultID, result, nil); err != nil {
		s.log.Warn("publish result failed", "job_id", job.JobID, "error", err)
	}
}

func (s *Service) runJob(ctx context.Context, job bus.JobEnvelope) bus.ResultEnvelope {
	w, ok := s.workers.Lookup(job.WorkerID)
	if !ok {
		return bus.ResultEnvelope{JobID: job.JobID, Status: bus.ResultStatusFailure, Error: "worker " + job.WorkerID + " not registered"}
	}

	decision, err := s.policy.Evaluate(ctx, policy.Target(job.WorkerID, job.FunctionName))
	if err != nil {
		s.log.Warn("policy evaluate failed", "target", policy.Target(job.WorkerID, job.FunctionName), "error", err)
	}
	if !decision.Allowed {
		return bus.ResultEnvelope{JobID: job.JobID, Status: bus.ResultStatusFailure, Error: decision.Message}
	}

	wj := worker.Job{JobID: job.JobID, WorkerID: job.WorkerID, FunctionName: job.FunctionName, Params: job.Parameters}

	var res worker.Result
	if job.Correlation.IsPoll {
		res, err = w.Poll(ctx, wj)
	} else {
		res, err = w.Execute(ctx, wj)
	}
	if err != nil {
		return bus.ResultEnvelope{JobID: job.JobID, Status: bus.ResultStatusFailure, Error: err.Error()}
	}
	if !res.Success {
		return bus.ResultEnvelope{JobID: job.JobID, Status: bus.ResultStatusFailure, Error: res.Error, Throttled: res.Throttled, Output: res.Output}
	}
	return bus.ResultEnvelope{JobID: job.JobID, Status: bus.ResultStatusSuccess, Polling: res.Polling, Output: res.Output}
}
