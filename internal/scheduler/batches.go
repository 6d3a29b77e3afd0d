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

// immediateBucketWindow buckets every "immediate" batch_time row detected
// within the same 5-minute window into a single batch, so a jittery tick
// cadence around a data source's natural refresh rate doesn't fracture one
// logical cohort into several batches.
const immediateBucketWindow = 5 * time.Minute

// syncBatches reads back the runbook's freshly-synced dynamic table,
// groups its current rows into batches by batch_time mode, and reconciles
// each group's membership against the store.
func (s *Service) syncBatches(ctx context.Context, rb store.Runbook, def runbookdef.RunbookDefinition, now time.Time) error {
	tableName := runbookdef.DynamicTableName(rb.Name, rb.Version)
	rows, err := s.store.ListDynamicTableCurrentRows(ctx, tableName)
	if err != nil {
		return fmt.Errorf("list dynamic table rows: %w", err)
	}

	groups := s.groupTableRows(rows, def, now)
	for key, group := range groups {
		if err := s.syncBatchGroup(ctx, rb, def, key, group); err != nil {
			s.log.Warn("sync batch group failed", "runbook", rb.Name, "error", err)
		}
	}
	return nil
}

// groupTableRows partitions dynamic-table rows into batches keyed by a
// batch start time. Immediate mode uses a single bucket per tick; column
// mode parses each row's configured batch-time column independently,
// dropping rows whose value doesn't parse (logged, not fatal — one bad
// row must never block the rest of the cohort).
func (s *Service) groupTableRows(rows []map[string]string, def runbookdef.RunbookDefinition, now time.Time) map[time.Time][]map[string]string {
	groups := map[time.Time][]map[string]string{}
	switch def.DataSource.BatchTime {
	case runbookdef.BatchTimeColumn:
		for _, row := range rows {
			raw, ok := row[def.DataSource.BatchTimeColumn]
			if !ok || raw == "" {
				s.log.Warn("dropping row missing batch time column", "column", def.DataSource.BatchTimeColumn, "member_key", row["_member_key"])
				continue
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.log.Warn("dropping row with unparsable batch time", "column", def.DataSource.BatchTimeColumn, "value", raw, "member_key", row["_member_key"], "error", err)
				continue
			}
			t = t.UTC()
			groups[t] = append(groups[t], row)
		}
	default: // immediate
		bucket := now.Truncate(immediateBucketWindow)
		groups[bucket] = rows
	}
	return groups
}

// syncBatchGroup gets-or-creates the batch for one (runbookID, batchStartTime)
// group, upserts every current row as a member, diffs active membership
// against the group to find removed members, and either initializes a
// brand-new batch or publishes member-added/member-removed control events
// for an existing one.
func (s *Service) syncBatchGroup(ctx context.Context, rb store.Runbook, def runbookdef.RunbookDefinition, batchStartTime time.Time, rows []map[string]string) error {
	start := batchStartTime
	batch, existed, err := s.store.GetOrCreateBatchForGroup(ctx, rb.ID, &start)
	if err != nil {
		return fmt.Errorf("get or create batch: %w", err)
	}

	present := make(map[string]bool, len(rows))
	var addedIDs []int64
	for _, row := range rows {
		memberKey := row["_member_key"]
		if memberKey == "" {
			continue
		}
		present[memberKey] = true
		data := make(map[string]any, len(row))
		for k, v := range row {
			if k == "_member_key" || k == "_is_current" || k == "_synced_at" {
				continue
			}
			data[k] = v
		}
		member, created, err := s.store.UpsertMember(ctx, batch.ID, memberKey, data)
		if err != nil {
			s.log.Warn("upsert member failed", "batch_id", batch.ID, "member_key", memberKey, "error", err)
			continue
		}
		if created {
			addedIDs = append(addedIDs, member.ID)
		}
	}

	var removedIDs []int64
	if existed {
		active, err := s.store.ListActiveMembers(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("list active members: %w", err)
		}
		for _, m := range active {
			if !present[m.MemberKey] {
				if ok, err := s.store.MarkMemberRemoved(ctx, m.ID, time.Now().UTC()); err == nil && ok {
					removedIDs = append(removedIDs, m.ID)
				}
			}
		}
	}

	if !existed {
		return s.initializeNewBatch(ctx, rb, def, batch)
	}

	for _, id := range addedIDs {
		s.publishMemberEvent(ctx, bus.EventMemberAdded, rb, batch, id)
	}
	for _, id := range removedIDs {
		s.publishMemberEvent(ctx, bus.EventMemberRemoved, rb, batch, id)
	}
	return nil
}

// initializeNewBatch creates every phase execution and init execution for
// a freshly detected batch, then either dispatches init step 0 (publishing
// batch-init) or, when the runbook defines no init steps, activates the
// batch directly — there is nothing to wait on.
func (s *Service) initializeNewBatch(ctx context.Context, rb store.Runbook, def runbookdef.RunbookDefinition, batch store.Batch) error {
	for _, ph := range def.Phases {
		offsetMinutes, err := runbookdef.ParseOffset(ph.Offset)
		if err != nil {
			s.log.Warn("invalid phase offset", "runbook", rb.Name, "phase", ph.Name, "error", err)
			continue
		}
		dueAt := runbookdef.CalculateDueAt(batch.BatchStartTime, offsetMinutes)
		if _, err := s.store.CreatePhaseExecution(ctx, batch.ID, ph.Name, offsetMinutes, dueAt, rb.Version); err != nil {
			s.log.Warn("create phase execution failed", "runbook", rb.Name, "phase", ph.Name, "error", err)
		}
	}

	if len(def.Init) == 0 {
		if ok, err := s.store.CASBatchStatus(ctx, batch.ID, store.BatchStatusDetected, store.BatchStatusActive); err != nil {
			return err
		} else if ok {
			s.logActivity(ctx, activity.SeverityInfo, activity.BatchResource(batch.ID), "batch activated, no init steps defined")
		}
		return nil
	}

	for idx, stepDef := range def.Init {
		resolved := runbookdef.ExpandInitStep(stepDef, idx, batch.ID, batch.BatchStartTime)
		if _, err := s.store.CreateInitExecution(ctx, store.NewInitExecutionParams{
			BatchID: batch.ID, RunbookVersion: rb.Version, StepName: resolved.StepName, StepIndex: resolved.StepIndex,
			WorkerID: resolved.WorkerID, FunctionName: resolved.FunctionName, ParamsJSON: resolved.ParamsJSON,
			OnFailure: resolved.OnFailure, IsPollStep: resolved.IsPollStep, PollIntervalSec: resolved.PollIntervalSec,
			PollTimeoutSec: resolved.PollTimeoutSec, MaxRetries: s.opts.DefaultMaxRetries, RetryIntervalSec: s.opts.DefaultRetryIntervalSec,
		}); err != nil {
			s.log.Warn("create init execution failed", "runbook", rb.Name, "step", resolved.StepName, "error", err)
		}
	}
	s.publishBatchInit(ctx, rb, batch)
	return nil
}

func (s *Service) publishBatchInit(ctx context.Context, rb store.Runbook, batch store.Batch) {
	if err := s.store.SetBatchInitDispatched(ctx, batch.ID, time.Now().UTC()); err != nil {
		s.log.Warn("set batch init dispatched failed", "batch_id", batch.ID, "error", err)
	}
	if _, err := s.store.CASBatchStatus(ctx, batch.ID, store.BatchStatusDetected, store.BatchStatusInitDispatch); err != nil {
		s.log.Warn("cas batch status to init_dispatched failed", "batch_id", batch.ID, "error", err)
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
	messageID := fmt.Sprintf("batch-init-%d", batch.ID)
	if err := s.bus.PublishNow(ctx, bus.TopicControl, messageID, payload, map[string]string{"kind": bus.EventBatchInit}); err != nil {
		s.log.Warn("publish batch-init failed", "batch_id", batch.ID, "error", err)
	}
}

func (s *Service) publishMemberEvent(ctx context.Context, kind string, rb store.Runbook, batch store.Batch, memberID int64) {
	member, err := s.store.GetBatchMemberByID(ctx, memberID)
	if err != nil {
		s.log.Warn("get batch member failed", "member_id", memberID, "error", err)
		return
	}
	payload := bus.MemberEventPayload{
		RunbookName: rb.Name, RunbookVersion: rb.Version, BatchID: batch.ID,
		BatchMemberID: memberID, MemberKey: member.MemberKey,
	}
	messageID := fmt.Sprintf("%s-%d-%d", kind, batch.ID, memberID)
	if err := s.bus.PublishNow(ctx, bus.TopicControl, messageID, payload, map[string]string{"kind": kind}); err != nil {
		s.log.Warn("publish member event failed", "kind", kind, "member_id", memberID, "error", err)
	}
}
