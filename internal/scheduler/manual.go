package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/activity"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

// ErrBatchNotReady is returned by Advance when the batch has outstanding
// non-terminal work (an in-flight init sequence, or an in-flight phase)
// that must finish before the next step can be dispatched.
var ErrBatchNotReady = errors.New("scheduler: batch not ready to advance")

// Advance implements the admin-triggered manual batch advancement
// protocol: a manual batch is never moved forward by a due_at, so an
// operator calls this explicitly to push it through its init sequence and
// then one phase at a time.
func (s *Service) Advance(ctx context.Context, batchID int64) error {
	batch, err := s.store.GetBatchByID(ctx, batchID)
	if err != nil {
		return err
	}
	if store.BatchTerminal(batch.Status) {
		return fmt.Errorf("batch %d is already terminal (%s)", batchID, batch.Status)
	}
	now := time.Now().UTC()

	switch batch.Status {
	case store.BatchStatusDetected:
		inits, err := s.store.ListInitExecutionsForBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if len(inits) > 0 {
			rb, err := s.store.GetRunbookByID(ctx, batch.RunbookID)
			if err != nil {
				return err
			}
			s.publishBatchInit(ctx, rb, batch)
			return nil
		}
		return s.advanceToNextPhase(ctx, batch, now)

	case store.BatchStatusInitDispatch:
		inits, err := s.store.ListInitExecutionsForBatch(ctx, batchID)
		if err != nil {
			return err
		}
		for _, e := range inits {
			if !store.StepTerminal(e.Status) {
				return fmt.Errorf("%w: init step %s still running", ErrBatchNotReady, e.StepName)
			}
		}
		return s.advanceToNextPhase(ctx, batch, now)

	default: // active
		return s.advanceToNextPhase(ctx, batch, now)
	}
}

// advanceToNextPhase finds the lowest-ordered pending phase whose
// predecessors are all completed, skipped, or superseded, and dispatches
// it. A batch whose every phase is already terminal is a no-op success —
// it simply has nothing left to advance.
func (s *Service) advanceToNextPhase(ctx context.Context, batch store.Batch, now time.Time) error {
	phases, err := s.store.ListPhaseExecutionsForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	if len(phases) == 0 {
		return fmt.Errorf("batch %d has no phase executions defined", batch.ID)
	}

	allTerminal := true
	for _, ph := range phases {
		if !store.PhaseTerminal(ph.Status) {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		return nil
	}

	priorClear := true
	for _, ph := range phases {
		switch {
		case ph.Status == store.PhaseStatusPending:
			if !priorClear {
				return fmt.Errorf("%w: phase %s waiting on an earlier phase", ErrBatchNotReady, ph.PhaseName)
			}
			s.dispatchDuePhase(ctx, ph, now)
			return nil
		case !store.PhaseTerminal(ph.Status):
			priorClear = false
		}
	}
	return nil
}

// Cancel cancels every non-terminal step and init execution for a batch
// and marks the batch failed. Unlike a failed step's on_failure handling,
// there is no rollback sequence implied — an operator cancelling a batch
// is expected to clean up manually if that's needed.
func (s *Service) Cancel(ctx context.Context, batchID int64) error {
	batch, err := s.store.GetBatchByID(ctx, batchID)
	if err != nil {
		return err
	}
	if store.BatchTerminal(batch.Status) {
		return nil
	}
	now := time.Now().UTC()

	if err := s.store.CancelPendingInitExecutions(ctx, batch.ID, now); err != nil {
		s.log.Warn("cancel pending init executions failed", "batch_id", batch.ID, "error", err)
	}

	phases, err := s.store.ListPhaseExecutionsForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	for _, ph := range phases {
		if store.PhaseTerminal(ph.Status) {
			continue
		}
		steps, err := s.store.ListStepExecutionsForPhase(ctx, ph.ID)
		if err == nil {
			for _, st := range steps {
				if !store.StepTerminal(st.Status) {
					if _, err := s.store.SetStepCancelled(ctx, st.ID, now); err != nil {
						s.log.Warn("cancel step execution failed", "step_execution_id", st.ID, "error", err)
					}
				}
			}
		}
		if _, err := s.store.CASPhaseStatus(ctx, ph.ID, ph.Status, store.PhaseStatusFailed); err != nil {
			s.log.Warn("cas phase status to failed failed", "phase_execution_id", ph.ID, "error", err)
		}
	}

	if _, err := s.store.CASBatchStatus(ctx, batch.ID, batch.Status, store.BatchStatusFailed); err != nil {
		return err
	}
	s.logActivity(ctx, activity.SeverityWarn, activity.BatchResource(batch.ID), "batch cancelled by operator")
	return nil
}
