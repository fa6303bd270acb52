package emm

import (
	"context"
	"errors"
	"fmt"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// CreateRetryRun resumes work interrupted at or past the mutation boundary.
// In one transaction it opens a retry session, creates a new consumer run in
// the emitting phase carrying the failed run's prepare result and input
// state, transfers the failed run's event reservations to the new run, and
// clears the workflow's pending retry marker.
//
// The failed run must be terminal or paused with a post-mutation phase, or
// hold a mutation that pins its reservations. A workflow with an active run
// or a pending retry pointing at a different run rejects with
// ErrConflictingRetry.
func (m *Manager) CreateRetryRun(ctx context.Context, failedRunID string) (workflow.HandlerRun, workflow.ScriptRun, error) {
	now := m.now().UTC()
	var (
		retry   workflow.HandlerRun
		session workflow.ScriptRun
	)
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		failed, err := tx.GetHandlerRun(ctx, failedRunID)
		if err != nil {
			return err
		}
		if failed.Status == workflow.RunActive {
			return fmt.Errorf("%w: run %q is still active", ErrConflictingRetry, failedRunID)
		}
		if failed.HandlerType != workflow.HandlerConsumer {
			return fmt.Errorf("%w: retry-at-emitting applies to consumers, run %q is a %s", ErrInvariantViolation, failedRunID, failed.HandlerType)
		}
		mut, merr := tx.MutationForRun(ctx, failedRunID)
		if merr != nil && !errors.Is(merr, store.ErrNotFound) {
			return merr
		}
		if merr == nil {
			switch mut.Status {
			case workflow.MutationNeedsReconcile, workflow.MutationIndeterminate:
				return fmt.Errorf("%w: run %q awaits mutation reconciliation", ErrConflictingRetry, failedRunID)
			}
		}
		resumable := failed.Phase.PostMutation()
		if merr == nil && mut.Status == workflow.MutationApplied {
			resumable = true
		}
		if merr == nil && mut.Status == workflow.MutationFailed && mut.Outcome == workflow.OutcomeSkip {
			resumable = true
		}
		if !resumable {
			return fmt.Errorf("%w: run %q stopped in phase %s before the mutation boundary; a fresh session re-prepares instead", ErrInvariantViolation, failedRunID, failed.Phase)
		}

		wf, err := tx.GetWorkflow(ctx, failed.WorkflowID)
		if err != nil {
			return err
		}
		if wf.PendingRetryRunID != "" && wf.PendingRetryRunID != failedRunID {
			return fmt.Errorf("%w: workflow %q pending retry is run %q", ErrConflictingRetry, wf.ID, wf.PendingRetryRunID)
		}
		active, err := tx.ListActiveHandlerRuns(ctx, wf.ID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return fmt.Errorf("%w: workflow %q has active run %q", ErrConflictingRetry, wf.ID, active[0].ID)
		}

		session = workflow.ScriptRun{
			ID:         m.newID(),
			ScriptID:   wf.ActiveScriptID,
			WorkflowID: wf.ID,
			Trigger:    workflow.TriggerRetry,
			StartedAt:  now,
			RetryOf:    failed.ScriptRunID,
		}
		if err := tx.PutScriptRun(ctx, session); err != nil {
			return err
		}

		retry = workflow.HandlerRun{
			ID:            m.newID(),
			ScriptRunID:   session.ID,
			WorkflowID:    wf.ID,
			HandlerType:   workflow.HandlerConsumer,
			HandlerName:   failed.HandlerName,
			Phase:         workflow.PhaseEmitting,
			Status:        workflow.RunActive,
			RetryOf:       failed.ID,
			PrepareResult: failed.PrepareResult,
			InputState:    failed.InputState,
			StartedAt:     now,
		}
		if err := tx.PutHandlerRun(ctx, retry); err != nil {
			return err
		}
		if _, err := tx.TransferReservations(ctx, failed.ID, retry.ID); err != nil {
			return err
		}

		wf.PendingRetryRunID = ""
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return workflow.HandlerRun{}, workflow.ScriptRun{}, translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricSessionsStarted, 1, "trigger", string(workflow.TriggerRetry))
	m.logger.Info(ctx, "retry run created",
		"workflow_id", retry.WorkflowID, "run_id", retry.ID, "retry_of", failedRunID, "handler", retry.HandlerName)
	m.emit(ctx, stream.Event{Type: stream.TypeSessionStarted, WorkflowID: retry.WorkflowID, SessionID: session.ID, Detail: map[string]any{"trigger": string(workflow.TriggerRetry), "retry_of": failedRunID}})
	return retry, session, nil
}
