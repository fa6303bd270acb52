package emm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/reconcile"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// BeginMutationOpts describes the mutation tool call being recorded.
type BeginMutationOpts struct {
	ToolNamespace  string
	ToolMethod     string
	Params         json.RawMessage
	IdempotencyKey string
}

// BeginMutation durably records the in_flight mutation before the external
// side effect starts. At most one mutation may exist per handler run; the
// run must be a consumer in the mutating phase.
func (m *Manager) BeginMutation(ctx context.Context, runID string, opts BeginMutationOpts) (workflow.Mutation, error) {
	mut := workflow.Mutation{
		ID:             m.newID(),
		HandlerRunID:   runID,
		ToolNamespace:  opts.ToolNamespace,
		ToolMethod:     opts.ToolMethod,
		Params:         opts.Params,
		IdempotencyKey: opts.IdempotencyKey,
		Status:         workflow.MutationInFlight,
		CreatedAt:      m.now().UTC(),
	}
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		hr, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if hr.HandlerType != workflow.HandlerConsumer || hr.Phase != workflow.PhaseMutating {
			return fmt.Errorf("%w: run %q in phase %s may not start a mutation", ErrInvariantViolation, runID, hr.Phase)
		}
		if hr.Status != workflow.RunActive {
			return fmt.Errorf("%w: run %q is %s", ErrInvariantViolation, runID, hr.Status)
		}
		if _, err := tx.MutationForRun(ctx, runID); err == nil {
			return fmt.Errorf("%w: run %q already has a mutation", ErrInvariantViolation, runID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		mut.WorkflowID = hr.WorkflowID
		return tx.PutMutation(ctx, mut)
	})
	if err != nil {
		return workflow.Mutation{}, translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricMutations, 1, "status", string(workflow.MutationInFlight))
	return mut, nil
}

// ApplyMutation atomically marks the mutation applied and advances the
// owning run's phase to mutated. No observer can see one without the other.
func (m *Manager) ApplyMutation(ctx context.Context, mutationID string, result json.RawMessage) error {
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		mut, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if mut.Status == workflow.MutationApplied {
			return nil // idempotent repeat
		}
		if mut.Status != workflow.MutationInFlight && mut.Status != workflow.MutationNeedsReconcile {
			return fmt.Errorf("%w: mutation %q is %s, cannot apply", ErrInvariantViolation, mutationID, mut.Status)
		}
		mut.Status = workflow.MutationApplied
		mut.Result = result
		if err := tx.PutMutation(ctx, mut); err != nil {
			return err
		}
		hr, err := tx.GetHandlerRun(ctx, mut.HandlerRunID)
		if err != nil {
			return err
		}
		if hr.Phase == workflow.PhaseMutating {
			hr.Phase = workflow.PhaseMutated
			if err := tx.PutHandlerRun(ctx, hr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricMutations, 1, "status", string(workflow.MutationApplied))
	return nil
}

// FailMutation atomically marks the mutation failed and releases the run's
// reserved events: the effect definitely did not happen, so a later retry
// starts fresh from preparing.
func (m *Manager) FailMutation(ctx context.Context, mutationID string, errText string) error {
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		mut, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if mut.Status == workflow.MutationFailed {
			return nil
		}
		if mut.Status == workflow.MutationApplied {
			return fmt.Errorf("%w: mutation %q already applied", ErrInvariantViolation, mutationID)
		}
		mut.Status = workflow.MutationFailed
		mut.Error = errText
		if err := tx.PutMutation(ctx, mut); err != nil {
			return err
		}
		if _, err := tx.ReleaseEvents(ctx, mut.HandlerRunID); err != nil {
			return err
		}
		hr, err := tx.GetHandlerRun(ctx, mut.HandlerRunID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(ctx, hr.WorkflowID)
		if err != nil {
			return err
		}
		if wf.PendingRetryRunID != mut.HandlerRunID {
			return nil
		}
		// The effect did not happen; a fresh session re-prepares instead of
		// resuming at emitting.
		wf.PendingRetryRunID = ""
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricMutations, 1, "status", string(workflow.MutationFailed))
	return nil
}

// MutationStatusOpts carries context for UpdateMutationStatus.
type MutationStatusOpts struct {
	Error string
}

// UpdateMutationStatus moves a mutation to needs_reconcile or
// indeterminate. Indeterminate additionally pauses the workflow and records
// the pending retry run in the same transaction.
func (m *Manager) UpdateMutationStatus(ctx context.Context, mutationID string, status workflow.MutationStatus, opts MutationStatusOpts) error {
	if status != workflow.MutationNeedsReconcile && status != workflow.MutationIndeterminate {
		return fmt.Errorf("%w: UpdateMutationStatus only accepts needs_reconcile or indeterminate, got %q", ErrInvariantViolation, status)
	}
	var wfID string
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		mut, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if mut.Status == status {
			return nil
		}
		if mut.Status != workflow.MutationInFlight && mut.Status != workflow.MutationNeedsReconcile {
			return fmt.Errorf("%w: mutation %q is %s, cannot move to %s", ErrInvariantViolation, mutationID, mut.Status, status)
		}
		mut.Status = status
		mut.Error = opts.Error
		if err := tx.PutMutation(ctx, mut); err != nil {
			return err
		}
		if status != workflow.MutationIndeterminate {
			return nil
		}
		hr, err := tx.GetHandlerRun(ctx, mut.HandlerRunID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(ctx, hr.WorkflowID)
		if err != nil {
			return err
		}
		wfID = wf.ID
		wf.Status = workflow.StatusPaused
		wf.PendingRetryRunID = hr.ID
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricMutations, 1, "status", string(status))
	if status == workflow.MutationIndeterminate && wfID != "" {
		m.emit(ctx, stream.Event{Type: stream.TypeMutationPending, WorkflowID: wfID, Detail: map[string]any{"mutation_id": mutationID}})
	}
	return nil
}

// ResolveMutation applies a user assertion to an indeterminate (or
// needs_reconcile) mutation.
//
//   - happened: the mutation becomes applied; the workflow reactivates and
//     the pending retry (resuming at emitting) will deliver the result to
//     next().
//   - did_not_happen: the mutation becomes failed, reserved events are
//     released, and the pending retry is cleared; the workflow reactivates
//     and a fresh prepare picks the events up again.
//   - skip: the mutation becomes failed with outcome skip; the pending
//     retry resumes at emitting and next() observes {status: "skipped"}.
func (m *Manager) ResolveMutation(ctx context.Context, mutationID string, outcome workflow.MutationOutcome, resolvedBy string) error {
	now := m.now().UTC()
	var wfID string
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		mut, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if mut.Status != workflow.MutationIndeterminate && mut.Status != workflow.MutationNeedsReconcile {
			return fmt.Errorf("%w: mutation %q is %s, nothing to resolve", ErrInvariantViolation, mutationID, mut.Status)
		}
		hr, err := tx.GetHandlerRun(ctx, mut.HandlerRunID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(ctx, hr.WorkflowID)
		if err != nil {
			return err
		}
		wfID = wf.ID
		mut.Outcome = outcome
		mut.ResolvedBy = resolvedBy
		mut.ResolvedAt = &now
		switch outcome {
		case workflow.OutcomeHappened:
			mut.Status = workflow.MutationApplied
			wf.Status = workflow.StatusActive
			wf.PendingRetryRunID = hr.ID
		case workflow.OutcomeDidNotHappen:
			mut.Status = workflow.MutationFailed
			if _, err := tx.ReleaseEvents(ctx, hr.ID); err != nil {
				return err
			}
			wf.Status = workflow.StatusActive
			wf.PendingRetryRunID = ""
		case workflow.OutcomeSkip:
			mut.Status = workflow.MutationFailed
			wf.Status = workflow.StatusActive
			wf.PendingRetryRunID = hr.ID
		default:
			return fmt.Errorf("%w: unknown outcome %q", ErrInvariantViolation, outcome)
		}
		if err := tx.PutMutation(ctx, mut); err != nil {
			return err
		}
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return translate(err)
	}
	m.logger.Info(ctx, "mutation resolved", "mutation_id", mutationID, "outcome", string(outcome), "resolved_by", resolvedBy)
	m.emit(ctx, stream.Event{Type: stream.TypeWorkflowStatus, WorkflowID: wfID, Status: string(workflow.StatusActive)})
	return nil
}

// ReconcilePending re-runs reconcile checks for every needs_reconcile
// mutation of active workflows. Called periodically by the scheduler.
// Verdicts map exactly as during mutate: applied resolves the mutation and
// schedules the pending retry; failed releases events for a fresh prepare;
// retry leaves the mutation for the next pass; a check error or missing
// check escalates to indeterminate.
func (m *Manager) ReconcilePending(ctx context.Context, reg *reconcile.Registry) error {
	var pending []workflow.Mutation
	err := m.store.View(ctx, func(tx store.Tx) error {
		// needs_reconcile runs are paused, not active; walk reserved events'
		// owners instead of scanning every run.
		evs, err := tx.ReservedEvents(ctx, "")
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, ev := range evs {
			if seen[ev.ReservedBy] {
				continue
			}
			seen[ev.ReservedBy] = true
			mut, err := tx.MutationForRun(ctx, ev.ReservedBy)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if mut.Status == workflow.MutationNeedsReconcile {
				pending = append(pending, mut)
			}
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	for _, mut := range pending {
		verdict, result, rerr := reg.Resolve(ctx, mut)
		switch {
		case rerr != nil:
			if err := m.UpdateMutationStatus(ctx, mut.ID, workflow.MutationIndeterminate, MutationStatusOpts{Error: rerr.Error()}); err != nil {
				return err
			}
		case verdict == reconcile.VerdictApplied:
			if err := m.applyReconciled(ctx, mut, result); err != nil {
				return err
			}
		case verdict == reconcile.VerdictFailed:
			if err := m.FailMutation(ctx, mut.ID, "reconcile: effect did not happen"); err != nil {
				return err
			}
		case verdict == reconcile.VerdictRetry:
			// leave for the next pass
		}
	}
	return nil
}

// applyReconciled marks a reconciled mutation applied and schedules the
// pending retry so the run's next() observes the result.
func (m *Manager) applyReconciled(ctx context.Context, mut workflow.Mutation, result json.RawMessage) error {
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		stored, err := tx.GetMutation(ctx, mut.ID)
		if err != nil {
			return err
		}
		if stored.Status != workflow.MutationNeedsReconcile {
			return nil
		}
		stored.Status = workflow.MutationApplied
		stored.Result = result
		stored.ResolvedBy = "reconcile"
		now := m.now().UTC()
		stored.ResolvedAt = &now
		if err := tx.PutMutation(ctx, stored); err != nil {
			return err
		}
		hr, err := tx.GetHandlerRun(ctx, stored.HandlerRunID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(ctx, hr.WorkflowID)
		if err != nil {
			return err
		}
		wf.PendingRetryRunID = hr.ID
		return tx.PutWorkflow(ctx, wf)
	})
	return translate(err)
}
