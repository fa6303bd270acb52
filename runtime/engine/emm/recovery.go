package emm

import (
	"context"
	"errors"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// maxFixAttempts bounds consecutive auto-fix cycles before the workflow is
// surfaced to the user as errored.
const maxFixAttempts = 3

// RecoverAll runs the full startup recovery sequence. Must complete before
// the scheduler starts ticking.
func (m *Manager) RecoverAll(ctx context.Context) error {
	if err := m.RecoverCrashedRuns(ctx); err != nil {
		return err
	}
	if err := m.RecoverUnfinishedSessions(ctx); err != nil {
		return err
	}
	if err := m.ReleaseOrphanedReservations(ctx); err != nil {
		return err
	}
	return m.RecoverMaintenanceMode(ctx)
}

// RecoverCrashedRuns finds handler runs left active by a dead process and
// applies the mutation-boundary rule:
//
//   - Crashed with a mutation in_flight: the side effect may or may not
//     have happened and only the user can say. The mutation moves to
//     indeterminate, the run to paused:reconciliation, the workflow is
//     paused with the pending retry recorded, and reservations are
//     retained until resolution.
//   - Crashed at or past the mutation boundary (phase mutated/emitting, or
//     a mutation in applied, needs_reconcile, or indeterminate state): mark
//     the run crashed, retain its event reservations, and set the
//     workflow's pending retry so the next session resumes at emitting.
//   - Crashed before the boundary: mark the run crashed and release its
//     reservations; the events return to pending and the next session
//     re-prepares them.
//
// Each run recovers in its own transaction so one poisoned row cannot
// block the rest.
func (m *Manager) RecoverCrashedRuns(ctx context.Context) error {
	var stale []workflow.HandlerRun
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		stale, err = tx.ListActiveHandlerRuns(ctx, "")
		return err
	})
	if err != nil {
		return translate(err)
	}
	for _, hr := range stale {
		if err := m.recoverRun(ctx, hr.ID); err != nil {
			m.logger.Error(ctx, "crash recovery failed for run",
				"workflow_id", hr.WorkflowID, "run_id", hr.ID, "err", err.Error())
			continue
		}
		m.metrics.IncCounter(telemetry.MetricRecoveredRuns, 1)
	}
	return nil
}

func (m *Manager) recoverRun(ctx context.Context, runID string) error {
	now := m.now().UTC()
	var (
		hr       workflow.HandlerRun
		retained bool
	)
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		hr, err = tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if hr.Status != workflow.RunActive {
			return nil // already recovered
		}

		mut, merr := tx.MutationForRun(ctx, runID)
		if merr != nil && !errors.Is(merr, store.ErrNotFound) {
			return merr
		}
		hasMutation := merr == nil

		if hasMutation && mut.Status == workflow.MutationInFlight {
			// Side effect outcome unknown. Pause everything until the user
			// (or a reconcile check via ResolveMutation) decides.
			mut.Status = workflow.MutationIndeterminate
			mut.Error = "process terminated while mutation was in flight"
			if err := tx.PutMutation(ctx, mut); err != nil {
				return err
			}
			hr.Status = workflow.RunPausedReconciliation
			hr.Error = "process terminated while mutation was in flight"
			hr.ErrorKind = workflow.ErrorInternal
			if err := tx.PutHandlerRun(ctx, hr); err != nil {
				return err
			}
			wf, err := tx.GetWorkflow(ctx, hr.WorkflowID)
			if err != nil {
				return err
			}
			wf.Status = workflow.StatusPaused
			wf.PendingRetryRunID = hr.ID
			retained = true
			return tx.PutWorkflow(ctx, wf)
		}

		hr.Status = workflow.RunCrashed
		hr.Error = "process terminated while run was active"
		hr.EndedAt = &now
		if err := tx.PutHandlerRun(ctx, hr); err != nil {
			return err
		}

		retained = hr.Phase.PostMutation()
		if hasMutation {
			switch mut.Status {
			case workflow.MutationApplied, workflow.MutationNeedsReconcile, workflow.MutationIndeterminate:
				retained = true
			}
		}
		if !retained {
			_, err := tx.ReleaseEvents(ctx, runID)
			return err
		}

		wf, err := tx.GetWorkflow(ctx, hr.WorkflowID)
		if err != nil {
			return err
		}
		wf.PendingRetryRunID = hr.ID
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return translate(err)
	}
	m.logger.Info(ctx, "recovered crashed run",
		"workflow_id", hr.WorkflowID, "run_id", runID, "handler", hr.HandlerName,
		"phase", string(hr.Phase), "status", string(hr.Status), "retained_reservations", retained)
	m.emit(ctx, stream.Event{Type: stream.TypeRunStatus, WorkflowID: hr.WorkflowID, SessionID: hr.ScriptRunID, RunID: runID, Status: string(hr.Status)})
	return nil
}

// RecoverUnfinishedSessions closes sessions left open by a dead process.
// Runs first: RecoverCrashedRuns has already terminated their handler runs.
func (m *Manager) RecoverUnfinishedSessions(ctx context.Context) error {
	var open []workflow.ScriptRun
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		open, err = tx.ListOpenScriptRuns(ctx, "")
		return err
	})
	if err != nil {
		return translate(err)
	}
	for _, sr := range open {
		err := m.store.Atomic(ctx, func(tx store.Tx) error {
			return m.finalizeSessionTx(ctx, tx, sr.ID, workflow.SessionFailed,
				"process terminated while session was open", workflow.ErrorInternal)
		})
		if err != nil {
			m.logger.Error(ctx, "session recovery failed",
				"workflow_id", sr.WorkflowID, "session_id", sr.ID, "err", err.Error())
			continue
		}
		m.emit(ctx, stream.Event{Type: stream.TypeSessionFinished, WorkflowID: sr.WorkflowID, SessionID: sr.ID, Status: string(workflow.SessionFailed)})
	}
	return nil
}

// ReleaseOrphanedReservations finds reserved events whose reserving run is
// terminal with no pending retry pointing at it and returns them to
// pending. Such rows indicate a past bug or partial recovery; the engine
// self-heals and logs loudly rather than strand events.
func (m *Manager) ReleaseOrphanedReservations(ctx context.Context) error {
	type orphan struct {
		runID      string
		workflowID string
	}
	var orphans []orphan
	err := m.store.View(ctx, func(tx store.Tx) error {
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
			hr, err := tx.GetHandlerRun(ctx, ev.ReservedBy)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					orphans = append(orphans, orphan{runID: ev.ReservedBy, workflowID: ev.WorkflowID})
					continue
				}
				return err
			}
			if hr.Status == workflow.RunActive {
				continue
			}
			wf, err := tx.GetWorkflow(ctx, hr.WorkflowID)
			if err != nil {
				return err
			}
			if wf.PendingRetryRunID == hr.ID {
				continue // retained for the pending retry
			}
			mut, merr := tx.MutationForRun(ctx, hr.ID)
			if merr == nil {
				switch {
				case mut.Status == workflow.MutationNeedsReconcile, mut.Status == workflow.MutationIndeterminate:
					continue // retained for reconcile
				case mut.Status == workflow.MutationApplied:
					continue // retained for the retry that delivers the result
				case mut.Status == workflow.MutationFailed && mut.Outcome == workflow.OutcomeSkip:
					continue // retained so the retry can mark them skipped
				}
			} else if !errors.Is(merr, store.ErrNotFound) {
				return merr
			}
			orphans = append(orphans, orphan{runID: hr.ID, workflowID: hr.WorkflowID})
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	for _, o := range orphans {
		var released int
		err := m.store.Atomic(ctx, func(tx store.Tx) error {
			var err error
			released, err = tx.ReleaseEvents(ctx, o.runID)
			return err
		})
		if err != nil {
			return translate(err)
		}
		m.logger.Warn(ctx, "released orphaned event reservations",
			"workflow_id", o.workflowID, "run_id", o.runID, "count", released)
	}
	return nil
}

// RecoverMaintenanceMode escalates workflows whose auto-fix cycle has been
// exhausted: maintenance stays set for the fix loop up to maxFixAttempts,
// after which the workflow errors out for user attention.
func (m *Manager) RecoverMaintenanceMode(ctx context.Context) error {
	var all []workflow.Workflow
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		all, err = tx.ListWorkflows(ctx, "")
		return err
	})
	if err != nil {
		return translate(err)
	}
	for _, wf := range all {
		if !wf.Maintenance || wf.MaintenanceFixCount < maxFixAttempts {
			continue
		}
		id := wf.ID
		err := m.store.Atomic(ctx, func(tx store.Tx) error {
			cur, err := tx.GetWorkflow(ctx, id)
			if err != nil {
				return err
			}
			if !cur.Maintenance || cur.MaintenanceFixCount < maxFixAttempts {
				return nil
			}
			cur.Maintenance = false
			cur.Status = workflow.StatusError
			cur.UpdatedAt = m.now().UTC()
			return tx.PutWorkflow(ctx, cur)
		})
		if err != nil {
			return translate(err)
		}
		m.logger.Warn(ctx, "auto-fix attempts exhausted", "workflow_id", id, "attempts", wf.MaintenanceFixCount)
		m.emit(ctx, stream.Event{Type: stream.TypeWorkflowStatus, WorkflowID: id, Status: string(workflow.StatusError)})
	}
	return nil
}
