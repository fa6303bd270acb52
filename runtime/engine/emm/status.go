package emm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// Transient retry backoff policy: exponential from 30s, doubling to a 15
// minute cap, persisted on the workflow so it survives restarts.
const (
	backoffInitial = 30 * time.Second
	backoffMax     = 15 * time.Minute
)

// StatusOpts carries the failure context of a terminal or paused transition.
type StatusOpts struct {
	Error string
	Kind  workflow.ErrorKind
	// Cost is added to the run's accumulated cost.
	Cost float64
	// Logs are appended to the run's captured logs.
	Logs []string
}

// UpdateHandlerRunStatus moves a run to a terminal failed:* or paused:*
// status and atomically applies every downstream effect: event disposition,
// session finalization, and workflow control-field updates.
//
// Event disposition: reservations are released for failures before the
// mutation boundary and retained at or past it (the retry resumes at
// emitting with ownership transferred). A mutation in applied,
// needs_reconcile, or indeterminate state pins its run's reservations even
// when the phase has not advanced past mutating yet.
func (m *Manager) UpdateHandlerRunStatus(ctx context.Context, runID string, status workflow.RunStatus, opts StatusOpts) error {
	if !status.Failed() && !status.Paused() {
		return fmt.Errorf("%w: status %q is not a terminal or paused transition", ErrInvariantViolation, status)
	}
	now := m.now().UTC()
	var (
		hr          workflow.HandlerRun
		wfStatus    workflow.Status
		indetermRun string
	)
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		hr, err = tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if hr.Status == status {
			return nil // idempotent repeat
		}
		if hr.Status != workflow.RunActive {
			return fmt.Errorf("%w: run %q is %s, cannot move to %s", ErrInvariantViolation, hr.ID, hr.Status, status)
		}
		hr.Status = status
		hr.Error = opts.Error
		hr.ErrorKind = opts.Kind
		hr.Cost += opts.Cost
		hr.Logs = append(hr.Logs, opts.Logs...)
		if status.Terminal() {
			hr.EndedAt = &now
		}
		if err := tx.PutHandlerRun(ctx, hr); err != nil {
			return err
		}

		mut, err := tx.MutationForRun(ctx, runID)
		hasMutation := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		retain := hr.Phase.PostMutation()
		if hasMutation {
			switch mut.Status {
			case workflow.MutationApplied, workflow.MutationNeedsReconcile, workflow.MutationIndeterminate:
				retain = true
			}
		}
		if !retain {
			if _, err := tx.ReleaseEvents(ctx, runID); err != nil {
				return err
			}
		}

		if err := m.finalizeSessionTx(ctx, tx, hr.ScriptRunID, sessionResultFor(status), opts.Error, opts.Kind); err != nil {
			return err
		}

		wf, err := tx.GetWorkflow(ctx, hr.WorkflowID)
		if err != nil {
			return err
		}
		if retain {
			// Retained reservations belong to a run that must be retried at
			// emitting before any other work proceeds.
			wf.PendingRetryRunID = hr.ID
		}
		switch status {
		case workflow.RunFailedLogic:
			wf.Maintenance = true
		case workflow.RunPausedApproval:
			wf.Status = workflow.StatusPaused
		case workflow.RunPausedReconciliation:
			if hasMutation && mut.Status == workflow.MutationIndeterminate {
				wf.Status = workflow.StatusPaused
				wf.PendingRetryRunID = hr.ID
				indetermRun = hr.ID
			}
		case workflow.RunPausedTransient:
			next := wf.RetryBackoff * 2
			if next == 0 {
				next = backoffInitial
			}
			if next > backoffMax {
				next = backoffMax
			}
			wf.RetryBackoff = next
			wf.NextAttemptAt = now.Add(next)
		default: // failed:internal, failed:auth, failed:permission, failed:network
			wf.Status = workflow.StatusError
		}
		wfStatus = wf.Status
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricHandlerRuns, 1, "status", string(status))
	m.logger.Info(ctx, "handler run status",
		"workflow_id", hr.WorkflowID, "run_id", runID, "handler", hr.HandlerName,
		"status", string(status), "phase", string(hr.Phase), "error", opts.Error)
	m.emit(ctx, stream.Event{
		Type: stream.TypeRunStatus, WorkflowID: hr.WorkflowID, SessionID: hr.ScriptRunID,
		RunID: runID, Status: string(status), Detail: map[string]any{"error": opts.Error},
	})
	if wfStatus == workflow.StatusPaused || wfStatus == workflow.StatusError {
		m.emit(ctx, stream.Event{Type: stream.TypeWorkflowStatus, WorkflowID: hr.WorkflowID, Status: string(wfStatus)})
	}
	if indetermRun != "" {
		m.emit(ctx, stream.Event{Type: stream.TypeMutationPending, WorkflowID: hr.WorkflowID, RunID: indetermRun})
	}
	return nil
}
