package emm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// ConsumerPhaseOpts carries the optional atomic companions of a consumer
	// phase transition.
	ConsumerPhaseOpts struct {
		// Reservations reserves the listed events in the same transaction.
		Reservations []Reservation
		// PrepareResult persists the prepare() output on the run.
		PrepareResult json.RawMessage
		// WakeAt persists a clamped wake time on the handler state and
		// mirrors it into the scheduler cache. Nil leaves the wake
		// untouched; a pointer to zero clears it.
		WakeAt *time.Time
	}

	// Reservation names one batch of events to reserve on a topic.
	Reservation struct {
		Topic      string
		MessageIDs []string
	}
)

// CreateSession opens a new script run for the workflow.
func (m *Manager) CreateSession(ctx context.Context, wf workflow.Workflow, trigger workflow.Trigger, retryOf string) (workflow.ScriptRun, error) {
	if wf.ActiveScriptID == "" {
		return workflow.ScriptRun{}, fmt.Errorf("%w: workflow %q has no active script", ErrInvariantViolation, wf.ID)
	}
	sr := workflow.ScriptRun{
		ID:         m.newID(),
		ScriptID:   wf.ActiveScriptID,
		WorkflowID: wf.ID,
		Trigger:    trigger,
		StartedAt:  m.now().UTC(),
		RetryOf:    retryOf,
	}
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.PutScriptRun(ctx, sr)
	})
	if err != nil {
		return workflow.ScriptRun{}, translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricSessionsStarted, 1, "trigger", string(trigger))
	m.emit(ctx, stream.Event{Type: stream.TypeSessionStarted, WorkflowID: wf.ID, SessionID: sr.ID, Detail: map[string]any{"trigger": string(trigger)}})
	return sr, nil
}

// CreateHandlerRun opens a new handler run in the session. The single-flight
// invariant is enforced here: creating a run while another run for the
// workflow is active is an invariant violation.
func (m *Manager) CreateHandlerRun(ctx context.Context, sessionID string, wf workflow.Workflow, handlerType workflow.HandlerType, handlerName string, inputState json.RawMessage) (workflow.HandlerRun, error) {
	phase := workflow.PhasePending
	hr := workflow.HandlerRun{
		ID:          m.newID(),
		ScriptRunID: sessionID,
		WorkflowID:  wf.ID,
		HandlerType: handlerType,
		HandlerName: handlerName,
		Phase:       phase,
		Status:      workflow.RunActive,
		InputState:  inputState,
		StartedAt:   m.now().UTC(),
	}
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		active, err := tx.ListActiveHandlerRuns(ctx, wf.ID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return fmt.Errorf("%w: workflow %q already has active run %q", ErrInvariantViolation, wf.ID, active[0].ID)
		}
		return tx.PutHandlerRun(ctx, hr)
	})
	if err != nil {
		return workflow.HandlerRun{}, translate(err)
	}
	return hr, nil
}

// UpdateProducerPhase advances a producer run to the new phase.
func (m *Manager) UpdateProducerPhase(ctx context.Context, runID string, newPhase workflow.Phase) error {
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		hr, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := checkPhaseAdvance(hr, newPhase, producerOrder); err != nil {
			return err
		}
		hr.Phase = newPhase
		return tx.PutHandlerRun(ctx, hr)
	})
	return translate(err)
}

// UpdateConsumerPhase advances a consumer run to the new phase, atomically
// applying the companions: reservations, prepare result, wake time.
func (m *Manager) UpdateConsumerPhase(ctx context.Context, runID string, newPhase workflow.Phase, opts ConsumerPhaseOpts) error {
	now := m.now().UTC()
	var hr workflow.HandlerRun
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		hr, err = tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := checkPhaseAdvance(hr, newPhase, consumerOrder); err != nil {
			return err
		}
		hr.Phase = newPhase
		if opts.PrepareResult != nil {
			hr.PrepareResult = opts.PrepareResult
		}
		if err := tx.PutHandlerRun(ctx, hr); err != nil {
			return err
		}
		for _, res := range opts.Reservations {
			if err := tx.ReserveEvents(ctx, hr.WorkflowID, res.Topic, res.MessageIDs, hr.ID); err != nil {
				return err
			}
		}
		if opts.WakeAt != nil {
			if err := putWakeAt(ctx, tx, hr.WorkflowID, hr.HandlerName, *opts.WakeAt, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	if opts.WakeAt != nil {
		m.sched.SetWakeAt(hr.WorkflowID, hr.HandlerName, workflow.ClampWakeAt(*opts.WakeAt, now))
	}
	return nil
}

// FinishSession finalizes a session on the success path: all work drained.
// Also clears the workflow's transient backoff.
func (m *Manager) FinishSession(ctx context.Context, sessionID string) error {
	var wfID string
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		sr, err := tx.GetScriptRun(ctx, sessionID)
		if err != nil {
			return err
		}
		wfID = sr.WorkflowID
		if err := m.finalizeSessionTx(ctx, tx, sessionID, workflow.SessionCompleted, "", ""); err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(ctx, sr.WorkflowID)
		if err != nil {
			return err
		}
		if wf.RetryBackoff != 0 || !wf.NextAttemptAt.IsZero() {
			wf.RetryBackoff = 0
			wf.NextAttemptAt = time.Time{}
			return tx.PutWorkflow(ctx, wf)
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricSessionsFinished, 1, "result", string(workflow.SessionCompleted))
	m.emit(ctx, stream.Event{Type: stream.TypeSessionFinished, WorkflowID: wfID, SessionID: sessionID, Status: string(workflow.SessionCompleted)})
	return nil
}

// FinalizeSessionDirect closes a session that failed outside handler
// execution (config parse failure, missing active script). No handler run
// exists, so the status pipeline does not apply; logic-kind errors still
// route the workflow into maintenance.
func (m *Manager) FinalizeSessionDirect(ctx context.Context, sessionID string, result workflow.SessionResult, errText string, kind workflow.ErrorKind) error {
	var wfID string
	err := m.store.Atomic(ctx, func(tx store.Tx) error {
		sr, err := tx.GetScriptRun(ctx, sessionID)
		if err != nil {
			return err
		}
		wfID = sr.WorkflowID
		if err := m.finalizeSessionTx(ctx, tx, sessionID, result, errText, kind); err != nil {
			return err
		}
		if result != workflow.SessionFailed {
			return nil
		}
		wf, err := tx.GetWorkflow(ctx, sr.WorkflowID)
		if err != nil {
			return err
		}
		if kind == workflow.ErrorLogic {
			wf.Maintenance = true
		} else {
			wf.Status = workflow.StatusError
		}
		return tx.PutWorkflow(ctx, wf)
	})
	if err != nil {
		return translate(err)
	}
	m.metrics.IncCounter(telemetry.MetricSessionsFinished, 1, "result", string(result))
	m.emit(ctx, stream.Event{Type: stream.TypeSessionFinished, WorkflowID: wfID, SessionID: sessionID, Status: string(result), Detail: map[string]any{"error": errText}})
	return nil
}

var (
	producerOrder = []workflow.Phase{
		workflow.PhasePending, workflow.PhaseExecuting, workflow.PhaseCommitted,
	}
	consumerOrder = []workflow.Phase{
		workflow.PhasePending, workflow.PhasePreparing, workflow.PhasePrepared,
		workflow.PhaseMutating, workflow.PhaseMutated, workflow.PhaseEmitting,
		workflow.PhaseCommitted,
	}
)

// checkPhaseAdvance enforces that phases move strictly forward through the
// handler type's order and only on active runs.
func checkPhaseAdvance(hr workflow.HandlerRun, newPhase workflow.Phase, order []workflow.Phase) error {
	if hr.Status != workflow.RunActive {
		return fmt.Errorf("%w: run %q is %s, cannot advance phase", ErrInvariantViolation, hr.ID, hr.Status)
	}
	cur, next := -1, -1
	for i, p := range order {
		if p == hr.Phase {
			cur = i
		}
		if p == newPhase {
			next = i
		}
	}
	if cur < 0 || next < 0 {
		return fmt.Errorf("%w: run %q phase %s -> %s not in order", ErrInvariantViolation, hr.ID, hr.Phase, newPhase)
	}
	if next <= cur {
		return fmt.Errorf("%w: run %q phase may not regress %s -> %s", ErrInvariantViolation, hr.ID, hr.Phase, newPhase)
	}
	return nil
}

// putWakeAt persists the clamped wake time, creating the state row if the
// handler has never committed state.
func putWakeAt(ctx context.Context, tx store.Tx, workflowID, handlerName string, wakeAt, now time.Time) error {
	hs, err := tx.GetHandlerState(ctx, workflowID, handlerName)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		hs = workflow.HandlerState{WorkflowID: workflowID, HandlerName: handlerName}
	}
	hs.WakeAt = workflow.ClampWakeAt(wakeAt, now)
	hs.UpdatedAt = now
	return tx.PutHandlerState(ctx, hs)
}
