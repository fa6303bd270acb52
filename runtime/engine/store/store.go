// Package store defines the durable persistence contract for the execution
// engine.
//
// All engine state lives behind the Store interface. Mutating operations are
// composed by the execution model manager into single transactions via Atomic;
// the transaction function receives a Tx handle scoped to that transaction.
// Implementations must guarantee that either every write inside the function
// commits or none does, and that read-modify-write within a transaction is
// atomic with respect to concurrent transactions.
//
// The engine's locking model is intentionally thin: the single-threaded
// per-workflow invariant enforced by the scheduler is the lock. The store is
// only required to provide row-level transactional semantics, not workflow
// level coordination.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// Store provides transactional access to all engine entities.
	Store interface {
		// Atomic runs fn inside a single transaction. The Tx handle is valid
		// only for the duration of the call. A non-nil error from fn rolls
		// the transaction back and is returned unchanged.
		Atomic(ctx context.Context, fn func(tx Tx) error) error

		// View runs fn against a consistent read-only snapshot. Writes
		// through the handle are implementation-defined errors.
		View(ctx context.Context, fn func(tx Tx) error) error
	}

	// Tx is the per-transaction handle over all entity sets.
	Tx interface {
		WorkflowTx
		ScriptTx
		SessionTx
		HandlerRunTx
		MutationTx
		EventTx
		InputTx
		ScheduleTx
		HandlerStateTx
	}

	// WorkflowTx accesses workflow control records.
	WorkflowTx interface {
		GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error)
		// PutWorkflow inserts or replaces the workflow row.
		PutWorkflow(ctx context.Context, wf workflow.Workflow) error
		// ListWorkflows returns workflows with the given status, or all
		// workflows when status is empty.
		ListWorkflows(ctx context.Context, status workflow.Status) ([]workflow.Workflow, error)
	}

	// ScriptTx accesses immutable script versions.
	ScriptTx interface {
		GetScript(ctx context.Context, id string) (workflow.Script, error)
		// PutScript inserts a script. Scripts are immutable; inserting an
		// existing ID or a non-increasing (major, minor) for the workflow is
		// ErrConflict.
		PutScript(ctx context.Context, s workflow.Script) error
	}

	// SessionTx accesses script runs (sessions).
	SessionTx interface {
		GetScriptRun(ctx context.Context, id string) (workflow.ScriptRun, error)
		PutScriptRun(ctx context.Context, sr workflow.ScriptRun) error
		// ListOpenScriptRuns returns sessions with no end timestamp for the
		// workflow, or across all workflows when workflowID is empty.
		ListOpenScriptRuns(ctx context.Context, workflowID string) ([]workflow.ScriptRun, error)
	}

	// HandlerRunTx accesses handler runs.
	HandlerRunTx interface {
		GetHandlerRun(ctx context.Context, id string) (workflow.HandlerRun, error)
		PutHandlerRun(ctx context.Context, hr workflow.HandlerRun) error
		// ListActiveHandlerRuns returns runs with status active for the
		// workflow, or across all workflows when workflowID is empty.
		ListActiveHandlerRuns(ctx context.Context, workflowID string) ([]workflow.HandlerRun, error)
		// ListSessionHandlerRuns returns every run belonging to the session.
		ListSessionHandlerRuns(ctx context.Context, scriptRunID string) ([]workflow.HandlerRun, error)
	}

	// MutationTx accesses mutation records.
	MutationTx interface {
		GetMutation(ctx context.Context, id string) (workflow.Mutation, error)
		PutMutation(ctx context.Context, m workflow.Mutation) error
		// MutationForRun returns the run's mutation, or ErrNotFound when the
		// run never reached the mutate phase. At most one mutation exists
		// per handler run; creating a second is ErrConflict.
		MutationForRun(ctx context.Context, handlerRunID string) (workflow.Mutation, error)
	}

	// EventTx accesses the event ledger.
	EventTx interface {
		// InsertEvent inserts the event if no row exists for its
		// (workflow, topic, message_id) key. Returns false with no error on
		// a duplicate; the stored payload is whichever arrived first.
		InsertEvent(ctx context.Context, ev workflow.Event) (bool, error)
		GetEvent(ctx context.Context, workflowID, topic, messageID string) (workflow.Event, error)
		// ReserveEvents transitions each (topic, messageID) event from
		// pending to reserved, binding it to runID. If any event is missing
		// or not pending the whole transaction must fail with ErrConflict.
		ReserveEvents(ctx context.Context, workflowID, topic string, messageIDs []string, runID string) error
		// ReleaseEvents returns all events reserved by runID to pending.
		ReleaseEvents(ctx context.Context, runID string) (int, error)
		// ConsumeEvents marks all events reserved by runID consumed.
		ConsumeEvents(ctx context.Context, runID string) (int, error)
		// SkipEvents marks all events reserved by runID skipped.
		SkipEvents(ctx context.Context, runID string) (int, error)
		// TransferReservations rebinds events reserved by fromRunID to
		// toRunID, preserving reserved status.
		TransferReservations(ctx context.Context, fromRunID, toRunID string) (int, error)
		// EventsReservedBy lists events currently reserved by runID.
		EventsReservedBy(ctx context.Context, runID string) ([]workflow.Event, error)
		// PendingEvents lists pending events on the topic in publish order,
		// up to limit (0 = no limit).
		PendingEvents(ctx context.Context, workflowID, topic string, limit int) ([]workflow.Event, error)
		// CountPendingEvents counts pending events on the topic.
		CountPendingEvents(ctx context.Context, workflowID, topic string) (int, error)
		// ReservedEvents lists reserved events for the workflow, or across
		// all workflows when workflowID is empty. Recovery uses this to
		// detect orphaned reservations.
		ReservedEvents(ctx context.Context, workflowID string) ([]workflow.Event, error)
	}

	// InputTx accesses the input ledger.
	InputTx interface {
		// UpsertInput inserts the record if no row exists for its
		// (workflow, source, type, external_id) key and returns the stored
		// record either way.
		UpsertInput(ctx context.Context, rec workflow.InputRecord) (workflow.InputRecord, error)
		GetInput(ctx context.Context, id string) (workflow.InputRecord, error)
	}

	// ScheduleTx accesses producer schedules.
	ScheduleTx interface {
		PutProducerSchedule(ctx context.Context, s workflow.ProducerSchedule) error
		DeleteProducerSchedule(ctx context.Context, workflowID, producerName string) error
		ListProducerSchedules(ctx context.Context, workflowID string) ([]workflow.ProducerSchedule, error)
	}

	// HandlerStateTx accesses per-handler user state.
	HandlerStateTx interface {
		// GetHandlerState returns the state blob for the handler, or
		// ErrNotFound when the handler has never committed state.
		GetHandlerState(ctx context.Context, workflowID, handlerName string) (workflow.HandlerState, error)
		PutHandlerState(ctx context.Context, hs workflow.HandlerState) error
		ListHandlerStates(ctx context.Context, workflowID string) ([]workflow.HandlerState, error)
	}
)

// NewHandlerState builds a state row with the wake clamp already applied.
func NewHandlerState(workflowID, handlerName string, state json.RawMessage, wakeAt, now time.Time) workflow.HandlerState {
	return workflow.HandlerState{
		WorkflowID:  workflowID,
		HandlerName: handlerName,
		State:       state,
		WakeAt:      workflow.ClampWakeAt(wakeAt, now),
		UpdatedAt:   now,
	}
}
