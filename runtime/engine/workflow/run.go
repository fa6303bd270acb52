package workflow

import (
	"encoding/json"
	"strings"
	"time"
)

type (
	// ScriptRun is one session: a single invocation of a workflow containing
	// all handler runs produced by one trigger.
	ScriptRun struct {
		ID         string
		ScriptID   string
		WorkflowID string
		// Trigger records what started the session.
		Trigger Trigger
		// HandlerCount counts committed handler runs in the session.
		HandlerCount int
		StartedAt    time.Time
		// EndedAt is nil while the session is open.
		EndedAt *time.Time
		// Result is set on finalization.
		Result SessionResult
		Error  string
		// ErrorKind is the classified kind of Error, when known.
		ErrorKind ErrorKind
		// Cost aggregates sandbox evaluation cost across handler runs.
		Cost float64
		// RetryOf links a retry session to the session it retries.
		RetryOf string
	}

	// HandlerRun is one execution attempt of one producer or consumer.
	HandlerRun struct {
		ID          string
		ScriptRunID string
		WorkflowID  string
		HandlerType HandlerType
		HandlerName string
		// Phase is where the run is in its lifecycle. Phases never regress;
		// a retry creates a new run.
		Phase Phase
		// Status is the outcome dimension, orthogonal to Phase.
		Status RunStatus
		// RetryOf forms a linked list across crash/transient/fix retries.
		RetryOf string
		// PrepareResult is the consumer prepare() output, persisted on the
		// prepared transition and carried forward to retry runs.
		PrepareResult json.RawMessage
		// InputState is the handler state the run started from.
		InputState json.RawMessage
		// OutputState is the handler state the run committed, if any.
		OutputState json.RawMessage
		Error       string
		ErrorKind   ErrorKind
		Cost        float64
		StartedAt   time.Time
		EndedAt     *time.Time
		// Logs captures sandbox console output, persisted on terminal
		// transitions.
		Logs []string
	}

	// Trigger identifies what started a session.
	Trigger string

	// SessionResult is the terminal outcome of a session.
	SessionResult string

	// HandlerType distinguishes producers from consumers.
	HandlerType string

	// Phase is the lifecycle position of a handler run.
	Phase string

	// RunStatus is the outcome dimension of a handler run.
	RunStatus string

	// ErrorKind classifies a failure by domain, not by Go type.
	ErrorKind string
)

const (
	// TriggerSchedule marks sessions started by a due producer schedule.
	TriggerSchedule Trigger = "schedule"
	// TriggerManual marks user-initiated sessions.
	TriggerManual Trigger = "manual"
	// TriggerEvent marks sessions started by pending events or due wakes.
	TriggerEvent Trigger = "event"
	// TriggerRetry marks sessions created to retry a failed run.
	TriggerRetry Trigger = "retry"

	// SessionCompleted indicates the session drained all work.
	SessionCompleted SessionResult = "completed"
	// SessionFailed indicates a handler failed terminally.
	SessionFailed SessionResult = "failed"
	// SessionSuspended indicates a handler paused awaiting the user.
	SessionSuspended SessionResult = "suspended"

	// HandlerProducer identifies scheduled pullers of external events.
	HandlerProducer HandlerType = "producer"
	// HandlerConsumer identifies event processors with side effects.
	HandlerConsumer HandlerType = "consumer"
)

// Producer phases: pending → executing → committed. Consumer phases:
// pending → preparing → prepared → mutating → mutated → emitting → committed.
const (
	PhasePending   Phase = "pending"
	PhaseExecuting Phase = "executing"
	PhasePreparing Phase = "preparing"
	PhasePrepared  Phase = "prepared"
	PhaseMutating  Phase = "mutating"
	PhaseMutated   Phase = "mutated"
	PhaseEmitting  Phase = "emitting"
	PhaseCommitted Phase = "committed"
)

const (
	// RunActive indicates the run is executing or checkpointed mid-phase.
	RunActive RunStatus = "active"
	// RunCommitted indicates the run finished successfully.
	RunCommitted RunStatus = "committed"
	// RunPausedTransient indicates a retryable failure; the scheduler rearms
	// after backoff.
	RunPausedTransient RunStatus = "paused:transient"
	// RunPausedApproval indicates the run awaits user credentials or access.
	RunPausedApproval RunStatus = "paused:approval"
	// RunPausedReconciliation indicates a mutation outcome is uncertain and
	// awaits background retry or user assertion.
	RunPausedReconciliation RunStatus = "paused:reconciliation"
	// RunFailedLogic indicates a user-script bug; triggers the auto-fix path.
	RunFailedLogic RunStatus = "failed:logic"
	// RunFailedInternal indicates an engine bug.
	RunFailedInternal RunStatus = "failed:internal"
	// RunFailedAuth indicates a terminal credential failure.
	RunFailedAuth RunStatus = "failed:auth"
	// RunFailedPermission indicates a terminal access failure.
	RunFailedPermission RunStatus = "failed:permission"
	// RunFailedNetwork indicates a terminal network failure.
	RunFailedNetwork RunStatus = "failed:network"
	// RunCrashed indicates the process died while the run was active.
	RunCrashed RunStatus = "crashed"
)

const (
	// ErrorAuth classifies invalid credentials.
	ErrorAuth ErrorKind = "auth"
	// ErrorPermission classifies denied access.
	ErrorPermission ErrorKind = "permission"
	// ErrorNetwork classifies transient I/O failures, including rate limits.
	ErrorNetwork ErrorKind = "network"
	// ErrorLogic classifies user-script bugs and contract violations such as
	// undeclared-topic publishes.
	ErrorLogic ErrorKind = "logic"
	// ErrorInternal classifies engine bugs.
	ErrorInternal ErrorKind = "internal"
	// ErrorBalance classifies exhausted account balance. Currently surfaced
	// as an internal failure.
	ErrorBalance ErrorKind = "balance"
	// ErrorAPIKey classifies missing or invalid platform API keys. Currently
	// surfaced as an internal failure.
	ErrorAPIKey ErrorKind = "api_key"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	return s == RunCommitted || s == RunCrashed || s.Failed()
}

// Paused reports whether the run awaits an external condition.
func (s RunStatus) Paused() bool {
	return strings.HasPrefix(string(s), "paused:")
}

// Failed reports whether the status is any failed:* flavor.
func (s RunStatus) Failed() bool {
	return strings.HasPrefix(string(s), "failed:")
}

// InFlight reports whether the run still holds the workflow's execution
// slot: non-terminal and non-paused.
func (s RunStatus) InFlight() bool {
	return !s.Terminal() && !s.Paused()
}

// PostMutation reports whether the phase is at or past the mutation
// boundary. Reserved events are retained across failures at or past this
// point; before it they are released.
func (p Phase) PostMutation() bool {
	return p == PhaseMutated || p == PhaseEmitting || p == PhaseCommitted
}

// StatusFor maps a classified error kind to the run status it produces.
func StatusFor(kind ErrorKind) RunStatus {
	switch kind {
	case ErrorAuth, ErrorPermission:
		return RunPausedApproval
	case ErrorNetwork:
		return RunPausedTransient
	case ErrorLogic:
		return RunFailedLogic
	default:
		// internal, balance, api_key and anything unclassified
		return RunFailedInternal
	}
}
