// Package workflow defines the durable entity model for the execution engine.
//
// # Core Concepts
//
// Workflow (Control Layer):
//   - A user-authored automation: a declarative script defining producers,
//     topics, and consumers.
//   - Owns all durable state for its executions: scripts, sessions, handler
//     runs, mutations, events, inputs, schedules, and handler state.
//   - Exactly one process owns a workflow at a time; execution within a
//     workflow is single-threaded.
//
// Session / ScriptRun (Invocation Layer):
//   - One invocation of a workflow triggered by the scheduler, a user, an
//     event, or a retry. Container for every handler run in that invocation.
//
// HandlerRun (Execution Layer):
//   - One execution attempt of one producer or consumer within a session.
//   - Progresses through durable phases; a retry never reuses a run, it
//     creates a new one linked via RetryOf.
//
// Relationship example:
//
//	Workflow "wf-1"
//	  └─ Session "sr-1" (trigger=schedule)
//	     ├─ HandlerRun "hr-1" producer emailPoll  → committed
//	     ├─ HandlerRun "hr-2" consumer log        → committed
//	     └─ HandlerRun "hr-3" consumer notify     → paused:transient
//	  └─ Session "sr-2" (trigger=retry, retry_of=sr-1)
//	     └─ HandlerRun "hr-4" consumer notify (retry_of=hr-3) → committed
package workflow

import (
	"encoding/json"
	"time"
)

type (
	// Workflow is the durable control record for one automation.
	Workflow struct {
		// ID uniquely identifies the workflow.
		ID string
		// TaskID identifies the owning task.
		TaskID string
		// ActiveScriptID is the currently activated script version. Empty for
		// drafts that have never been activated.
		ActiveScriptID string
		// HandlerConfig is the JSON serialization of the active script's
		// Config, denormalized for fast session startup.
		HandlerConfig json.RawMessage
		// Status is the workflow lifecycle state.
		Status Status
		// Maintenance is true while an auto-fix cycle owns the workflow.
		Maintenance bool
		// MaintenanceFixCount counts consecutive auto-fix attempts. Reset on
		// manual activation.
		MaintenanceFixCount int
		// PendingRetryRunID references a failed handler run that must be
		// retried (resuming at emitting) before any further work. Non-empty
		// iff a post-mutation retry is required.
		PendingRetryRunID string
		// Cron is the display-level schedule denormalized from producer
		// schedules. Informational only.
		Cron string
		// NextRunAt is the display-level next scheduled run, denormalized
		// from producer schedules. Informational only.
		NextRunAt time.Time
		// RetryBackoff is the current transient-retry delay. Zero means the
		// initial backoff applies on the next transient failure.
		RetryBackoff time.Duration
		// NextAttemptAt gates scheduling after a transient failure. Zero
		// means no backoff is in effect.
		NextAttemptAt time.Time
		// CreatedAt records when the workflow was created.
		CreatedAt time.Time
		// UpdatedAt records the last control-field update.
		UpdatedAt time.Time
	}

	// Script is one immutable version of a workflow's code.
	Script struct {
		ID           string
		WorkflowID   string
		TaskID       string
		Code         string
		MajorVersion int
		MinorVersion int
		// Config is the JSON serialization of the script's declared topics,
		// producers, and consumers, captured when the version is saved.
		// Activation denormalizes it onto the workflow row.
		Config        json.RawMessage
		Summary       string
		Diagram       string
		ChangeComment string
		CreatedAt     time.Time
		// Type distinguishes user-authored versions from auto-fix minors.
		Type ScriptType
	}

	// Status represents the workflow lifecycle state.
	Status string

	// ScriptType distinguishes how a script version was produced.
	ScriptType string
)

const (
	// StatusDraft indicates the workflow has no saved script yet.
	StatusDraft Status = "draft"
	// StatusReady indicates a script is saved but the workflow is not running.
	StatusReady Status = "ready"
	// StatusActive indicates the scheduler may run sessions for the workflow.
	StatusActive Status = "active"
	// StatusPaused indicates execution is suspended awaiting the user
	// (approval or mutation reconciliation).
	StatusPaused Status = "paused"
	// StatusError indicates a non-recoverable failure needing user attention.
	StatusError Status = "error"

	// ScriptTypeUser marks a user- or planner-authored version.
	ScriptTypeUser ScriptType = "user"
	// ScriptTypeFix marks an auto-fix minor version.
	ScriptTypeFix ScriptType = "fix"
)

// Runnable reports whether the scheduler may start sessions for the workflow.
func (w *Workflow) Runnable() bool {
	return w.Status == StatusActive
}

// InBackoff reports whether a transient-retry backoff gate is active at now.
func (w *Workflow) InBackoff(now time.Time) bool {
	return !w.NextAttemptAt.IsZero() && now.Before(w.NextAttemptAt)
}
