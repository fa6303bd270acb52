// Package stream defines the lifecycle event surface the engine publishes
// for UIs and observers. Events are non-authoritative: the durable store is
// the source of truth and sink failures never affect engine transitions.
package stream

import (
	"context"
	"time"
)

type (
	// Event is one lifecycle notification.
	Event struct {
		// Type identifies the event kind.
		Type Type
		// WorkflowID keys the stream the event belongs to.
		WorkflowID string
		// SessionID is set for session- and run-scoped events.
		SessionID string
		// RunID is set for run-scoped events.
		RunID string
		// Status carries the new status for transition events.
		Status string
		// At records when the transition happened.
		At time.Time
		// Detail carries event-specific data (error text, topic, ...).
		Detail map[string]any
	}

	// Type identifies a lifecycle event kind.
	Type string

	// Sink receives lifecycle events. Implementations must be safe for
	// concurrent use and should not block the caller.
	Sink interface {
		Send(ctx context.Context, ev Event) error
	}

	// NopSink discards events.
	NopSink struct{}
)

const (
	// TypeSessionStarted marks session creation.
	TypeSessionStarted Type = "session_started"
	// TypeSessionFinished marks session finalization.
	TypeSessionFinished Type = "session_finished"
	// TypeRunStatus marks a handler run status transition.
	TypeRunStatus Type = "run_status"
	// TypeWorkflowStatus marks a workflow status transition.
	TypeWorkflowStatus Type = "workflow_status"
	// TypeMutationPending marks a mutation awaiting user resolution.
	TypeMutationPending Type = "mutation_pending"
)

// Send implements Sink.
func (NopSink) Send(context.Context, Event) error { return nil }

// OrNop returns the sink or a NopSink when nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}
