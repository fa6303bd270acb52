package workflow

import (
	"encoding/json"
	"time"
)

type (
	// Event is one message on a workflow-internal topic.
	//
	// Uniqueness: (WorkflowID, Topic, MessageID) is the idempotent publish
	// key. Publishing the same key twice yields exactly one row holding the
	// first payload.
	Event struct {
		ID         string
		WorkflowID string
		Topic      string
		// MessageID is the publisher-chosen dedup key, typically derived
		// from the external fact the event describes.
		MessageID string
		Title     string
		Payload   json.RawMessage
		Status    EventStatus
		// ReservedBy is the handler run currently holding the event. Set
		// only while Status is reserved (and retained through consumed for
		// audit).
		ReservedBy string
		CreatedAt  time.Time
		// CausedBy is the causal edge set: input record IDs for
		// producer-published events, or the union of the reserved events'
		// CausedBy for events published from a consumer's next phase.
		CausedBy []string
	}

	// InputRecord is an external fact introduced by a producer. Every event
	// the fact causes references it through CausedBy.
	//
	// Idempotent by (WorkflowID, Source, Type, ExternalID).
	InputRecord struct {
		ID         string
		WorkflowID string
		// Source names the external system ("gmail", "sheets", ...).
		Source string
		// Type names the kind of fact within the source ("message", "row").
		Type string
		// ExternalID is the fact's identity in the external system.
		ExternalID   string
		Title        string
		HandlerRunID string
		CreatedAt    time.Time
	}

	// EventStatus is the delivery state of an event.
	EventStatus string
)

const (
	// EventPending means the event awaits reservation by a consumer.
	EventPending EventStatus = "pending"
	// EventReserved means exactly one handler run holds the event.
	EventReserved EventStatus = "reserved"
	// EventConsumed means the holding run committed.
	EventConsumed EventStatus = "consumed"
	// EventSkipped means the user resolved the holding run's mutation with
	// skip, or the event was administratively dropped.
	EventSkipped EventStatus = "skipped"
)
