package workflow

import (
	"encoding/json"
	"time"
)

type (
	// Mutation is the durable record of a side-effecting tool call made in a
	// consumer's mutate phase. At most one mutation exists per handler run,
	// and the in_flight row is written before the external side effect
	// begins so a crash can never lose the fact that an effect may have
	// happened.
	Mutation struct {
		ID            string
		HandlerRunID  string
		WorkflowID    string
		ToolNamespace string
		ToolMethod    string
		// Params is the opaque tool input, validated against the tool's
		// schema on ingress and never interpreted by the engine.
		Params json.RawMessage
		// IdempotencyKey is the caller-supplied key reconcile reads use to
		// look up the effect in the external system. Optional.
		IdempotencyKey string
		Status         MutationStatus
		// Result is the tool output, set when Status is applied.
		Result json.RawMessage
		Error  string
		// ResolvedBy records who resolved an indeterminate mutation
		// ("reconcile" or a user identity).
		ResolvedBy string
		ResolvedAt *time.Time
		// Outcome records the user assertion on an indeterminate mutation:
		// happened, did_not_happen, or skip.
		Outcome   MutationOutcome
		CreatedAt time.Time
	}

	// MutationStatus is the lifecycle state of a mutation.
	MutationStatus string

	// MutationOutcome is a user assertion about an indeterminate mutation.
	MutationOutcome string
)

const (
	// MutationInFlight indicates the side effect may be executing; written
	// before the tool runs.
	MutationInFlight MutationStatus = "in_flight"
	// MutationApplied indicates the side effect definitely happened.
	MutationApplied MutationStatus = "applied"
	// MutationFailed indicates the side effect definitely did not happen.
	MutationFailed MutationStatus = "failed"
	// MutationNeedsReconcile indicates reconcile asked for a later retry.
	MutationNeedsReconcile MutationStatus = "needs_reconcile"
	// MutationIndeterminate indicates the outcome is unknown and requires a
	// user assertion.
	MutationIndeterminate MutationStatus = "indeterminate"

	// OutcomeHappened asserts the external effect took place.
	OutcomeHappened MutationOutcome = "happened"
	// OutcomeDidNotHappen asserts the external effect did not take place.
	OutcomeDidNotHappen MutationOutcome = "did_not_happen"
	// OutcomeSkip asks the engine to continue without the effect.
	OutcomeSkip MutationOutcome = "skip"
)

// ResultForNext is the mutation view handed to a consumer's next() callback.
type ResultForNext struct {
	// Status is "applied", "skipped", or "none".
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ForNext maps a mutation row to the view next() receives. A nil mutation
// (hasMutate=false) maps to status "none".
func (m *Mutation) ForNext() ResultForNext {
	if m == nil {
		return ResultForNext{Status: "none"}
	}
	switch {
	case m.Status == MutationApplied:
		return ResultForNext{Status: "applied", Result: m.Result}
	case m.Status == MutationFailed && m.Outcome == OutcomeSkip:
		return ResultForNext{Status: "skipped"}
	default:
		return ResultForNext{Status: "none"}
	}
}
