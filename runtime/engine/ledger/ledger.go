// Package ledger implements the event and input ledgers: idempotent
// publication, input registration, and causal tracking.
//
// Events are the workflow-internal pub/sub stream. Inputs are the external
// facts producers introduce; every event's CausedBy edge set bottoms out at
// input record IDs, so the provenance of any side effect is queryable from
// its consuming run back to the external facts that caused it.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

type (
	// Notifier receives publish notifications so the scheduler can mark
	// subscribed consumers dirty. Optional.
	Notifier interface {
		OnEventPublish(workflowID, topic string)
	}

	// Ledger provides the publish and input-registration operations.
	Ledger struct {
		store   store.Store
		notify  Notifier
		logger  telemetry.Logger
		metrics telemetry.Metrics
		newID   func() string
		now     func() time.Time
	}

	// Options configures a Ledger.
	Options struct {
		// Store is the durable store. Required.
		Store store.Store
		// Notifier receives publish notifications. Optional.
		Notifier Notifier
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// PublishRequest describes one event publication.
	PublishRequest struct {
		WorkflowID string
		Topic      string
		// MessageID is the idempotent publish key within (workflow, topic).
		MessageID string
		Title     string
		Payload   json.RawMessage
		// CausedBy is the causal edge set. The engine computes it: input
		// record IDs in producer phase, the reserved-events union in next.
		CausedBy []string
		// PublisherRunID is the handler run publishing the event.
		PublisherRunID string
	}

	// InputSpec describes one external fact to register.
	InputSpec struct {
		Source     string
		Type       string
		ExternalID string
		Title      string
	}

	// Trace is the causal provenance of one event.
	Trace struct {
		Event  workflow.Event
		Inputs []workflow.InputRecord
	}
)

// New constructs a Ledger.
func New(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:   opts.Store,
		notify:  opts.Notifier,
		logger:  telemetry.OrNop(opts.Logger),
		metrics: telemetry.MetricsOrNop(opts.Metrics),
		newID:   uuid.NewString,
		now:     now,
	}, nil
}

// Publish inserts the event with status pending. Returns the stored event
// and whether this call inserted it; a duplicate (workflow, topic,
// message_id) is a no-op returning the first-arrival row. On insert the
// scheduler notifier is told so subscribed consumers go dirty.
func (l *Ledger) Publish(ctx context.Context, req PublishRequest) (workflow.Event, bool, error) {
	if req.WorkflowID == "" || req.Topic == "" || req.MessageID == "" {
		return workflow.Event{}, false, fmt.Errorf("workflow, topic and message id are required")
	}
	ev := workflow.Event{
		ID:         l.newID(),
		WorkflowID: req.WorkflowID,
		Topic:      req.Topic,
		MessageID:  req.MessageID,
		Title:      req.Title,
		Payload:    req.Payload,
		Status:     workflow.EventPending,
		CreatedAt:  l.now().UTC(),
		CausedBy:   dedupSorted(req.CausedBy),
	}
	inserted := false
	err := l.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		inserted, err = tx.InsertEvent(ctx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			ev, err = tx.GetEvent(ctx, req.WorkflowID, req.Topic, req.MessageID)
		}
		return err
	})
	if err != nil {
		return workflow.Event{}, false, err
	}
	if inserted {
		l.metrics.IncCounter(telemetry.MetricEventsPublished, 1, "topic", req.Topic)
		l.logger.Debug(ctx, "event published",
			"workflow_id", req.WorkflowID, "topic", req.Topic, "message_id", req.MessageID, "run_id", req.PublisherRunID)
		if l.notify != nil {
			l.notify.OnEventPublish(req.WorkflowID, req.Topic)
		}
	}
	return ev, inserted, nil
}

// RegisterInput records the external fact, idempotent on (workflow, source,
// type, external_id), and returns the stable input record.
func (l *Ledger) RegisterInput(ctx context.Context, workflowID string, spec InputSpec, handlerRunID string) (workflow.InputRecord, error) {
	if workflowID == "" || spec.Source == "" || spec.ExternalID == "" {
		return workflow.InputRecord{}, fmt.Errorf("workflow, source and external id are required")
	}
	rec := workflow.InputRecord{
		ID:           l.newID(),
		WorkflowID:   workflowID,
		Source:       spec.Source,
		Type:         spec.Type,
		ExternalID:   spec.ExternalID,
		Title:        spec.Title,
		HandlerRunID: handlerRunID,
		CreatedAt:    l.now().UTC(),
	}
	var stored workflow.InputRecord
	err := l.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		stored, err = tx.UpsertInput(ctx, rec)
		return err
	})
	if err != nil {
		return workflow.InputRecord{}, err
	}
	return stored, nil
}

// ReservedCausalUnion returns the union of CausedBy across all events the
// run has reserved. This is the edge set for every event published from the
// run's next phase.
func (l *Ledger) ReservedCausalUnion(ctx context.Context, runID string) ([]string, error) {
	var union []string
	err := l.store.View(ctx, func(tx store.Tx) error {
		evs, err := tx.EventsReservedBy(ctx, runID)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			union = append(union, ev.CausedBy...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dedupSorted(union), nil
}

// TraceEvent resolves an event's causal provenance for the UI: the event
// plus the input records its CausedBy edges reference.
func (l *Ledger) TraceEvent(ctx context.Context, workflowID, topic, messageID string) (Trace, error) {
	var trace Trace
	err := l.store.View(ctx, func(tx store.Tx) error {
		ev, err := tx.GetEvent(ctx, workflowID, topic, messageID)
		if err != nil {
			return err
		}
		trace.Event = ev
		for _, inputID := range ev.CausedBy {
			rec, err := tx.GetInput(ctx, inputID)
			if err != nil {
				return fmt.Errorf("causal edge %q: %w", inputID, err)
			}
			trace.Inputs = append(trace.Inputs, rec)
		}
		return nil
	})
	return trace, err
}

func dedupSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
