package inmem

import (
	"context"
	"fmt"
	"sort"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

func (t *tx) InsertEvent(_ context.Context, ev workflow.Event) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	if ev.ID == "" || ev.WorkflowID == "" || ev.Topic == "" || ev.MessageID == "" {
		return false, fmt.Errorf("event id, workflow, topic and message id are required")
	}
	key := eventKey(ev.WorkflowID, ev.Topic, ev.MessageID)
	if _, dup := t.data.eventByKey[key]; dup {
		return false, nil
	}
	if ev.Status == "" {
		ev.Status = workflow.EventPending
	}
	t.data.eventSeq++
	t.data.events[ev.ID] = ev
	t.data.eventByKey[key] = ev.ID
	t.data.eventOrder[ev.ID] = t.data.eventSeq
	return true, nil
}

func (t *tx) GetEvent(_ context.Context, workflowID, topic, messageID string) (workflow.Event, error) {
	id, ok := t.data.eventByKey[eventKey(workflowID, topic, messageID)]
	if !ok {
		return workflow.Event{}, fmt.Errorf("event %s/%s: %w", topic, messageID, store.ErrNotFound)
	}
	return t.data.events[id], nil
}

func (t *tx) ReserveEvents(_ context.Context, workflowID, topic string, messageIDs []string, runID string) error {
	if err := t.write(); err != nil {
		return err
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	// Validate the whole batch before touching any row so a conflict leaves
	// the transaction clean for rollback.
	ids := make([]string, 0, len(messageIDs))
	for _, msgID := range messageIDs {
		id, ok := t.data.eventByKey[eventKey(workflowID, topic, msgID)]
		if !ok {
			return fmt.Errorf("reserve %s/%s: event missing: %w", topic, msgID, store.ErrConflict)
		}
		ev := t.data.events[id]
		if ev.Status != workflow.EventPending {
			return fmt.Errorf("reserve %s/%s: status %q: %w", topic, msgID, ev.Status, store.ErrConflict)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		ev := t.data.events[id]
		ev.Status = workflow.EventReserved
		ev.ReservedBy = runID
		t.data.events[id] = ev
	}
	return nil
}

func (t *tx) ReleaseEvents(ctx context.Context, runID string) (int, error) {
	return t.retagReserved(ctx, runID, workflow.EventPending, true)
}

func (t *tx) ConsumeEvents(ctx context.Context, runID string) (int, error) {
	return t.retagReserved(ctx, runID, workflow.EventConsumed, false)
}

func (t *tx) SkipEvents(ctx context.Context, runID string) (int, error) {
	return t.retagReserved(ctx, runID, workflow.EventSkipped, false)
}

func (t *tx) retagReserved(_ context.Context, runID string, status workflow.EventStatus, clearOwner bool) (int, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	n := 0
	for id, ev := range t.data.events {
		if ev.Status != workflow.EventReserved || ev.ReservedBy != runID {
			continue
		}
		ev.Status = status
		if clearOwner {
			ev.ReservedBy = ""
		}
		t.data.events[id] = ev
		n++
	}
	return n, nil
}

func (t *tx) TransferReservations(_ context.Context, fromRunID, toRunID string) (int, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	n := 0
	for id, ev := range t.data.events {
		if ev.Status != workflow.EventReserved || ev.ReservedBy != fromRunID {
			continue
		}
		ev.ReservedBy = toRunID
		t.data.events[id] = ev
		n++
	}
	return n, nil
}

func (t *tx) EventsReservedBy(_ context.Context, runID string) ([]workflow.Event, error) {
	var out []workflow.Event
	for _, ev := range t.data.events {
		if ev.Status == workflow.EventReserved && ev.ReservedBy == runID {
			out = append(out, ev)
		}
	}
	t.sortByPublishOrder(out)
	return out, nil
}

func (t *tx) PendingEvents(_ context.Context, workflowID, topic string, limit int) ([]workflow.Event, error) {
	var out []workflow.Event
	for _, ev := range t.data.events {
		if ev.WorkflowID == workflowID && ev.Topic == topic && ev.Status == workflow.EventPending {
			out = append(out, ev)
		}
	}
	t.sortByPublishOrder(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) CountPendingEvents(ctx context.Context, workflowID, topic string) (int, error) {
	evs, err := t.PendingEvents(ctx, workflowID, topic, 0)
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

func (t *tx) ReservedEvents(_ context.Context, workflowID string) ([]workflow.Event, error) {
	var out []workflow.Event
	for _, ev := range t.data.events {
		if ev.Status != workflow.EventReserved {
			continue
		}
		if workflowID == "" || ev.WorkflowID == workflowID {
			out = append(out, ev)
		}
	}
	t.sortByPublishOrder(out)
	return out, nil
}

func (t *tx) sortByPublishOrder(evs []workflow.Event) {
	sort.Slice(evs, func(i, j int) bool {
		return t.data.eventOrder[evs[i].ID] < t.data.eventOrder[evs[j].ID]
	})
}

// --- inputs ---

func (t *tx) UpsertInput(_ context.Context, rec workflow.InputRecord) (workflow.InputRecord, error) {
	if err := t.write(); err != nil {
		return workflow.InputRecord{}, err
	}
	if rec.ID == "" || rec.WorkflowID == "" || rec.Source == "" || rec.ExternalID == "" {
		return workflow.InputRecord{}, fmt.Errorf("input id, workflow, source and external id are required")
	}
	key := inputKey(rec.WorkflowID, rec.Source, rec.Type, rec.ExternalID)
	if existing, dup := t.data.inputByKey[key]; dup {
		return t.data.inputs[existing], nil
	}
	t.data.inputs[rec.ID] = rec
	t.data.inputByKey[key] = rec.ID
	return rec, nil
}

func (t *tx) GetInput(_ context.Context, id string) (workflow.InputRecord, error) {
	rec, ok := t.data.inputs[id]
	if !ok {
		return workflow.InputRecord{}, fmt.Errorf("input %q: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

// --- producer schedules ---

func (t *tx) PutProducerSchedule(_ context.Context, s workflow.ProducerSchedule) error {
	if err := t.write(); err != nil {
		return err
	}
	if s.WorkflowID == "" || s.ProducerName == "" {
		return fmt.Errorf("schedule workflow and producer are required")
	}
	t.data.schedules[pairKey(s.WorkflowID, s.ProducerName)] = s
	return nil
}

func (t *tx) DeleteProducerSchedule(_ context.Context, workflowID, producerName string) error {
	if err := t.write(); err != nil {
		return err
	}
	delete(t.data.schedules, pairKey(workflowID, producerName))
	return nil
}

func (t *tx) ListProducerSchedules(_ context.Context, workflowID string) ([]workflow.ProducerSchedule, error) {
	var out []workflow.ProducerSchedule
	for _, s := range t.data.schedules {
		if workflowID == "" || s.WorkflowID == workflowID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProducerName < out[j].ProducerName })
	return out, nil
}

// --- handler state ---

func (t *tx) GetHandlerState(_ context.Context, workflowID, handlerName string) (workflow.HandlerState, error) {
	hs, ok := t.data.states[pairKey(workflowID, handlerName)]
	if !ok {
		return workflow.HandlerState{}, fmt.Errorf("handler state %s/%s: %w", workflowID, handlerName, store.ErrNotFound)
	}
	return hs, nil
}

func (t *tx) PutHandlerState(_ context.Context, hs workflow.HandlerState) error {
	if err := t.write(); err != nil {
		return err
	}
	if hs.WorkflowID == "" || hs.HandlerName == "" {
		return fmt.Errorf("handler state workflow and handler are required")
	}
	t.data.states[pairKey(hs.WorkflowID, hs.HandlerName)] = hs
	return nil
}

func (t *tx) ListHandlerStates(_ context.Context, workflowID string) ([]workflow.HandlerState, error) {
	var out []workflow.HandlerState
	for _, hs := range t.data.states {
		if workflowID == "" || hs.WorkflowID == workflowID {
			out = append(out, hs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HandlerName < out[j].HandlerName })
	return out, nil
}
