package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// tx is the per-call store.Tx handle. Inside Atomic its context is bound to
// the driver session, so every operation joins the transaction.
type tx struct {
	db       *mongodriver.Database
	ctx      context.Context
	readOnly bool
}

func (t *tx) col(name string) *mongodriver.Collection {
	return t.db.Collection(name)
}

func (t *tx) guard() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

// --- workflows ---

func (t *tx) GetWorkflow(_ context.Context, id string) (workflow.Workflow, error) {
	var doc workflowDoc
	if err := t.col(colWorkflows).FindOne(t.ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workflow.Workflow{}, translate(err)
	}
	return doc.domain(), nil
}

func (t *tx) PutWorkflow(_ context.Context, wf workflow.Workflow) error {
	if err := t.guard(); err != nil {
		return err
	}
	doc := toWorkflowDoc(wf)
	_, err := t.col(colWorkflows).ReplaceOne(t.ctx, bson.M{"_id": wf.ID}, doc, options.Replace().SetUpsert(true))
	return translate(err)
}

func (t *tx) ListWorkflows(_ context.Context, status workflow.Status) ([]workflow.Workflow, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	var out []workflow.Workflow
	err := t.forEach(colWorkflows, filter, bson.D{{Key: "_id", Value: 1}}, 0, func(decode func(any) error) error {
		var doc workflowDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.domain())
		return nil
	})
	return out, err
}

// --- scripts ---

func (t *tx) GetScript(_ context.Context, id string) (workflow.Script, error) {
	var doc scriptDoc
	if err := t.col(colScripts).FindOne(t.ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workflow.Script{}, translate(err)
	}
	return doc.domain(), nil
}

func (t *tx) PutScript(_ context.Context, s workflow.Script) error {
	if err := t.guard(); err != nil {
		return err
	}
	// Scripts are immutable and versions must advance.
	var latest scriptDoc
	err := t.col(colScripts).FindOne(t.ctx, bson.M{"workflow_id": s.WorkflowID},
		options.FindOne().SetSort(bson.D{{Key: "major_version", Value: -1}, {Key: "minor_version", Value: -1}}),
	).Decode(&latest)
	switch {
	case err == nil:
		if s.MajorVersion < latest.MajorVersion ||
			(s.MajorVersion == latest.MajorVersion && s.MinorVersion <= latest.MinorVersion) {
			return fmt.Errorf("%w: script version %d.%d does not advance past %d.%d",
				store.ErrConflict, s.MajorVersion, s.MinorVersion, latest.MajorVersion, latest.MinorVersion)
		}
	case errors.Is(err, mongodriver.ErrNoDocuments):
	default:
		return translate(err)
	}
	_, err = t.col(colScripts).InsertOne(t.ctx, toScriptDoc(s))
	return translate(err)
}

// --- script runs ---

func (t *tx) GetScriptRun(_ context.Context, id string) (workflow.ScriptRun, error) {
	var doc scriptRunDoc
	if err := t.col(colScriptRuns).FindOne(t.ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workflow.ScriptRun{}, translate(err)
	}
	return doc.domain(), nil
}

func (t *tx) PutScriptRun(_ context.Context, sr workflow.ScriptRun) error {
	if err := t.guard(); err != nil {
		return err
	}
	_, err := t.col(colScriptRuns).ReplaceOne(t.ctx, bson.M{"_id": sr.ID}, toScriptRunDoc(sr), options.Replace().SetUpsert(true))
	return translate(err)
}

func (t *tx) ListOpenScriptRuns(_ context.Context, workflowID string) ([]workflow.ScriptRun, error) {
	filter := bson.M{"ended_at": bson.M{"$exists": false}}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	var out []workflow.ScriptRun
	err := t.forEach(colScriptRuns, filter, bson.D{{Key: "started_at", Value: 1}}, 0, func(decode func(any) error) error {
		var doc scriptRunDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.domain())
		return nil
	})
	return out, err
}

// --- handler runs ---

func (t *tx) GetHandlerRun(_ context.Context, id string) (workflow.HandlerRun, error) {
	var doc handlerRunDoc
	if err := t.col(colHandlerRuns).FindOne(t.ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workflow.HandlerRun{}, translate(err)
	}
	return doc.domain(), nil
}

func (t *tx) PutHandlerRun(_ context.Context, hr workflow.HandlerRun) error {
	if err := t.guard(); err != nil {
		return err
	}
	_, err := t.col(colHandlerRuns).ReplaceOne(t.ctx, bson.M{"_id": hr.ID}, toHandlerRunDoc(hr), options.Replace().SetUpsert(true))
	return translate(err)
}

func (t *tx) ListActiveHandlerRuns(_ context.Context, workflowID string) ([]workflow.HandlerRun, error) {
	filter := bson.M{"status": string(workflow.RunActive)}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	var out []workflow.HandlerRun
	err := t.forEach(colHandlerRuns, filter, bson.D{{Key: "started_at", Value: 1}}, 0, func(decode func(any) error) error {
		var doc handlerRunDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.domain())
		return nil
	})
	return out, err
}

func (t *tx) ListSessionHandlerRuns(_ context.Context, scriptRunID string) ([]workflow.HandlerRun, error) {
	var out []workflow.HandlerRun
	err := t.forEach(colHandlerRuns, bson.M{"script_run_id": scriptRunID}, bson.D{{Key: "started_at", Value: 1}}, 0, func(decode func(any) error) error {
		var doc handlerRunDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.domain())
		return nil
	})
	return out, err
}

// --- mutations ---

func (t *tx) GetMutation(_ context.Context, id string) (workflow.Mutation, error) {
	var doc mutationDoc
	if err := t.col(colMutations).FindOne(t.ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workflow.Mutation{}, translate(err)
	}
	return doc.domain(), nil
}

func (t *tx) PutMutation(_ context.Context, m workflow.Mutation) error {
	if err := t.guard(); err != nil {
		return err
	}
	// The unique index on handler_run_id turns a second mutation for the
	// same run into ErrConflict.
	_, err := t.col(colMutations).ReplaceOne(t.ctx, bson.M{"_id": m.ID}, toMutationDoc(m), options.Replace().SetUpsert(true))
	return translate(err)
}

func (t *tx) MutationForRun(_ context.Context, handlerRunID string) (workflow.Mutation, error) {
	var doc mutationDoc
	if err := t.col(colMutations).FindOne(t.ctx, bson.M{"handler_run_id": handlerRunID}).Decode(&doc); err != nil {
		return workflow.Mutation{}, translate(err)
	}
	return doc.domain(), nil
}

// --- events ---

func (t *tx) InsertEvent(_ context.Context, ev workflow.Event) (bool, error) {
	if err := t.guard(); err != nil {
		return false, err
	}
	seq, err := t.nextSeq("events")
	if err != nil {
		return false, err
	}
	_, err = t.col(colEvents).InsertOne(t.ctx, toEventDoc(ev, seq))
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, translate(err)
	}
	return true, nil
}

func (t *tx) GetEvent(_ context.Context, workflowID, topic, messageID string) (workflow.Event, error) {
	var doc eventDoc
	filter := bson.M{"workflow_id": workflowID, "topic": topic, "message_id": messageID}
	if err := t.col(colEvents).FindOne(t.ctx, filter).Decode(&doc); err != nil {
		return workflow.Event{}, translate(err)
	}
	return doc.domain(), nil
}

func (t *tx) ReserveEvents(_ context.Context, workflowID, topic string, messageIDs []string, runID string) error {
	if err := t.guard(); err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}
	filter := bson.M{
		"workflow_id": workflowID,
		"topic":       topic,
		"message_id":  bson.M{"$in": messageIDs},
		"status":      string(workflow.EventPending),
	}
	n, err := t.col(colEvents).CountDocuments(t.ctx, filter)
	if err != nil {
		return translate(err)
	}
	if n != int64(len(messageIDs)) {
		return fmt.Errorf("%w: %d of %d events on topic %q are not pending",
			store.ErrConflict, int64(len(messageIDs))-n, len(messageIDs), topic)
	}
	update := bson.M{"$set": bson.M{"status": string(workflow.EventReserved), "reserved_by": runID}}
	_, err = t.col(colEvents).UpdateMany(t.ctx, filter, update)
	return translate(err)
}

func (t *tx) ReleaseEvents(_ context.Context, runID string) (int, error) {
	return t.retagReserved(runID, bson.M{
		"$set":   bson.M{"status": string(workflow.EventPending)},
		"$unset": bson.M{"reserved_by": ""},
	})
}

func (t *tx) ConsumeEvents(_ context.Context, runID string) (int, error) {
	// reserved_by is kept for audit.
	return t.retagReserved(runID, bson.M{"$set": bson.M{"status": string(workflow.EventConsumed)}})
}

func (t *tx) SkipEvents(_ context.Context, runID string) (int, error) {
	return t.retagReserved(runID, bson.M{"$set": bson.M{"status": string(workflow.EventSkipped)}})
}

func (t *tx) TransferReservations(_ context.Context, fromRunID, toRunID string) (int, error) {
	return t.retagReserved(fromRunID, bson.M{"$set": bson.M{"reserved_by": toRunID}})
}

func (t *tx) retagReserved(runID string, update bson.M) (int, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	filter := bson.M{"reserved_by": runID, "status": string(workflow.EventReserved)}
	res, err := t.col(colEvents).UpdateMany(t.ctx, filter, update)
	if err != nil {
		return 0, translate(err)
	}
	return int(res.ModifiedCount), nil
}

func (t *tx) EventsReservedBy(_ context.Context, runID string) ([]workflow.Event, error) {
	filter := bson.M{"reserved_by": runID, "status": string(workflow.EventReserved)}
	return t.listEvents(filter, 0)
}

func (t *tx) PendingEvents(_ context.Context, workflowID, topic string, limit int) ([]workflow.Event, error) {
	filter := bson.M{"workflow_id": workflowID, "topic": topic, "status": string(workflow.EventPending)}
	return t.listEvents(filter, limit)
}

func (t *tx) CountPendingEvents(_ context.Context, workflowID, topic string) (int, error) {
	filter := bson.M{"workflow_id": workflowID, "topic": topic, "status": string(workflow.EventPending)}
	n, err := t.col(colEvents).CountDocuments(t.ctx, filter)
	if err != nil {
		return 0, translate(err)
	}
	return int(n), nil
}

func (t *tx) ReservedEvents(_ context.Context, workflowID string) ([]workflow.Event, error) {
	filter := bson.M{"status": string(workflow.EventReserved)}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	return t.listEvents(filter, 0)
}

func (t *tx) listEvents(filter bson.M, limit int) ([]workflow.Event, error) {
	var out []workflow.Event
	err := t.forEach(colEvents, filter, bson.D{{Key: "seq", Value: 1}}, limit, func(decode func(any) error) error {
		var doc eventDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.domain())
		return nil
	})
	return out, err
}

// --- inputs ---

func (t *tx) UpsertInput(_ context.Context, rec workflow.InputRecord) (workflow.InputRecord, error) {
	if err := t.guard(); err != nil {
		return workflow.InputRecord{}, err
	}
	doc := toInputDoc(rec)
	filter := bson.M{
		"workflow_id": rec.WorkflowID,
		"source":      rec.Source,
		"type":        rec.Type,
		"external_id": rec.ExternalID,
	}
	// Pure $setOnInsert: a repeat registration never modifies the stored
	// fact.
	update := bson.M{"$setOnInsert": doc}
	if _, err := t.col(colInputs).UpdateOne(t.ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return workflow.InputRecord{}, translate(err)
	}
	var stored inputDoc
	if err := t.col(colInputs).FindOne(t.ctx, filter).Decode(&stored); err != nil {
		return workflow.InputRecord{}, translate(err)
	}
	return stored.domain(), nil
}

func (t *tx) GetInput(_ context.Context, id string) (workflow.InputRecord, error) {
	var doc inputDoc
	if err := t.col(colInputs).FindOne(t.ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workflow.InputRecord{}, translate(err)
	}
	return doc.domain(), nil
}

// --- schedules ---

func (t *tx) PutProducerSchedule(_ context.Context, s workflow.ProducerSchedule) error {
	if err := t.guard(); err != nil {
		return err
	}
	doc := toScheduleDoc(s)
	_, err := t.col(colSchedules).ReplaceOne(t.ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return translate(err)
}

func (t *tx) DeleteProducerSchedule(_ context.Context, workflowID, producerName string) error {
	if err := t.guard(); err != nil {
		return err
	}
	_, err := t.col(colSchedules).DeleteOne(t.ctx, bson.M{"_id": workflowID + "/" + producerName})
	return translate(err)
}

func (t *tx) ListProducerSchedules(_ context.Context, workflowID string) ([]workflow.ProducerSchedule, error) {
	filter := bson.M{}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	var out []workflow.ProducerSchedule
	err := t.forEach(colSchedules, filter, bson.D{{Key: "_id", Value: 1}}, 0, func(decode func(any) error) error {
		var doc scheduleDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.domain())
		return nil
	})
	return out, err
}

// --- handler states ---

func (t *tx) GetHandlerState(_ context.Context, workflowID, handlerName string) (workflow.HandlerState, error) {
	var doc handlerStateDoc
	if err := t.col(colHandlerStates).FindOne(t.ctx, bson.M{"_id": workflowID + "/" + handlerName}).Decode(&doc); err != nil {
		return workflow.HandlerState{}, translate(err)
	}
	return doc.domain(), nil
}

func (t *tx) PutHandlerState(_ context.Context, hs workflow.HandlerState) error {
	if err := t.guard(); err != nil {
		return err
	}
	doc := toHandlerStateDoc(hs)
	_, err := t.col(colHandlerStates).ReplaceOne(t.ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return translate(err)
}

func (t *tx) ListHandlerStates(_ context.Context, workflowID string) ([]workflow.HandlerState, error) {
	var out []workflow.HandlerState
	err := t.forEach(colHandlerStates, bson.M{"workflow_id": workflowID}, bson.D{{Key: "_id", Value: 1}}, 0, func(decode func(any) error) error {
		var doc handlerStateDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.domain())
		return nil
	})
	return out, err
}

// --- helpers ---

// nextSeq allocates the next value of a named monotone counter. Event
// publish order is derived from it.
func (t *tx) nextSeq(name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := t.col(colCounters).FindOneAndUpdate(t.ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, translate(err)
	}
	return doc.Seq, nil
}

// forEach iterates a filtered, sorted cursor.
func (t *tx) forEach(col string, filter bson.M, sort bson.D, limit int, visit func(decode func(any) error) error) error {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := t.col(col).Find(t.ctx, filter, opts)
	if err != nil {
		return translate(err)
	}
	defer func() {
		_ = cur.Close(t.ctx)
	}()
	for cur.Next(t.ctx) {
		if err := visit(cur.Decode); err != nil {
			return translate(err)
		}
	}
	return translate(cur.Err())
}
