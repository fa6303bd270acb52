package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/emm"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/tools"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// maxPrepareBatch bounds how many pending events per topic one prepare
// evaluation sees.
const maxPrepareBatch = 100

type (
	// prepareOutput is the contract of a consumer's prepare() return value.
	// Any other shape, including unknown fields, is a logic error.
	prepareOutput struct {
		// Reservations lists the events the consumer claims, per topic.
		Reservations []prepareReservation `json:"reservations,omitempty"`
		// Data is the opaque payload carried to mutate() and next().
		Data json.RawMessage `json:"data,omitempty"`
		// UI carries display hints for the run surface.
		UI *prepareUI `json:"ui,omitempty"`
		// WakeAt asks the scheduler to run the consumer again at the given
		// ISO-8601 time even without new events. Subject to the persistence
		// clamp; an unparseable value clears the wake.
		WakeAt string `json:"wakeAt,omitempty"`
	}

	prepareReservation struct {
		Topic string   `json:"topic"`
		IDs   []string `json:"ids"`
	}

	prepareUI struct {
		Title string `json:"title,omitempty"`
	}

	pendingEventView struct {
		Topic     string          `json:"topic"`
		MessageID string          `json:"messageId"`
		Title     string          `json:"title,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// RunConsumer executes one consumer handler from a fresh run through the
// full phase ladder: pending → preparing → prepared → mutating → mutated →
// emitting → committed, skipping mutate when the script declares none.
func (r *Runner) RunConsumer(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, sessionID, name string, script workflow.Script) (Result, error) {
	if _, ok := cfg.Consumers[name]; !ok {
		return Result{}, fmt.Errorf("consumer %q not declared by config", name)
	}
	inputState, err := r.loadState(ctx, wf.ID, name)
	if err != nil {
		return Result{}, err
	}
	hr, err := r.emm.CreateHandlerRun(ctx, sessionID, wf, workflow.HandlerConsumer, name, inputState)
	if err != nil {
		return Result{}, err
	}
	return r.driveConsumer(ctx, wf, cfg, hr.ID, script)
}

// ResumeConsumer drives an existing active run, typically a retry created
// at the emitting phase after a post-mutation failure or crash.
func (r *Runner) ResumeConsumer(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, runID string, script workflow.Script) (Result, error) {
	return r.driveConsumer(ctx, wf, cfg, runID, script)
}

// driveConsumer is the phase loop. It re-reads the canonical run row before
// each step: the previous step (or the mutation tool mid-evaluation)
// advances the durable phase, and the loop follows the row, never its own
// memory of it.
func (r *Runner) driveConsumer(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, runID string, script workflow.Script) (Result, error) {
	var (
		cost float64
		logs []string
	)
	for {
		hr, err := r.reload(ctx, runID)
		if err != nil {
			return Result{}, err
		}
		if hr.Status != workflow.RunActive {
			return Result{Run: hr, Status: hr.Status}, nil
		}
		ccfg, ok := cfg.Consumers[hr.HandlerName]
		if !ok {
			return r.fail(ctx, runID, sandbox.Errorf(workflow.ErrorLogic, "consumer %q not declared by active config", hr.HandlerName), cost, logs)
		}

		switch hr.Phase {
		case workflow.PhasePending:
			if err := r.emm.UpdateConsumerPhase(ctx, runID, workflow.PhasePreparing, emm.ConsumerPhaseOpts{}); err != nil {
				return Result{}, err
			}

		case workflow.PhasePreparing:
			res, done, err := r.preparePhase(ctx, wf, cfg, ccfg, hr, script, &cost, &logs)
			if err != nil {
				return Result{}, err
			}
			if done {
				return res, nil
			}

		case workflow.PhasePrepared:
			reserved, err := r.reservedEvents(ctx, runID)
			if err != nil {
				return Result{}, err
			}
			if len(reserved) == 0 {
				return r.commitConsumer(ctx, hr, nil, cost, logs)
			}
			next := workflow.PhaseMutating
			if !ccfg.HasMutate {
				next = workflow.PhaseEmitting
			}
			if err := r.emm.UpdateConsumerPhase(ctx, runID, next, emm.ConsumerPhaseOpts{}); err != nil {
				return Result{}, err
			}

		case workflow.PhaseMutating:
			res, done, err := r.mutatePhase(ctx, wf, cfg, hr, script, &cost, &logs)
			if err != nil {
				return Result{}, err
			}
			if done {
				return res, nil
			}

		case workflow.PhaseMutated:
			if err := r.emm.UpdateConsumerPhase(ctx, runID, workflow.PhaseEmitting, emm.ConsumerPhaseOpts{}); err != nil {
				return Result{}, err
			}

		case workflow.PhaseEmitting:
			return r.emitPhase(ctx, wf, cfg, ccfg, hr, script, cost, logs)

		case workflow.PhaseCommitted:
			return Result{Run: hr, Status: workflow.RunCommitted}, nil

		default:
			return Result{}, fmt.Errorf("consumer run %q in unexpected phase %q", runID, hr.Phase)
		}
	}
}

// preparePhase evaluates prepare() against the pending events of the
// consumer's subscribed topics and durably records reservations, the
// prepare result, and any requested wake in one transition.
func (r *Runner) preparePhase(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, ccfg workflow.ConsumerConfig, hr workflow.HandlerRun, script workflow.Script, cost *float64, logs *[]string) (Result, bool, error) {
	pending, err := r.pendingViews(ctx, wf.ID, ccfg.Subscribe)
	if err != nil {
		return Result{}, false, err
	}
	pendingArg, err := json.Marshal(pending)
	if err != nil {
		return Result{}, false, err
	}

	inv := &invoker{r: r, wf: wf, cfg: cfg, run: hr}
	started := r.now()
	res, evalErr := r.eval.Eval(tools.WithPhase(ctx, tools.TagPrepare), sandbox.EvalRequest{
		Script: script.Code,
		Entry:  prepareEntry(hr.HandlerName),
		State:  hr.InputState,
		Args:   []json.RawMessage{pendingArg},
		Tools:  inv,
	})
	r.metrics.RecordTimer(telemetry.MetricPhaseDuration, r.now().Sub(started), "phase", string(workflow.PhasePreparing))
	*cost += res.Cost
	*logs = append(*logs, res.Logs...)
	if evalErr != nil {
		failed, err := r.fail(ctx, hr.ID, sandbox.AsError(evalErr), *cost, *logs)
		return failed, true, err
	}
	if !res.OK {
		failed, err := r.fail(ctx, hr.ID, evalFailure(res), *cost, *logs)
		return failed, true, err
	}

	out, serr := parsePrepareOutput(res.Result, ccfg)
	if serr != nil {
		failed, err := r.fail(ctx, hr.ID, serr, *cost, *logs)
		return failed, true, err
	}
	prepResult, err := out.carried()
	if err != nil {
		return Result{}, false, err
	}
	// Every prepare resets the wake: either to the newly requested time or
	// to zero, so a consumed wake cannot re-trigger. An unparseable wakeAt
	// clears rather than fails; the clamp handles out-of-range values.
	wake := time.Time{}
	if out.WakeAt != "" {
		if t, perr := time.Parse(time.RFC3339, out.WakeAt); perr == nil {
			wake = t
		}
	}
	opts := emm.ConsumerPhaseOpts{
		Reservations:  reservations(out.Reservations),
		PrepareResult: prepResult,
		WakeAt:        &wake,
	}
	if err := r.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhasePrepared, opts); err != nil {
		if errors.Is(err, emm.ErrInvariantViolation) {
			// Reservation conflict: another run holds one of the claimed
			// events. Treated as a logic error against current pending state.
			failed, ferr := r.fail(ctx, hr.ID, sandbox.Errorf(workflow.ErrorLogic, "prepare reserved unavailable events: %v", err), *cost, *logs)
			return failed, true, ferr
		}
		return Result{}, false, err
	}
	return Result{}, false, nil
}

// mutatePhase evaluates mutate(). The tool invoker advances the durable
// mutation lifecycle mid-evaluation; this step only interprets how the
// evaluation ended.
func (r *Runner) mutatePhase(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, hr workflow.HandlerRun, script workflow.Script, cost *float64, logs *[]string) (Result, bool, error) {
	inv := &invoker{r: r, wf: wf, cfg: cfg, run: hr}
	started := r.now()
	res, evalErr := r.eval.Eval(tools.WithPhase(ctx, tools.TagMutate), sandbox.EvalRequest{
		Script: script.Code,
		Entry:  mutateEntry(hr.HandlerName),
		State:  hr.InputState,
		Args:   []json.RawMessage{hr.PrepareResult},
		Tools:  inv,
	})
	r.metrics.RecordTimer(telemetry.MetricPhaseDuration, r.now().Sub(started), "phase", string(workflow.PhaseMutating))
	*cost += res.Cost
	*logs = append(*logs, res.Logs...)
	switch {
	case evalErr != nil && errors.Is(evalErr, sandbox.ErrMutationTerminated):
		// Mutation applied; the run row is already at mutated.
		return Result{}, false, nil
	case evalErr != nil:
		failed, err := r.fail(ctx, hr.ID, sandbox.AsError(evalErr), *cost, *logs)
		return failed, true, err
	case res.MutationTerminated:
		return Result{}, false, nil
	case !res.OK:
		failed, err := r.fail(ctx, hr.ID, evalFailure(res), *cost, *logs)
		return failed, true, err
	}
	// mutate() returned without calling a mutation tool.
	if err := r.emm.UpdateConsumerPhase(ctx, hr.ID, workflow.PhaseMutated, emm.ConsumerPhaseOpts{}); err != nil {
		return Result{}, false, err
	}
	return Result{}, false, nil
}

// emitPhase evaluates next() when declared and commits the run. Publishes
// from next() carry the union of the reserved events' causes.
func (r *Runner) emitPhase(ctx context.Context, wf workflow.Workflow, cfg workflow.Config, ccfg workflow.ConsumerConfig, hr workflow.HandlerRun, script workflow.Script, cost float64, logs []string) (Result, error) {
	if !ccfg.HasNext {
		return r.commitConsumer(ctx, hr, nil, cost, logs)
	}
	mutView, err := r.mutationView(ctx, hr)
	if err != nil {
		return Result{}, err
	}
	mutArg, err := json.Marshal(mutView)
	if err != nil {
		return Result{}, err
	}
	causes, err := r.ledger.ReservedCausalUnion(ctx, hr.ID)
	if err != nil {
		return Result{}, err
	}

	inv := &invoker{r: r, wf: wf, cfg: cfg, run: hr, causedBy: causes}
	started := r.now()
	res, evalErr := r.eval.Eval(tools.WithPhase(ctx, tools.TagNext), sandbox.EvalRequest{
		Script: script.Code,
		Entry:  nextEntry(hr.HandlerName),
		State:  hr.InputState,
		Args:   []json.RawMessage{hr.PrepareResult, mutArg},
		Tools:  inv,
	})
	r.metrics.RecordTimer(telemetry.MetricPhaseDuration, r.now().Sub(started), "phase", string(workflow.PhaseEmitting))
	cost += res.Cost
	logs = append(logs, res.Logs...)
	if evalErr != nil {
		return r.fail(ctx, hr.ID, sandbox.AsError(evalErr), cost, logs)
	}
	if !res.OK {
		return r.fail(ctx, hr.ID, evalFailure(res), cost, logs)
	}
	return r.commitConsumer(ctx, hr, res.Result, cost, logs)
}

func (r *Runner) commitConsumer(ctx context.Context, hr workflow.HandlerRun, state json.RawMessage, cost float64, logs []string) (Result, error) {
	err := r.emm.CommitConsumer(ctx, hr.ID, emm.CommitConsumerOpts{
		State: state,
		Cost:  cost,
		Logs:  logs,
	})
	if err != nil {
		return Result{}, err
	}
	final, err := r.reload(ctx, hr.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Run: final, Status: workflow.RunCommitted}, nil
}

// mutationView builds the next() argument describing the run's mutation. A
// retry run reads the mutation of the run it retries.
func (r *Runner) mutationView(ctx context.Context, hr workflow.HandlerRun) (workflow.ResultForNext, error) {
	var mut workflow.Mutation
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		mut, err = tx.MutationForRun(ctx, hr.ID)
		if errors.Is(err, store.ErrNotFound) && hr.RetryOf != "" {
			mut, err = tx.MutationForRun(ctx, hr.RetryOf)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return (*workflow.Mutation)(nil).ForNext(), nil
		}
		return workflow.ResultForNext{}, err
	}
	return mut.ForNext(), nil
}

func (r *Runner) reservedEvents(ctx context.Context, runID string) ([]workflow.Event, error) {
	var evs []workflow.Event
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		evs, err = tx.EventsReservedBy(ctx, runID)
		return err
	})
	return evs, err
}

// pendingViews loads the pending events prepare() sees, in publish order
// per topic.
func (r *Runner) pendingViews(ctx context.Context, workflowID string, topics []string) ([]pendingEventView, error) {
	views := make([]pendingEventView, 0, 16)
	err := r.store.View(ctx, func(tx store.Tx) error {
		for _, topic := range topics {
			evs, err := tx.PendingEvents(ctx, workflowID, topic, maxPrepareBatch)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				views = append(views, pendingEventView{
					Topic:     ev.Topic,
					MessageID: ev.MessageID,
					Title:     ev.Title,
					Payload:   ev.Payload,
				})
			}
		}
		return nil
	})
	return views, err
}

// parsePrepareOutput strictly decodes prepare()'s return value. Unknown
// fields, duplicate topics, unsubscribed topics, and empty batches all fail
// as logic errors.
func parsePrepareOutput(raw json.RawMessage, ccfg workflow.ConsumerConfig) (prepareOutput, *sandbox.Error) {
	var out prepareOutput
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, sandbox.Errorf(workflow.ErrorLogic, "prepare returned malformed output: %v", err)
	}
	seen := make(map[string]bool, len(out.Reservations))
	for _, res := range out.Reservations {
		if seen[res.Topic] {
			return out, sandbox.Errorf(workflow.ErrorLogic, "prepare reserved topic %q twice", res.Topic)
		}
		seen[res.Topic] = true
		if !slices.Contains(ccfg.Subscribe, res.Topic) {
			return out, sandbox.Errorf(workflow.ErrorLogic, "prepare reserved events on unsubscribed topic %q", res.Topic)
		}
		if len(res.IDs) == 0 {
			return out, sandbox.Errorf(workflow.ErrorLogic, "prepare reserved an empty batch on topic %q", res.Topic)
		}
	}
	return out, nil
}

// carried builds the payload mutate() and next() receive: the prepare data
// and UI hints, without the reservation bookkeeping.
func (out prepareOutput) carried() (json.RawMessage, error) {
	if len(out.Data) == 0 && out.UI == nil {
		return nil, nil
	}
	payload := struct {
		Data json.RawMessage `json:"data,omitempty"`
		UI   *prepareUI      `json:"ui,omitempty"`
	}{Data: out.Data, UI: out.UI}
	return json.Marshal(payload)
}

// reservations converts the prepare reservation list for the phase update.
func reservations(rs []prepareReservation) []emm.Reservation {
	if len(rs) == 0 {
		return nil
	}
	out := make([]emm.Reservation, 0, len(rs))
	for _, r := range rs {
		out = append(out, emm.Reservation{Topic: r.Topic, MessageIDs: r.IDs})
	}
	return out
}
