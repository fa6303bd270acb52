package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/emm"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/ledger"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/reconcile"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/tools"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// Built-in engine tools available to scripts alongside connector tools.
const (
	toolPublish       = "events.publish"
	toolRegisterInput = "inputs.register"
)

type (
	// invoker routes sandbox tool calls back into the engine, bound to one
	// run and one evaluation phase.
	invoker struct {
		r   *Runner
		wf  workflow.Workflow
		cfg workflow.Config
		run workflow.HandlerRun

		mu sync.Mutex
		// inputIDs accumulates input records registered during a producer
		// evaluation; producer publishes cite them as causes.
		inputIDs []string
		// causedBy is the precomputed causal set for next-phase publishes:
		// the union of the reserved events' causes.
		causedBy []string
	}

	publishArgs struct {
		Topic     string          `json:"topic"`
		MessageID string          `json:"messageId"`
		Title     string          `json:"title,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	registerInputArgs struct {
		Source     string `json:"source"`
		Type       string `json:"type"`
		ExternalID string `json:"externalId"`
		Title      string `json:"title,omitempty"`
	}
)

// Invoke resolves and executes one tool call from the sandbox.
func (v *invoker) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	switch tool {
	case toolPublish:
		return v.publish(ctx, args)
	case toolRegisterInput:
		return v.registerInput(ctx, args)
	}
	t, ok := v.r.tools.Lookup(tool)
	if !ok {
		return nil, sandbox.Errorf(workflow.ErrorLogic, "unknown tool %q", tool)
	}
	if err := tools.CheckPhase(ctx, t); err != nil {
		return nil, err
	}
	if err := t.ValidateInput(args); err != nil {
		return nil, err
	}
	if t.Kind == tools.KindMutation {
		return v.mutate(ctx, t, args)
	}
	result, err := t.Execute(ctx, args)
	if err != nil {
		return nil, sandbox.AsError(err)
	}
	if err := t.ValidateOutput(result); err != nil {
		return nil, err
	}
	return result, nil
}

// publish implements the built-in event publish tool. Callable in producer
// and next phases; the declared-topic check applies and the engine computes
// the causal edge set.
func (v *invoker) publish(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	tag, _ := tools.PhaseFrom(ctx)
	if tag != tools.TagProducer && tag != tools.TagNext {
		return nil, sandbox.Errorf(workflow.ErrorLogic, "%s may only be called from a producer handler or a consumer next", toolPublish)
	}
	var pa publishArgs
	if err := json.Unmarshal(args, &pa); err != nil {
		return nil, sandbox.Errorf(workflow.ErrorLogic, "%s: invalid arguments: %v", toolPublish, err)
	}
	if pa.Topic == "" || pa.MessageID == "" {
		return nil, sandbox.Errorf(workflow.ErrorLogic, "%s: topic and messageId are required", toolPublish)
	}
	if !v.cfg.MayPublish(v.run.HandlerType, v.run.HandlerName, pa.Topic) {
		return nil, sandbox.Errorf(workflow.ErrorLogic,
			"handler %q may not publish to undeclared topic %q", v.run.HandlerName, pa.Topic)
	}
	v.mu.Lock()
	var causes []string
	if tag == tools.TagProducer {
		causes = append(causes, v.inputIDs...)
	} else {
		causes = append(causes, v.causedBy...)
	}
	v.mu.Unlock()
	ev, inserted, err := v.r.ledger.Publish(ctx, ledger.PublishRequest{
		WorkflowID:     v.wf.ID,
		Topic:          pa.Topic,
		MessageID:      pa.MessageID,
		Title:          pa.Title,
		Payload:        pa.Payload,
		CausedBy:       causes,
		PublisherRunID: v.run.ID,
	})
	if err != nil {
		return nil, sandbox.WrapError(workflow.ErrorInternal, "publish event", err)
	}
	return json.Marshal(map[string]any{"eventId": ev.ID, "duplicate": !inserted})
}

// registerInput implements the built-in input registration tool, producer
// phase only.
func (v *invoker) registerInput(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if tag, _ := tools.PhaseFrom(ctx); tag != tools.TagProducer {
		return nil, sandbox.Errorf(workflow.ErrorLogic, "%s may only be called from a producer handler", toolRegisterInput)
	}
	var ra registerInputArgs
	if err := json.Unmarshal(args, &ra); err != nil {
		return nil, sandbox.Errorf(workflow.ErrorLogic, "%s: invalid arguments: %v", toolRegisterInput, err)
	}
	rec, err := v.r.ledger.RegisterInput(ctx, v.wf.ID, ledger.InputSpec{
		Source:     ra.Source,
		Type:       ra.Type,
		ExternalID: ra.ExternalID,
		Title:      ra.Title,
	}, v.run.ID)
	if err != nil {
		if errors.As(err, new(*sandbox.Error)) {
			return nil, err
		}
		return nil, sandbox.Errorf(workflow.ErrorLogic, "%s: %v", toolRegisterInput, err)
	}
	v.mu.Lock()
	v.inputIDs = append(v.inputIDs, rec.ID)
	v.mu.Unlock()
	return json.Marshal(map[string]string{"inputId": rec.ID})
}

// mutate drives the durable mutation lifecycle around a mutation tool call.
// The in_flight record commits before Execute so a crash can never lose the
// fact that the effect may have started. On success the mutation applies
// and evaluation terminates cooperatively; the rest of mutate() never runs.
func (v *invoker) mutate(ctx context.Context, t tools.Tool, args json.RawMessage) (json.RawMessage, error) {
	var key string
	if t.IdempotencyKey != nil {
		key = t.IdempotencyKey(args)
	}
	mut, err := v.r.emm.BeginMutation(ctx, v.run.ID, emm.BeginMutationOpts{
		ToolNamespace:  t.Namespace,
		ToolMethod:     t.Name,
		Params:         args,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, emm.ErrInvariantViolation) {
			return nil, sandbox.Errorf(workflow.ErrorLogic, "tool %q: %v", t.Ident(), err)
		}
		return nil, sandbox.WrapError(workflow.ErrorInternal, "record mutation", err)
	}

	result, execErr := t.Execute(ctx, args)
	if execErr == nil {
		if verr := t.ValidateOutput(result); verr != nil {
			// The effect happened; a malformed result must not unwind it.
			v.r.logger.Warn(ctx, "mutation result failed schema validation",
				"run_id", v.run.ID, "tool", t.Ident(), "err", verr.Error())
		}
		if err := v.r.emm.ApplyMutation(ctx, mut.ID, result); err != nil {
			return nil, sandbox.WrapError(workflow.ErrorInternal, "apply mutation", err)
		}
		return nil, sandbox.ErrMutationTerminated
	}

	serr := sandbox.AsError(execErr)
	if definitelyNotApplied(serr.Kind) {
		if err := v.r.emm.FailMutation(ctx, mut.ID, serr.Message); err != nil {
			return nil, sandbox.WrapError(workflow.ErrorInternal, "fail mutation", err)
		}
		return nil, serr
	}

	// Outcome uncertain: the request may have reached the external system.
	mut.Params = args
	mut.IdempotencyKey = key
	verdict, checkResult, cerr := v.resolveUncertain(ctx, mut)
	switch {
	case cerr == nil && verdict == reconcile.VerdictApplied:
		if err := v.r.emm.ApplyMutation(ctx, mut.ID, checkResult); err != nil {
			return nil, sandbox.WrapError(workflow.ErrorInternal, "apply mutation", err)
		}
		return nil, sandbox.ErrMutationTerminated
	case cerr == nil && verdict == reconcile.VerdictFailed:
		if err := v.r.emm.FailMutation(ctx, mut.ID, serr.Message); err != nil {
			return nil, sandbox.WrapError(workflow.ErrorInternal, "fail mutation", err)
		}
		return nil, serr
	case cerr == nil && verdict == reconcile.VerdictRetry:
		if err := v.r.emm.UpdateMutationStatus(ctx, mut.ID, workflow.MutationNeedsReconcile, emm.MutationStatusOpts{Error: serr.Message}); err != nil {
			return nil, sandbox.WrapError(workflow.ErrorInternal, "mark mutation for reconcile", err)
		}
		return nil, serr
	default:
		if err := v.r.emm.UpdateMutationStatus(ctx, mut.ID, workflow.MutationIndeterminate, emm.MutationStatusOpts{Error: serr.Message}); err != nil {
			return nil, sandbox.WrapError(workflow.ErrorInternal, "mark mutation indeterminate", err)
		}
		return nil, serr
	}
}

// resolveUncertain consults the reconcile check for the tool, if any.
func (v *invoker) resolveUncertain(ctx context.Context, mut workflow.Mutation) (reconcile.Verdict, json.RawMessage, error) {
	if v.r.reconcile == nil {
		return "", nil, reconcile.ErrNoCheck
	}
	return v.r.reconcile.Resolve(ctx, mut)
}

// definitelyNotApplied reports whether a failure kind guarantees the
// external effect did not happen. Auth, permission, and logic failures are
// rejected before the effect; anything network-shaped or unclassified may
// have gone through.
func definitelyNotApplied(kind workflow.ErrorKind) bool {
	switch kind {
	case workflow.ErrorAuth, workflow.ErrorPermission, workflow.ErrorLogic:
		return true
	default:
		return false
	}
}
